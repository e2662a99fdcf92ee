// Package gate implements the risk gate: a single-writer actor that
// evaluates signed proposals against the constitution, executes approved
// orders at the broker, and audits everything to the ledger. Durable
// operational state (lock mirror, restricted dates, position metadata,
// heartbeat, start-of-day equity) lives in a Redis key-value store so a
// restarted gate resumes where it left off.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"options-trading-engine/config"
	"options-trading-engine/internal/models"
)

const (
	keyLock         = "gw:lock"
	keyLockReason   = "gw:lock_reason"
	keyRestricted   = "gw:restricted_dates"
	keyPositionMeta = "gw:position_meta"
	keyHeartbeat    = "gw:heartbeat_at"
	keyBrainState   = "gw:brain_state"
	keySODEquity    = "gw:sod_equity:" // + YYYY-MM-DD
)

// PositionMeta is the side-index the correlation guard reads: broker order
// id -> what was opened. Maintained in lockstep with order creation and
// closure.
type PositionMeta struct {
	Symbol   string      `json:"symbol"`
	Bias     models.Bias `json:"bias"`
	Strategy string      `json:"strategy"`
}

// kvStore wraps the Redis client with the gate's key schema.
type kvStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

func newKVStore(cfg config.RedisConfig, logger zerolog.Logger) (*kvStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &kvStore{rdb: rdb, log: logger.With().Str("component", "gate-kv").Logger()}, nil
}

func (kv *kvStore) Close() error { return kv.rdb.Close() }

// Mirror writes are best-effort: the ledger row is the lock's source of
// truth, Redis stands in only when the ledger is unreachable at startup.
// Failures are logged, not fatal.

func (kv *kvStore) saveLock(ctx context.Context, locked bool, reason string) {
	status := "NORMAL"
	if locked {
		status = "LOCKED"
	}
	if err := kv.rdb.MSet(ctx, keyLock, status, keyLockReason, reason).Err(); err != nil {
		kv.log.Warn().Err(err).Msg("lock mirror write failed")
	}
}

func (kv *kvStore) loadLock(ctx context.Context) (locked bool, reason string) {
	vals, err := kv.rdb.MGet(ctx, keyLock, keyLockReason).Result()
	if err != nil || len(vals) != 2 {
		return false, ""
	}
	if s, ok := vals[0].(string); ok && s == "LOCKED" {
		locked = true
	}
	if s, ok := vals[1].(string); ok {
		reason = s
	}
	return locked, reason
}

func (kv *kvStore) saveRestrictedDates(ctx context.Context, dates []string) {
	pipe := kv.rdb.TxPipeline()
	pipe.Del(ctx, keyRestricted)
	if len(dates) > 0 {
		members := make([]any, len(dates))
		for i, d := range dates {
			members[i] = d
		}
		pipe.SAdd(ctx, keyRestricted, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		kv.log.Warn().Err(err).Msg("restricted dates write failed")
	}
}

func (kv *kvStore) loadRestrictedDates(ctx context.Context) map[string]bool {
	members, err := kv.rdb.SMembers(ctx, keyRestricted).Result()
	if err != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m] = true
	}
	return out
}

func (kv *kvStore) savePositionMeta(ctx context.Context, orderID int64, meta PositionMeta) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := kv.rdb.HSet(ctx, keyPositionMeta, strconv.FormatInt(orderID, 10), data).Err(); err != nil {
		kv.log.Warn().Err(err).Int64("order_id", orderID).Msg("position metadata write failed")
	}
}

func (kv *kvStore) deletePositionMeta(ctx context.Context, orderID int64) {
	if err := kv.rdb.HDel(ctx, keyPositionMeta, strconv.FormatInt(orderID, 10)).Err(); err != nil {
		kv.log.Warn().Err(err).Int64("order_id", orderID).Msg("position metadata delete failed")
	}
}

func (kv *kvStore) loadPositionMeta(ctx context.Context) map[int64]PositionMeta {
	entries, err := kv.rdb.HGetAll(ctx, keyPositionMeta).Result()
	if err != nil {
		return map[int64]PositionMeta{}
	}
	out := make(map[int64]PositionMeta, len(entries))
	for field, raw := range entries {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		var meta PositionMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		out[id] = meta
	}
	return out
}

func (kv *kvStore) saveHeartbeat(ctx context.Context, at time.Time, state json.RawMessage) {
	pipe := kv.rdb.Pipeline()
	pipe.Set(ctx, keyHeartbeat, at.UnixMilli(), 0)
	if len(state) > 0 {
		pipe.Set(ctx, keyBrainState, string(state), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		kv.log.Warn().Err(err).Msg("heartbeat write failed")
	}
}

func (kv *kvStore) loadHeartbeat(ctx context.Context) (time.Time, json.RawMessage) {
	ms, err := kv.rdb.Get(ctx, keyHeartbeat).Int64()
	var at time.Time
	if err == nil && ms > 0 {
		at = time.UnixMilli(ms)
	}
	blob, err := kv.rdb.Get(ctx, keyBrainState).Result()
	if err != nil {
		return at, nil
	}
	return at, json.RawMessage(blob)
}

func (kv *kvStore) saveSODEquity(ctx context.Context, day string, equity float64) {
	// expire after a week; only today's value matters
	if err := kv.rdb.Set(ctx, keySODEquity+day, equity, 7*24*time.Hour).Err(); err != nil {
		kv.log.Warn().Err(err).Msg("start-of-day equity write failed")
	}
}

func (kv *kvStore) loadSODEquity(ctx context.Context, day string) (float64, bool) {
	v, err := kv.rdb.Get(ctx, keySODEquity+day).Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}
