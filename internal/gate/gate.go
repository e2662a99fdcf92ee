package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-trading-engine/config"
	"options-trading-engine/internal/ledger"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/tradier"
)

// Broker is the slice of the brokerage API the gate needs.
type Broker interface {
	GetBalances(ctx context.Context) (*tradier.Balances, error)
	GetPositions(ctx context.Context) ([]tradier.Position, error)
	PlaceMultilegOrder(ctx context.Context, order tradier.MultilegOrder) (int64, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]tradier.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

// Ledger is the audit store surface the gate writes through.
type Ledger interface {
	InsertProposal(ctx context.Context, p *models.Proposal, status, reason string) error
	InsertOrder(ctx context.Context, orderID int64, proposalID, symbol string, quantity int) error
	LatestOpenOrderID(ctx context.Context, symbol, strategy string) (int64, error)
	ReplacePositions(ctx context.Context, positions []tradier.Position) error
	GetSystemStatus(ctx context.Context) (*ledger.SystemStatus, error)
	SetSystemStatus(ctx context.Context, status, reason string) error
	InsertEquitySnapshot(ctx context.Context, equity float64) error
	RecentProposals(ctx context.Context, n int) ([]ledger.ProposalRecord, error)
	SummarizeProposals(ctx context.Context, since time.Time) (*ledger.ProposalSummary, error)
	DayEquityRange(ctx context.Context, since time.Time) (first, last float64, ok bool, err error)
}

// mirror is the durable key-value layer behind the actor's memory.
type mirror interface {
	saveLock(ctx context.Context, locked bool, reason string)
	loadLock(ctx context.Context) (locked bool, reason string)
	saveRestrictedDates(ctx context.Context, dates []string)
	savePositionMeta(ctx context.Context, orderID int64, meta PositionMeta)
	deletePositionMeta(ctx context.Context, orderID int64)
	saveHeartbeat(ctx context.Context, at time.Time, state json.RawMessage)
	saveSODEquity(ctx context.Context, day string, equity float64)
}

// Gate is the single-writer actor. Every mutating operation serialises on
// mu and runs to completion; reads of committed state take the same lock.
// There is exactly one logical instance.
type Gate struct {
	constitution config.Constitution
	secret       []byte
	broker       Broker
	ledger       Ledger
	kv           mirror
	notifier     *notify.Manager
	loc          *time.Location
	log          zerolog.Logger
	now          func() time.Time

	mu             sync.Mutex
	locked         bool
	lockReason     string
	restricted     map[string]bool
	meta           map[int64]PositionMeta // broker order id -> what it opened
	sodDay         string
	sodEquity      float64
	lastEquity     float64
	positionsCache []tradier.Position
	lastHeartbeat  time.Time
	brainState     json.RawMessage
}

// New assembles the actor and restores its state: the ledger row decides
// the lock, the key-value store restores the rest.
func New(ctx context.Context, constitution config.Constitution, secret []byte, broker Broker,
	auditLog Ledger, redisCfg config.RedisConfig, notifier *notify.Manager,
	loc *time.Location, logger zerolog.Logger) (*Gate, error) {
	if err := constitution.Validate(); err != nil {
		return nil, fmt.Errorf("constitution: %w", err)
	}
	kv, err := newKVStore(redisCfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		constitution: constitution,
		secret:       secret,
		broker:       broker,
		ledger:       auditLog,
		kv:           kv,
		notifier:     notifier,
		loc:          loc,
		log:          logger.With().Str("component", "gate").Logger(),
		now:          time.Now,
		restricted:   kv.loadRestrictedDates(ctx),
		meta:         kv.loadPositionMeta(ctx),
	}

	g.restoreLock(ctx)

	g.lastHeartbeat, g.brainState = kv.loadHeartbeat(ctx)
	day := g.now().In(loc).Format("2006-01-02")
	if equity, ok := kv.loadSODEquity(ctx, day); ok {
		g.sodDay, g.sodEquity = day, equity
	}

	g.log.Info().Bool("locked", g.locked).Int("restricted_dates", len(g.restricted)).
		Int("position_meta", len(g.meta)).Msg("gate state restored")
	return g, nil
}

// restoreLock restores the latch across restarts: the ledger row decides,
// and when the ledger is unreachable at startup the key-value mirror
// stands in until it returns.
func (g *Gate) restoreLock(ctx context.Context) {
	status, err := g.ledger.GetSystemStatus(ctx)
	if err != nil {
		g.locked, g.lockReason = g.kv.loadLock(ctx)
		g.log.Warn().Err(err).Bool("locked", g.locked).Msg("lock restore from ledger failed, using mirror")
		return
	}
	g.locked = status.Status == ledger.SystemLocked
	g.lockReason = status.Reason
	g.kv.saveLock(ctx, g.locked, g.lockReason)
}

// Lock latches the system closed. Manual and automatic locks share this
// path; the ledger row is written first.
func (g *Gate) Lock(ctx context.Context, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lockLocked(ctx, reason)
}

func (g *Gate) lockLocked(ctx context.Context, reason string) {
	g.locked = true
	g.lockReason = reason
	if err := g.ledger.SetSystemStatus(ctx, ledger.SystemLocked, reason); err != nil {
		g.log.Error().Err(err).Msg("ledger lock write failed")
	}
	g.kv.saveLock(ctx, true, reason)
	g.notifier.SystemLocked(reason)
}

// Unlock returns the system to NORMAL.
func (g *Gate) Unlock(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = false
	g.lockReason = ""
	if err := g.ledger.SetSystemStatus(ctx, ledger.SystemNormal, ""); err != nil {
		g.log.Error().Err(err).Msg("ledger unlock write failed")
	}
	g.kv.saveLock(ctx, false, "")
	g.notifier.Send(notify.Event{Type: notify.EventSystemUnlock, Title: "System Unlocked"})
}

// UpdateCalendar replaces the restricted-date set.
func (g *Gate) UpdateCalendar(ctx context.Context, dates []string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restricted = make(map[string]bool, len(dates))
	for _, d := range dates {
		g.restricted[d] = true
	}
	g.kv.saveRestrictedDates(ctx, dates)
	g.log.Info().Int("count", len(dates)).Msg("restricted dates replaced")
	return len(dates)
}

// Heartbeat records brain liveness and the opaque state blob.
func (g *Gate) Heartbeat(ctx context.Context, state json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastHeartbeat = g.now()
	if len(state) > 0 {
		g.brainState = state
	}
	g.kv.saveHeartbeat(ctx, g.lastHeartbeat, state)
}

// Liquidate cancels all pending orders for the allowed symbols and latches
// the lock. Returns per-order results.
func (g *Gate) Liquidate(ctx context.Context) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var results []string
	orders, err := g.broker.GetOpenOrders(ctx, "")
	if err != nil {
		results = append(results, fmt.Sprintf("list open orders: %v", err))
	} else {
		for _, o := range orders {
			if err := g.broker.CancelOrder(ctx, o.ID); err != nil {
				results = append(results, fmt.Sprintf("cancel %d: %v", o.ID, err))
				continue
			}
			results = append(results, fmt.Sprintf("cancelled %d (%s)", o.ID, o.Symbol))
		}
	}
	g.lockLocked(ctx, "manual liquidation")
	return results
}

// Status is the composite dashboard view, assembled under the actor lock
// so it observes committed state only.
type Status struct {
	Locked        bool                    `json:"locked"`
	LockReason    string                  `json:"lock_reason,omitempty"`
	Equity        float64                 `json:"equity"`
	SODEquity     float64                 `json:"start_of_day_equity"`
	DayPnL        float64                 `json:"day_pnl"`
	Positions     []tradier.Position      `json:"positions"`
	Recent        []ledger.ProposalRecord `json:"recent_proposals"`
	LastHeartbeat time.Time               `json:"last_heartbeat"`
	BrainState    json.RawMessage         `json:"brain_state,omitempty"`
}

// Status renders the composite view. ctx should carry the 1 s dashboard
// budget; the ledger read is the only I/O.
func (g *Gate) Status(ctx context.Context) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	recent, err := g.ledger.RecentProposals(ctx, 10)
	if err != nil {
		g.log.Warn().Err(err).Msg("recent proposals read failed")
	}
	st := &Status{
		Locked:        g.locked,
		LockReason:    g.lockReason,
		Equity:        g.lastEquity,
		SODEquity:     g.sodEquity,
		Positions:     g.positionsCache,
		Recent:        recent,
		LastHeartbeat: g.lastHeartbeat,
		BrainState:    g.brainState,
	}
	if g.sodEquity > 0 {
		st.DayPnL = g.lastEquity - g.sodEquity
	}
	return st, nil
}
