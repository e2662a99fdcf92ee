package ledger

import (
	"context"
	"fmt"
	"time"
)

// System lock states.
const (
	SystemNormal = "NORMAL"
	SystemLocked = "LOCKED"
)

// SystemStatus is the singleton lock row; the ledger copy is the source of
// truth, the gate's memory and key-value mirror follow it.
type SystemStatus struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSystemStatus reads the singleton row.
func (s *Store) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var st SystemStatus
	err := s.pool.QueryRow(ctx, `
		SELECT status, COALESCE(reason, ''), updated_at FROM system_status WHERE id = 'singleton'`).
		Scan(&st.Status, &st.Reason, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("read system status: %w", err)
	}
	return &st, nil
}

// SetSystemStatus transitions the lock state.
func (s *Store) SetSystemStatus(ctx context.Context, status, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE system_status SET status = $1, reason = $2, updated_at = NOW() WHERE id = 'singleton'`,
		status, nullable(reason))
	if err != nil {
		return fmt.Errorf("set system status %s: %w", status, err)
	}
	s.log.Info().Str("status", status).Str("reason", reason).Msg("system status changed")
	return nil
}

// InsertEquitySnapshot records one equity observation.
func (s *Store) InsertEquitySnapshot(ctx context.Context, equity float64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO equity_snapshots (equity) VALUES ($1)`, equity)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// DayEquityRange returns the first and last equity snapshots taken since
// the given time; ok is false when no snapshot exists.
func (s *Store) DayEquityRange(ctx context.Context, since time.Time) (first, last float64, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT equity FROM equity_snapshots WHERE taken_at >= $1 ORDER BY taken_at ASC LIMIT 1),
			(SELECT equity FROM equity_snapshots WHERE taken_at >= $1 ORDER BY taken_at DESC LIMIT 1)`,
		since).Scan(&first, &last)
	if err != nil {
		// no rows scan into NULL and fail; treat as no data
		return 0, 0, false, nil
	}
	return first, last, true, nil
}
