package ledger

import (
	"context"
	"fmt"

	"options-trading-engine/internal/tradier"
)

// InsertOrder records a freshly placed broker order as pending.
func (s *Store) InsertOrder(ctx context.Context, orderID int64, proposalID, symbol string, quantity int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, proposal_id, symbol, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		orderID, proposalID, symbol, quantity)
	if err != nil {
		return fmt.Errorf("insert order %d: %w", orderID, err)
	}
	return nil
}

// UpdateOrderStatus moves an order through its lifecycle.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string, filledPrice float64) error {
	var fill any
	if filledPrice > 0 {
		fill = filledPrice
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, filled_price = COALESCE($3, filled_price), updated_at = NOW()
		WHERE id = $1`, orderID, status, fill)
	if err != nil {
		return fmt.Errorf("update order %d: %w", orderID, err)
	}
	return nil
}

// LatestOpenOrderID finds the most recent order for (symbol, strategy) whose
// proposal opened a position; used to unwind metadata on CLOSE.
func (s *Store) LatestOpenOrderID(ctx context.Context, symbol, strategy string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT o.id FROM orders o
		JOIN proposals p ON p.id = o.proposal_id
		WHERE o.symbol = $1 AND p.strategy = $2 AND p.side = 'OPEN'
		ORDER BY o.created_at DESC LIMIT 1`, symbol, strategy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("find open order for %s/%s: %w", symbol, strategy, err)
	}
	return id, nil
}

// ReplacePositions truncates and rewrites the positions snapshot with
// broker truth, in one transaction.
func (s *Store) ReplacePositions(ctx context.Context, positions []tradier.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin positions tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE positions`); err != nil {
		return fmt.Errorf("truncate positions: %w", err)
	}
	for _, p := range positions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO positions (symbol, quantity, cost_basis, date_acquired, updated_at)
			VALUES ($1, $2, $3, $4, NOW())`,
			p.Symbol, p.Quantity, p.CostBasis, p.DateAcquired); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit(ctx)
}

// PositionsSnapshot reads the last reconciled snapshot.
func (s *Store) PositionsSnapshot(ctx context.Context) ([]tradier.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, quantity, cost_basis, COALESCE(date_acquired, '') FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []tradier.Position
	for rows.Next() {
		var p tradier.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.CostBasis, &p.DateAcquired); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
