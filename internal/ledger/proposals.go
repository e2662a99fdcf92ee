package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"options-trading-engine/internal/models"
)

// Proposal evaluation outcomes recorded in the ledger.
const (
	ProposalApproved        = "APPROVED"
	ProposalRejected        = "REJECTED"
	ProposalExecutionFailed = "APPROVED_BUT_EXECUTION_FAILED"
)

// ProposalRecord is one audited evaluation.
type ProposalRecord struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Strategy        string    `json:"strategy"`
	Side            string    `json:"side"`
	Quantity        int       `json:"quantity"`
	Price           float64   `json:"price"`
	Status          string    `json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// InsertProposal appends one evaluation. Called for every proposal,
// approved or rejected, before the HTTP response goes out.
func (s *Store) InsertProposal(ctx context.Context, p *models.Proposal, status, reason string) error {
	contextJSON, err := json.Marshal(p.Context)
	if err != nil {
		contextJSON = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO proposals (id, ts_s, symbol, strategy, side, quantity, price, context_json, status, rejection_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Timestamp/1000, p.Symbol, p.Strategy, string(p.Side), p.Quantity, p.Price,
		contextJSON, status, nullable(reason),
	)
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	return nil
}

// RecentProposals returns the latest n evaluations, newest first.
func (s *Store) RecentProposals(ctx context.Context, n int) ([]ProposalRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, strategy, side, quantity, price, status, COALESCE(rejection_reason, ''), created_at
		FROM proposals ORDER BY created_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRecord
	for rows.Next() {
		var r ProposalRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Strategy, &r.Side, &r.Quantity, &r.Price,
			&r.Status, &r.RejectionReason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProposalSummary aggregates one day's evaluations for the EOD report.
type ProposalSummary struct {
	BySymbol map[string]int `json:"by_symbol"`
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

// SummarizeProposals aggregates evaluations since the given time.
func (s *Store) SummarizeProposals(ctx context.Context, since time.Time) (*ProposalSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, status, COUNT(*) FROM proposals
		WHERE created_at >= $1 GROUP BY symbol, status`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize proposals: %w", err)
	}
	defer rows.Close()

	sum := &ProposalSummary{BySymbol: make(map[string]int), ByStatus: make(map[string]int)}
	for rows.Next() {
		var symbol, status string
		var count int
		if err := rows.Scan(&symbol, &status, &count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.BySymbol[symbol] += count
		sum.ByStatus[status] += count
		sum.Total += count
	}
	return sum, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
