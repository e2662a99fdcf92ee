// Package positions tracks live multi-leg option positions on the signal
// engine side: P&L marking, exit rules, order chasing, broker
// reconciliation, and the atomic disk mirror that makes restarts safe.
package positions

import (
	"time"

	"options-trading-engine/internal/models"
)

// Status is the lifecycle state of a tracked position. Transitions are
// OPENING -> OPEN -> CLOSING -> gone, plus CLOSING -> OPEN when a close
// order dies.
type Status string

const (
	StatusOpening Status = "OPENING"
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
)

// TrackedPosition is one live trade. EntryPrice is the total net credit or
// debit for the full-quantity trade, computed after leg quantities were
// scaled to final size.
type TrackedPosition struct {
	TradeID  string       `json:"trade_id"`
	Symbol   string       `json:"symbol"`
	Strategy string       `json:"strategy"` // gate strategy, e.g. CREDIT_SPREAD
	Origin   string       `json:"origin"`   // generating strategy name, selects exit rules
	Bias     models.Bias  `json:"bias"`
	Legs     []models.Leg `json:"legs"`
	Quantity int          `json:"quantity"`

	EntryPrice    float64 `json:"entry_price"`
	HighestPnLPct float64 `json:"highest_pnl_pct"`

	Status       Status `json:"status"`
	OpenOrderID  int64  `json:"open_order_id,omitempty"`
	CloseOrderID int64  `json:"close_order_id,omitempty"`

	// order-chasing bookkeeping for whichever order is in flight
	SubmittedLimit float64   `json:"submitted_limit,omitempty"`
	SubmittedMid   float64   `json:"submitted_mid,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at,omitempty"`

	RetryBackoffUntil time.Time `json:"retry_backoff_until,omitempty"`

	OpenedAt time.Time `json:"opened_at"`
}

// clone deep-copies the position, legs included, so the copy can be read
// or driven without holding the manager lock.
func (p *TrackedPosition) clone() TrackedPosition {
	cp := *p
	cp.Legs = append([]models.Leg(nil), p.Legs...)
	return cp
}

// Credit reports whether the position was entered for a net credit.
func (p *TrackedPosition) Credit() bool {
	return models.CreditStrategies[p.Strategy]
}

// LegSymbols returns the OCC symbols of all legs.
func (p *TrackedPosition) LegSymbols() []string {
	out := make([]string, len(p.Legs))
	for i, l := range p.Legs {
		out[i] = l.Symbol
	}
	return out
}
