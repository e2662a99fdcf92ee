// Package models defines the wire types shared between the signal engine
// and the risk gate.
package models

import "time"

// ProposalSide is the intent of a proposal relative to the position.
type ProposalSide string

const (
	SideOpen  ProposalSide = "OPEN"
	SideClose ProposalSide = "CLOSE"
)

// LegSide is the direction of a single option leg relative to the
// underlying position. At CLOSE time the gate inverts it when mapping to
// broker sides.
type LegSide string

const (
	LegSell LegSide = "SELL"
	LegBuy  LegSide = "BUY"
)

// OptionType is PUT or CALL.
type OptionType string

const (
	OptionPut  OptionType = "PUT"
	OptionCall OptionType = "CALL"
)

// Strategy identifiers accepted by the gate.
const (
	StrategyCreditSpread   = "CREDIT_SPREAD"
	StrategyIronCondor     = "IRON_CONDOR"
	StrategyIronButterfly  = "IRON_BUTTERFLY"
	StrategyRatioSpread    = "RATIO_SPREAD"
	StrategyCalendarSpread = "CALENDAR_SPREAD"
	StrategyManualRecovery = "MANUAL_RECOVERY"
)

// Bias is the directional intent of a position.
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"
)

// Flow states carried in proposal context.
const (
	FlowRiskOn  = "RISK_ON"
	FlowRiskOff = "RISK_OFF"
	FlowNeutral = "NEUTRAL"
	FlowUnknown = "UNKNOWN"
)

// CreditStrategies is the set of strategies entered for a net credit;
// their P&L is measured against the credit received.
var CreditStrategies = map[string]bool{
	StrategyCreditSpread:  true,
	StrategyIronCondor:    true,
	StrategyIronButterfly: true,
}

// Leg is a single option leg of a multi-leg proposal.
type Leg struct {
	Symbol     string     `json:"symbol"`     // OCC option symbol
	Expiration string     `json:"expiration"` // YYYY-MM-DD
	Strike     float64    `json:"strike"`
	Type       OptionType `json:"type"`
	Quantity   int        `json:"quantity"`
	Side       LegSide    `json:"side"`
}

// DTE returns calendar days from today (in loc) until the leg expires.
func (l Leg) DTE(now time.Time, loc *time.Location) (int, error) {
	exp, err := time.ParseInLocation("2006-01-02", l.Expiration, loc)
	if err != nil {
		return 0, err
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return int(exp.Sub(today).Hours() / 24), nil
}

// Proposal is a signed trade request. Context is a semi-open dictionary:
// the gate interprets only "vix" and "flow_state" and stores the rest
// verbatim in the ledger.
type Proposal struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Symbol    string         `json:"symbol"`
	Strategy  string         `json:"strategy"`
	Side      ProposalSide   `json:"side"`
	Quantity  int            `json:"quantity"`
	Price     float64        `json:"price"` // net credit/debit limit, always > 0
	Legs      []Leg          `json:"legs"`
	Context   map[string]any `json:"context"`
	Signature string         `json:"signature,omitempty"`
}

// ContextVIX extracts the vix number from the context, if present.
func (p *Proposal) ContextVIX() (float64, bool) {
	v, ok := p.Context["vix"]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// ContextFlowState extracts the flow_state string from the context.
// Missing or non-string values are reported as UNKNOWN.
func (p *Proposal) ContextFlowState() string {
	v, ok := p.Context["flow_state"]
	if !ok {
		return FlowUnknown
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return FlowUnknown
	}
	return s
}
