// Package regime classifies the market environment from VIX and trend
// strength. Strategies key their entry gates off the result.
package regime

import "time"

// Regime is the market environment classification.
type Regime string

const (
	Trending         Regime = "TRENDING"
	LowVolChop       Regime = "LOW_VOL_CHOP"
	HighVolExpansion Regime = "HIGH_VOL_EXPANSION"
	EventRisk        Regime = "EVENT_RISK"
	InsufficientData Regime = "INSUFFICIENT_DATA"
)

// Inputs for a classification pass. The ok flags carry the absent semantics
// of the indicator store.
type Inputs struct {
	VIX          float64
	VIXOK        bool
	ADX          float64 // ADX(14) on SPY
	ADXOK        bool
	Today        time.Time
	IsRestricted func(day time.Time) bool
}

// Classify is deterministic and evaluated top-down: event risk dominates,
// then volatility expansion, then trend, with chop as the floor. Missing
// VIX or ADX yields INSUFFICIENT_DATA and no strategy may open on it.
func Classify(in Inputs) Regime {
	if !in.VIXOK || !in.ADXOK {
		return InsufficientData
	}
	if (in.IsRestricted != nil && in.IsRestricted(in.Today)) || in.VIX >= 30 {
		return EventRisk
	}
	if in.VIX >= 22 && in.ADX >= 25 {
		return HighVolExpansion
	}
	if in.ADX >= 20 && in.VIX < 22 {
		return Trending
	}
	return LowVolChop
}

// CanOpen reports whether any strategy is allowed to open in this regime.
func (r Regime) CanOpen() bool {
	return r != InsufficientData
}
