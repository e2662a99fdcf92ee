// Package strategy holds the entry signal generators and the machinery that
// turns a signal into a sized, priced, multi-leg proposal. Strategies are
// pure gate checks over a market snapshot; all broker I/O lives in the
// builder and the engine.
package strategy

import (
	"time"

	"options-trading-engine/internal/indicators"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/regime"
)

// Market is the snapshot a strategy evaluates against. Now is already in
// exchange time (America/New_York). Ind exposes the absent-aware accessors.
type Market struct {
	Symbol string
	Now    time.Time
	Regime regime.Regime
	VIX    float64
	VIXOK  bool
	Ind    *indicators.Store
}

// Signal is a strategy's request to open a position. The builder fills in
// expiration, strikes, sizing, and pricing.
type Signal struct {
	Strategy  string
	Bias      models.Bias
	TargetDTE int
	Width     float64 // wing width in strike points
	Reason    string
}

// Strategy is one entry gate set. Evaluate returns nil when any gate fails.
type Strategy interface {
	Name() string
	Evaluate(m Market) *Signal
}

// inWindow reports whether m.Now falls inside [fromH:fromM, toH:toM) ET.
func inWindow(now time.Time, fromH, fromM, toH, toM int) bool {
	from := time.Date(now.Year(), now.Month(), now.Day(), fromH, fromM, 0, 0, now.Location())
	to := time.Date(now.Year(), now.Month(), now.Day(), toH, toM, 0, 0, now.Location())
	return !now.Before(from) && now.Before(to)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
