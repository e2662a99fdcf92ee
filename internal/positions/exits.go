package positions

import (
	"fmt"
	"time"

	"options-trading-engine/internal/models"
)

// Marks are the indicator readings the exit rules consume. OK flags carry
// absent semantics; a rule whose input is absent simply does not trigger.
type Marks struct {
	Price   float64
	PriceOK bool
	RSI14   float64
	RSI14OK bool
	SMA200  float64
	SMAOK   bool
	ADX     float64
	ADXOK   bool
}

const scalperOrigin = "scalper_0dte"

// ExitReason evaluates the exit rule set for the position and returns a
// human-readable trigger, or "" to stay in. eodClose, when true, overrides
// everything (forced end-of-day flatten).
func ExitReason(p *TrackedPosition, pnlPct float64, m Marks, eodClose bool) string {
	if eodClose {
		return "forced end-of-day close"
	}

	if p.Origin == scalperOrigin {
		return scalperExit(p, pnlPct, m)
	}
	if p.Bias == models.BiasNeutral {
		return neutralExit(pnlPct, m)
	}
	return directionalExit(p, pnlPct, m)
}

// scalperExit: mean-reversion completed (RSI back through the middle) or a
// fast stop at -20%.
func scalperExit(p *TrackedPosition, pnlPct float64, m Marks) string {
	if m.RSI14OK {
		if p.Bias == models.BiasBullish && m.RSI14 > 60 {
			return fmt.Sprintf("RSI(14) %.1f reverted above 60", m.RSI14)
		}
		if p.Bias == models.BiasBearish && m.RSI14 < 40 {
			return fmt.Sprintf("RSI(14) %.1f reverted below 40", m.RSI14)
		}
	}
	if pnlPct <= -20 {
		return fmt.Sprintf("scalp stop at %.1f%%", pnlPct)
	}
	return ""
}

// directionalExit: trailing stop after +30%, trend break against the
// position, profit target +80%, hard stop -100%.
func directionalExit(p *TrackedPosition, pnlPct float64, m Marks) string {
	if p.HighestPnLPct >= 30 && p.HighestPnLPct-pnlPct >= 10 {
		return fmt.Sprintf("trailing stop: peak %.1f%% now %.1f%%", p.HighestPnLPct, pnlPct)
	}
	if m.PriceOK && m.SMAOK {
		if p.Bias == models.BiasBullish && m.Price < m.SMA200 {
			return fmt.Sprintf("trend break: price %.2f below SMA200 %.2f", m.Price, m.SMA200)
		}
		if p.Bias == models.BiasBearish && m.Price > m.SMA200 {
			return fmt.Sprintf("trend break: price %.2f above SMA200 %.2f", m.Price, m.SMA200)
		}
	}
	if pnlPct >= 80 {
		return fmt.Sprintf("profit target at %.1f%%", pnlPct)
	}
	if pnlPct <= -100 {
		return fmt.Sprintf("hard stop at %.1f%%", pnlPct)
	}
	return ""
}

// neutralExit: volatility breakout (ADX through 30), profit target +50%,
// hard stop -100%. Applies to condors, butterflies, and recovered
// positions of unknown provenance.
func neutralExit(pnlPct float64, m Marks) string {
	if m.ADXOK && m.ADX > 30 {
		return fmt.Sprintf("range broke: ADX %.1f", m.ADX)
	}
	if pnlPct >= 50 {
		return fmt.Sprintf("profit target at %.1f%%", pnlPct)
	}
	if pnlPct <= -100 {
		return fmt.Sprintf("hard stop at %.1f%%", pnlPct)
	}
	return ""
}

// pastEODClose reports whether now (exchange time) is at or past the forced
// close time, given as "HH:MM"; empty disables the rule.
func pastEODClose(now time.Time, hhmm string) bool {
	if hhmm == "" {
		return false
	}
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return false
	}
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	return !now.Before(cutoff)
}
