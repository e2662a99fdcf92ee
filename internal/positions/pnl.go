package positions

import "options-trading-engine/internal/models"

// CostToClose sums current leg marks at tracked quantities: SELL legs are
// bought back (+), BUY legs are sold (-). A negative result means the
// position closes for a credit, which is legal and common for debit
// structures.
func CostToClose(legs []models.Leg, mids map[string]float64) (float64, bool) {
	total := 0.0
	for _, leg := range legs {
		mid, ok := mids[leg.Symbol]
		if !ok || mid < 0 {
			return 0, false
		}
		notional := mid * float64(leg.Quantity)
		if leg.Side == models.LegSell {
			total += notional
		} else {
			total -= notional
		}
	}
	return total, true
}

// PnL marks the position against the cost to close. Credit structures
// measure the keep against the credit received and never treat a negative
// buyback as extra profit; debit structures gain when the close-out value
// exceeds what was paid, including closes for credit.
func PnL(p *TrackedPosition, costToClose float64) (pnl, pnlPct float64) {
	if p.Credit() {
		buyback := costToClose
		if buyback < 0 {
			buyback = 0
		}
		pnl = p.EntryPrice - buyback
	} else {
		if costToClose >= 0 {
			pnl = p.EntryPrice - costToClose
		} else {
			pnl = p.EntryPrice + (-costToClose)
		}
	}
	if p.EntryPrice != 0 {
		pnlPct = pnl / p.EntryPrice * 100
	}
	return pnl, pnlPct
}
