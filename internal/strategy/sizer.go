package strategy

import "math"

const (
	riskPerTrade  = 0.02 // fraction of equity risked per trade
	maxAllocation = 0.10 // fraction of equity any one trade may put at risk
	minContracts  = 1
	maxContracts  = 20
)

// Size converts account equity and spread width into a contract count.
// Risk per contract is width x 100 (the max loss of a defined-risk spread).
// The count is clamped to [1, 20] and then cut down so total max loss stays
// within 10% of equity. Zero means the trade does not fit.
func Size(equity, width float64) int {
	if equity <= 0 || width <= 0 {
		return 0
	}
	maxLossPerContract := width * 100
	qty := int(math.Floor(equity * riskPerTrade / maxLossPerContract))
	if qty < minContracts {
		qty = minContracts
	}
	if qty > maxContracts {
		qty = maxContracts
	}
	for qty > 0 && float64(qty)*maxLossPerContract > equity*maxAllocation {
		qty--
	}
	return qty
}
