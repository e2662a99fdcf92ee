package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"options-trading-engine/internal/models"
	"options-trading-engine/internal/tradier"
)

// ChainSource is the slice of the broker API the builder needs.
type ChainSource interface {
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]tradier.OptionContract, error)
	GetBalances(ctx context.Context) (*tradier.Balances, error)
}

// Builder turns a signal into a complete proposal: expiration selection,
// delta-targeted strikes, sizing against live equity, and net pricing at
// the final scaled quantities.
type Builder struct {
	broker ChainSource
	loc    *time.Location
}

// NewBuilder creates a builder. loc is the exchange time zone used for DTE.
func NewBuilder(broker ChainSource, loc *time.Location) *Builder {
	return &Builder{broker: broker, loc: loc}
}

const shortDeltaTarget = 0.32 // credit-spread short leg, ~30-35 delta

// Build produces a signed-ready OPEN proposal or an error describing the
// gate that could not be satisfied (no expiration, no liquid strikes, trade
// does not fit the account).
func (b *Builder) Build(ctx context.Context, m Market, sig *Signal) (*models.Proposal, error) {
	expiration, err := b.pickExpiration(ctx, m.Symbol, sig.TargetDTE, m.Now)
	if err != nil {
		return nil, err
	}
	chain, err := b.broker.GetOptionChain(ctx, m.Symbol, expiration)
	if err != nil {
		return nil, fmt.Errorf("fetch chain %s %s: %w", m.Symbol, expiration, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty chain for %s %s", m.Symbol, expiration)
	}

	balances, err := b.broker.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	qty := Size(balances.TotalEquity, sig.Width)
	if qty == 0 {
		return nil, fmt.Errorf("trade does not fit: equity %.0f width %.2f", balances.TotalEquity, sig.Width)
	}

	var legs []models.Leg
	switch sig.Strategy {
	case models.StrategyCreditSpread:
		legs, err = b.creditSpreadLegs(chain, sig, qty)
	case models.StrategyIronCondor:
		legs, err = b.condorLegs(m, chain, sig, qty)
	case models.StrategyIronButterfly:
		legs, err = b.butterflyLegs(m, chain, sig, qty)
	case models.StrategyRatioSpread:
		legs, err = b.ratioLegs(chain, qty)
	default:
		err = fmt.Errorf("no leg construction for strategy %s", sig.Strategy)
	}
	if err != nil {
		return nil, err
	}

	// Net price at final scaled quantities: SELL legs add, BUY legs
	// subtract. entry_price derives from this, so scaling must already
	// have happened.
	price := netPrice(legs, chain)
	if price <= 0 {
		return nil, fmt.Errorf("degenerate net price %.2f for %s %s", price, m.Symbol, sig.Strategy)
	}

	ctxMap := map[string]any{
		"flow_state": string(m.Ind.Flow(m.Symbol)),
		"regime":     string(m.Regime),
		"reason":     sig.Reason,
		"bias":       string(sig.Bias),
	}
	if m.VIXOK {
		ctxMap["vix"] = m.VIX
	}

	return &models.Proposal{
		ID:        fmt.Sprintf("%s-%s-%s", m.Symbol, sig.Strategy, uuid.NewString()[:8]),
		Timestamp: time.Now().UnixMilli(),
		Symbol:    m.Symbol,
		Strategy:  sig.Strategy,
		Side:      models.SideOpen,
		Quantity:  qty,
		Price:     price,
		Legs:      legs,
		Context:   ctxMap,
	}, nil
}

// pickExpiration chooses the listed expiration with DTE closest to the
// target, preferring the earlier date on ties.
func (b *Builder) pickExpiration(ctx context.Context, symbol string, targetDTE int, now time.Time) (string, error) {
	dates, err := b.broker.GetExpirations(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("fetch expirations %s: %w", symbol, err)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.loc)

	best := ""
	bestDiff := math.MaxInt
	for _, d := range dates {
		exp, perr := time.ParseInLocation("2006-01-02", d, b.loc)
		if perr != nil {
			continue
		}
		dte := int(exp.Sub(today).Hours() / 24)
		if dte < 0 {
			continue
		}
		diff := dte - targetDTE
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = d
		}
	}
	if best == "" {
		return "", fmt.Errorf("no usable expiration for %s (target %d DTE)", symbol, targetDTE)
	}
	return best, nil
}

// byDelta finds the contract of the given type whose |delta| is closest to
// the target. Contracts without greeks or without a two-sided market are
// skipped.
func byDelta(chain []tradier.OptionContract, optType models.OptionType, target float64) (tradier.OptionContract, bool) {
	want := "put"
	if optType == models.OptionCall {
		want = "call"
	}
	var best tradier.OptionContract
	bestDiff := math.MaxFloat64
	found := false
	for _, c := range chain {
		if c.OptionType != want || c.Greeks == nil || c.Bid <= 0 || c.Ask <= 0 {
			continue
		}
		diff := math.Abs(math.Abs(c.Greeks.Delta) - target)
		if diff < bestDiff {
			bestDiff = diff
			best = c
			found = true
		}
	}
	return best, found
}

// byStrike finds the contract of the given type at the strike nearest to
// target.
func byStrike(chain []tradier.OptionContract, optType models.OptionType, target float64) (tradier.OptionContract, bool) {
	want := "put"
	if optType == models.OptionCall {
		want = "call"
	}
	var best tradier.OptionContract
	bestDiff := math.MaxFloat64
	found := false
	for _, c := range chain {
		if c.OptionType != want || c.Bid <= 0 && c.Ask <= 0 {
			continue
		}
		diff := math.Abs(c.Strike - target)
		if diff < bestDiff {
			bestDiff = diff
			best = c
			found = true
		}
	}
	return best, found
}

func toLeg(c tradier.OptionContract, qty int, side models.LegSide) models.Leg {
	t := models.OptionPut
	if c.OptionType == "call" {
		t = models.OptionCall
	}
	return models.Leg{
		Symbol:     c.Symbol,
		Expiration: c.Expiration,
		Strike:     c.Strike,
		Type:       t,
		Quantity:   qty,
		Side:       side,
	}
}

// creditSpreadLegs sells the ~32-delta strike and buys the wing one width
// further out. Bullish uses puts, bearish uses calls.
func (b *Builder) creditSpreadLegs(chain []tradier.OptionContract, sig *Signal, qty int) ([]models.Leg, error) {
	optType := models.OptionPut
	wingDir := -1.0
	if sig.Bias == models.BiasBearish {
		optType = models.OptionCall
		wingDir = 1.0
	}
	short, ok := byDelta(chain, optType, shortDeltaTarget)
	if !ok {
		return nil, fmt.Errorf("no short strike near %.2f delta", shortDeltaTarget)
	}
	long, ok := byStrike(chain, optType, short.Strike+wingDir*sig.Width)
	if !ok || long.Strike == short.Strike {
		return nil, fmt.Errorf("no wing %.2f points from %.2f", sig.Width, short.Strike)
	}
	return []models.Leg{
		toLeg(short, qty, models.LegSell),
		toLeg(long, qty, models.LegBuy),
	}, nil
}

// condorLegs builds an iron condor with short strikes offset from the point
// of control and wings one width further out.
func (b *Builder) condorLegs(m Market, chain []tradier.OptionContract, sig *Signal, qty int) ([]models.Leg, error) {
	profile, ok := m.Ind.VolumeProfile(m.Symbol)
	if !ok {
		return nil, fmt.Errorf("no volume profile for %s", m.Symbol)
	}
	const bodyOffset = 2.0
	shortPut, ok1 := byStrike(chain, models.OptionPut, profile.POC-bodyOffset)
	longPut, ok2 := byStrike(chain, models.OptionPut, profile.POC-bodyOffset-sig.Width)
	shortCall, ok3 := byStrike(chain, models.OptionCall, profile.POC+bodyOffset)
	longCall, ok4 := byStrike(chain, models.OptionCall, profile.POC+bodyOffset+sig.Width)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("incomplete condor strikes around POC %.2f", profile.POC)
	}
	if longPut.Strike == shortPut.Strike || longCall.Strike == shortCall.Strike {
		return nil, fmt.Errorf("condor wings collapsed at POC %.2f", profile.POC)
	}
	return []models.Leg{
		toLeg(shortPut, qty, models.LegSell),
		toLeg(longPut, qty, models.LegBuy),
		toLeg(shortCall, qty, models.LegSell),
		toLeg(longCall, qty, models.LegBuy),
	}, nil
}

// butterflyLegs sells the ATM straddle at the point of control and buys
// symmetric wings.
func (b *Builder) butterflyLegs(m Market, chain []tradier.OptionContract, sig *Signal, qty int) ([]models.Leg, error) {
	profile, ok := m.Ind.VolumeProfile(m.Symbol)
	if !ok {
		return nil, fmt.Errorf("no volume profile for %s", m.Symbol)
	}
	shortPut, ok1 := byStrike(chain, models.OptionPut, profile.POC)
	shortCall, ok2 := byStrike(chain, models.OptionCall, profile.POC)
	longPut, ok3 := byStrike(chain, models.OptionPut, profile.POC-sig.Width)
	longCall, ok4 := byStrike(chain, models.OptionCall, profile.POC+sig.Width)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("incomplete butterfly strikes at POC %.2f", profile.POC)
	}
	if longPut.Strike == shortPut.Strike || longCall.Strike == shortCall.Strike {
		return nil, fmt.Errorf("butterfly wings collapsed at POC %.2f", profile.POC)
	}
	return []models.Leg{
		toLeg(shortPut, qty, models.LegSell),
		toLeg(shortCall, qty, models.LegSell),
		toLeg(longPut, qty, models.LegBuy),
		toLeg(longCall, qty, models.LegBuy),
	}, nil
}

// ratioLegs builds a put back-ratio: sell one ~40-delta put, buy two
// ~30-delta puts, per unit of size. Quantities are unequal by construction.
func (b *Builder) ratioLegs(chain []tradier.OptionContract, qty int) ([]models.Leg, error) {
	short, ok := byDelta(chain, models.OptionPut, 0.40)
	if !ok {
		return nil, fmt.Errorf("no short strike near 0.40 delta")
	}
	long, ok := byDelta(chain, models.OptionPut, 0.30)
	if !ok || long.Strike >= short.Strike {
		return nil, fmt.Errorf("no long strike below %.2f", short.Strike)
	}
	return []models.Leg{
		toLeg(short, qty, models.LegSell),
		toLeg(long, 2*qty, models.LegBuy),
	}, nil
}

// netPrice sums leg mids at scaled quantities: SELL adds, BUY subtracts.
// The result is the absolute net limit rounded to the cent.
func netPrice(legs []models.Leg, chain []tradier.OptionContract) float64 {
	mids := make(map[string]float64, len(chain))
	for _, c := range chain {
		mids[c.Symbol] = c.Mid()
	}
	net := 0.0
	for _, leg := range legs {
		notional := mids[leg.Symbol] * float64(leg.Quantity)
		if leg.Side == models.LegSell {
			net += notional
		} else {
			net -= notional
		}
	}
	return math.Round(math.Abs(net)*100) / 100
}
