package strategy

import (
	"fmt"
	"time"

	"options-trading-engine/internal/models"
	"options-trading-engine/internal/regime"
)

// Defaults returns the full strategy roster in evaluation order.
func Defaults() []Strategy {
	return []Strategy{
		&ORB{},
		&RangeFarmer{},
		&Scalper{},
		&TrendEngine{},
		&IronButterfly{},
		&RatioHedge{},
		&WeekendWarrior{},
	}
}

// ORB trades breaks of the 09:30-10:00 opening range between 10:00 and
// 11:30 ET, requiring a volume surge to confirm the break.
type ORB struct{}

func (s *ORB) Name() string { return "orb" }

func (s *ORB) Evaluate(m Market) *Signal {
	if m.Regime == regime.EventRisk {
		return nil
	}
	if !inWindow(m.Now, 10, 0, 11, 30) {
		return nil
	}
	price, ok := m.Ind.Price(m.Symbol)
	if !ok {
		return nil
	}
	high, low, ok := m.Ind.OpeningRange(m.Symbol, m.Now)
	if !ok {
		return nil
	}
	vel, ok := m.Ind.VolumeVelocity(m.Symbol)
	if !ok || vel <= 1.5 {
		return nil
	}

	switch {
	case price > high:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBullish,
			TargetDTE: 0, Width: 2,
			Reason: fmt.Sprintf("break above opening range %.2f, velocity %.2f", high, vel),
		}
	case price < low:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBearish,
			TargetDTE: 0, Width: 2,
			Reason: fmt.Sprintf("break below opening range %.2f, velocity %.2f", low, vel),
		}
	}
	return nil
}

// RangeFarmer sells iron condors into midday chop: a single 13:00-13:05 ET
// window, weak trend, price pinned near the point of control.
type RangeFarmer struct{}

func (s *RangeFarmer) Name() string { return "range_farmer" }

func (s *RangeFarmer) Evaluate(m Market) *Signal {
	if m.Regime != regime.LowVolChop {
		return nil
	}
	if !inWindow(m.Now, 13, 0, 13, 5) {
		return nil
	}
	adx, ok := m.Ind.ADX(m.Symbol, 14)
	if !ok || adx >= 20 {
		return nil
	}
	price, okP := m.Ind.Price(m.Symbol)
	profile, okV := m.Ind.VolumeProfile(m.Symbol)
	if !okP || !okV || abs(price-profile.POC) >= 2.0 {
		return nil
	}
	return &Signal{
		Strategy: models.StrategyIronCondor, Bias: models.BiasNeutral,
		TargetDTE: 7, Width: 2,
		Reason: fmt.Sprintf("chop near POC %.2f, ADX %.1f", profile.POC, adx),
	}
}

// Scalper fades 2-period RSI extremes with 0DTE credit spreads whenever the
// market is moving (trending or expanding volatility).
type Scalper struct{}

func (s *Scalper) Name() string { return "scalper_0dte" }

func (s *Scalper) Evaluate(m Market) *Signal {
	if m.Regime != regime.Trending && m.Regime != regime.HighVolExpansion {
		return nil
	}
	rsi2, ok := m.Ind.RSI(m.Symbol, 2)
	if !ok {
		return nil
	}
	switch {
	case rsi2 < 5:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBullish,
			TargetDTE: 0, Width: 1,
			Reason: fmt.Sprintf("RSI(2) washout %.1f", rsi2),
		}
	case rsi2 > 95:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBearish,
			TargetDTE: 0, Width: 1,
			Reason: fmt.Sprintf("RSI(2) blowoff %.1f", rsi2),
		}
	}
	return nil
}

// TrendEngine sells ~30 DTE credit spreads on pullbacks within a trend,
// confirmed by price vs POC and a non-neutral flow state.
type TrendEngine struct{}

func (s *TrendEngine) Name() string { return "trend_engine" }

func (s *TrendEngine) Evaluate(m Market) *Signal {
	if m.Regime != regime.Trending {
		return nil
	}
	rsi14, ok := m.Ind.RSI(m.Symbol, 14)
	if !ok {
		return nil
	}
	price, okP := m.Ind.Price(m.Symbol)
	profile, okV := m.Ind.VolumeProfile(m.Symbol)
	if !okP || !okV {
		return nil
	}
	flow := m.Ind.Flow(m.Symbol)
	if flow == "NEUTRAL" || flow == "UNKNOWN" {
		return nil
	}

	switch {
	case rsi14 < 30 && price > profile.POC:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBullish,
			TargetDTE: 30, Width: 2,
			Reason: fmt.Sprintf("trend pullback: RSI(14) %.1f above POC %.2f, flow %s", rsi14, profile.POC, flow),
		}
	case rsi14 > 70 && price < profile.POC:
		return &Signal{
			Strategy: models.StrategyCreditSpread, Bias: models.BiasBearish,
			TargetDTE: 30, Width: 2,
			Reason: fmt.Sprintf("trend rally fade: RSI(14) %.1f below POC %.2f, flow %s", rsi14, profile.POC, flow),
		}
	}
	return nil
}

// IronButterfly sells an ATM butterfly in the lunch hour when implied vol is
// rich and price sits on the point of control.
type IronButterfly struct{}

func (s *IronButterfly) Name() string { return "iron_butterfly" }

func (s *IronButterfly) Evaluate(m Market) *Signal {
	if m.Regime != regime.LowVolChop {
		return nil
	}
	if !inWindow(m.Now, 12, 0, 13, 0) {
		return nil
	}
	rank, ok := m.Ind.IVRank(m.Symbol)
	if !ok || rank <= 50 {
		return nil
	}
	price, okP := m.Ind.Price(m.Symbol)
	profile, okV := m.Ind.VolumeProfile(m.Symbol)
	if !okP || !okV || abs(price-profile.POC) >= 2.0 {
		return nil
	}
	return &Signal{
		Strategy: models.StrategyIronButterfly, Bias: models.BiasNeutral,
		TargetDTE: 7, Width: 3,
		Reason: fmt.Sprintf("IV rank %.0f, pinned at POC %.2f", rank, profile.POC),
	}
}

// RatioHedge buys put back-ratios when vol is historically cheap. Checked
// once an hour on the half-hour.
type RatioHedge struct{}

func (s *RatioHedge) Name() string { return "ratio_hedge" }

func (s *RatioHedge) Evaluate(m Market) *Signal {
	if m.Now.Minute() != 30 {
		return nil
	}
	rank, ok := m.Ind.IVRank(m.Symbol)
	if !ok || rank >= 20 {
		return nil
	}
	return &Signal{
		Strategy: models.StrategyRatioSpread, Bias: models.BiasBearish,
		TargetDTE: 45, Width: 5,
		Reason: fmt.Sprintf("cheap vol hedge, IV rank %.0f", rank),
	}
}

// WeekendWarrior sells a credit spread into the Friday close to harvest
// weekend decay, skipped when VIX is elevated.
type WeekendWarrior struct{}

func (s *WeekendWarrior) Name() string { return "weekend_warrior" }

func (s *WeekendWarrior) Evaluate(m Market) *Signal {
	if m.Now.Weekday() != time.Friday {
		return nil
	}
	if !inWindow(m.Now, 15, 55, 16, 0) {
		return nil
	}
	if !m.VIXOK || m.VIX >= 25 {
		return nil
	}
	price, okP := m.Ind.Price(m.Symbol)
	vwap, okV := m.Ind.VWAP(m.Symbol)
	if !okP || !okV {
		return nil
	}
	bias := models.BiasBullish
	if price < vwap {
		bias = models.BiasBearish
	}
	return &Signal{
		Strategy: models.StrategyCreditSpread, Bias: bias,
		TargetDTE: 3, Width: 2,
		Reason: fmt.Sprintf("weekend decay, VIX %.1f", m.VIX),
	}
}
