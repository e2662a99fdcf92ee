// Package brain supervises the signal engine's background work: history
// warm-up, the VIX and ATM implied-vol pollers, and the heartbeat to the
// risk gate. The tick-driven strategy path lives in the stream and
// strategy packages; everything here is slow-cadence polling.
package brain

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"options-trading-engine/config"
	"options-trading-engine/internal/gateclient"
	"options-trading-engine/internal/indicators"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/positions"
	"options-trading-engine/internal/strategy"
	"options-trading-engine/internal/tradier"
)

// calendar days fetched per warm-up trading day; weekends and the
// occasional holiday make the raw span longer than the bar span.
const calendarDaysPerTradingDay = 2

// rsiPeriods are the Wilder averages maintained from warm-up onward.
var rsiPeriods = []int{2, 14}

// MarketData is the slice of the brokerage API the supervisor polls.
type MarketData interface {
	GetQuotes(ctx context.Context, symbols []string) ([]tradier.Quote, error)
	GetTimeSales(ctx context.Context, symbol string, start, end time.Time) ([]tradier.Bar, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]tradier.OptionContract, error)
}

// PositionBook exposes the tracked positions the heartbeat reports on.
type PositionBook interface {
	Count() int
	Snapshot() []positions.TrackedPosition
}

// Supervisor runs the brain's periodic tasks.
type Supervisor struct {
	cfg       config.BrainConfig
	market    MarketData
	store     *indicators.Store
	engine    *strategy.Engine
	gate      *gateclient.Client
	positions PositionBook
	notifier  *notify.Manager
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
}

// NewSupervisor wires the supervisor. gate may not be nil; positions may
// be nil before the manager starts.
func NewSupervisor(cfg config.BrainConfig, market MarketData, store *indicators.Store,
	engine *strategy.Engine, gate *gateclient.Client, positions PositionBook,
	notifier *notify.Manager, loc *time.Location, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		market:    market,
		store:     store,
		engine:    engine,
		gate:      gate,
		positions: positions,
		notifier:  notifier,
		loc:       loc,
		log:       logger.With().Str("component", "brain").Logger(),
		now:       time.Now,
	}
}

// Run seeds history, then holds the pollers until the context dies. No
// strategy fires before its symbol is warm, so warm-up completes first.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.warmup(ctx); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	go s.pollLoop(ctx, vixPollInterval, s.pollVIX)
	go s.pollLoop(ctx, ivPollInterval, s.pollIV)
	go s.pollLoop(ctx, time.Duration(s.cfg.HeartbeatInterval)*time.Second, s.sendHeartbeat)
	<-ctx.Done()
	return nil
}

// warmup seeds every symbol's ring with recent 1-minute history and
// primes the VIX so the first regime classification is not blind.
func (s *Supervisor) warmup(ctx context.Context) error {
	started := s.now()
	span := time.Duration(s.cfg.WarmupDays*calendarDaysPerTradingDay) * 24 * time.Hour
	start := started.Add(-span)

	for _, symbol := range s.cfg.Symbols {
		bars, err := s.market.GetTimeSales(ctx, symbol, start, started)
		if err != nil {
			return fmt.Errorf("history for %s: %w", symbol, err)
		}
		candles := make([]indicators.Candle, 0, len(bars))
		for _, b := range bars {
			ts, err := time.ParseInLocation("2006-01-02T15:04:05", b.Time, s.loc)
			if err != nil {
				continue
			}
			candles = append(candles, indicators.Candle{
				OpenTime: ts, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
		}
		s.store.SeedHistory(symbol, candles, rsiPeriods)
		s.log.Info().Str("symbol", symbol).Int("bars", len(candles)).Msg("history seeded")
	}

	s.pollVIX(ctx)
	s.notifier.WarmupComplete(s.cfg.Symbols, s.now().Sub(started))
	return nil
}

func (s *Supervisor) pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sendHeartbeat pushes liveness and a state snapshot to the gate.
func (s *Supervisor) sendHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	now := s.now()
	views := make(map[string]indicators.View, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		views[symbol] = s.store.Snapshot(symbol)
	}
	state := map[string]any{
		"symbols": views,
	}
	if s.engine != nil {
		state["regime"] = s.engine.Regime(now)
	}
	if vix, ok := s.store.VIX(now); ok {
		state["vix"] = vix
	}
	if s.positions != nil {
		state["tracked_positions"] = s.positions.Count()
		if greeks, ok := s.portfolioGreeks(ctx); ok {
			state["portfolio_greeks"] = greeks
		}
	}
	s.gate.Heartbeat(ctx, state)
}

// PortfolioGreeks is the signed sum of per-leg greeks across all tracked
// positions, SELL legs negative, scaled by leg quantity.
type PortfolioGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

func (s *Supervisor) portfolioGreeks(ctx context.Context) (*PortfolioGreeks, bool) {
	tracked := s.positions.Snapshot()
	if len(tracked) == 0 {
		return nil, false
	}
	var legSymbols []string
	signedQty := make(map[string]float64)
	for _, pos := range tracked {
		for _, leg := range pos.Legs {
			if _, ok := signedQty[leg.Symbol]; !ok {
				legSymbols = append(legSymbols, leg.Symbol)
			}
			q := float64(leg.Quantity)
			if leg.Side == models.LegSell {
				q = -q
			}
			signedQty[leg.Symbol] += q
		}
	}

	quotes, err := s.market.GetQuotes(ctx, legSymbols)
	if err != nil {
		s.log.Warn().Err(err).Msg("greeks fetch failed")
		return nil, false
	}
	var out PortfolioGreeks
	for _, q := range quotes {
		if q.Greeks == nil {
			continue
		}
		scale := signedQty[q.Symbol]
		out.Delta += q.Greeks.Delta * scale
		out.Gamma += q.Greeks.Gamma * scale
		out.Theta += q.Greeks.Theta * scale
		out.Vega += q.Greeks.Vega * scale
	}
	return &out, true
}
