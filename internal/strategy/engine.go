package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-trading-engine/internal/gateclient"
	"options-trading-engine/internal/indicators"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/regime"
)

const (
	proposalThrottle = 60 * time.Second  // per symbol
	replayGuard      = 300 * time.Second // per (symbol, strategy, bias)
)

// Tracker receives approved opens for position management. origin is the
// generating strategy's name, which selects the exit rule set.
type Tracker interface {
	TrackOpen(p *models.Proposal, bias models.Bias, origin string, orderID int64)
}

// Engine evaluates every enabled strategy on each trade event and walks a
// firing signal through sizing, pricing, and the risk gate. It runs
// synchronously on the ingest path; the gate call is bounded at 2 s.
type Engine struct {
	ind        *indicators.Store
	builder    *Builder
	gate       *gateclient.Client
	tracker    Tracker
	notifier   *notify.Manager
	strategies []Strategy
	loc        *time.Location
	restricted func(day time.Time) bool
	log        zerolog.Logger

	mu           sync.Mutex
	lastProposal map[string]time.Time // symbol
	lastSignal   map[string]time.Time // symbol|strategy|bias
	lastRegime   regime.Regime
}

// NewEngine wires the evaluation pipeline.
func NewEngine(ind *indicators.Store, builder *Builder, gate *gateclient.Client, tracker Tracker,
	notifier *notify.Manager, strategies []Strategy, loc *time.Location,
	restricted func(time.Time) bool, logger zerolog.Logger) *Engine {
	return &Engine{
		ind:          ind,
		builder:      builder,
		gate:         gate,
		tracker:      tracker,
		notifier:     notifier,
		strategies:   strategies,
		loc:          loc,
		restricted:   restricted,
		log:          logger.With().Str("component", "strategy").Logger(),
		lastProposal: make(map[string]time.Time),
		lastSignal:   make(map[string]time.Time),
	}
}

// Snapshot assembles the market view a strategy evaluates against.
func (e *Engine) Snapshot(symbol string, now time.Time) Market {
	et := now.In(e.loc)
	vix, vixOK := e.ind.VIX(now)
	adx, adxOK := e.ind.ADX("SPY", 14)
	reg := regime.Classify(regime.Inputs{
		VIX: vix, VIXOK: vixOK,
		ADX: adx, ADXOK: adxOK,
		Today:        et,
		IsRestricted: e.restricted,
	})
	return Market{Symbol: symbol, Now: et, Regime: reg, VIX: vix, VIXOK: vixOK, Ind: e.ind}
}

// Regime returns the current classification, for heartbeats and logs.
func (e *Engine) Regime(now time.Time) regime.Regime {
	return e.Snapshot("SPY", now).Regime
}

// OnTrade runs after the indicator store has absorbed a trade for symbol.
func (e *Engine) OnTrade(ctx context.Context, symbol string, now time.Time) {
	if !e.ind.Warm(symbol) {
		return
	}
	m := e.Snapshot(symbol, now)
	e.noteRegime(m.Regime)
	if !m.Regime.CanOpen() {
		return
	}

	for _, s := range e.strategies {
		sig := s.Evaluate(m)
		if sig == nil {
			continue
		}
		if !e.admit(symbol, s.Name(), sig, now) {
			continue
		}
		e.fire(ctx, m, s.Name(), sig)
	}
}

// admit applies the per-symbol throttle and the per-signal replay guard.
// Both clocks start when a signal is admitted, so a rejected proposal still
// backs off.
func (e *Engine) admit(symbol, name string, sig *Signal, now time.Time) bool {
	key := symbol + "|" + name + "|" + string(sig.Bias)
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastProposal[symbol]; ok && now.Sub(last) < proposalThrottle {
		return false
	}
	if last, ok := e.lastSignal[key]; ok && now.Sub(last) < replayGuard {
		return false
	}
	e.lastProposal[symbol] = now
	e.lastSignal[key] = now
	return true
}

func (e *Engine) noteRegime(r regime.Regime) {
	e.mu.Lock()
	prev := e.lastRegime
	e.lastRegime = r
	e.mu.Unlock()
	if prev != "" && prev != r {
		e.log.Info().Str("from", string(prev)).Str("to", string(r)).Msg("regime change")
		e.notifier.RegimeChanged(string(prev), string(r))
	}
}

func (e *Engine) fire(ctx context.Context, m Market, name string, sig *Signal) {
	log := e.log.With().Str("symbol", m.Symbol).Str("strategy", name).Str("bias", string(sig.Bias)).Logger()
	log.Info().Str("reason", sig.Reason).Msg("signal fired")

	p, err := e.builder.Build(ctx, m, sig)
	if err != nil {
		log.Warn().Err(err).Msg("proposal construction failed")
		return
	}

	decision, err := e.gate.SubmitProposal(ctx, p)
	if err != nil {
		log.Warn().Err(err).Str("proposal_id", p.ID).Msg("gate unreachable, proposal abandoned")
		return
	}
	if !decision.Approved() {
		return
	}

	e.tracker.TrackOpen(p, sig.Bias, name, decision.OrderID)
	e.notifier.TradeOpened(p.Symbol, p.Strategy, p.Quantity, p.Price)
}
