// Package notify fans operational events out to notification sinks. Sends
// are fire-and-forget: a sink failure is logged and never propagates into
// the trading path.
package notify

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a notification.
type EventType string

const (
	EventProposal     EventType = "proposal"
	EventTradeOpen    EventType = "trade_open"
	EventTradeClose   EventType = "trade_close"
	EventSystemLock   EventType = "system_lock"
	EventSystemUnlock EventType = "system_unlock"
	EventRegimeChange EventType = "regime_change"
	EventWarmup       EventType = "warmup"
	EventEODReport    EventType = "eod_report"
	EventError        EventType = "error"
)

// Event is one notification message.
type Event struct {
	Type       EventType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
	Fields     map[string]string
}

// Sink delivers events to one destination.
type Sink interface {
	Send(ev Event) error
	Name() string
	Enabled() bool
}

// Manager fans events out to all registered sinks asynchronously.
type Manager struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{log: logger.With().Str("component", "notify").Logger()}
}

// AddSink registers a delivery sink.
func (m *Manager) AddSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Send dispatches the event to every enabled sink on a goroutine per sink.
// Failures are logged, never returned.
func (m *Manager) Send(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, s := range m.sinks {
		if !s.Enabled() {
			continue
		}
		go func(s Sink) {
			if err := s.Send(ev); err != nil {
				m.log.Warn().Err(err).Str("sink", s.Name()).Str("type", string(ev.Type)).
					Msg("notification delivery failed")
			}
		}(s)
	}
}

// TradeOpened reports a filled opening order.
func (m *Manager) TradeOpened(symbol, strategy string, quantity int, price float64) {
	m.Send(Event{
		Type:    EventTradeOpen,
		Title:   "Trade Opened",
		Message: fmt.Sprintf("%s %s x%d @ %.2f", symbol, strategy, quantity, price),
		Symbol:  symbol,
		Price:   price,
		Fields:  map[string]string{"strategy": strategy},
	})
}

// TradeClosed reports a closed position with realized P&L.
func (m *Manager) TradeClosed(symbol, strategy, reason string, pnl, pnlPct float64) {
	m.Send(Event{
		Type:       EventTradeClose,
		Title:      "Trade Closed",
		Message:    fmt.Sprintf("%s %s: %s", symbol, strategy, reason),
		Symbol:     symbol,
		PnL:        pnl,
		PnLPercent: pnlPct,
		Fields:     map[string]string{"strategy": strategy, "reason": reason},
	})
}

// SystemLocked reports a lock transition with its reason.
func (m *Manager) SystemLocked(reason string) {
	m.Send(Event{
		Type:    EventSystemLock,
		Title:   "SYSTEM LOCKED",
		Message: reason,
	})
}

// RegimeChanged reports a market regime transition.
func (m *Manager) RegimeChanged(from, to string) {
	m.Send(Event{
		Type:    EventRegimeChange,
		Title:   "Regime Change",
		Message: fmt.Sprintf("%s -> %s", from, to),
	})
}

// WarmupComplete reports that history seeding finished.
func (m *Manager) WarmupComplete(symbols []string, elapsed time.Duration) {
	m.Send(Event{
		Type:    EventWarmup,
		Title:   "Warm-up Complete",
		Message: fmt.Sprintf("%d symbols seeded in %s", len(symbols), elapsed.Round(time.Second)),
	})
}
