package positions

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-trading-engine/internal/gateclient"
	"options-trading-engine/internal/indicators"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/tradier"
)

const (
	cycleInterval     = 5 * time.Second
	reconcileInterval = 10 * time.Minute
	quoteTimeout      = 5 * time.Second

	chaseDrift      = 0.10              // drift from submitted limit that triggers a chase
	chaseBuffer     = 0.05              // aggressiveness added to the new mid
	chaseMaxPending = 120 * time.Second // force a chase regardless of drift
	retryCooldown   = 5 * time.Second
)

// Broker is the slice of the brokerage API the manager needs.
type Broker interface {
	GetQuotes(ctx context.Context, symbols []string) ([]tradier.Quote, error)
	GetPositions(ctx context.Context) ([]tradier.Position, error)
	GetOrder(ctx context.Context, orderID int64) (*tradier.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

// Gate submits proposals; the gate stays the sole execution path even for
// chased resubmissions.
type Gate interface {
	SubmitProposal(ctx context.Context, p *models.Proposal) (*gateclient.Decision, error)
}

// Manager owns the tracked-position map. It runs a 5-second mark/exit/chase
// cycle and a 10-minute broker reconciliation, and mirrors the map to disk
// after every mutation.
type Manager struct {
	broker     Broker
	gate       Gate
	ind        *indicators.Store
	notifier   *notify.Manager
	loc        *time.Location
	mirrorPath string
	eodCloseET string // "HH:MM" or empty
	log        zerolog.Logger

	mu        sync.Mutex
	positions map[string]*TrackedPosition
}

// NewManager loads the disk mirror and returns a ready manager; this is the
// restart contract.
func NewManager(broker Broker, gate Gate, ind *indicators.Store, notifier *notify.Manager,
	loc *time.Location, mirrorPath, eodCloseET string, logger zerolog.Logger) (*Manager, error) {
	loaded, err := loadMirror(mirrorPath)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		broker:     broker,
		gate:       gate,
		ind:        ind,
		notifier:   notifier,
		loc:        loc,
		mirrorPath: mirrorPath,
		eodCloseET: eodCloseET,
		log:        logger.With().Str("component", "positions").Logger(),
		positions:  loaded,
	}
	if len(loaded) > 0 {
		m.log.Info().Int("count", len(loaded)).Msg("tracked positions restored from mirror")
	}
	return m, nil
}

// TrackOpen registers an approved OPEN. The proposal price is the total net
// credit/debit at final scaled quantities, so it is the entry price.
func (m *Manager) TrackOpen(p *models.Proposal, bias models.Bias, origin string, orderID int64) {
	now := time.Now()
	pos := &TrackedPosition{
		TradeID:        p.ID,
		Symbol:         p.Symbol,
		Strategy:       p.Strategy,
		Origin:         origin,
		Bias:           bias,
		Legs:           p.Legs,
		Quantity:       p.Quantity,
		EntryPrice:     p.Price,
		Status:         StatusOpening,
		OpenOrderID:    orderID,
		SubmittedLimit: p.Price,
		SubmittedMid:   p.Price,
		SubmittedAt:    now,
		OpenedAt:       now,
	}
	m.mu.Lock()
	m.positions[pos.TradeID] = pos
	m.flushLocked()
	m.mu.Unlock()
	m.log.Info().Str("trade_id", pos.TradeID).Int64("order_id", orderID).Msg("tracking new position")
}

// Count returns the number of tracked positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Snapshot returns a copy of the tracked positions for status surfaces.
func (m *Manager) Snapshot() []TrackedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.clone())
	}
	return out
}

// Run drives the cycle and reconcile tickers until ctx is cancelled. The
// in-flight cycle completes and the mirror is flushed before return.
func (m *Manager) Run(ctx context.Context) {
	cycle := time.NewTicker(cycleInterval)
	defer cycle.Stop()
	reconcile := time.NewTicker(reconcileInterval)
	defer reconcile.Stop()

	// align the tracked map with broker reality immediately after restart
	m.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			m.log.Info().Msg("position manager stopped")
			return
		case <-cycle.C:
			m.Cycle(ctx, time.Now())
		case <-reconcile.C:
			m.Reconcile(ctx)
		}
	}
}

// Cycle performs one mark/exit/chase pass over all tracked positions.
func (m *Manager) Cycle(ctx context.Context, now time.Time) {
	symbols := m.allLegSymbols()
	if len(symbols) == 0 {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	quotes, err := m.broker.GetQuotes(qctx, symbols)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("quote fetch failed, skipping cycle")
		return
	}
	mids := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		mids[q.Symbol] = q.Mid()
	}

	et := now.In(m.loc)
	eod := pastEODClose(et, m.eodCloseET)

	// Drive deep copies so the slow paths (order polls, gate submissions)
	// never touch shared state outside the lock; commit writes each driven
	// copy back.
	m.mu.Lock()
	snapshot := make([]TrackedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		snapshot = append(snapshot, p.clone())
	}
	m.mu.Unlock()

	for i := range snapshot {
		pos := &snapshot[i]
		if now.Before(pos.RetryBackoffUntil) {
			continue
		}
		switch pos.Status {
		case StatusOpening:
			m.driveOpening(ctx, pos, mids, now)
		case StatusOpen:
			m.driveOpen(ctx, pos, mids, now, eod)
		case StatusClosing:
			m.driveClosing(ctx, pos, mids, now)
		}
		m.commit(pos)
	}

	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

// commit writes a driven copy back onto the tracked position. A position
// the drive path removed stays removed.
func (m *Manager) commit(pos *TrackedPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[pos.TradeID]
	if !ok {
		return
	}
	*cur = pos.clone()
}

func (m *Manager) allLegSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.positions {
		for _, s := range p.LegSymbols() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// driveOpening watches the open order: promote on fill, chase on drift or
// age, resubmit after a cooldown when the order died.
func (m *Manager) driveOpening(ctx context.Context, pos *TrackedPosition, mids map[string]float64, now time.Time) {
	if pos.OpenOrderID == 0 {
		m.resubmitOpen(ctx, pos, mids, now)
		return
	}
	order, err := m.broker.GetOrder(ctx, pos.OpenOrderID)
	if err != nil {
		m.log.Warn().Err(err).Str("trade_id", pos.TradeID).Msg("open order status fetch failed")
		return
	}
	switch {
	case order.Status == "filled":
		pos.Status = StatusOpen
		pos.OpenedAt = now
		m.log.Info().Str("trade_id", pos.TradeID).Float64("avg_fill", order.AvgFill).Msg("open order filled")
	case order.Pending():
		m.chase(ctx, pos, &pos.OpenOrderID, mids, now)
	default: // canceled, rejected, expired
		m.log.Warn().Str("trade_id", pos.TradeID).Str("status", order.Status).Msg("open order died")
		pos.OpenOrderID = 0
		pos.RetryBackoffUntil = now.Add(retryCooldown)
	}
}

// driveOpen marks the position and evaluates exits.
func (m *Manager) driveOpen(ctx context.Context, pos *TrackedPosition, mids map[string]float64, now time.Time, eod bool) {
	ctc, ok := CostToClose(pos.Legs, mids)
	if !ok {
		return
	}
	pnl, pnlPct := PnL(pos, ctc)
	if pnlPct > pos.HighestPnLPct {
		pos.HighestPnLPct = pnlPct
	}

	marks := m.marks(pos.Symbol)
	reason := ExitReason(pos, pnlPct, marks, eod)
	if reason == "" {
		return
	}
	m.log.Info().Str("trade_id", pos.TradeID).Float64("pnl", pnl).Float64("pnl_pct", pnlPct).
		Str("reason", reason).Msg("exit triggered")
	m.submitClose(ctx, pos, ctc, reason, now)
}

// driveClosing watches the close order. A dead close order reverts the
// position to OPEN so exits re-evaluate next cycle.
func (m *Manager) driveClosing(ctx context.Context, pos *TrackedPosition, mids map[string]float64, now time.Time) {
	if pos.CloseOrderID == 0 {
		ctc, ok := CostToClose(pos.Legs, mids)
		if !ok {
			return
		}
		m.submitClose(ctx, pos, ctc, "chase resubmission", now)
		return
	}
	order, err := m.broker.GetOrder(ctx, pos.CloseOrderID)
	if err != nil {
		m.log.Warn().Err(err).Str("trade_id", pos.TradeID).Msg("close order status fetch failed")
		return
	}
	switch {
	case order.Status == "filled":
		ctc, ok := CostToClose(pos.Legs, mids)
		pnl, pnlPct := 0.0, 0.0
		if ok {
			pnl, pnlPct = PnL(pos, ctc)
		}
		m.mu.Lock()
		delete(m.positions, pos.TradeID)
		m.flushLocked()
		m.mu.Unlock()
		m.log.Info().Str("trade_id", pos.TradeID).Float64("pnl", pnl).Msg("position closed")
		m.notifier.TradeClosed(pos.Symbol, pos.Strategy, "close order filled", pnl, pnlPct)
	case order.Pending():
		m.chase(ctx, pos, &pos.CloseOrderID, mids, now)
	default:
		m.log.Warn().Str("trade_id", pos.TradeID).Str("status", order.Status).Msg("close order died, reverting to OPEN")
		pos.Status = StatusOpen
		pos.CloseOrderID = 0
		pos.RetryBackoffUntil = now.Add(retryCooldown)
	}
}

// chase cancels a working order when the market has drifted more than
// chaseDrift from the submitted limit or the order has been pending beyond
// chaseMaxPending. The resubmission happens next cycle, after the cooldown,
// through a fresh gate proposal.
func (m *Manager) chase(ctx context.Context, pos *TrackedPosition, orderID *int64, mids map[string]float64, now time.Time) {
	net, ok := CostToClose(pos.Legs, mids)
	if !ok {
		return
	}
	currentMid := math.Abs(net)
	drifted := math.Abs(currentMid-pos.SubmittedLimit) > chaseDrift
	aged := now.Sub(pos.SubmittedAt) > chaseMaxPending
	if !drifted && !aged {
		return
	}
	why := "drift"
	if aged {
		why = "pending too long"
	}
	if err := m.broker.CancelOrder(ctx, *orderID); err != nil {
		m.log.Warn().Err(err).Str("trade_id", pos.TradeID).Msg("chase cancel failed")
		return
	}
	m.log.Info().Str("trade_id", pos.TradeID).Str("why", why).
		Float64("submitted", pos.SubmittedLimit).Float64("mid", currentMid).Msg("chasing order")
	*orderID = 0
	pos.SubmittedMid = currentMid
	pos.RetryBackoffUntil = now.Add(retryCooldown)
}

// resubmitOpen replays the opening order at the current mid plus the
// aggressiveness buffer, through the gate.
func (m *Manager) resubmitOpen(ctx context.Context, pos *TrackedPosition, mids map[string]float64, now time.Time) {
	net, ok := CostToClose(pos.Legs, mids)
	if !ok {
		return
	}
	price := roundCents(math.Abs(net) + chaseBuffer)
	p := &models.Proposal{
		ID:        pos.TradeID + "-r" + uuid.NewString()[:4],
		Timestamp: now.UnixMilli(),
		Symbol:    pos.Symbol,
		Strategy:  pos.Strategy,
		Side:      models.SideOpen,
		Quantity:  pos.Quantity,
		Price:     price,
		Legs:      pos.Legs,
		Context:   m.openContext(pos.Symbol, now),
	}
	decision, err := m.gate.SubmitProposal(ctx, p)
	if err != nil {
		m.log.Warn().Err(err).Str("trade_id", pos.TradeID).Msg("open resubmission failed")
		pos.RetryBackoffUntil = now.Add(retryCooldown)
		return
	}
	if !decision.Approved() {
		// The gate refused the replay; drop the never-filled position.
		m.log.Warn().Str("trade_id", pos.TradeID).Str("reason", decision.Reason).Msg("open resubmission rejected, abandoning")
		m.mu.Lock()
		delete(m.positions, pos.TradeID)
		m.flushLocked()
		m.mu.Unlock()
		return
	}
	pos.OpenOrderID = decision.OrderID
	pos.SubmittedLimit = price
	pos.SubmittedAt = now
	pos.EntryPrice = price
}

// submitClose routes the exit through the gate as a CLOSE proposal priced
// at the current cost to close plus the aggressiveness buffer.
func (m *Manager) submitClose(ctx context.Context, pos *TrackedPosition, ctc float64, reason string, now time.Time) {
	price := roundCents(math.Abs(ctc) + chaseBuffer)
	if price <= 0 {
		price = 0.01
	}
	p := &models.Proposal{
		ID:        pos.TradeID + "-close-" + uuid.NewString()[:4],
		Timestamp: now.UnixMilli(),
		Symbol:    pos.Symbol,
		Strategy:  pos.Strategy,
		Side:      models.SideClose,
		Quantity:  pos.Quantity,
		Price:     price,
		Legs:      pos.Legs,
		Context:   map[string]any{"reason": reason},
	}
	decision, err := m.gate.SubmitProposal(ctx, p)
	if err != nil {
		m.log.Warn().Err(err).Str("trade_id", pos.TradeID).Msg("close submission failed")
		pos.RetryBackoffUntil = now.Add(retryCooldown)
		return
	}
	if !decision.Approved() {
		m.log.Warn().Str("trade_id", pos.TradeID).Str("reason", decision.Reason).Msg("close rejected")
		pos.RetryBackoffUntil = now.Add(retryCooldown)
		return
	}
	pos.Status = StatusClosing
	pos.CloseOrderID = decision.OrderID
	pos.SubmittedLimit = price
	pos.SubmittedMid = math.Abs(ctc)
	pos.SubmittedAt = now
}

func (m *Manager) openContext(symbol string, now time.Time) map[string]any {
	ctxMap := map[string]any{"flow_state": string(m.ind.Flow(symbol)), "reason": "chase resubmission"}
	if vix, ok := m.ind.VIX(now); ok {
		ctxMap["vix"] = vix
	}
	return ctxMap
}

func (m *Manager) marks(symbol string) Marks {
	var marks Marks
	marks.Price, marks.PriceOK = m.ind.Price(symbol)
	marks.RSI14, marks.RSI14OK = m.ind.RSI(symbol, 14)
	marks.SMA200, marks.SMAOK = m.ind.SMA(symbol, 200)
	marks.ADX, marks.ADXOK = m.ind.ADX(symbol, 14)
	return marks
}

// flushLocked rewrites the disk mirror; callers hold m.mu.
func (m *Manager) flushLocked() {
	if err := saveMirror(m.mirrorPath, m.positions); err != nil {
		m.log.Error().Err(err).Msg("mirror write failed")
	}
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}

// Reconcile aligns the tracked map with broker truth: OPENING positions
// whose legs all appear are promoted, positions whose legs are gone are
// removed as ghosts, quantities shrink to broker counts, and unrecognized
// option positions are adopted for managed wind-down.
func (m *Manager) Reconcile(ctx context.Context) {
	broker, err := m.broker.GetPositions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("reconcile fetch failed")
		return
	}
	held := make(map[string]float64, len(broker))
	for _, bp := range broker {
		held[bp.Symbol] = bp.Quantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	covered := make(map[string]bool)
	for id, pos := range m.positions {
		present := 0
		for _, leg := range pos.Legs {
			covered[leg.Symbol] = true
			if _, ok := held[leg.Symbol]; ok {
				present++
			}
		}
		switch {
		case present == len(pos.Legs):
			if pos.Status == StatusOpening {
				pos.Status = StatusOpen
				m.log.Info().Str("trade_id", id).Msg("reconcile: fill confirmed, promoted to OPEN")
			}
			for i := range pos.Legs {
				brokerQty := int(math.Abs(held[pos.Legs[i].Symbol]))
				if brokerQty > 0 && brokerQty < pos.Legs[i].Quantity {
					m.log.Warn().Str("trade_id", id).Str("leg", pos.Legs[i].Symbol).
						Int("tracked", pos.Legs[i].Quantity).Int("broker", brokerQty).
						Msg("reconcile: shrinking leg to broker quantity")
					pos.Legs[i].Quantity = brokerQty
				}
			}
		case present == 0 && pos.Status != StatusOpening:
			m.log.Warn().Str("trade_id", id).Msg("reconcile: ghost position removed")
			delete(m.positions, id)
		}
	}

	m.adoptUnknownLocked(broker, covered)
	m.flushLocked()
}

// adoptUnknownLocked wraps broker option positions nobody tracks into
// MANUAL_RECOVERY positions: neutral bias, neutral exit rules, one tracked
// position per underlying.
func (m *Manager) adoptUnknownLocked(broker []tradier.Position, covered map[string]bool) {
	byRoot := make(map[string][]tradier.Position)
	for _, bp := range broker {
		if covered[bp.Symbol] {
			continue
		}
		root, _, _, _, err := models.ParseOCCSymbol(bp.Symbol)
		if err != nil {
			continue // not an option position
		}
		byRoot[root] = append(byRoot[root], bp)
	}

	for root, rows := range byRoot {
		var legs []models.Leg
		entry := 0.0
		for _, bp := range rows {
			_, exp, optType, strike, err := models.ParseOCCSymbol(bp.Symbol)
			if err != nil {
				continue
			}
			side := models.LegBuy
			if bp.Quantity < 0 {
				side = models.LegSell
			}
			legs = append(legs, models.Leg{
				Symbol:     bp.Symbol,
				Expiration: exp.Format("2006-01-02"),
				Strike:     strike,
				Type:       optType,
				Quantity:   int(math.Abs(bp.Quantity)),
				Side:       side,
			})
			entry += math.Abs(bp.CostBasis) / 100 // broker reports dollars, marks are in points
		}
		if len(legs) == 0 {
			continue
		}
		id := fmt.Sprintf("RECOVERED-%s-%s", root, uuid.NewString()[:8])
		m.positions[id] = &TrackedPosition{
			TradeID:    id,
			Symbol:     root,
			Strategy:   models.StrategyManualRecovery,
			Origin:     "manual_recovery",
			Bias:       models.BiasNeutral,
			Legs:       legs,
			Quantity:   legs[0].Quantity,
			EntryPrice: roundCents(entry),
			Status:     StatusOpen,
			OpenedAt:   time.Now(),
		}
		m.log.Warn().Str("trade_id", id).Int("legs", len(legs)).Msg("reconcile: adopted unknown broker position")
	}
}
