package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-trading-engine/config"
	"options-trading-engine/internal/ledger"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/signing"
	"options-trading-engine/internal/tradier"
)

var testSecret = []byte("test-shared-secret")

// fixedNow is a Monday, 10:30 ET.
var fixedNow = time.Date(2026, 3, 2, 10, 30, 0, 0, mustET())

func mustET() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

type fakeBroker struct {
	mu         sync.Mutex
	equity     float64
	positions  []tradier.Position
	placed     []tradier.MultilegOrder
	placeErr   error
	nextOrder  int64
	openOrders []tradier.Order
	cancelled  []int64
}

func (b *fakeBroker) GetBalances(ctx context.Context) (*tradier.Balances, error) {
	return &tradier.Balances{TotalEquity: b.equity}, nil
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]tradier.Position, error) {
	return b.positions, nil
}

func (b *fakeBroker) PlaceMultilegOrder(ctx context.Context, order tradier.MultilegOrder) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return 0, b.placeErr
	}
	b.placed = append(b.placed, order)
	b.nextOrder++
	return b.nextOrder, nil
}

func (b *fakeBroker) GetOpenOrders(ctx context.Context, symbol string) ([]tradier.Order, error) {
	return b.openOrders, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID int64) error {
	b.cancelled = append(b.cancelled, orderID)
	return nil
}

type auditRow struct {
	proposal models.Proposal
	status   string
	reason   string
}

type fakeLedger struct {
	mu          sync.Mutex
	proposals   []auditRow
	orders      []int64
	latestOpen  int64
	latestErr   error
	lockStatus  string
	lockReason  string
	statusErr   error
	equityCount int
}

func (l *fakeLedger) InsertProposal(ctx context.Context, p *models.Proposal, status, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposals = append(l.proposals, auditRow{proposal: *p, status: status, reason: reason})
	return nil
}

func (l *fakeLedger) InsertOrder(ctx context.Context, orderID int64, proposalID, symbol string, quantity int) error {
	l.orders = append(l.orders, orderID)
	return nil
}

func (l *fakeLedger) LatestOpenOrderID(ctx context.Context, symbol, strategy string) (int64, error) {
	return l.latestOpen, l.latestErr
}

func (l *fakeLedger) ReplacePositions(ctx context.Context, positions []tradier.Position) error {
	return nil
}

func (l *fakeLedger) GetSystemStatus(ctx context.Context) (*ledger.SystemStatus, error) {
	if l.statusErr != nil {
		return nil, l.statusErr
	}
	status := l.lockStatus
	if status == "" {
		status = ledger.SystemNormal
	}
	return &ledger.SystemStatus{Status: status, Reason: l.lockReason}, nil
}

func (l *fakeLedger) SetSystemStatus(ctx context.Context, status, reason string) error {
	l.lockStatus, l.lockReason = status, reason
	return nil
}

func (l *fakeLedger) InsertEquitySnapshot(ctx context.Context, equity float64) error {
	l.equityCount++
	return nil
}

func (l *fakeLedger) RecentProposals(ctx context.Context, n int) ([]ledger.ProposalRecord, error) {
	return nil, nil
}

func (l *fakeLedger) SummarizeProposals(ctx context.Context, since time.Time) (*ledger.ProposalSummary, error) {
	return &ledger.ProposalSummary{BySymbol: map[string]int{}, ByStatus: map[string]int{}}, nil
}

func (l *fakeLedger) DayEquityRange(ctx context.Context, since time.Time) (float64, float64, bool, error) {
	return 0, 0, false, nil
}

func (l *fakeLedger) lastRow(t *testing.T) auditRow {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.proposals)
	return l.proposals[len(l.proposals)-1]
}

type fakeMirror struct {
	locked bool
	reason string
}

func (m fakeMirror) loadLock(ctx context.Context) (bool, string) { return m.locked, m.reason }

func (fakeMirror) saveLock(ctx context.Context, locked bool, reason string)               {}
func (fakeMirror) saveRestrictedDates(ctx context.Context, dates []string)                {}
func (fakeMirror) savePositionMeta(ctx context.Context, orderID int64, meta PositionMeta) {}
func (fakeMirror) deletePositionMeta(ctx context.Context, orderID int64)                  {}
func (fakeMirror) saveHeartbeat(ctx context.Context, at time.Time, state json.RawMessage) {}
func (fakeMirror) saveSODEquity(ctx context.Context, day string, equity float64)          {}

func testConstitution() config.Constitution {
	return config.Constitution{
		AllowedSymbols:            []string{"SPY", "QQQ", "IWM", "DIA"},
		AllowedStrategies:         []string{"CREDIT_SPREAD", "IRON_CONDOR", "IRON_BUTTERFLY", "RATIO_SPREAD"},
		MaxOpenPositions:          3,
		MaxConcentrationPerSymbol: 2,
		MaxDailyLossPercent:       0.02,
		MinDTE:                    0,
		MaxDTE:                    45,
		CorrelationGroups:         map[string][]string{"US_INDICES": {"SPY", "QQQ", "IWM", "DIA"}},
		MaxCorrelatedPositions:    2,
		MaxTotalPositions:         5,
		StaleProposalMs:           30000,
		MaxVIXForEntry:            28,
	}
}

func newTestGate(broker *fakeBroker, audit *fakeLedger) *Gate {
	return &Gate{
		constitution: testConstitution(),
		secret:       testSecret,
		broker:       broker,
		ledger:       audit,
		kv:           fakeMirror{},
		notifier:     notify.NewManager(zerolog.Nop()),
		loc:          mustET(),
		log:          zerolog.Nop(),
		now:          func() time.Time { return fixedNow },
		restricted:   map[string]bool{},
		meta:         map[int64]PositionMeta{},
	}
}

func bullPutSpread(symbol string) *models.Proposal {
	exp := "2026-03-09"
	expT, _ := time.ParseInLocation("2006-01-02", exp, mustET())
	return &models.Proposal{
		ID:        symbol + "-CREDIT_SPREAD-deadbeef",
		Timestamp: fixedNow.UnixMilli(),
		Symbol:    symbol,
		Strategy:  models.StrategyCreditSpread,
		Side:      models.SideOpen,
		Quantity:  10,
		Price:     5.50,
		Legs: []models.Leg{
			{Symbol: models.OCCSymbol(symbol, expT, models.OptionPut, 428), Expiration: exp, Strike: 428, Type: models.OptionPut, Quantity: 10, Side: models.LegSell},
			{Symbol: models.OCCSymbol(symbol, expT, models.OptionPut, 426), Expiration: exp, Strike: 426, Type: models.OptionPut, Quantity: 10, Side: models.LegBuy},
		},
		Context: map[string]any{"vix": 18.0, "flow_state": "RISK_ON", "bias": "bullish"},
	}
}

func signedBody(t *testing.T, p *models.Proposal) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	canonical, err := signing.CanonicalizeRaw(body)
	require.NoError(t, err)
	return body, signing.Sign(testSecret, canonical)
}

func submit(t *testing.T, g *Gate, p *models.Proposal) *Outcome {
	t.Helper()
	body, sig := signedBody(t, p)
	return g.Evaluate(context.Background(), body, sig)
}

func TestApproveCreditSpread(t *testing.T) {
	broker := &fakeBroker{equity: 100000}
	audit := &fakeLedger{}
	g := newTestGate(broker, audit)

	out := submit(t, g, bullPutSpread("SPY"))
	require.Equal(t, ledger.ProposalApproved, out.Status)
	assert.Equal(t, int64(1), out.OrderID)

	require.Len(t, broker.placed, 1)
	order := broker.placed[0]
	assert.Equal(t, "SPY", order.Symbol)
	assert.Equal(t, "credit", order.Type)
	assert.Equal(t, "day", order.Duration)
	assert.Equal(t, 5.50, order.Price)
	require.Len(t, order.Legs, 2)
	assert.Equal(t, "sell_to_open", order.Legs[0].Side)
	assert.Equal(t, "buy_to_open", order.Legs[1].Side)

	meta, ok := g.meta[1]
	require.True(t, ok)
	assert.Equal(t, "SPY", meta.Symbol)
	assert.Equal(t, models.BiasBullish, meta.Bias)

	row := audit.lastRow(t)
	assert.Equal(t, ledger.ProposalApproved, row.status)
}

func TestMissingAndInvalidSignature(t *testing.T) {
	audit := &fakeLedger{}
	g := newTestGate(&fakeBroker{equity: 100000}, audit)
	body, _ := signedBody(t, bullPutSpread("SPY"))

	out := g.Evaluate(context.Background(), body, "")
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "Missing signature")

	out = g.Evaluate(context.Background(), body, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "Invalid signature")

	out = g.Evaluate(context.Background(), []byte("not json"), "deadbeef")
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "Malformed payload")

	// signature failures leave audit rows too, identity recovered where
	// the body allows it
	require.Len(t, audit.proposals, 3)
	assert.Equal(t, ledger.ProposalRejected, audit.proposals[0].status)
	assert.Equal(t, "SPY", audit.proposals[0].proposal.Symbol)
	assert.Contains(t, audit.proposals[1].reason, "Invalid signature")
	assert.Empty(t, audit.proposals[2].proposal.ID, "garbage body audits anonymously")
}

func TestSignatureCoversBody(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	p := bullPutSpread("SPY")
	_, sig := signedBody(t, p)

	p.Price = 0.05
	tampered, err := json.Marshal(p)
	require.NoError(t, err)
	out := g.Evaluate(context.Background(), tampered, sig)
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "Invalid signature")
}

func TestRejectWhenLocked(t *testing.T) {
	audit := &fakeLedger{}
	g := newTestGate(&fakeBroker{equity: 100000}, audit)
	g.Lock(context.Background(), "manual lock")

	out := submit(t, g, bullPutSpread("SPY"))
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Equal(t, "System is locked", out.Reason)
	// rejection still audited
	assert.Equal(t, ledger.ProposalRejected, audit.lastRow(t).status)
}

func TestStalenessBoundary(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})

	atLimit := bullPutSpread("SPY")
	atLimit.Timestamp = fixedNow.UnixMilli() - 30000
	out := submit(t, g, atLimit)
	assert.Equal(t, ledger.ProposalApproved, out.Status, "age exactly at the limit passes")

	past := bullPutSpread("SPY")
	past.Timestamp = fixedNow.UnixMilli() - 30001
	out = submit(t, g, past)
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "Stale")
}

func TestSymbolAndStrategyFilters(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})

	p := bullPutSpread("SPY")
	p.Symbol = "AAPL"
	out := submit(t, g, p)
	assert.Contains(t, out.Reason, "AAPL not allowed")

	p = bullPutSpread("SPY")
	p.Strategy = "NAKED_CALL"
	out = submit(t, g, p)
	assert.Contains(t, out.Reason, "NAKED_CALL not allowed")
}

func TestRejectNonPositivePrice(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	p := bullPutSpread("SPY")
	p.Price = 0
	out := submit(t, g, p)
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "market orders")
}

func TestStructureValidation(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})

	p := bullPutSpread("SPY")
	p.Legs = p.Legs[:1]
	out := submit(t, g, p)
	assert.Contains(t, out.Reason, "exactly 2 legs, got 1")

	ratio := bullPutSpread("SPY")
	ratio.Strategy = models.StrategyRatioSpread
	ratio.Legs[0].Quantity = 5
	ratio.Legs[1].Quantity = 5
	out = submit(t, g, ratio)
	assert.Contains(t, out.Reason, "unequal leg quantities")
}

func TestDTEBounds(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})

	sameDay := bullPutSpread("SPY")
	for i := range sameDay.Legs {
		sameDay.Legs[i].Expiration = "2026-03-02"
	}
	out := submit(t, g, sameDay)
	assert.Equal(t, ledger.ProposalApproved, out.Status, "0 DTE is within bounds")

	tooFar := bullPutSpread("SPY")
	for i := range tooFar.Legs {
		tooFar.Legs[i].Expiration = "2026-04-17" // 46 DTE
	}
	out = submit(t, g, tooFar)
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "DTE 46 outside [0, 45]")
}

func TestCalendarLock(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	g.UpdateCalendar(context.Background(), []string{"2026-03-02"})

	out := submit(t, g, bullPutSpread("SPY"))
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "restricted date")
}

func TestDailyLossAutoLock(t *testing.T) {
	broker := &fakeBroker{equity: 97900} // 2.10% below start of day
	audit := &fakeLedger{}
	g := newTestGate(broker, audit)
	g.sodDay = fixedNow.Format("2006-01-02")
	g.sodEquity = 100000

	out := submit(t, g, bullPutSpread("SPY"))
	require.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "2.10%")
	assert.True(t, g.locked, "daily loss latches the lock")
	assert.Equal(t, ledger.SystemLocked, audit.lockStatus)

	// lock persists for the next proposal even though equity is unchanged
	out = submit(t, g, bullPutSpread("QQQ"))
	assert.Equal(t, "System is locked", out.Reason)
}

func TestPositionCapCountsDistinctSymbols(t *testing.T) {
	exp := time.Date(2026, 3, 9, 0, 0, 0, 0, mustET())
	broker := &fakeBroker{equity: 100000, positions: []tradier.Position{
		{Symbol: models.OCCSymbol("SPY", exp, models.OptionPut, 428), Quantity: -10},
		{Symbol: models.OCCSymbol("SPY", exp, models.OptionPut, 426), Quantity: 10},
		{Symbol: models.OCCSymbol("QQQ", exp, models.OptionCall, 500), Quantity: -5},
		{Symbol: models.OCCSymbol("IWM", exp, models.OptionPut, 220), Quantity: -3},
	}}
	g := newTestGate(broker, &fakeLedger{})

	out := submit(t, g, bullPutSpread("DIA"))
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "3 symbols open (max 3)")
}

func TestCorrelationGuard(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	g.meta[101] = PositionMeta{Symbol: "SPY", Bias: models.BiasBullish, Strategy: "CREDIT_SPREAD"}
	g.meta[102] = PositionMeta{Symbol: "QQQ", Bias: models.BiasBullish, Strategy: "CREDIT_SPREAD"}

	out := submit(t, g, bullPutSpread("DIA"))
	require.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "US_INDICES")
	assert.Contains(t, out.Reason, "2 bullish")

	// a neutral structure in the same group is unaffected
	neutral := bullPutSpread("DIA")
	neutral.Context["bias"] = "neutral"
	out = submit(t, g, neutral)
	assert.Equal(t, ledger.ProposalApproved, out.Status)
}

func TestConcentrationPerSymbol(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})
	g.meta[101] = PositionMeta{Symbol: "SPY", Bias: models.BiasNeutral, Strategy: "IRON_CONDOR"}
	g.meta[102] = PositionMeta{Symbol: "SPY", Bias: models.BiasNeutral, Strategy: "IRON_BUTTERFLY"}

	neutral := bullPutSpread("SPY")
	neutral.Context["bias"] = "neutral"
	out := submit(t, g, neutral)
	assert.Equal(t, ledger.ProposalRejected, out.Status)
	assert.Contains(t, out.Reason, "2 open positions in SPY (max 2)")
}

func TestMarketContextChecks(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{})

	atLimit := bullPutSpread("SPY")
	atLimit.Context["vix"] = 28.0
	out := submit(t, g, atLimit)
	assert.Equal(t, ledger.ProposalApproved, out.Status, "VIX exactly at the limit passes")

	above := bullPutSpread("SPY")
	above.Context["vix"] = 28.01
	out = submit(t, g, above)
	assert.Contains(t, out.Reason, "VIX 28.01 above entry limit")

	noVIX := bullPutSpread("SPY")
	delete(noVIX.Context, "vix")
	out = submit(t, g, noVIX)
	assert.Contains(t, out.Reason, "missing VIX")

	unknownFlow := bullPutSpread("SPY")
	unknownFlow.Context["flow_state"] = "UNKNOWN"
	out = submit(t, g, unknownFlow)
	assert.Contains(t, out.Reason, "UNKNOWN")
}

func TestExecutionFailure(t *testing.T) {
	broker := &fakeBroker{equity: 100000, placeErr: fmt.Errorf("insufficient buying power")}
	audit := &fakeLedger{}
	g := newTestGate(broker, audit)

	out := submit(t, g, bullPutSpread("SPY"))
	assert.Equal(t, ledger.ProposalExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "insufficient buying power")
	assert.Empty(t, g.meta, "failed execution leaves no metadata")
	assert.Equal(t, ledger.ProposalExecutionFailed, audit.lastRow(t).status)
}

func TestCloseSkipsEntryChecksAndUnwindsMetadata(t *testing.T) {
	broker := &fakeBroker{equity: 100000}
	audit := &fakeLedger{latestOpen: 42}
	g := newTestGate(broker, audit)
	g.meta[42] = PositionMeta{Symbol: "SPY", Bias: models.BiasBullish, Strategy: "CREDIT_SPREAD"}

	p := bullPutSpread("SPY")
	p.Side = models.SideClose
	p.Price = 1.10
	// a close carries no entry context and may expire same-day
	p.Context = map[string]any{}
	out := submit(t, g, p)
	require.Equal(t, ledger.ProposalApproved, out.Status)

	require.Len(t, broker.placed, 1)
	assert.Equal(t, "debit", broker.placed[0].Type, "closing a credit structure pays a debit")
	assert.Equal(t, "buy_to_close", broker.placed[0].Legs[0].Side)
	assert.Equal(t, "sell_to_close", broker.placed[0].Legs[1].Side)
	assert.Empty(t, g.meta, "close unwinds the opening order's metadata")
}

func TestEveryEvaluationIsAudited(t *testing.T) {
	audit := &fakeLedger{}
	g := newTestGate(&fakeBroker{equity: 100000}, audit)

	submit(t, g, bullPutSpread("SPY")) // approved
	bad := bullPutSpread("QQQ")
	bad.Price = -1
	submit(t, g, bad) // rejected

	require.Len(t, audit.proposals, 2)
	assert.Equal(t, ledger.ProposalApproved, audit.proposals[0].status)
	assert.Equal(t, ledger.ProposalRejected, audit.proposals[1].status)
	assert.Equal(t, "QQQ", audit.proposals[1].proposal.Symbol)
}

func TestLiquidateCancelsAndLocks(t *testing.T) {
	broker := &fakeBroker{
		equity: 100000,
		openOrders: []tradier.Order{
			{ID: 7, Symbol: "SPY", Status: "open"},
			{ID: 8, Symbol: "QQQ", Status: "pending"},
		},
	}
	g := newTestGate(broker, &fakeLedger{})

	results := g.Liquidate(context.Background())
	assert.Equal(t, []int64{7, 8}, broker.cancelled)
	assert.Len(t, results, 2)
	assert.True(t, g.locked)
	assert.Equal(t, "manual liquidation", g.lockReason)
}

func TestLockRestore(t *testing.T) {
	g := newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{lockStatus: ledger.SystemLocked, lockReason: "daily loss"})
	g.restoreLock(context.Background())
	assert.True(t, g.locked, "ledger row decides the latch")
	assert.Equal(t, "daily loss", g.lockReason)

	// ledger unreachable at startup: the key-value mirror stands in
	g = newTestGate(&fakeBroker{equity: 100000}, &fakeLedger{statusErr: fmt.Errorf("connection refused")})
	g.kv = fakeMirror{locked: true, reason: "manual liquidation"}
	g.restoreLock(context.Background())
	assert.True(t, g.locked)
	assert.Equal(t, "manual liquidation", g.lockReason)
}

func TestOrderTypeByStrategy(t *testing.T) {
	open := bullPutSpread("SPY")
	assert.Equal(t, "credit", orderType(open))

	ratio := bullPutSpread("SPY")
	ratio.Strategy = models.StrategyRatioSpread
	assert.Equal(t, "debit", orderType(ratio), "ratio spreads are entered for a net debit")

	cls := bullPutSpread("SPY")
	cls.Side = models.SideClose
	assert.Equal(t, "debit", orderType(cls), "exiting a credit structure pays")
}

func TestBrokerSideMapping(t *testing.T) {
	cases := []struct {
		leg  models.LegSide
		side models.ProposalSide
		want string
	}{
		{models.LegSell, models.SideOpen, "sell_to_open"},
		{models.LegBuy, models.SideOpen, "buy_to_open"},
		{models.LegSell, models.SideClose, "buy_to_close"},
		{models.LegBuy, models.SideClose, "sell_to_close"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, brokerSide(tc.leg, tc.side))
	}
}
