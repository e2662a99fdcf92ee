package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"options-trading-engine/internal/ledger"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/signing"
)

// Outcome is the gate's verdict plus execution result.
type Outcome struct {
	Status     string `json:"status"`
	ProposalID string `json:"proposal_id,omitempty"`
	OrderID    int64  `json:"order_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func rejected(id, reason string) *Outcome {
	return &Outcome{Status: ledger.ProposalRejected, ProposalID: id, Reason: reason}
}

// legsPerStructure is the shape check applied to OPEN proposals.
var legsPerStructure = map[string]int{
	models.StrategyCreditSpread:  2,
	models.StrategyIronCondor:    4,
	models.StrategyIronButterfly: 4,
	models.StrategyRatioSpread:   2,
}

// Evaluate runs the full check sequence over a raw signed request and, on
// approval, executes the order. First failure wins. Every evaluation,
// signature failures included, is written to the ledger before this
// returns.
func (g *Gate) Evaluate(ctx context.Context, rawBody []byte, signature string) *Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1-2: authentication before anything else.
	if signature == "" {
		return g.auditRejectRaw(ctx, rawBody, "Missing signature header")
	}
	ok, err := signing.Verify(g.secret, rawBody, signature)
	if err != nil {
		return g.auditRejectRaw(ctx, rawBody, fmt.Sprintf("Malformed payload: %v", err))
	}
	if !ok {
		return g.auditRejectRaw(ctx, rawBody, "Invalid signature")
	}

	var p models.Proposal
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return g.auditRejectRaw(ctx, rawBody, fmt.Sprintf("Unparseable proposal: %v", err))
	}

	outcome := g.evaluateLocked(ctx, &p)

	// The audit row precedes the HTTP response, approved or not.
	if err := g.ledger.InsertProposal(ctx, &p, outcome.Status, outcome.Reason); err != nil {
		g.log.Error().Err(err).Str("proposal_id", p.ID).Msg("proposal audit write failed")
	}
	g.notifyOutcome(&p, outcome)
	return outcome
}

// auditRejectRaw records a rejection for a request that failed before a
// trusted parse. Identity fields are recovered from the untrusted body on
// a best-effort basis; a garbage body audits as an anonymous row.
func (g *Gate) auditRejectRaw(ctx context.Context, rawBody []byte, reason string) *Outcome {
	var p models.Proposal
	_ = json.Unmarshal(rawBody, &p)
	out := rejected(p.ID, reason)
	if err := g.ledger.InsertProposal(ctx, &p, out.Status, out.Reason); err != nil {
		g.log.Error().Err(err).Msg("proposal audit write failed")
	}
	return out
}

func (g *Gate) evaluateLocked(ctx context.Context, p *models.Proposal) *Outcome {
	c := &g.constitution
	isOpen := p.Side == models.SideOpen
	now := g.now()

	// 3: lock gate.
	if g.locked {
		return rejected(p.ID, "System is locked")
	}

	// 4: staleness. Age exactly at the threshold passes.
	if age := now.UnixMilli() - p.Timestamp; age > c.StaleProposalMs {
		return rejected(p.ID, fmt.Sprintf("Stale proposal: %dms old (limit %dms)", age, c.StaleProposalMs))
	}

	// 5: symbol and strategy filters.
	if !contains(c.AllowedSymbols, p.Symbol) {
		return rejected(p.ID, fmt.Sprintf("Symbol %s not allowed", p.Symbol))
	}
	if isOpen && !contains(c.AllowedStrategies, p.Strategy) {
		return rejected(p.ID, fmt.Sprintf("Strategy %s not allowed", p.Strategy))
	}

	// 6: no market orders.
	if p.Price <= 0 {
		return rejected(p.ID, "Price must be positive; market orders are not permitted")
	}

	// 7: structure validation.
	if isOpen {
		if want, ok := legsPerStructure[p.Strategy]; ok && len(p.Legs) != want {
			return rejected(p.ID, fmt.Sprintf("%s requires exactly %d legs, got %d", p.Strategy, want, len(p.Legs)))
		}
		if p.Strategy == models.StrategyRatioSpread && len(p.Legs) == 2 &&
			p.Legs[0].Quantity == p.Legs[1].Quantity {
			return rejected(p.ID, "RATIO_SPREAD requires unequal leg quantities")
		}
	}

	// 8: DTE bounds, inclusive on both ends.
	if isOpen {
		if len(p.Legs) == 0 {
			return rejected(p.ID, "OPEN proposal has no legs")
		}
		dte, err := p.Legs[0].DTE(now, g.loc)
		if err != nil {
			return rejected(p.ID, fmt.Sprintf("Unparseable expiration: %v", err))
		}
		if dte < c.MinDTE || dte > c.MaxDTE {
			return rejected(p.ID, fmt.Sprintf("DTE %d outside [%d, %d]", dte, c.MinDTE, c.MaxDTE))
		}
	}

	// 9: calendar lock.
	if isOpen {
		today := now.In(g.loc).Format("2006-01-02")
		if g.restricted[today] {
			return rejected(p.ID, fmt.Sprintf("Calendar lock: %s is a restricted date", today))
		}
	}

	// 10: account reconciliation. A broker failure falls back to the
	// cached snapshot; blocking all trading on a transient outage is
	// worse than evaluating against a slightly stale book.
	g.reconcileLocked(ctx)

	// 11: daily loss latch.
	if g.sodEquity > 0 && g.lastEquity > 0 {
		loss := (g.sodEquity - g.lastEquity) / g.sodEquity
		if loss >= c.MaxDailyLossPercent {
			reason := fmt.Sprintf("Daily loss %.2f%% breaches %.2f%% limit",
				loss*100, c.MaxDailyLossPercent*100)
			g.lockLocked(ctx, reason)
			return rejected(p.ID, reason)
		}
	}

	if isOpen {
		// 12: distinct-symbol position cap. maxTotalPositions is logged
		// alongside to preserve the audit signal on the cap discrepancy.
		open := g.distinctOpenSymbolsLocked()
		if open >= c.MaxOpenPositions {
			g.log.Warn().Int("open", open).Int("max_open", c.MaxOpenPositions).
				Int("max_total", c.MaxTotalPositions).Msg("position cap hit")
			return rejected(p.ID, fmt.Sprintf("Position cap: %d symbols open (max %d)", open, c.MaxOpenPositions))
		}

		// 13: correlation guard for directional trades.
		bias := proposalBias(p)
		if bias != models.BiasNeutral {
			if group, count := g.correlatedCountLocked(p.Symbol, bias); count >= c.MaxCorrelatedPositions {
				return rejected(p.ID, fmt.Sprintf("Correlation guard: %d %s positions in group %s (max %d)",
					count, bias, group, c.MaxCorrelatedPositions))
			}
		}

		// 14: per-symbol concentration.
		if n := g.symbolMetaCountLocked(p.Symbol); n >= c.MaxConcentrationPerSymbol {
			return rejected(p.ID, fmt.Sprintf("Concentration: %d open positions in %s (max %d)",
				n, p.Symbol, c.MaxConcentrationPerSymbol))
		}

		// 15: market context.
		vix, ok := p.ContextVIX()
		if !ok {
			return rejected(p.ID, "Context missing VIX")
		}
		if vix > c.MaxVIXForEntry {
			return rejected(p.ID, fmt.Sprintf("VIX %.2f above entry limit %.2f", vix, c.MaxVIXForEntry))
		}
		if p.ContextFlowState() == models.FlowUnknown {
			return rejected(p.ID, "Context flow state is UNKNOWN")
		}
	}

	return g.executeLocked(ctx, p)
}

// reconcileLocked synchronously refreshes equity and the positions
// snapshot from the broker and sets start-of-day equity once per day.
func (g *Gate) reconcileLocked(ctx context.Context) {
	balances, err := g.broker.GetBalances(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("reconciliation: balances fetch failed, using cached")
	} else {
		g.lastEquity = balances.TotalEquity
		if err := g.ledger.InsertEquitySnapshot(ctx, balances.TotalEquity); err != nil {
			g.log.Warn().Err(err).Msg("equity snapshot write failed")
		}
		day := g.now().In(g.loc).Format("2006-01-02")
		if g.sodDay != day {
			g.sodDay = day
			g.sodEquity = balances.TotalEquity
			g.kv.saveSODEquity(ctx, day, balances.TotalEquity)
			g.log.Info().Float64("equity", balances.TotalEquity).Str("day", day).Msg("start-of-day equity set")
		}
	}

	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("reconciliation: positions fetch failed, using cached")
		return
	}
	g.positionsCache = positions
	if err := g.ledger.ReplacePositions(ctx, positions); err != nil {
		g.log.Warn().Err(err).Msg("positions snapshot write failed")
	}
}

// distinctOpenSymbolsLocked counts distinct option underlyings in the
// broker snapshot.
func (g *Gate) distinctOpenSymbolsLocked() int {
	roots := make(map[string]bool)
	for _, pos := range g.positionsCache {
		root, _, _, _, err := models.ParseOCCSymbol(pos.Symbol)
		if err != nil {
			continue
		}
		roots[root] = true
	}
	return len(roots)
}

// correlatedCountLocked counts tracked opens with the same bias whose
// symbol shares a correlation group with the proposal's symbol. Returns
// the first matching group name for the rejection message.
func (g *Gate) correlatedCountLocked(symbol string, bias models.Bias) (string, int) {
	groups := g.constitution.GroupsFor(symbol)
	if len(groups) == 0 {
		return "", 0
	}
	groupName := groups[0]
	count := 0
	for _, meta := range g.meta {
		if meta.Bias != bias {
			continue
		}
		for _, group := range groups {
			if contains(g.constitution.CorrelationGroups[group], meta.Symbol) {
				groupName = group
				count++
				break
			}
		}
	}
	return groupName, count
}

func (g *Gate) symbolMetaCountLocked(symbol string) int {
	n := 0
	for _, meta := range g.meta {
		if meta.Symbol == symbol {
			n++
		}
	}
	return n
}

// proposalBias reads the directional intent from the context; absent or
// unrecognized values are neutral.
func proposalBias(p *models.Proposal) models.Bias {
	v, ok := p.Context["bias"]
	if !ok {
		return models.BiasNeutral
	}
	s, ok := v.(string)
	if !ok {
		return models.BiasNeutral
	}
	switch models.Bias(strings.ToLower(s)) {
	case models.BiasBullish:
		return models.BiasBullish
	case models.BiasBearish:
		return models.BiasBearish
	default:
		return models.BiasNeutral
	}
}

func (g *Gate) notifyOutcome(p *models.Proposal, o *Outcome) {
	ev := notifyEvent(p, o)
	g.notifier.Send(ev)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
