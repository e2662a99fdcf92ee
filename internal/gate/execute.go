package gate

import (
	"context"
	"fmt"
	"strings"

	"options-trading-engine/internal/ledger"
	"options-trading-engine/internal/models"
	"options-trading-engine/internal/notify"
	"options-trading-engine/internal/tradier"
)

// brokerSide maps a leg side and proposal side onto Tradier's four option
// sides. Closing inverts the leg: a leg we sold to open is bought to close.
func brokerSide(leg models.LegSide, side models.ProposalSide) string {
	switch {
	case side == models.SideOpen && leg == models.LegSell:
		return "sell_to_open"
	case side == models.SideOpen && leg == models.LegBuy:
		return "buy_to_open"
	case side == models.SideClose && leg == models.LegSell:
		return "buy_to_close"
	default:
		return "sell_to_close"
	}
}

// orderType is credit when the position collects premium net, debit
// otherwise. CLOSE orders on credit structures pay to exit.
func orderType(p *models.Proposal) string {
	credit := models.CreditStrategies[p.Strategy]
	if p.Side == models.SideClose {
		credit = !credit
	}
	if credit {
		return "credit"
	}
	return "debit"
}

// executeLocked places the approved proposal as one multi-leg day limit
// order and maintains the position metadata index.
func (g *Gate) executeLocked(ctx context.Context, p *models.Proposal) *Outcome {
	order := tradier.MultilegOrder{
		Symbol:   p.Symbol,
		Type:     orderType(p),
		Duration: "day",
		Price:    p.Price,
	}
	for _, leg := range p.Legs {
		order.Legs = append(order.Legs, tradier.MultilegLeg{
			OptionSymbol: leg.Symbol,
			Side:         brokerSide(leg.Side, p.Side),
			Quantity:     leg.Quantity,
		})
	}

	orderID, err := g.broker.PlaceMultilegOrder(ctx, order)
	if err != nil {
		g.log.Error().Err(err).Str("proposal_id", p.ID).Msg("order placement failed")
		return &Outcome{
			Status:     ledger.ProposalExecutionFailed,
			ProposalID: p.ID,
			Reason:     "Broker rejected order",
			Error:      err.Error(),
		}
	}

	if err := g.ledger.InsertOrder(ctx, orderID, p.ID, p.Symbol, p.Quantity); err != nil {
		g.log.Error().Err(err).Int64("order_id", orderID).Msg("order audit write failed")
	}

	switch p.Side {
	case models.SideOpen:
		meta := PositionMeta{Symbol: p.Symbol, Bias: proposalBias(p), Strategy: p.Strategy}
		g.meta[orderID] = meta
		g.kv.savePositionMeta(ctx, orderID, meta)
	case models.SideClose:
		openID, err := g.ledger.LatestOpenOrderID(ctx, p.Symbol, p.Strategy)
		if err != nil {
			g.log.Warn().Err(err).Str("symbol", p.Symbol).Str("strategy", p.Strategy).
				Msg("no opening order found for close, metadata not unwound")
		} else {
			delete(g.meta, openID)
			g.kv.deletePositionMeta(ctx, openID)
		}
	}

	g.log.Info().Str("proposal_id", p.ID).Int64("order_id", orderID).
		Str("symbol", p.Symbol).Str("strategy", p.Strategy).Str("side", string(p.Side)).
		Float64("price", p.Price).Msg("order placed")
	return &Outcome{Status: ledger.ProposalApproved, ProposalID: p.ID, OrderID: orderID}
}

// notifyEvent renders an evaluation outcome as a notification.
func notifyEvent(p *models.Proposal, o *Outcome) notify.Event {
	title := fmt.Sprintf("Proposal %s", strings.ReplaceAll(o.Status, "_", " "))
	msg := fmt.Sprintf("%s %s %s @ %.2f", p.Side, p.Symbol, p.Strategy, p.Price)
	if o.Reason != "" {
		msg += " - " + o.Reason
	}
	return notify.Event{
		Type:    notify.EventProposal,
		Title:   title,
		Message: msg,
		Symbol:  p.Symbol,
		Price:   p.Price,
		Fields: map[string]string{
			"strategy": p.Strategy,
			"status":   o.Status,
		},
	}
}
