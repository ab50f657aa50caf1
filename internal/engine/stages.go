package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"optionsim/internal/fees"
	"optionsim/internal/market"
	"optionsim/internal/risk"
	"optionsim/pkg/types"
)

// runValidator is stage one: risk checks. Rejections complete the
// caller's request here; accepted orders move on to the matcher. Closing
// the validator queue cascades the shutdown downstream.
func (e *Engine) runValidator() {
	logger := e.logger.With("stage", "validator")
	logger.Info("validator stage started")
	defer close(e.matcherQ)

	for item := range e.validatorQ {
		e.metrics.SetQueueDepth("validator", len(e.validatorQ))
		now := time.Now()
		vctx := &risk.Context{
			Order:            item.order,
			TeamID:           item.team.ID,
			Role:             types.Role(item.team.Role),
			Positions:        e.positions.Snapshot(item.team.ID),
			OrdersThisSecond: e.rate.Count(item.team.ID, now),
			InstrumentListed: e.venue.HasInstrument,
		}
		if apiErr := e.validator.Validate(vctx); apiErr != nil {
			e.completeRejected(item, apiErr)
			continue
		}
		e.rate.Increment(item.team.ID, now)
		// Blocking send keeps per-team submission order intact.
		e.matcherQ <- item
	}
	logger.Info("validator stage drained")
}

// runMatcher is stage two and the only goroutine that mutates books. It
// interleaves order processing with phase transitions from the poller,
// so an auction never races a submission.
func (e *Engine) runMatcher() {
	logger := e.logger.With("stage", "matcher")
	logger.Info("matcher stage started")
	defer close(e.publisherQ)

	for {
		select {
		case item, ok := <-e.matcherQ:
			if !ok {
				logger.Info("matcher stage drained")
				return
			}
			e.metrics.SetQueueDepth("matcher", len(e.matcherQ))
			e.processMatch(item)
		case tr := <-e.poller.Transitions():
			e.handleTransition(tr)
		}
	}
}

func (e *Engine) processMatch(item stageItem) {
	res, apiErr := e.venue.SubmitOrder(item.order)
	if apiErr != nil {
		e.completeRejected(item, apiErr)
		return
	}

	ack := types.OrderAck{
		OrderID:        item.order.ID,
		Status:         res.Status,
		Fills:          len(res.Fills),
		FilledQuantity: res.FilledQuantity(),
		ClientOrderID:  item.order.ClientOrderID,
	}
	e.metrics.RecordOrder(string(res.Status))
	e.coord.NotifyCompletion(item.requestID, types.APIResponse{
		Success:   true,
		RequestID: item.requestID,
		OrderID:   item.order.ID,
		Data:      ack,
		Timestamp: time.Now().UTC(),
	})
	e.emitTrades(res.Fills)
}

// handleTransition applies the phase policy: leaving pre-open runs the
// opening auction, entering closed sweeps every book. The phase change
// itself is broadcast first so feed consumers see the cause before the
// effects.
func (e *Engine) handleTransition(tr market.Transition) {
	e.broadcast(types.WSPhaseMsg{
		EventType: "phase",
		Phase:     tr.To,
		State:     tr.State,
		Timestamp: tr.At,
	})

	if tr.From == types.PhasePreOpen &&
		(tr.To == types.PhaseOpeningAuction || tr.To == types.PhaseContinuous) {
		trades := e.venue.ExecuteOpeningAuction()
		e.emitTrades(trades)
	}
	if tr.To == types.PhaseClosed {
		cancelled := e.venue.CancelAllOrders()
		if cancelled > 0 {
			e.logger.Info("market closed, swept resting orders", "cancelled", cancelled)
		}
	}
}

// emitTrades forwards fills to the publisher with counterparty roles
// resolved. Sends block: trade effects must not be dropped or reordered.
func (e *Engine) emitTrades(trades []types.Trade) {
	for _, t := range trades {
		e.publisherQ <- tradeEvent{
			trade:      t,
			buyerRole:  e.roleOf(t.BuyerID),
			sellerRole: e.roleOf(t.SellerID),
		}
	}
}

// runPublisher is stage three: fees, confirmations, book updates.
func (e *Engine) runPublisher() {
	logger := e.logger.With("stage", "publisher")
	logger.Info("publisher stage started")
	defer close(e.positionQ)

	for ev := range e.publisherQ {
		e.metrics.SetQueueDepth("publisher", len(e.publisherQ))
		e.processTrade(ev)
	}
	logger.Info("publisher stage drained")
}

func (e *Engine) processTrade(ev tradeEvent) {
	t := ev.trade
	e.metrics.RecordTrade(t.Symbol, t.Quantity, t.Auction)

	e.sendFill(t, t.BuyerID, ev.buyerRole, types.BUY, t.BuyOrderID)
	e.sendFill(t, t.SellerID, ev.sellerRole, types.SELL, t.SellOrderID)

	if snap, err := e.venue.OrderBook(t.Symbol, e.cfg.Exchange.BookDepth); err == nil {
		e.broadcast(types.WSBookMsg{
			EventType: "book",
			Symbol:    t.Symbol,
			Snapshot:  snap,
		})
	}

	e.positionQ <- positionDelta{team: t.BuyerID, symbol: t.Symbol, delta: t.Quantity}
	e.positionQ <- positionDelta{team: t.SellerID, symbol: t.Symbol, delta: -t.Quantity}
}

// sendFill delivers one counterparty's trade confirmation with its
// liquidity flag and signed fee.
func (e *Engine) sendFill(t types.Trade, team string, role types.Role, side types.Side, orderID uint64) {
	liq := fees.LiquidityType(side, t.Aggressor)
	fee, err := e.fees.Fee(role, liq, t.Quantity)
	if err != nil {
		// Teams are checked against roles at config load; reaching this
		// means the config was mutated underneath us.
		e.logger.Error("fee lookup failed", "team", team, "role", role, "error", err)
		fee = decimal.Zero
	}
	e.send(types.WSMessage{
		TeamID: team,
		Payload: types.WSTradeMsg{
			EventType: "trade",
			TradeID:   t.ID,
			Symbol:    t.Symbol,
			OrderID:   orderID,
			Side:      side,
			Price:     t.Price,
			Quantity:  t.Quantity,
			Liquidity: liq,
			Fee:       fee,
			Auction:   t.Auction,
			Timestamp: t.ExecutedAt,
		},
	})
}

// runPositionTracker is stage four: the ledger writer.
func (e *Engine) runPositionTracker() {
	logger := e.logger.With("stage", "positions")
	logger.Info("position tracker started")

	for d := range e.positionQ {
		e.metrics.SetQueueDepth("positions", len(e.positionQ))
		e.positions.Update(d.team, d.symbol, d.delta)
	}
	logger.Info("position tracker drained")
}

func (e *Engine) completeRejected(item stageItem, apiErr *types.APIError) {
	e.metrics.RecordOrder(string(types.StatusRejected))
	e.metrics.RecordRejection(apiErr.Code)
	e.logger.Debug("order rejected",
		"team", item.team.ID,
		"symbol", item.order.Symbol,
		"code", apiErr.Code)
	e.coord.NotifyCompletion(item.requestID, failure(item.requestID, apiErr))
}

func (e *Engine) roleOf(team string) types.Role {
	if t, ok := e.teams[team]; ok {
		return types.Role(t.Role)
	}
	return ""
}

// send delivers to the outbound channel without blocking the pipeline.
// A full channel drops the message rather than stalling the matcher.
func (e *Engine) send(msg types.WSMessage) {
	select {
	case e.outbound <- msg:
	default:
		e.logger.Warn("outbound channel full, dropping message", "team", msg.TeamID)
	}
}

func (e *Engine) broadcast(payload any) {
	e.send(types.WSMessage{Payload: payload})
}
