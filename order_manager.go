package main

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// ORDER MANAGER (TRANSACTIONAL EXECUTOR)
// ============================================================================

// Execution failure reasons.
const (
	FailEntryRejected = "ENTRY_REJECTED"
	FailStopFailed    = "STOP_FAILED"
	FailStopLost      = "STOP_LOST"
)

type ExecError struct {
	Reason string
	Err    error
}

func (e *ExecError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

func execFail(reason string, err error) error {
	return &ExecError{Reason: reason, Err: err}
}

// OrderManager owns every order that leaves the process. Its one hard rule:
// no position may exist without a live exchange-side stop. A failed stop
// placement rolls the entry back with an immediate market close.
type OrderManager struct {
	gateway  ExchangeGateway
	journal  *Journal
	notifier *TelegramService
	symbol   string
	filters  SymbolFilters

	pollInterval time.Duration
	pollWindow   time.Duration
}

func NewOrderManager(gw ExchangeGateway, journal *Journal, notifier *TelegramService, symbol string) *OrderManager {
	return &OrderManager{
		gateway:      gw,
		journal:      journal,
		notifier:     notifier,
		symbol:       symbol,
		filters:      gw.Filters(symbol),
		pollInterval: 500 * time.Millisecond,
		pollWindow:   2500 * time.Millisecond,
	}
}

// entrySide translates a position side to the hedge-mode entry order side.
func entrySide(side Side) OrderSide {
	if side == SideLong {
		return OrderBuy
	}
	return OrderSell
}

// exitSide is the closing direction of a hedge bucket.
func exitSide(side Side) OrderSide {
	return entrySide(side.Opposite())
}

// Execute runs the five-phase entry protocol and returns the custody packet
// on success. Phases are strictly sequenced; the caller guarantees no
// concurrent Execute for the same symbol.
func (om *OrderManager) Execute(ctx context.Context, plan Plan) (CustodyPacket, error) {
	qty := om.filters.FloorQty(plan.Qty)
	if qty <= 0 {
		return CustodyPacket{}, execFail(FailEntryRejected, fmt.Errorf("qty %.8f rounds to zero", plan.Qty))
	}

	// Phase 2: market entry.
	ack, err := om.gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:       plan.Symbol,
		Side:         entrySide(plan.Side),
		Type:         OrderMarket,
		PositionSide: plan.Side,
		Qty:          qty,
	})
	if err != nil {
		om.journal.Error("order_manager", SeverityWarn, fmt.Sprintf("entry rejected: %v", err), "")
		return CustodyPacket{}, execFail(FailEntryRejected, err)
	}
	om.journal.Activity("INFO", "order_manager", "⚡ ENTRY SENT %s %s qty %.6f (order %d)",
		plan.Side, plan.Symbol, qty, ack.OrderID)

	// Phase 3: poll for the fill price. A terminal non-fill means the
	// position never opened; there is nothing to protect or roll back.
	fillPrice, err := om.pollFill(ctx, plan.Symbol, ack.OrderID, plan.EntryPrice)
	if err != nil {
		om.journal.Error("order_manager", SeverityWarn, fmt.Sprintf("entry aborted: %v", err), "")
		return CustodyPacket{}, execFail(FailEntryRejected, err)
	}

	// Phase 4: mandatory protective stop. close_position stops carry no
	// quantity; the exchange flattens whatever the bucket holds.
	stopPrice := om.filters.RoundStop(plan.SLPrice, plan.Side)
	slAck, err := om.gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:        plan.Symbol,
		Side:          exitSide(plan.Side),
		Type:          OrderStopMarket,
		PositionSide:  plan.Side,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClosePosition: true,
	})
	if err != nil {
		// The single most important rollback in the engine: a naked
		// position is never left standing.
		om.journal.Error("order_manager", SeverityCritical,
			fmt.Sprintf("STOP_FAILED for %s %s: %v", plan.Side, plan.Symbol, err), "")
		aborted := &Position{
			Symbol:       plan.Symbol,
			StrategyTag:  plan.StrategyTag,
			Side:         plan.Side,
			EntryPrice:   fillPrice,
			QtyRemaining: qty,
			SLPrice:      stopPrice,
			HardTPPrice:  plan.HardTPPrice,
			TPLegs:       plan.TPLegs,
		}
		om.journal.Order(aborted, "STOP_FAILED")
		om.emergencyClose(ctx, plan.Symbol, plan.Side, qty)
		om.journal.Order(aborted, "EMERGENCY_CLOSE")
		om.notifier.Notify(fmt.Sprintf("🚨 *STOP FAILED* on %s %s, position flattened", plan.Side, plan.Symbol))
		return CustodyPacket{}, execFail(FailStopFailed, err)
	}
	om.journal.Activity("INFO", "order_manager", "🛡️ STOP PLACED %s @ %.4f (order %d)",
		plan.Symbol, stopPrice, slAck.OrderID)

	// Phase 5: optional resting TP legs. Leg failures are logged, never
	// fatal; the stop is the floor of safety.
	tpIDs := om.placeTPLegs(ctx, plan, qty, fillPrice)

	om.notifier.Notify(fmt.Sprintf("✅ *%s %s OPEN*\nEntry: $%.4f | Qty: %.6f | SL: $%.4f",
		plan.Side, plan.Symbol, fillPrice, qty, stopPrice))

	cp := CustodyPacket{
		Plan:       plan,
		EntryFill:  fillPrice,
		SLOrderID:  slAck.OrderID,
		TPOrderIDs: tpIDs,
		OpenedAt:   time.Now().UTC(),
	}
	cp.Plan.Qty = qty
	cp.Plan.SLPrice = stopPrice
	return cp, nil
}

// pollFill queries the entry order until it reports a fill or the window
// expires. A silent window means the order is assumed to fill; the
// reconciler corrects any discrepancy on the next slow tick. A terminal
// CANCELED/REJECTED/EXPIRED is an error: no position exists.
func (om *OrderManager) pollFill(ctx context.Context, symbol string, orderID int64, refPrice float64) (float64, error) {
	deadline := time.Now().Add(om.pollWindow)
	for {
		state, err := om.gateway.QueryOrder(ctx, symbol, orderID)
		if err == nil {
			switch state.Status {
			case OrderStatusFilled, OrderStatusPartiallyFilled:
				if state.AvgFillPrice > 0 {
					return state.AvgFillPrice, nil
				}
				return om.lastOrRef(ctx, symbol, refPrice), nil
			case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
				return 0, fmt.Errorf("entry order %d terminal %s before fill", orderID, state.Status)
			}
		}
		if time.Now().After(deadline) {
			om.journal.Activity("WARN", "order_manager",
				"⏳ fill poll window expired for order %d, proceeding with last price", orderID)
			return om.lastOrRef(ctx, symbol, refPrice), nil
		}
		time.Sleep(om.pollInterval)
	}
}

func (om *OrderManager) lastOrRef(ctx context.Context, symbol string, refPrice float64) float64 {
	if p, err := om.gateway.LastPrice(ctx, symbol); err == nil && p > 0 {
		return p
	}
	return refPrice
}

func (om *OrderManager) placeTPLegs(ctx context.Context, plan Plan, qty, fillPrice float64) []int64 {
	if len(plan.TPLegs) == 0 {
		return nil
	}
	var ids []int64
	for i, leg := range plan.TPLegs {
		price := fillPrice * (1 + leg.DistanceFrac)
		if plan.Side == SideShort {
			price = fillPrice * (1 - leg.DistanceFrac)
		}
		legQty := om.filters.FloorQty(qty * leg.QtyFrac)
		if legQty <= 0 {
			continue
		}
		ack, err := om.gateway.PlaceOrder(ctx, OrderRequest{
			Symbol:       plan.Symbol,
			Side:         exitSide(plan.Side),
			Type:         OrderLimit,
			PositionSide: plan.Side,
			Qty:          legQty,
			Price:        om.filters.RoundPrice(price),
			ReduceOnly:   true,
			TimeInForce:  "GTC",
		})
		if err != nil {
			om.journal.Error("order_manager", SeverityWarn,
				fmt.Sprintf("TP leg %d failed (SL remains the floor): %v", i+1, err), "")
			ids = append(ids, 0)
			continue
		}
		ids = append(ids, ack.OrderID)
	}
	return ids
}

// emergencyClose flattens a freshly opened position after a stop failure.
func (om *OrderManager) emergencyClose(ctx context.Context, symbol string, side Side, qty float64) {
	_, err := om.gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:       symbol,
		Side:         exitSide(side),
		Type:         OrderMarket,
		PositionSide: side,
		Qty:          qty,
		ReduceOnly:   true,
	})
	if err != nil {
		om.journal.Error("order_manager", SeverityCritical,
			fmt.Sprintf("EMERGENCY_CLOSE failed, naked %s %s qty %.6f: %v", side, symbol, qty, err), "")
		om.notifier.Notify(fmt.Sprintf("💀 *EMERGENCY CLOSE FAILED* on %s, CHECK EXCHANGE NOW", symbol))
		return
	}
	om.journal.Activity("WARN", "order_manager", "🔴 EMERGENCY_CLOSE %s %s qty %.6f", side, symbol, qty)
}

// MoveStop replaces the protective stop with one at newSL. The move is
// rejected when it would put the stop on the wrong side of the sampled
// price. Cancel-then-place with one retry; if the replacement cannot be
// restored the old level is re-protected and STOP_LOST is escalated.
func (om *OrderManager) MoveStop(ctx context.Context, pos *Position, newSL, currentPrice float64) error {
	if newSL <= 0 {
		return fmt.Errorf("move stop: price %.8f", newSL)
	}
	if pos.Side == SideLong && newSL >= currentPrice {
		return fmt.Errorf("move stop: LONG stop %.4f not below price %.4f", newSL, currentPrice)
	}
	if pos.Side == SideShort && newSL <= currentPrice {
		return fmt.Errorf("move stop: SHORT stop %.4f not above price %.4f", newSL, currentPrice)
	}

	if pos.SLOrderID != 0 {
		if err := om.gateway.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			return fmt.Errorf("cancel stop %d: %w", pos.SLOrderID, err)
		}
	}

	rounded := om.filters.RoundStop(newSL, pos.Side)
	req := OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide(pos.Side),
		Type:          OrderStopMarket,
		PositionSide:  pos.Side,
		StopPrice:     rounded,
		ReduceOnly:    true,
		ClosePosition: true,
	}
	ack, err := om.gateway.PlaceOrder(ctx, req)
	if err != nil {
		ack, err = om.gateway.PlaceOrder(ctx, req) // one retry
	}
	if err != nil {
		om.journal.Error("order_manager", SeverityCritical,
			fmt.Sprintf("STOP_LOST on %s, re-protecting at old level %.4f: %v", pos.Symbol, pos.SLPrice, err), "")
		if perr := om.EmergencyProtect(ctx, pos, pos.SLPrice); perr != nil {
			return execFail(FailStopLost, err)
		}
		return execFail(FailStopLost, err)
	}

	pos.SLPrice = rounded
	pos.SLOrderID = ack.OrderID
	om.journal.Activity("INFO", "order_manager", "🔒 SL MOVED %s → %.4f (order %d)",
		pos.Symbol, rounded, ack.OrderID)
	return nil
}

// Reduce issues a reduce-only market order for part of a position. The
// caller owns the quantity accounting.
func (om *OrderManager) Reduce(ctx context.Context, pos *Position, qty float64, reason string) error {
	qty = om.filters.FloorQty(qty)
	if qty <= 0 {
		return fmt.Errorf("reduce %s: qty rounds to zero", pos.Symbol)
	}
	_, err := om.gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:       pos.Symbol,
		Side:         exitSide(pos.Side),
		Type:         OrderMarket,
		PositionSide: pos.Side,
		Qty:          qty,
		ReduceOnly:   true,
	})
	if err != nil {
		return fmt.Errorf("reduce %s qty %.6f: %w", pos.Symbol, qty, err)
	}
	om.journal.Activity("INFO", "order_manager", "✂️ REDUCED %s %s by %.6f (%s)",
		pos.Side, pos.Symbol, qty, reason)
	return nil
}

// CloseMarket flattens the remaining quantity and sweeps the child orders.
func (om *OrderManager) CloseMarket(ctx context.Context, pos *Position, reason string) error {
	qty := om.filters.FloorQty(pos.QtyRemaining)
	if qty > 0 {
		_, err := om.gateway.PlaceOrder(ctx, OrderRequest{
			Symbol:       pos.Symbol,
			Side:         exitSide(pos.Side),
			Type:         OrderMarket,
			PositionSide: pos.Side,
			Qty:          qty,
			ReduceOnly:   true,
		})
		if err != nil {
			return fmt.Errorf("close %s: %w", pos.Symbol, err)
		}
	}
	om.CancelChildren(ctx, pos)
	om.journal.Activity("INFO", "order_manager", "🏁 CLOSED %s %s qty %.6f (%s)",
		pos.Side, pos.Symbol, qty, reason)
	om.notifier.Notify(fmt.Sprintf("🏁 *%s %s CLOSED* (%s)", pos.Side, pos.Symbol, reason))
	return nil
}

// CancelChildren removes the stop and any resting TP legs. Cancels are
// individual: in hedge mode a symbol-wide sweep would hit the other bucket.
func (om *OrderManager) CancelChildren(ctx context.Context, pos *Position) {
	if pos.SLOrderID != 0 {
		if err := om.gateway.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			om.journal.Error("order_manager", SeverityWarn,
				fmt.Sprintf("cancel stop %d: %v", pos.SLOrderID, err), "")
		}
		pos.SLOrderID = 0
	}
	for _, id := range pos.TPOrderIDs {
		if id == 0 {
			continue
		}
		if err := om.gateway.CancelOrder(ctx, pos.Symbol, id); err != nil {
			om.journal.Error("order_manager", SeverityWarn,
				fmt.Sprintf("cancel tp %d: %v", id, err), "")
		}
	}
	pos.TPOrderIDs = nil
}

// EmergencyProtect places a conservative stop for a position that has none,
// typically an adopted orphan.
func (om *OrderManager) EmergencyProtect(ctx context.Context, pos *Position, fallbackSL float64) error {
	rounded := om.filters.RoundStop(fallbackSL, pos.Side)
	ack, err := om.gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide(pos.Side),
		Type:          OrderStopMarket,
		PositionSide:  pos.Side,
		StopPrice:     rounded,
		ReduceOnly:    true,
		ClosePosition: true,
	})
	if err != nil {
		om.journal.Error("order_manager", SeverityCritical,
			fmt.Sprintf("emergency protect %s at %.4f failed: %v", pos.Symbol, rounded, err), "")
		return err
	}
	pos.SLPrice = rounded
	pos.SLOrderID = ack.OrderID
	om.journal.Activity("WARN", "order_manager", "🛡️ EMERGENCY STOP %s @ %.4f (order %d)",
		pos.Symbol, rounded, ack.OrderID)
	return nil
}

// Cancel removes a single order.
func (om *OrderManager) Cancel(ctx context.Context, orderID int64) error {
	return om.gateway.CancelOrder(ctx, om.symbol, orderID)
}
