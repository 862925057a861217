package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestOM(gw *fakeGateway) *OrderManager {
	om := NewOrderManager(gw, nil, nil, "BTCUSDT")
	om.pollInterval = time.Millisecond
	om.pollWindow = 10 * time.Millisecond
	return om
}

func testPlan() Plan {
	return Plan{
		Symbol:      "BTCUSDT",
		StrategyTag: "GAMMA_TEST",
		Mode:        ModeNormal,
		Side:        SideLong,
		Qty:         0.5,
		EntryPrice:  100,
		SLPrice:     98.5,
		HardTPPrice: 105,
		Management:  ManageDynamicTrailing,
		Params:      testParams(),
	}
}

func execReason(t *testing.T, err error) string {
	t.Helper()
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	return ee.Reason
}

func TestExecuteHappyPath(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	cp, err := om.Execute(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cp.EntryFill != 100 {
		t.Errorf("fill = %v, want 100", cp.EntryFill)
	}
	if cp.SLOrderID == 0 {
		t.Error("no stop order id in custody packet")
	}

	if len(gw.placed) != 2 {
		t.Fatalf("placed %d orders, want 2 (entry + stop)", len(gw.placed))
	}
	entry := gw.placed[0]
	if entry.Type != OrderMarket || entry.Side != OrderBuy || entry.PositionSide != SideLong {
		t.Errorf("bad entry order: %+v", entry)
	}
	stop := gw.placed[1]
	if stop.Type != OrderStopMarket || stop.Side != OrderSell {
		t.Errorf("bad stop order: %+v", stop)
	}
	if !stop.ClosePosition {
		t.Error("protective stop must use close_position")
	}
	if stop.Qty != 0 {
		t.Error("close_position stop must not carry a quantity")
	}
	if stop.StopPrice != 98.5 {
		t.Errorf("stop price = %v, want 98.5", stop.StopPrice)
	}
}

func TestExecuteShortSideTranslation(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	plan := testPlan()
	plan.Side = SideShort
	plan.SLPrice = 101.5
	if _, err := om.Execute(context.Background(), plan); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gw.placed[0].Side != OrderSell || gw.placed[0].PositionSide != SideShort {
		t.Errorf("bad short entry: %+v", gw.placed[0])
	}
	if gw.placed[1].Side != OrderBuy {
		t.Errorf("short stop must buy back: %+v", gw.placed[1])
	}
}

func TestExecuteEntryRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.failNext[OrderMarket] = 1
	om := newTestOM(gw)

	_, err := om.Execute(context.Background(), testPlan())
	if got := execReason(t, err); got != FailEntryRejected {
		t.Errorf("reason = %s, want %s", got, FailEntryRejected)
	}
	if len(gw.placed) != 0 {
		t.Errorf("no orders should survive a rejected entry, got %d", len(gw.placed))
	}
}

func TestExecuteAbortsWhenEntryCancels(t *testing.T) {
	gw := newFakeGateway()
	gw.recordStatus = OrderStatusCanceled
	om := newTestOM(gw)

	// The entry order is accepted but dies unfilled: no position exists, so
	// neither a stop nor a custody packet may be produced.
	_, err := om.Execute(context.Background(), testPlan())
	if got := execReason(t, err); got != FailEntryRejected {
		t.Errorf("reason = %s, want %s", got, FailEntryRejected)
	}
	if got := len(gw.ordersOfType(OrderStopMarket)); got != 0 {
		t.Errorf("stop placed for a position that never opened: %d", got)
	}
	if got := len(gw.placed); got != 1 {
		t.Errorf("only the entry attempt should be on the wire, got %d orders", got)
	}
}

// The core safety invariant: a stop that cannot be placed rolls the entry
// back with a reduce-only market close, and no custody packet is produced.
func TestExecuteStopFailureRollsBackEntry(t *testing.T) {
	gw := newFakeGateway()
	gw.failNext[OrderStopMarket] = 1
	om := newTestOM(gw)

	_, err := om.Execute(context.Background(), testPlan())
	if got := execReason(t, err); got != FailStopFailed {
		t.Errorf("reason = %s, want %s", got, FailStopFailed)
	}

	markets := gw.ordersOfType(OrderMarket)
	if len(markets) != 2 {
		t.Fatalf("want entry + emergency close, got %d market orders", len(markets))
	}
	closeOrder := markets[1]
	if closeOrder.Side != OrderSell || !closeOrder.ReduceOnly {
		t.Errorf("emergency close must be a reduce-only sell: %+v", closeOrder)
	}
	if closeOrder.Qty != 0.5 {
		t.Errorf("emergency close qty = %v, want full 0.5", closeOrder.Qty)
	}
}

func TestExecuteFillPollFallsBackToLastPrice(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	// The entry order reports filled but with no average price; the last
	// trade price stands in.
	gw.zeroFill = true
	gw.price = 99.7
	cp, err := om.Execute(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cp.EntryFill != 99.7 {
		t.Errorf("fill = %v, want last price 99.7", cp.EntryFill)
	}
}

func TestExecutePlacesSwingTPLegs(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	plan := testPlan()
	plan.StrategyTag = "SWING_TEST"
	plan.Management = ManageFractionalSwing
	plan.HardTPPrice = 0
	plan.Qty = 1
	plan.TPLegs = swingParams().TPPlan

	cp, err := om.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	limits := gw.ordersOfType(OrderLimit)
	if len(limits) != 3 {
		t.Fatalf("placed %d tp legs, want 3", len(limits))
	}
	for i, l := range limits {
		if !l.ReduceOnly {
			t.Errorf("leg %d not reduce-only", i+1)
		}
		if l.Side != OrderSell {
			t.Errorf("leg %d wrong side", i+1)
		}
	}
	// 30/40/30 of qty 1
	if limits[0].Qty != 0.3 || limits[1].Qty != 0.4 || limits[2].Qty != 0.3 {
		t.Errorf("leg qtys = %v %v %v", limits[0].Qty, limits[1].Qty, limits[2].Qty)
	}
	if len(cp.TPOrderIDs) != 3 {
		t.Errorf("custody packet carries %d tp ids, want 3", len(cp.TPOrderIDs))
	}
}

func TestExecuteTPLegFailureIsNotFatal(t *testing.T) {
	gw := newFakeGateway()
	gw.failNext[OrderLimit] = 3
	om := newTestOM(gw)

	plan := testPlan()
	plan.Management = ManageFractionalSwing
	plan.HardTPPrice = 0
	plan.TPLegs = swingParams().TPPlan

	if _, err := om.Execute(context.Background(), plan); err != nil {
		t.Fatalf("tp failures must not abort the entry: %v", err)
	}
}

func TestMoveStopReplacesOrder(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	cp, err := om.Execute(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	pos := NewPosition(cp)
	oldID := pos.SLOrderID

	if err := om.MoveStop(context.Background(), pos, 99.2, 100); err != nil {
		t.Fatalf("move stop: %v", err)
	}
	if pos.SLPrice != 99.2 {
		t.Errorf("sl = %v, want 99.2", pos.SLPrice)
	}
	if pos.SLOrderID == oldID {
		t.Error("stop order id did not change")
	}
	if len(gw.canceled) != 1 || gw.canceled[0] != oldID {
		t.Errorf("old stop not canceled: %v", gw.canceled)
	}
}

func TestMoveStopRejectsWrongSideOfPrice(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	cp, _ := om.Execute(context.Background(), testPlan())
	pos := NewPosition(cp)

	if err := om.MoveStop(context.Background(), pos, 100.5, 100); err == nil {
		t.Error("LONG stop above price must be rejected")
	}
	if len(gw.canceled) != 0 {
		t.Error("rejected move must not cancel the live stop")
	}
}

func TestMoveStopRetriesThenEscalates(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	cp, _ := om.Execute(context.Background(), testPlan())
	pos := NewPosition(cp)

	// First attempt and retry fail, the emergency re-protect succeeds.
	gw.failNext[OrderStopMarket] = 2
	err := om.MoveStop(context.Background(), pos, 99.2, 100)
	if got := execReason(t, err); got != FailStopLost {
		t.Errorf("reason = %s, want %s", got, FailStopLost)
	}
	// The position is re-protected at the old level.
	if pos.SLPrice != 98.5 {
		t.Errorf("sl = %v, want old level 98.5", pos.SLPrice)
	}
	if pos.SLOrderID == 0 {
		t.Error("no live stop after escalation")
	}
}

func TestCloseMarketSweepsChildren(t *testing.T) {
	gw := newFakeGateway()
	om := newTestOM(gw)

	plan := testPlan()
	plan.Management = ManageFractionalSwing
	plan.HardTPPrice = 0
	plan.TPLegs = swingParams().TPPlan
	cp, _ := om.Execute(context.Background(), plan)
	pos := NewPosition(cp)
	slID := pos.SLOrderID

	if err := om.CloseMarket(context.Background(), pos, "test"); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := map[int64]bool{slID: true}
	for _, id := range cp.TPOrderIDs {
		want[id] = true
	}
	for _, id := range gw.canceled {
		delete(want, id)
	}
	if len(want) != 0 {
		t.Errorf("children not swept: %v", want)
	}
	if pos.SLOrderID != 0 || pos.TPOrderIDs != nil {
		t.Error("position still references canceled orders")
	}
}
