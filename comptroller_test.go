package main

import (
	"context"
	"math"
	"testing"
)

func newTestEngine(t *testing.T) (*fakeGateway, *OrderManager, *Comptroller, *Financials) {
	t.Helper()
	gw := newFakeGateway()
	fin := NewFinancials(gw, nil, 0.05)
	fin.Refresh(context.Background())
	om := NewOrderManager(gw, nil, nil, "BTCUSDT")
	om.pollInterval = 0
	om.pollWindow = 0
	recovery := testParams()
	comp := NewComptroller(gw, om, nil, nil, fin, "BTCUSDT", recovery, 0.10)
	return gw, om, comp, fin
}

func openGamma(t *testing.T, om *OrderManager, comp *Comptroller) *Position {
	t.Helper()
	cp, err := om.Execute(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return comp.AcceptCustody(cp)
}

func openSwing(t *testing.T, om *OrderManager, comp *Comptroller) *Position {
	t.Helper()
	plan := testPlan()
	plan.StrategyTag = "SWING_TEST"
	plan.Management = ManageFractionalSwing
	plan.HardTPPrice = 0
	plan.Qty = 1
	plan.TPLegs = swingParams().TPPlan
	plan.Params = swingParams()
	cp, err := om.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return comp.AcceptCustody(cp)
}

func TestAuditUpdatesWatermarks(t *testing.T) {
	_, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	comp.Audit(context.Background(), 101)
	comp.Audit(context.Background(), 99.9)
	if p.HighestSeen != 101 {
		t.Errorf("highest = %v, want 101", p.HighestSeen)
	}
	if p.LowestSeen != 99.9 {
		t.Errorf("lowest = %v, want 99.9", p.LowestSeen)
	}
}

func TestAuditTrailingRatchetsStop(t *testing.T) {
	_, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	comp.Audit(context.Background(), 103)
	want := 103 * (1 - 0.015)
	if math.Abs(p.SLPrice-want) > 0.02 {
		t.Errorf("sl = %v, want about %v", p.SLPrice, want)
	}
	if p.AtRisk() {
		t.Error("stop above entry should clear the at-risk flag")
	}
	if !p.BEActive {
		t.Error("break-even promotion not flagged")
	}
}

func TestAuditTrailingNeverLoosens(t *testing.T) {
	_, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	comp.Audit(context.Background(), 103)
	locked := p.SLPrice

	// Price retreats: the watermark holds, so the stop must not move down.
	comp.Audit(context.Background(), 101)
	if p.SLPrice != locked {
		t.Errorf("sl moved from %v to %v on a retreat", locked, p.SLPrice)
	}
}

func TestAuditTrailingUpdateThreshold(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	comp.Audit(context.Background(), 103)
	stops := len(gw.ordersOfType(OrderStopMarket))

	// A 0.1% better watermark is below the 0.2% update threshold.
	comp.Audit(context.Background(), 103.1)
	if got := len(gw.ordersOfType(OrderStopMarket)); got != stops {
		t.Errorf("stop replaced on a sub-threshold move: %d -> %d orders", stops, got)
	}
	if p.SLOrderID == 0 {
		t.Error("stop lost")
	}
}

func TestAuditIsIdempotentAtSamePrice(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	openGamma(t, om, comp)

	comp.Audit(context.Background(), 103)
	placed := len(gw.placed)
	comp.Audit(context.Background(), 103)
	if len(gw.placed) != placed {
		t.Errorf("replayed price produced %d new orders", len(gw.placed)-placed)
	}
}

func TestAuditHardTakeProfit(t *testing.T) {
	gw, om, comp, fin := newTestEngine(t)
	openGamma(t, om, comp)

	comp.Audit(context.Background(), 105.2)
	if len(comp.Open()) != 0 {
		t.Fatal("position should be closed and retired")
	}
	markets := gw.ordersOfType(OrderMarket)
	last := markets[len(markets)-1]
	if !last.ReduceOnly || last.Side != OrderSell {
		t.Errorf("hard tp exit must be a reduce-only sell: %+v", last)
	}
	if fin.RealizedToday() <= 0 {
		t.Errorf("realized = %v, want positive", fin.RealizedToday())
	}
}

func TestSwingLadderFullSequence(t *testing.T) {
	_, om, comp, fin := newTestEngine(t)
	p := openSwing(t, om, comp)

	// Leg 1 at +6%: 30% off, stop to break-even.
	comp.Audit(context.Background(), 106)
	if p.TPLevel != 1 {
		t.Fatalf("tp level = %d, want 1", p.TPLevel)
	}
	if math.Abs(p.QtyRemaining-0.7) > 1e-9 {
		t.Errorf("qty = %v, want 0.7", p.QtyRemaining)
	}
	wantBE := 100 * (1 + 0.0006)
	if math.Abs(p.SLPrice-wantBE) > 0.02 {
		t.Errorf("sl = %v, want break-even about %v", p.SLPrice, wantBE)
	}
	if !p.BEActive {
		t.Error("break-even not flagged after leg 1")
	}

	// Leg 2 fires at exactly +9%: stop to the previous rung's level, which
	// must sit safely below the sampled price.
	comp.Audit(context.Background(), 109)
	if p.TPLevel != 2 {
		t.Fatalf("tp level = %d, want 2", p.TPLevel)
	}
	if math.Abs(p.QtyRemaining-0.3) > 1e-9 {
		t.Errorf("qty = %v, want 0.3", p.QtyRemaining)
	}
	if math.Abs(p.SLPrice-106) > 0.02 {
		t.Errorf("sl = %v, want previous rung about 106", p.SLPrice)
	}

	// Final leg at +12% closes the rest.
	comp.Audit(context.Background(), 112.5)
	if len(comp.Open()) != 0 {
		t.Error("position should be fully closed after the final leg")
	}
	if fin.RealizedToday() <= 0 {
		t.Errorf("realized = %v, want positive", fin.RealizedToday())
	}
}

func TestSwingLadderOneLegPerTick(t *testing.T) {
	_, om, comp, _ := newTestEngine(t)
	p := openSwing(t, om, comp)

	// Price gaps straight past legs 1 and 2; only one leg fires per audit.
	comp.Audit(context.Background(), 110)
	if p.TPLevel != 1 {
		t.Errorf("tp level = %d after one tick, want 1", p.TPLevel)
	}
	comp.Audit(context.Background(), 110)
	if p.TPLevel != 2 {
		t.Errorf("tp level = %d after two ticks, want 2", p.TPLevel)
	}
}

func TestSwingLadderRelativeToRemaining(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	p := openSwing(t, om, comp)

	// Drop the resting leg orders so every leg goes through a market
	// reduce with the computed quantity.
	for _, id := range p.TPOrderIDs {
		delete(gw.orders, id)
	}
	p.TPOrderIDs = nil

	comp.Audit(context.Background(), 106)
	comp.Audit(context.Background(), 109)

	var reduces []OrderRequest
	for _, r := range gw.ordersOfType(OrderMarket) {
		if r.ReduceOnly {
			reduces = append(reduces, r)
		}
	}
	if len(reduces) != 2 {
		t.Fatalf("want 2 market reduces, got %d", len(reduces))
	}
	// Fractions apply to what remains when the leg fires. Leg 1:
	// 1.0 * 0.30 = 0.30. Leg 2: 0.70 * 0.40 = 0.28, give or take one
	// quantity step from flooring.
	if math.Abs(reduces[0].Qty-0.3) > 0.0015 {
		t.Errorf("leg 1 qty = %v, want 0.3", reduces[0].Qty)
	}
	if math.Abs(reduces[1].Qty-0.28) > 0.0015 {
		t.Errorf("leg 2 qty = %v, want 0.28", reduces[1].Qty)
	}
}

func TestSwingLadderUsesFilledRestingOrder(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	p := openSwing(t, om, comp)

	before := len(gw.ordersOfType(OrderMarket))
	comp.Audit(context.Background(), 106)

	// The resting limit leg was already filled, so no market reduce.
	if got := len(gw.ordersOfType(OrderMarket)); got != before {
		t.Errorf("market reduce placed despite filled resting leg")
	}
	if p.TPLevel != 1 || math.Abs(p.QtyRemaining-0.7) > 1e-9 {
		t.Errorf("accounting off: level %d qty %v", p.TPLevel, p.QtyRemaining)
	}
}

func TestReconcileRetiresPhantom(t *testing.T) {
	gw, om, comp, fin := newTestEngine(t)
	openGamma(t, om, comp)

	// Exchange reports flat: the stop must have fired out-of-band.
	gw.risks = nil
	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(comp.Open()) != 0 {
		t.Error("phantom not retired")
	}
	// Booked at the stop level: (98.5 - 100) * 0.5
	if math.Abs(fin.RealizedToday()-(-0.75)) > 1e-9 {
		t.Errorf("realized = %v, want -0.75", fin.RealizedToday())
	}
}

func TestReconcileAdoptsOrphanWithExistingStop(t *testing.T) {
	gw, _, comp, _ := newTestEngine(t)

	gw.risks = []RiskEntry{{Symbol: "BTCUSDT", PositionSide: SideLong, PositionAmt: 0.4, EntryPrice: 95}}
	gw.open = []OpenOrder{{OrderID: 77, Type: OrderStopMarket, Side: OrderSell, PositionSide: SideLong, StopPrice: 90, ClosePosition: true}}

	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	open := comp.Open()
	if len(open) != 1 {
		t.Fatal("orphan not adopted")
	}
	p := open[0]
	if p.StrategyTag != TagManualRecovery || p.Management != ManageAdoptedRecovery {
		t.Errorf("adopted as %s / %s", p.StrategyTag, p.Management)
	}
	if p.SLOrderID != 77 || p.SLPrice != 90 {
		t.Errorf("existing stop not adopted: id %d price %v", p.SLOrderID, p.SLPrice)
	}
	if p.QtyRemaining != 0.4 || p.EntryPrice != 95 {
		t.Errorf("adopted qty %v entry %v", p.QtyRemaining, p.EntryPrice)
	}
	if p.ID == "" {
		t.Error("adopted position has no identity")
	}
}

func TestReconcileAdoptsOrphanWithoutStop(t *testing.T) {
	gw, _, comp, _ := newTestEngine(t)

	gw.risks = []RiskEntry{{Symbol: "BTCUSDT", PositionSide: SideShort, PositionAmt: -0.2, EntryPrice: 110}}

	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	open := comp.Open()
	if len(open) != 1 {
		t.Fatal("orphan not adopted")
	}
	p := open[0]
	if p.SLOrderID == 0 {
		t.Fatal("no emergency stop placed")
	}
	// 10% beyond entry on the losing side of a SHORT.
	want := 110 * 1.10
	if math.Abs(p.SLPrice-want) > 0.02 {
		t.Errorf("emergency sl = %v, want about %v", p.SLPrice, want)
	}
	stops := gw.ordersOfType(OrderStopMarket)
	if len(stops) != 1 || !stops[0].ClosePosition {
		t.Errorf("emergency stop must use close_position: %+v", stops)
	}
}

func TestReconcileResyncsQuantityDrift(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	// Someone closed part of the position by hand: tracked 0.5, exchange 0.3.
	gw.risks = []RiskEntry{{Symbol: "BTCUSDT", PositionSide: SideLong, PositionAmt: 0.3, EntryPrice: 100}}
	gw.open = []OpenOrder{{OrderID: p.SLOrderID, Type: OrderStopMarket, Side: OrderSell, PositionSide: SideLong, StopPrice: 98.5, ClosePosition: true}}

	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if math.Abs(p.QtyRemaining-0.3) > 1e-9 {
		t.Errorf("qty = %v, want exchange amount 0.3", p.QtyRemaining)
	}
	if p.Status != StatusOpen {
		t.Error("position must survive a partial external close")
	}
}

func TestReconcileProtectsAdopteeAfterFailedStop(t *testing.T) {
	gw, _, comp, _ := newTestEngine(t)

	// The adoptee's emergency stop is rejected, leaving it with no level.
	gw.risks = []RiskEntry{{Symbol: "BTCUSDT", PositionSide: SideLong, PositionAmt: 0.4, EntryPrice: 100}}
	gw.failNext[OrderStopMarket] = 1
	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p := comp.Open()[0]
	if p.SLOrderID != 0 || p.SLPrice != 0 {
		t.Fatalf("precondition: stop unexpectedly placed (id %d price %v)", p.SLOrderID, p.SLPrice)
	}

	// The next pass recomputes the fallback from entry instead of retrying
	// a zero stop price forever.
	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.SLOrderID == 0 {
		t.Fatal("stop still missing after second reconcile")
	}
	if math.Abs(p.SLPrice-90) > 0.02 {
		t.Errorf("restored sl = %v, want 10%% beyond entry about 90", p.SLPrice)
	}
	stop := gw.ordersOfType(OrderStopMarket)[0]
	if stop.StopPrice <= 0 {
		t.Errorf("stop placed without a price: %+v", stop)
	}
}

func TestReconcileRestoresMissingStop(t *testing.T) {
	gw, om, comp, _ := newTestEngine(t)
	p := openGamma(t, om, comp)

	// Exchange still holds the position but the stop order is gone.
	gw.risks = []RiskEntry{{Symbol: "BTCUSDT", PositionSide: SideLong, PositionAmt: 0.5, EntryPrice: 100}}
	gw.open = nil
	oldID := p.SLOrderID

	if err := comp.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.SLOrderID == 0 || p.SLOrderID == oldID {
		t.Errorf("stop not restored: id %d (old %d)", p.SLOrderID, oldID)
	}
	if p.SLPrice != 98.5 {
		t.Errorf("restored sl = %v, want original 98.5", p.SLPrice)
	}
}
