package main

import (
	"math"
	"testing"
	"time"
)

func TestSideOpposite(t *testing.T) {
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("side opposite broken")
	}
}

func TestAtRisk(t *testing.T) {
	long := &Position{Side: SideLong, EntryPrice: 100, SLPrice: 98}
	if !long.AtRisk() {
		t.Error("LONG with stop below entry is at risk")
	}
	long.SLPrice = 100.1
	if long.AtRisk() {
		t.Error("LONG with stop above entry is promoted")
	}

	short := &Position{Side: SideShort, EntryPrice: 100, SLPrice: 102}
	if !short.AtRisk() {
		t.Error("SHORT with stop above entry is at risk")
	}
	short.SLPrice = 99.5
	if short.AtRisk() {
		t.Error("SHORT with stop below entry is promoted")
	}
}

func TestPnlFrac(t *testing.T) {
	long := &Position{Side: SideLong, EntryPrice: 100}
	pnl, ok := long.PnlFrac(103)
	if !ok || math.Abs(pnl-0.03) > 1e-12 {
		t.Errorf("long pnl = %v ok=%v", pnl, ok)
	}

	short := &Position{Side: SideShort, EntryPrice: 100}
	pnl, ok = short.PnlFrac(97)
	if !ok || math.Abs(pnl-0.03) > 1e-12 {
		t.Errorf("short pnl = %v ok=%v", pnl, ok)
	}

	// A corrupt entry must not divide by zero.
	broken := &Position{Side: SideLong, EntryPrice: 0}
	if _, ok := broken.PnlFrac(100); ok {
		t.Error("zero entry must report not-ok")
	}
}

func TestPlanValidate(t *testing.T) {
	good := testPlan()
	if err := good.Validate(5); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}

	bad := testPlan()
	bad.Qty = 0
	if err := bad.Validate(5); err == nil {
		t.Error("zero qty accepted")
	}

	bad = testPlan()
	bad.SLPrice = 101 // winning side of a LONG entry
	if err := bad.Validate(5); err == nil {
		t.Error("stop on winning side accepted")
	}

	bad = testPlan()
	bad.Qty = 0.001 // notional 0.1 below the floor
	if err := bad.Validate(5); err == nil {
		t.Error("sub-notional plan accepted")
	}
}

func TestNewPositionSeedsWatermarks(t *testing.T) {
	cp := CustodyPacket{
		Plan:      testPlan(),
		EntryFill: 101.5,
		SLOrderID: 9,
		OpenedAt:  time.Now(),
	}
	p := NewPosition(cp)
	if p.HighestSeen != 101.5 || p.LowestSeen != 101.5 {
		t.Errorf("watermarks = %v/%v, want 101.5/101.5", p.HighestSeen, p.LowestSeen)
	}
	if p.EntryPrice != 101.5 {
		t.Errorf("entry = %v, want the fill price", p.EntryPrice)
	}
	if p.ID == "" {
		t.Error("no position id")
	}
	if p.Key() != "BTCUSDT/LONG" {
		t.Errorf("key = %s", p.Key())
	}
}
