package main

import (
	"fmt"
	"math"
	"strings"
)

// ============================================================================
// SHOOTER (RISK / SIZING PLANNER)
// ============================================================================

// Reject reasons. Every rejection is recoverable: the next signal is
// processed normally and the shooter never retries.
const (
	RejectSlotsFull   = "SLOTS_FULL"
	RejectDuplicate   = "DUPLICATE"
	RejectCapital     = "INSUFFICIENT_CAPITAL"
	RejectMinNotional = "MIN_NOTIONAL"
	RejectLossBrake   = "DAILY_LOSS_BRAKE"
	RejectBadSignal   = "BAD_SIGNAL"
)

// RejectError tags a planning rejection with its machine-readable reason.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func reject(reason, format string, args ...interface{}) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Shooter turns strategy signals into concrete order plans under the slot
// and overlap budgets. Pure planning: it issues no exchange calls.
type Shooter struct {
	symbol     string
	filters    SymbolFilters
	financials *Financials
	journal    *Journal

	maxRiskSlots  int
	maxGammaSlots int
	maxSwingSlots int
	overlap       float64
	minNotional   float64
	minCapital    float64
}

func NewShooter(symbol string, filters SymbolFilters, fin *Financials, journal *Journal,
	maxRisk, maxGamma, maxSwing int, overlap, minNotional, minCapital float64) *Shooter {
	if filters.MinNotional > minNotional {
		minNotional = filters.MinNotional
	}
	return &Shooter{
		symbol:        symbol,
		filters:       filters,
		financials:    fin,
		journal:       journal,
		maxRiskSlots:  maxRisk,
		maxGammaSlots: maxGamma,
		maxSwingSlots: maxSwing,
		overlap:       overlap,
		minNotional:   minNotional,
		minCapital:    minCapital,
	}
}

// familyOf maps a strategy tag to its slot-budget family.
func familyOf(tag string) string {
	upper := strings.ToUpper(tag)
	switch {
	case strings.Contains(upper, TagSwing):
		return TagSwing
	case strings.Contains(upper, TagGamma):
		return TagGamma
	default:
		return ""
	}
}

// Plan validates budgets and sizes the trade. Smart-slot accounting: only
// positions whose stop is still on the losing side of entry consume a slot.
func (s *Shooter) Plan(sig Signal, open []*Position) (Plan, error) {
	if sig.Price <= 0 {
		return Plan{}, reject(RejectBadSignal, "signal price %.8f", sig.Price)
	}

	// 1. Smart-slot accounting.
	atRisk, gammaRisk, swingRisk := 0, 0, 0
	for _, p := range open {
		if p.Status != StatusOpen || !p.AtRisk() {
			continue
		}
		atRisk++
		switch familyOf(p.StrategyTag) {
		case TagGamma:
			gammaRisk++
		case TagSwing:
			swingRisk++
		}
	}
	family := familyOf(sig.StrategyTag)
	if atRisk >= s.maxRiskSlots {
		return Plan{}, reject(RejectSlotsFull, "%d/%d at-risk", atRisk, s.maxRiskSlots)
	}
	if family == TagGamma && gammaRisk >= s.maxGammaSlots {
		return Plan{}, reject(RejectSlotsFull, "gamma %d/%d", gammaRisk, s.maxGammaSlots)
	}
	if family == TagSwing && swingRisk >= s.maxSwingSlots {
		return Plan{}, reject(RejectSlotsFull, "swing %d/%d", swingRisk, s.maxSwingSlots)
	}

	// 2. Overlap guard: no stacking entries on the same side within the
	// threshold band.
	for _, p := range open {
		if p.Status != StatusOpen || p.Symbol != s.symbol || p.Side != sig.Side || p.EntryPrice <= 0 {
			continue
		}
		if math.Abs(sig.Price-p.EntryPrice)/p.EntryPrice < s.overlap {
			return Plan{}, reject(RejectDuplicate, "%s entry %.4f within %.2f%% of %.4f",
				sig.Side, sig.Price, s.overlap*100, p.EntryPrice)
		}
	}

	// 3. Minimum capital and the daily loss brake.
	if s.financials.Halted() {
		return Plan{}, reject(RejectLossBrake, "entries halted for the day")
	}
	balance := s.financials.AvailableBalance()
	if balance < s.minCapital {
		return Plan{}, reject(RejectCapital, "balance $%.2f below floor $%.2f", balance, s.minCapital)
	}

	// 4. Stop derivation and sizing.
	slPrice := s.deriveStop(sig)
	if slPrice <= 0 {
		return Plan{}, reject(RejectBadSignal, "derived stop %.8f", slPrice)
	}

	riskUSD := math.Min(sig.Params.RiskFixedUSD, balance)
	var qty float64
	switch family {
	case TagSwing:
		// Risk-to-stop sizing: the stop distance defines the unit risk.
		dist := math.Abs(sig.Price - slPrice)
		if dist <= 0 {
			return Plan{}, reject(RejectBadSignal, "zero stop distance")
		}
		qty = riskUSD / dist
	default:
		// Notional sizing for gamma and everything else.
		qty = riskUSD / sig.Price
	}
	qty = s.filters.FloorQty(qty)
	if qty*sig.Price < s.minNotional {
		return Plan{}, reject(RejectMinNotional, "notional $%.2f below $%.2f", qty*sig.Price, s.minNotional)
	}

	// 5. Management type by family.
	plan := Plan{
		Symbol:      s.symbol,
		StrategyTag: sig.StrategyTag,
		Mode:        sig.Mode,
		Side:        sig.Side,
		Qty:         qty,
		EntryPrice:  sig.Price,
		SLPrice:     s.filters.RoundStop(slPrice, sig.Side),
		Params:      sig.Params,
	}
	switch family {
	case TagGamma:
		plan.Management = ManageDynamicTrailing
		if sig.Params.HardTP > 0 {
			if sig.Side == SideLong {
				plan.HardTPPrice = sig.Price * (1 + sig.Params.HardTP)
			} else {
				plan.HardTPPrice = sig.Price * (1 - sig.Params.HardTP)
			}
		}
	case TagSwing:
		plan.Management = ManageFractionalSwing
		plan.TPLegs = append([]TPLeg(nil), sig.Params.TPPlan...)
	default:
		plan.Management = ManageStatic
	}

	if err := plan.Validate(s.minNotional); err != nil {
		return Plan{}, reject(RejectBadSignal, "%v", err)
	}
	s.journal.Activity("INFO", "shooter", "🎯 PLAN %s %s qty %.6f @ %.4f SL %.4f (%s)",
		plan.Side, plan.Symbol, plan.Qty, plan.EntryPrice, plan.SLPrice, plan.Management)
	return plan, nil
}

// deriveStop picks the structural reference when the strategy supplied one,
// otherwise falls back to the mode's fractional distance.
func (s *Shooter) deriveStop(sig Signal) float64 {
	if sig.StopRef > 0 {
		buffer := sig.Params.StopBufferATR
		if sig.Side == SideLong {
			return sig.StopRef - buffer
		}
		return sig.StopRef + buffer
	}
	frac := sig.Params.SLNormal
	if sig.Mode == ModeHedge {
		frac = sig.Params.SLHedge
	}
	if frac <= 0 {
		return 0
	}
	if sig.Side == SideLong {
		return sig.Price * (1 - frac)
	}
	return sig.Price * (1 + frac)
}
