package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CORE DATA MODEL
// ============================================================================

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing direction of a position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type SignalMode string

const (
	ModeNormal   SignalMode = "NORMAL"
	ModeHedge    SignalMode = "HEDGE"
	ModeTrend    SignalMode = "TREND"
	ModeReversal SignalMode = "REVERSAL"
)

type ManagementType string

const (
	ManageDynamicTrailing ManagementType = "DYNAMIC_TRAILING"
	ManageFractionalSwing ManagementType = "FRACTIONAL_SWING"
	ManageStatic          ManagementType = "STATIC"
	ManageAdoptedRecovery ManagementType = "ADOPTED_RECOVERY"
)

// Strategy family tags. Gamma trades are notional-sized scalps managed by the
// trailing engine; swing trades are risk-to-stop sized and laddered out.
const (
	TagGamma          = "GAMMA"
	TagSwing          = "SWING"
	TagManualRecovery = "MANUAL_RECOVERY"
)

// SLMovePolicy decides where the stop goes after a ladder leg fills.
type SLMovePolicy string

const (
	SLMoveBE     SLMovePolicy = "BE"      // entry plus a small buffer
	SLMoveTPPrev SLMovePolicy = "TP_PREV" // previous leg's trigger price
	SLMoveNone   SLMovePolicy = "NONE"
)

// TPLeg is one rung of a partial take-profit ladder. QtyFrac values are
// fractions of the ORIGINAL quantity and sum to 1.0 across the plan; the
// comptroller converts them to remaining-relative fractions when a leg fires.
type TPLeg struct {
	DistanceFrac float64      // unrealized gain fraction that arms the leg
	QtyFrac      float64      // share of the original position to close
	SLMove       SLMovePolicy //
}

// StrategyParams is the per-family tuning block carried from config through
// signal, plan and position.
type StrategyParams struct {
	RiskFixedUSD     float64
	SLNormal         float64 // stop distance fraction, normal mode
	SLHedge          float64 // stop distance fraction, hedge mode
	HardTP           float64 // hard take-profit distance fraction (0 = none)
	TrailingDist     float64 // trailing stop distance fraction
	TrailingUpdate   float64 // min relative stop shift before replacing
	BreakEvenBuffer  float64 // BE promotion offset fraction (fees cover)
	TPPlan           []TPLeg
	StopBufferATR    float64 // buffer past a structural stop reference
	EmergencyStopPct float64 // fallback stop distance for adopted positions
}

// Signal is the strategy trigger handed to the shooter.
type Signal struct {
	StrategyTag string
	Side        Side
	Mode        SignalMode
	Price       float64
	StopRef     float64 // structural stop reference, 0 = derive from fractions
	Params      StrategyParams
}

// Plan is the concrete order plan the shooter emits for the order manager.
type Plan struct {
	Symbol      string
	StrategyTag string
	Mode        SignalMode
	Side        Side
	Qty         float64
	EntryPrice  float64
	SLPrice     float64
	HardTPPrice float64 // 0 = none
	TPLegs      []TPLeg
	Management  ManagementType
	Params      StrategyParams
}

// Validate enforces the plan invariants before any order leaves the process.
func (p *Plan) Validate(minNotional float64) error {
	if p.Qty <= 0 {
		return fmt.Errorf("plan %s: qty %.8f must be positive", p.Symbol, p.Qty)
	}
	if p.SLPrice <= 0 {
		return fmt.Errorf("plan %s: sl price %.8f must be positive", p.Symbol, p.SLPrice)
	}
	if p.Qty*p.EntryPrice < minNotional {
		return fmt.Errorf("plan %s: notional $%.2f below min $%.2f", p.Symbol, p.Qty*p.EntryPrice, minNotional)
	}
	if p.Side == SideLong && p.SLPrice >= p.EntryPrice {
		return fmt.Errorf("plan %s: LONG stop %.4f not below entry %.4f", p.Symbol, p.SLPrice, p.EntryPrice)
	}
	if p.Side == SideShort && p.SLPrice <= p.EntryPrice {
		return fmt.Errorf("plan %s: SHORT stop %.4f not above entry %.4f", p.Symbol, p.SLPrice, p.EntryPrice)
	}
	return nil
}

type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Position is the comptroller-owned record of one live exchange position.
// Mutated only on the main loop; snapshots go out by value.
type Position struct {
	ID          string
	Symbol      string
	StrategyTag string
	Mode        SignalMode
	Side        Side
	EntryPrice  float64
	QtyRemaining float64
	SLPrice     float64
	SLOrderID   int64
	HardTPPrice float64 // 0 = none
	TPLegs      []TPLeg // unfulfilled rungs, ascending distance
	TPOrderIDs  []int64
	HighestSeen float64
	LowestSeen  float64
	TPLevel     int // count of ladder legs already taken
	BEActive    bool
	Management  ManagementType
	Params      StrategyParams
	Status      PositionStatus
	OpenedAt    time.Time
}

// AtRisk reports whether the stop still sits on the losing side of entry.
// Break-even promoted positions are risk-free and release their slot.
func (p *Position) AtRisk() bool {
	if p.Side == SideLong {
		return p.SLPrice < p.EntryPrice
	}
	return p.SLPrice > p.EntryPrice
}

// PnlFrac returns the unrealized gain fraction at price, or false when the
// entry price is degenerate and no fraction can be computed.
func (p *Position) PnlFrac(price float64) (float64, bool) {
	if p.EntryPrice <= 0 {
		return 0, false
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.EntryPrice, true
	}
	return (p.EntryPrice - price) / p.EntryPrice, true
}

// Key identifies the hedge-mode bucket a position occupies.
func (p *Position) Key() string {
	return p.Symbol + "/" + string(p.Side)
}

// CustodyPacket is what the order manager hands to the comptroller once an
// entry is filled and its protective stop is live.
type CustodyPacket struct {
	Plan       Plan
	EntryFill  float64
	SLOrderID  int64
	TPOrderIDs []int64
	OpenedAt   time.Time
}

// NewPosition turns a custody packet into a tracked position with watermarks
// seeded at the fill price.
func NewPosition(cp CustodyPacket) *Position {
	return &Position{
		ID:           uuid.NewString(),
		Symbol:       cp.Plan.Symbol,
		StrategyTag:  cp.Plan.StrategyTag,
		Mode:         cp.Plan.Mode,
		Side:         cp.Plan.Side,
		EntryPrice:   cp.EntryFill,
		QtyRemaining: cp.Plan.Qty,
		SLPrice:      cp.Plan.SLPrice,
		SLOrderID:    cp.SLOrderID,
		HardTPPrice:  cp.Plan.HardTPPrice,
		TPLegs:       append([]TPLeg(nil), cp.Plan.TPLegs...),
		TPOrderIDs:   append([]int64(nil), cp.TPOrderIDs...),
		HighestSeen:  cp.EntryFill,
		LowestSeen:   cp.EntryFill,
		Management:   cp.Plan.Management,
		Params:       cp.Plan.Params,
		Status:       StatusOpen,
		OpenedAt:     cp.OpenedAt,
	}
}
