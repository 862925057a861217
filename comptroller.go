package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// COMPTROLLER (POSITION CUSTODIAN)
// ============================================================================

// Comptroller owns every position after execution hands it over. It runs
// two cadences from the main loop: Audit on every fast tick with a fresh
// price, and Reconcile on the slow tick against exchange truth. At most one
// state transition is applied per position per audit, so replaying the same
// price is a no-op.
type Comptroller struct {
	gateway    ExchangeGateway
	om         *OrderManager
	journal    *Journal
	notifier   *TelegramService
	financials *Financials
	symbol     string
	filters    SymbolFilters

	recoveryParams   StrategyParams
	emergencyStopPct float64

	// keyed by Position.Key(), one bucket per symbol/side in hedge mode
	positions map[string]*Position
}

func NewComptroller(gw ExchangeGateway, om *OrderManager, journal *Journal, notifier *TelegramService, fin *Financials, symbol string, recovery StrategyParams, emergencyStopPct float64) *Comptroller {
	return &Comptroller{
		gateway:          gw,
		om:               om,
		journal:          journal,
		notifier:         notifier,
		financials:       fin,
		symbol:           symbol,
		filters:          gw.Filters(symbol),
		recoveryParams:   recovery,
		emergencyStopPct: emergencyStopPct,
		positions:        make(map[string]*Position),
	}
}

// AcceptCustody registers a freshly executed position. From this moment the
// comptroller is the only writer of its state.
func (c *Comptroller) AcceptCustody(cp CustodyPacket) *Position {
	p := NewPosition(cp)
	c.positions[p.Key()] = p
	c.journal.Order(p, "OPEN")
	return p
}

// Open returns the live positions, ordered by key for deterministic audits.
func (c *Comptroller) Open() []*Position {
	keys := make([]string, 0, len(c.positions))
	for k := range c.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.positions[k])
	}
	return out
}

// Audit walks every open position against the sampled price. Watermarks
// always advance; beyond that each position gets at most one action.
func (c *Comptroller) Audit(ctx context.Context, price float64) {
	if price <= 0 {
		return
	}
	for _, p := range c.Open() {
		if p.Status != StatusOpen {
			continue
		}
		if price > p.HighestSeen {
			p.HighestSeen = price
		}
		if price < p.LowestSeen {
			p.LowestSeen = price
		}
		pnl, ok := p.PnlFrac(price)
		if !ok {
			continue
		}
		managerFor(p.Management).audit(ctx, c, p, price, pnl)
	}
}

// positionManager is the per-mode audit strategy. Each call applies at
// most one state transition.
type positionManager interface {
	audit(ctx context.Context, c *Comptroller, p *Position, price, pnl float64)
}

type trailingManager struct{}
type swingManager struct{}
type staticManager struct{}

func (trailingManager) audit(ctx context.Context, c *Comptroller, p *Position, price, pnl float64) {
	c.auditTrailing(ctx, p, price, pnl)
}

func (swingManager) audit(ctx context.Context, c *Comptroller, p *Position, price, pnl float64) {
	c.auditSwing(ctx, p, price, pnl)
}

// Static positions are worked entirely by their exchange-side orders.
func (staticManager) audit(context.Context, *Comptroller, *Position, float64, float64) {}

func managerFor(m ManagementType) positionManager {
	switch m {
	case ManageFractionalSwing:
		return swingManager{}
	case ManageStatic:
		return staticManager{}
	default:
		// DYNAMIC_TRAILING and ADOPTED_RECOVERY trail; recovery differs
		// only in its conservative params.
		return trailingManager{}
	}
}

// auditTrailing checks the hard take-profit first, then ratchets the stop
// behind the favorable watermark. The stop only ever tightens; a move is
// worth an API round trip only when it clears the update threshold.
func (c *Comptroller) auditTrailing(ctx context.Context, p *Position, price, pnl float64) {
	if c.hardTPHit(p, price) {
		c.closeOut(ctx, p, price, "HARD_TP")
		return
	}

	var candidate float64
	if p.Side == SideLong {
		candidate = p.HighestSeen * (1 - p.Params.TrailingDist)
	} else {
		candidate = p.LowestSeen * (1 + p.Params.TrailingDist)
	}
	candidate = c.filters.RoundStop(candidate, p.Side)

	improves := (p.Side == SideLong && candidate > p.SLPrice) ||
		(p.Side == SideShort && candidate < p.SLPrice)
	if !improves || p.SLPrice <= 0 {
		return
	}
	if math.Abs(candidate-p.SLPrice)/p.SLPrice < p.Params.TrailingUpdate {
		return
	}

	if err := c.om.MoveStop(ctx, p, candidate, price); err != nil {
		c.journal.Error("comptroller", SeverityWarn,
			fmt.Sprintf("trail move %s: %v", p.Key(), err), "")
		return
	}
	if !p.BEActive && !p.AtRisk() {
		p.BEActive = true
		c.journal.Activity("INFO", "comptroller", "🔓 BREAK-EVEN %s, risk slot freed", p.Key())
		c.notifier.Notify(fmt.Sprintf("🔒 *%s %s SECURED*, stop locked at $%.4f", p.Side, p.Symbol, p.SLPrice))
	}
}

// auditSwing runs the fractional take-profit ladder. Leg fractions apply to
// what actually remains when the leg fires, so an external partial close
// shrinks every later leg proportionally.
func (c *Comptroller) auditSwing(ctx context.Context, p *Position, price, pnl float64) {
	if c.hardTPHit(p, price) {
		c.closeOut(ctx, p, price, "HARD_TP")
		return
	}
	if p.TPLevel >= len(p.TPLegs) {
		return
	}
	leg := p.TPLegs[p.TPLevel]
	if pnl < leg.DistanceFrac {
		return
	}

	// Last leg closes whatever is left.
	if p.TPLevel == len(p.TPLegs)-1 {
		c.closeOut(ctx, p, price, fmt.Sprintf("TP%d_FINAL", p.TPLevel+1))
		return
	}

	reduceQty := c.filters.FloorQty(p.QtyRemaining * leg.QtyFrac)

	reduced, done := c.settleLeg(ctx, p, reduceQty)
	if !done {
		return
	}
	p.QtyRemaining -= reduced
	p.TPLevel++
	c.financials.RecordRealized(realizedPnl(p.Side, p.EntryPrice, price, reduced))
	c.journal.Order(p, fmt.Sprintf("TP%d", p.TPLevel))
	c.notifier.Notify(fmt.Sprintf("💰 *TP%d HIT* %s %s, took %.6f @ $%.4f",
		p.TPLevel, p.Side, p.Symbol, reduced, price))

	if c.filters.FloorQty(p.QtyRemaining) <= 0 {
		c.retire(ctx, p, "TP_EXHAUSTED")
		return
	}
	c.applySLMove(ctx, p, leg, price)
}

// settleLeg realizes one ladder leg. When a resting limit order exists for
// the leg it is consulted first: a filled order already took the profit, an
// unfilled one is swept before the market reduce so the exit cannot double.
func (c *Comptroller) settleLeg(ctx context.Context, p *Position, reduceQty float64) (float64, bool) {
	if p.TPLevel < len(p.TPOrderIDs) && p.TPOrderIDs[p.TPLevel] != 0 {
		id := p.TPOrderIDs[p.TPLevel]
		if state, err := c.gateway.QueryOrder(ctx, p.Symbol, id); err == nil {
			if state.Status == OrderStatusFilled {
				if state.ExecutedQty > 0 {
					return state.ExecutedQty, true
				}
				return reduceQty, true
			}
			if err := c.gateway.CancelOrder(ctx, p.Symbol, id); err != nil {
				c.journal.Error("comptroller", SeverityWarn,
					fmt.Sprintf("sweep tp leg %d: %v", id, err), "")
			}
		}
	}
	if reduceQty <= 0 {
		return 0, false
	}
	if err := c.om.Reduce(ctx, p, reduceQty, fmt.Sprintf("TP%d", p.TPLevel+1)); err != nil {
		c.journal.Error("comptroller", SeverityWarn, err.Error(), "")
		return 0, false
	}
	return reduceQty, true
}

func (c *Comptroller) applySLMove(ctx context.Context, p *Position, leg TPLeg, price float64) {
	var target float64
	switch leg.SLMove {
	case SLMoveBE:
		target = c.breakEvenStop(p)
	case SLMoveTPPrev:
		// The previous rung's price level. TPLevel was already advanced
		// past the fired leg; the first rung has no predecessor and
		// degrades to break-even.
		prev := p.TPLevel - 2
		if prev < 0 {
			target = c.breakEvenStop(p)
		} else if p.Side == SideLong {
			target = p.EntryPrice * (1 + p.TPLegs[prev].DistanceFrac)
		} else {
			target = p.EntryPrice * (1 - p.TPLegs[prev].DistanceFrac)
		}
	default:
		return
	}
	if err := c.om.MoveStop(ctx, p, target, price); err != nil {
		c.journal.Error("comptroller", SeverityWarn,
			fmt.Sprintf("ladder SL move %s: %v", p.Key(), err), "")
		return
	}
	if !p.AtRisk() {
		p.BEActive = true
	}
}

func (c *Comptroller) breakEvenStop(p *Position) float64 {
	if p.Side == SideLong {
		return p.EntryPrice * (1 + p.Params.BreakEvenBuffer)
	}
	return p.EntryPrice * (1 - p.Params.BreakEvenBuffer)
}

func (c *Comptroller) hardTPHit(p *Position, price float64) bool {
	if p.HardTPPrice <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price >= p.HardTPPrice
	}
	return price <= p.HardTPPrice
}

// closeOut flattens a position at market and retires it.
func (c *Comptroller) closeOut(ctx context.Context, p *Position, price float64, reason string) {
	qty := p.QtyRemaining
	if err := c.om.CloseMarket(ctx, p, reason); err != nil {
		c.journal.Error("comptroller", SeverityWarn,
			fmt.Sprintf("close %s: %v", p.Key(), err), "")
		return
	}
	c.financials.RecordRealized(realizedPnl(p.Side, p.EntryPrice, price, qty))
	p.QtyRemaining = 0
	c.retire(ctx, p, reason)
}

func (c *Comptroller) retire(ctx context.Context, p *Position, reason string) {
	c.om.CancelChildren(ctx, p)
	p.Status = StatusClosed
	c.journal.Order(p, reason)
	delete(c.positions, p.Key())
}

// Panic flattens everything. Wired to the /panic command.
func (c *Comptroller) Panic(ctx context.Context) int {
	n := 0
	for _, p := range c.Open() {
		price, err := c.gateway.LastPrice(ctx, c.symbol)
		if err != nil {
			price = p.EntryPrice
		}
		c.closeOut(ctx, p, price, "PANIC")
		n++
	}
	return n
}

// Reconcile realigns internal state with the exchange: phantom positions
// are retired, untracked exposure is adopted, and any position whose stop
// vanished gets it restored. Exchange truth always wins.
func (c *Comptroller) Reconcile(ctx context.Context) error {
	risks, err := c.gateway.PositionRisk(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("position risk: %w", err)
	}

	exchQty := map[Side]float64{}
	exchEntry := map[Side]float64{}
	for _, r := range risks {
		amt := math.Abs(r.PositionAmt)
		if amt < c.filters.StepSize {
			continue
		}
		side := SideLong
		if r.PositionSide == SideShort || r.PositionAmt < 0 {
			side = SideShort
		}
		exchQty[side] = amt
		exchEntry[side] = r.EntryPrice
	}

	open, ooErr := c.gateway.OpenOrders(ctx, c.symbol)
	if ooErr != nil {
		c.journal.Error("comptroller", SeverityWarn,
			fmt.Sprintf("open orders during reconcile: %v", ooErr), "")
	}

	// Phantoms: tracked here, gone on the exchange. The stop is the only
	// exit path we do not observe directly, so the fill is booked at the
	// stop level.
	for _, p := range c.Open() {
		if exchQty[p.Side] > 0 {
			continue
		}
		c.journal.Activity("WARN", "comptroller", "👻 PHANTOM %s, exchange shows flat", p.Key())
		c.financials.RecordRealized(realizedPnl(p.Side, p.EntryPrice, p.SLPrice, p.QtyRemaining))
		c.notifier.Notify(fmt.Sprintf("👻 *%s %s CLOSED EXTERNALLY* (stop or manual)", p.Side, p.Symbol))
		p.QtyRemaining = 0
		c.retire(ctx, p, "CLOSED_EXTERNAL")
	}

	// Quantity drift: a partial entry fill or a manual partial close shows
	// up here first. The exchange amount is authoritative.
	for _, p := range c.Open() {
		exch := exchQty[p.Side]
		if exch <= 0 || math.Abs(exch-p.QtyRemaining) < c.filters.StepSize {
			continue
		}
		c.journal.Activity("WARN", "comptroller", "📐 QTY DRIFT %s: tracked %.6f, exchange %.6f, resyncing",
			p.Key(), p.QtyRemaining, exch)
		p.QtyRemaining = exch
	}

	// Missing stop: the position survives but its protective order is gone.
	// Runs before adoption so a freshly protected orphan is not touched.
	if ooErr == nil {
		alive := map[int64]bool{}
		for _, o := range open {
			alive[o.OrderID] = true
		}
		for _, p := range c.Open() {
			if p.SLOrderID != 0 && alive[p.SLOrderID] {
				continue
			}
			restoreAt := p.SLPrice
			if restoreAt <= 0 {
				// A failed protect at adoption leaves no level to restore.
				restoreAt = c.emergencyFallback(p.Side, p.EntryPrice)
			}
			c.journal.Activity("WARN", "comptroller", "🕳️ STOP MISSING on %s, restoring at %.4f", p.Key(), restoreAt)
			if err := c.om.EmergencyProtect(ctx, p, restoreAt); err != nil {
				c.notifier.Notify(fmt.Sprintf("🚨 *STOP RESTORE FAILED* on %s", p.Key()))
			}
		}
	}

	// Orphans: live on the exchange, unknown here. They are adopted under
	// conservative recovery management, never closed blindly.
	for side, qty := range exchQty {
		key := c.symbol + "/" + string(side)
		if _, tracked := c.positions[key]; tracked {
			continue
		}
		c.adopt(ctx, side, qty, exchEntry[side], open)
	}
	return nil
}

// adopt takes custody of untracked exposure. An existing exchange-side stop
// is re-used; otherwise an emergency stop goes in well beyond entry.
func (c *Comptroller) adopt(ctx context.Context, side Side, qty, entry float64, open []OpenOrder) {
	price, err := c.gateway.LastPrice(ctx, c.symbol)
	if err != nil || price <= 0 {
		price = entry
	}
	if entry <= 0 {
		entry = price
	}

	p := &Position{
		ID:           uuid.NewString(),
		Symbol:       c.symbol,
		StrategyTag:  TagManualRecovery,
		Side:         side,
		EntryPrice:   entry,
		QtyRemaining: qty,
		HighestSeen:  price,
		LowestSeen:   price,
		Management:   ManageAdoptedRecovery,
		Params:       c.recoveryParams,
		Status:       StatusOpen,
		OpenedAt:     time.Now().UTC(),
	}
	if side == SideLong {
		p.HardTPPrice = entry * (1 + p.Params.HardTP)
	} else {
		p.HardTPPrice = entry * (1 - p.Params.HardTP)
	}

	for _, o := range open {
		if o.Type == OrderStopMarket && o.PositionSide == side {
			p.SLOrderID = o.OrderID
			p.SLPrice = o.StopPrice
			break
		}
	}
	if p.SLOrderID == 0 {
		if err := c.om.EmergencyProtect(ctx, p, c.emergencyFallback(side, entry)); err != nil {
			c.notifier.Notify(fmt.Sprintf("🚨 *ADOPTED %s %s WITHOUT STOP*, protect failed", side, c.symbol))
		}
	}

	c.positions[p.Key()] = p
	c.journal.Order(p, "ADOPTED_RECOVERY")
	c.journal.Activity("WARN", "comptroller", "🐣 ADOPTED %s qty %.6f entry %.4f sl %.4f",
		p.Key(), qty, entry, p.SLPrice)
	c.notifier.Notify(fmt.Sprintf("🐣 *ADOPTED* %s %s qty %.6f, now under management", side, c.symbol, qty))
}

// emergencyFallback is the stop level used when nothing better is known:
// well beyond entry on the losing side.
func (c *Comptroller) emergencyFallback(side Side, entry float64) float64 {
	if side == SideShort {
		return entry * (1 + c.emergencyStopPct)
	}
	return entry * (1 - c.emergencyStopPct)
}

func realizedPnl(side Side, entry, exit, qty float64) float64 {
	if side == SideLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

// PositionView is the read-only snapshot shape shared by the dashboard,
// the websocket hub and the telegram /positions command.
type PositionView struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Strategy    string  `json:"strategy"`
	Side        string  `json:"side"`
	Entry       float64 `json:"entry"`
	Qty         float64 `json:"qty"`
	SL          float64 `json:"sl"`
	HardTP      float64 `json:"hard_tp,omitempty"`
	TPLevel     int     `json:"tp_level"`
	BreakEven   bool    `json:"break_even"`
	AtRisk      bool    `json:"at_risk"`
	Management  string  `json:"management"`
	OpenedAt    string  `json:"opened_at"`
	HighestSeen float64 `json:"highest_seen"`
	LowestSeen  float64 `json:"lowest_seen"`
}

func (c *Comptroller) Snapshot() []PositionView {
	var views []PositionView
	for _, p := range c.Open() {
		views = append(views, PositionView{
			ID:          p.ID,
			Symbol:      p.Symbol,
			Strategy:    p.StrategyTag,
			Side:        string(p.Side),
			Entry:       p.EntryPrice,
			Qty:         p.QtyRemaining,
			SL:          p.SLPrice,
			HardTP:      p.HardTPPrice,
			TPLevel:     p.TPLevel,
			BreakEven:   p.BEActive,
			AtRisk:      p.AtRisk(),
			Management:  string(p.Management),
			OpenedAt:    p.OpenedAt.Format(time.RFC3339),
			HighestSeen: p.HighestSeen,
			LowestSeen:  p.LowestSeen,
		})
	}
	return views
}
