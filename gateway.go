package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// ============================================================================
// EXCHANGE GATEWAY
// ============================================================================

type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// Terminal and transient order states as the exchange reports them.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// OrderRequest is the normalized order the core hands to the gateway.
// When ClosePosition is set the quantity MUST stay zero; the exchange
// rejects stop orders that carry both.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	PositionSide  Side
	Qty           float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
	TimeInForce   string
}

type OrderAck struct {
	OrderID      int64
	Status       string
	AvgFillPrice float64
}

type OrderState struct {
	Status       string
	AvgFillPrice float64
	ExecutedQty  float64
}

type OpenOrder struct {
	OrderID       int64
	Type          OrderType
	Side          OrderSide
	PositionSide  Side
	StopPrice     float64
	ClosePosition bool
}

// RiskEntry is one row of the exchange position-risk snapshot.
type RiskEntry struct {
	Symbol        string
	PositionSide  Side
	PositionAmt   float64 // signed in one-way mode, abs in hedge buckets
	EntryPrice    float64
	UnrealizedPnl float64
}

// ExchangeGateway is everything the lifecycle engine needs from the venue.
// Every call blocks on network I/O and carries the gateway timeout.
type ExchangeGateway interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	ServerTime(ctx context.Context) (int64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderState, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAll(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	PositionRisk(ctx context.Context, symbol string) ([]RiskEntry, error)
	AvailableBalance(ctx context.Context) (float64, error)
	Filters(symbol string) SymbolFilters
}

// ============================================================================
// SYMBOL FILTERS (PRECISION DATA)
// ============================================================================

// SymbolFilters carries the exchange trading rules for one symbol, read once
// at startup. All rounding goes through decimals to dodge float drift on the
// wire (-1111 rejections).
type SymbolFilters struct {
	TickSize    float64
	StepSize    float64
	MinNotional float64
}

// FloorQty rounds a quantity DOWN to the step size. Down is the safe
// direction: never order more than the risk budget paid for.
func (f SymbolFilters) FloorQty(q float64) float64 {
	if f.StepSize <= 0 {
		return q
	}
	step := decimal.NewFromFloat(f.StepSize)
	v, _ := decimal.NewFromFloat(q).Div(step).Floor().Mul(step).Float64()
	return v
}

// RoundStop aligns a stop price to the tick grid, moving at most one tick
// toward the losing side: down for LONG stops, up for SHORT stops.
func (f SymbolFilters) RoundStop(price float64, side Side) float64 {
	if f.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(f.TickSize)
	d := decimal.NewFromFloat(price).Div(tick)
	if side == SideLong {
		d = d.Floor()
	} else {
		d = d.Ceil()
	}
	v, _ := d.Mul(tick).Float64()
	return v
}

// RoundPrice snaps a limit price to the nearest tick.
func (f SymbolFilters) RoundPrice(price float64) float64 {
	if f.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(f.TickSize)
	v, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return v
}

func decimals(step float64) int32 {
	d := decimal.NewFromFloat(step)
	if d.Exponent() < 0 {
		return -d.Exponent()
	}
	return 0
}

func (f SymbolFilters) FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).StringFixed(decimals(f.TickSize))
}

func (f SymbolFilters) FormatQty(qty float64) string {
	return decimal.NewFromFloat(qty).StringFixed(decimals(f.StepSize))
}

// ============================================================================
// BINANCE FUTURES IMPLEMENTATION
// ============================================================================

type BinanceGateway struct {
	client  *futures.Client
	timeout time.Duration
	filters map[string]SymbolFilters
}

func NewBinanceGateway(apiKey, apiSecret string, testnet bool, timeout time.Duration) *BinanceGateway {
	if testnet {
		futures.UseTestnet = true
		log.Println("⚠️ USING BINANCE FUTURES TESTNET URL")
	}
	return &BinanceGateway{
		client:  binance.NewFuturesClient(apiKey, apiSecret),
		timeout: timeout,
		filters: make(map[string]SymbolFilters),
	}
}

func (g *BinanceGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// LoadFilters fetches tick/step/notional rules once at startup.
func (g *BinanceGateway) LoadFilters(ctx context.Context) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	info, err := g.client.NewExchangeInfoService().Do(cctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		var sf SymbolFilters
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				sf.TickSize, _ = strconv.ParseFloat(f["tickSize"].(string), 64)
			case "LOT_SIZE":
				sf.StepSize, _ = strconv.ParseFloat(f["stepSize"].(string), 64)
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					sf.MinNotional, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		g.filters[s.Symbol] = sf
	}
	log.Printf("✅ Exchange filters loaded for %d symbols", len(g.filters))
	return nil
}

func (g *BinanceGateway) Filters(symbol string) SymbolFilters {
	if sf, ok := g.filters[symbol]; ok {
		return sf
	}
	// Safety fallback, same defaults the exchange uses for majors.
	return SymbolFilters{TickSize: 0.01, StepSize: 0.001, MinNotional: 5.0}
}

// SetupAccount forces hedge mode, isolated margin and the configured
// leverage. All three are idempotent; "no need to change" is success.
func (g *BinanceGateway) SetupAccount(ctx context.Context, symbol string, leverage int) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	if err := g.client.NewChangePositionModeService().DualSide(true).Do(cctx); err != nil {
		if !strings.Contains(err.Error(), "No need to change position side") {
			return fmt.Errorf("enable hedge mode: %w", err)
		}
	}
	if err := g.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginTypeIsolated).Do(cctx); err != nil {
		if !strings.Contains(err.Error(), "No need to change margin type") {
			return fmt.Errorf("set isolated margin: %w", err)
		}
	}
	if _, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(cctx); err != nil {
		return fmt.Errorf("set leverage %dx: %w", leverage, err)
	}
	return nil
}

func (g *BinanceGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(cctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, nil
	}
	p, _ := strconv.ParseFloat(prices[0].Price, 64)
	return p, nil
}

func (g *BinanceGateway) ServerTime(ctx context.Context) (int64, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	return g.client.NewServerTimeService().Do(cctx)
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	sf := g.Filters(req.Symbol)
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		PositionSide(futures.PositionSideType(req.PositionSide))

	// In hedge mode the exchange derives reduce-only from side+positionSide
	// and rejects the explicit flag, so it is intentionally not forwarded.
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else if req.Qty > 0 {
		svc = svc.Quantity(sf.FormatQty(req.Qty))
	}
	if req.Price > 0 {
		svc = svc.Price(sf.FormatPrice(req.Price))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(sf.FormatPrice(req.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true)
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}

	res, err := svc.Do(cctx)
	if err != nil {
		return OrderAck{}, err
	}
	avg, _ := strconv.ParseFloat(res.AvgPrice, 64)
	return OrderAck{OrderID: res.OrderID, Status: string(res.Status), AvgFillPrice: avg}, nil
}

func (g *BinanceGateway) QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderState, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	o, err := g.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(cctx)
	if err != nil {
		return OrderState{}, err
	}
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	exec, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	return OrderState{Status: string(o.Status), AvgFillPrice: avg, ExecutedQty: exec}, nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	_, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(cctx)
	if err != nil && strings.Contains(err.Error(), "Unknown order") {
		return nil // already gone
	}
	return err
}

func (g *BinanceGateway) CancelAll(ctx context.Context, symbol string) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	return g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(cctx)
}

func (g *BinanceGateway) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	raw, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(cctx)
	if err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		out = append(out, OpenOrder{
			OrderID:       o.OrderID,
			Type:          OrderType(o.Type),
			Side:          OrderSide(o.Side),
			PositionSide:  Side(o.PositionSide),
			StopPrice:     stop,
			ClosePosition: o.ClosePosition,
		})
	}
	return out, nil
}

func (g *BinanceGateway) PositionRisk(ctx context.Context, symbol string) ([]RiskEntry, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	raw, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(cctx)
	if err != nil {
		return nil, err
	}
	out := make([]RiskEntry, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		out = append(out, RiskEntry{
			Symbol:        p.Symbol,
			PositionSide:  Side(p.PositionSide),
			PositionAmt:   amt,
			EntryPrice:    entry,
			UnrealizedPnl: pnl,
		})
	}
	return out, nil
}

func (g *BinanceGateway) AvailableBalance(ctx context.Context) (float64, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	res, err := g.client.NewGetAccountService().Do(cctx)
	if err != nil {
		return 0, err
	}
	for _, a := range res.Assets {
		if a.Asset == "USDT" {
			v, _ := strconv.ParseFloat(a.AvailableBalance, 64)
			return v, nil
		}
	}
	return 0, nil
}

// ProbeCredentials makes one lightweight authenticated call so bad keys fail
// the process at startup instead of at the first live order.
func (g *BinanceGateway) ProbeCredentials(ctx context.Context) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	_, err := g.client.NewGetAccountService().Do(cctx)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "-2014") || strings.Contains(msg, "-2015") {
			return fmt.Errorf("api key rejected: %w", err)
		}
		return fmt.Errorf("account probe: %w", err)
	}
	return nil
}

// CheckClockSkew warns when local time drifts more than a second from the
// exchange. Advisory only.
func (g *BinanceGateway) CheckClockSkew(ctx context.Context) {
	serverMs, err := g.ServerTime(ctx)
	if err != nil {
		log.Printf("⚠️ Server time check failed: %v", err)
		return
	}
	skew := time.Since(time.UnixMilli(serverMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Second {
		log.Printf("⚠️ CLOCK SKEW: local clock is %v off exchange time", skew.Round(time.Millisecond))
	}
}
