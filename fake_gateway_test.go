package main

import (
	"context"
	"fmt"
	"time"
)

// fakeGateway is a scripted in-memory exchange. Placements are recorded in
// order; per-type failure counters let a test reject the next N orders of
// one type to exercise rollback paths.
type fakeGateway struct {
	price      float64
	priceErr   error
	balance    float64
	balanceErr error
	filters    SymbolFilters

	nextID int64
	placed []OrderRequest
	orders map[int64]OrderState

	failNext     map[OrderType]int
	placeErr     error  // overrides failNext when set
	zeroFill     bool   // report fills without an average price
	recordStatus string // when set, newly recorded orders report this status

	canceled  []int64
	cancelErr error

	open  []OpenOrder
	risks []RiskEntry
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		price:    100.0,
		balance:  1000.0,
		filters:  SymbolFilters{TickSize: 0.01, StepSize: 0.001, MinNotional: 5.0},
		orders:   make(map[int64]OrderState),
		failNext: make(map[OrderType]int),
	}
}

func (f *fakeGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeGateway) ServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if f.placeErr != nil {
		return OrderAck{}, f.placeErr
	}
	if n := f.failNext[req.Type]; n > 0 {
		f.failNext[req.Type] = n - 1
		return OrderAck{}, fmt.Errorf("scripted rejection of %s", req.Type)
	}
	f.nextID++
	f.placed = append(f.placed, req)
	fill := f.price
	if req.Type == OrderLimit {
		fill = req.Price
	}
	if f.zeroFill {
		fill = 0
	}
	status := OrderStatusFilled
	if f.recordStatus != "" {
		status = f.recordStatus
	}
	f.orders[f.nextID] = OrderState{Status: status, AvgFillPrice: fill, ExecutedQty: req.Qty}
	return OrderAck{OrderID: f.nextID, Status: OrderStatusNew, AvgFillPrice: 0}, nil
}

func (f *fakeGateway) QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderState, error) {
	st, ok := f.orders[orderID]
	if !ok {
		return OrderState{}, fmt.Errorf("order %d not found", orderID)
	}
	return st, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	delete(f.orders, orderID)
	return nil
}

func (f *fakeGateway) CancelAll(ctx context.Context, symbol string) error {
	f.orders = make(map[int64]OrderState)
	return nil
}

func (f *fakeGateway) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	return f.open, nil
}

func (f *fakeGateway) PositionRisk(ctx context.Context, symbol string) ([]RiskEntry, error) {
	return f.risks, nil
}

func (f *fakeGateway) AvailableBalance(ctx context.Context) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeGateway) Filters(symbol string) SymbolFilters { return f.filters }

// lastPlaced returns the most recent order request, failing loudly when
// nothing was placed.
func (f *fakeGateway) lastPlaced() OrderRequest {
	if len(f.placed) == 0 {
		panic("no orders placed")
	}
	return f.placed[len(f.placed)-1]
}

// ordersOfType filters the placement log.
func (f *fakeGateway) ordersOfType(t OrderType) []OrderRequest {
	var out []OrderRequest
	for _, r := range f.placed {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}
