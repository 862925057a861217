package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ============================================================================
// PRICE FEED (ISOLATED STREAM WORKER)
// ============================================================================

const (
	mainnetStreamBase = "wss://fstream.binance.com/ws"
	testnetStreamBase = "wss://stream.binancefuture.com/ws"

	// a stream price older than this is ignored in favor of REST
	priceStaleAfter = 5 * time.Second
)

type aggTradeMsg struct {
	Price string `json:"p"`
}

// PriceFeed consumes the aggTrade stream for one symbol and caches the last
// trade price. The main loop only ever reads the cache; a stale or dead
// stream degrades to a REST lookup, never to a blocked tick.
type PriceFeed struct {
	symbol  string
	gateway ExchangeGateway
	journal *Journal
	url     string

	mu     sync.RWMutex
	last   float64
	seenAt time.Time
}

func NewPriceFeed(gw ExchangeGateway, journal *Journal, symbol string, testnet bool) *PriceFeed {
	base := mainnetStreamBase
	if testnet {
		base = testnetStreamBase
	}
	return &PriceFeed{
		symbol:  symbol,
		gateway: gw,
		journal: journal,
		url:     fmt.Sprintf("%s/%s@aggTrade", base, strings.ToLower(symbol)),
	}
}

// Run dials and re-dials the stream until ctx is cancelled. Meant to be
// launched as a goroutine from main.
func (pf *PriceFeed) Run(ctx context.Context) {
	pf.journal.Activity("INFO", "pricefeed", "📡 stream worker starting for %s", pf.symbol)
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.Dial(pf.url, nil)
		if err != nil {
			d := b.Duration()
			pf.journal.Activity("WARN", "pricefeed", "📡 dial failed (%v), retry in %s", err, d.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		pf.readLoop(ctx, conn)
	}
}

// readLoop consumes one connection until it drops or ctx is cancelled. The
// cancel watcher is tied to this connection: it is released when the loop
// returns, so reconnects do not pile up goroutines.
func (pf *PriceFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if ctx.Err() == nil {
				pf.journal.Activity("WARN", "pricefeed", "📡 stream dropped: %v", err)
			}
			return
		}
		var trade aggTradeMsg
		if err := json.Unmarshal(message, &trade); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		pf.mu.Lock()
		pf.last = price
		pf.seenAt = time.Now()
		pf.mu.Unlock()
	}
}

// Price returns the freshest available price: the stream cache while it is
// current, otherwise a REST round trip.
func (pf *PriceFeed) Price(ctx context.Context) (float64, error) {
	pf.mu.RLock()
	last, seenAt := pf.last, pf.seenAt
	pf.mu.RUnlock()

	if last > 0 && time.Since(seenAt) < priceStaleAfter {
		return last, nil
	}
	price, err := pf.gateway.LastPrice(ctx, pf.symbol)
	if err != nil {
		if last > 0 {
			return last, nil // stale beats nothing
		}
		return 0, err
	}
	pf.mu.Lock()
	pf.last = price
	pf.seenAt = time.Now()
	pf.mu.Unlock()
	return price, nil
}
