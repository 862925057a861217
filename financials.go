package main

import (
	"context"
	"time"
)

// ============================================================================
// FINANCIALS (BALANCE CACHE + DAILY LOSS BRAKE)
// ============================================================================

// Financials caches the account balance for the planner and trips a daily
// kill switch once realized losses eat the configured fraction of the
// day's starting balance. Owned by the main loop; no internal locking.
type Financials struct {
	gateway ExchangeGateway
	journal *Journal

	available    float64
	dayStart     float64
	realizedDay  float64
	day          time.Time
	maxLossFrac  float64
	brakeTripped bool
}

func NewFinancials(gw ExchangeGateway, journal *Journal, maxLossFrac float64) *Financials {
	return &Financials{
		gateway:     gw,
		journal:     journal,
		maxLossFrac: maxLossFrac,
		day:         time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Refresh pulls the live balance. Called from the slow tick; a failed pull
// keeps the previous snapshot.
func (f *Financials) Refresh(ctx context.Context) {
	bal, err := f.gateway.AvailableBalance(ctx)
	if err != nil {
		f.journal.Error("financials", SeverityWarn, "balance refresh failed: "+err.Error(), "")
		return
	}
	f.available = bal
	if f.dayStart == 0 {
		f.dayStart = bal
	}
	f.rollover()
}

func (f *Financials) rollover() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(f.day) {
		f.day = today
		f.dayStart = f.available
		f.realizedDay = 0
		if f.brakeTripped {
			f.journal.Activity("INFO", "financials", "🟢 Daily loss brake reset for new UTC day")
		}
		f.brakeTripped = false
	}
}

func (f *Financials) AvailableBalance() float64 { return f.available }

// RecordRealized folds a closed trade's PnL into the daily tally and trips
// the brake when the loss fraction is exceeded.
func (f *Financials) RecordRealized(pnl float64) {
	f.rollover()
	f.realizedDay += pnl
	if f.brakeTripped || f.dayStart <= 0 {
		return
	}
	if -f.realizedDay >= f.dayStart*f.maxLossFrac {
		f.brakeTripped = true
		f.journal.Error("financials", SeverityWarn,
			"💀 DAILY LOSS BRAKE: realized loss exceeds limit, new entries halted until next UTC day", "")
	}
}

// Halted reports whether the daily loss brake blocks new entries.
func (f *Financials) Halted() bool {
	f.rollover()
	return f.brakeTripped
}

func (f *Financials) RealizedToday() float64 { return f.realizedDay }
