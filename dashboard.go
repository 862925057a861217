package main

import (
	"fmt"
	"log"
)

// ============================================================================
// TERMINAL DASHBOARD (DASH TICK)
// ============================================================================

// printStatusLine logs a one-line heartbeat of the whole engine. It runs on
// the dash cadence so the terminal stays readable at fast-tick rates.
func printStatusLine(symbol string, price float64, fin *Financials, positions []*Position) {
	status := fmt.Sprintf("⚡ STATUS | %s $%.2f | DayPnL $%+.2f", symbol, price, fin.RealizedToday())
	if fin.Halted() {
		status += " | 🛑 LOSS BRAKE"
	}
	if len(positions) == 0 {
		status += " | FLAT"
		log.Println(status)
		return
	}
	for _, p := range positions {
		pnl, ok := p.PnlFrac(price)
		badge := "🔸"
		if ok && pnl > 0 {
			badge = "🟢"
		} else if ok && pnl < 0 {
			badge = "🔴"
		}
		lock := ""
		if p.BEActive {
			lock = " 🔒BE"
		}
		status += fmt.Sprintf(" | %s %s %s e%.2f sl%.2f %+.2f%%%s",
			badge, p.Side, p.StrategyTag, p.EntryPrice, p.SLPrice, pnl*100, lock)
	}
	log.Println(status)
}
