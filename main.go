package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"github.com/Pabloguevara10/Sentinel-Pro-sub000/config"
)

// maxConsecutiveErrors trips a hard exit so the supervisor restarts the
// process with fresh state instead of letting it limp.
const maxConsecutiveErrors = 50

func main() {
	log.Println("🛡️ POSITION LIFECYCLE ENGINE STARTING")
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	cfg := config.Load()

	// FIX ERROR -2014: env files love to smuggle quotes and CRs into keys.
	apiKey := SecureLoad(cfg.BinanceAPIKey)
	apiSecret := SecureLoad(cfg.BinanceAPISecret)
	if apiKey != cfg.BinanceAPIKey || apiSecret != cfg.BinanceAPISecret {
		log.Println("⚠️ KEYS SANITIZED: removed hidden chars from env")
	}
	log.Printf("🔑 Key Loaded: %d chars | Secret Loaded: %d chars", len(apiKey), len(apiSecret))

	journal, err := NewJournal(cfg.JournalDir)
	if err != nil {
		log.Fatalf("❌ journal init: %v", err)
	}
	defer journal.Close()

	gateway := NewBinanceGateway(apiKey, apiSecret, cfg.IsTestnet, cfg.GatewayTimeout)

	// Startup probe: bad credentials are fatal, an automated trader must
	// not idle while looking alive.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := gateway.ProbeCredentials(startupCtx); err != nil {
		cancelStartup()
		log.Fatalf("❌ CREDENTIAL PROBE FAILED: %v", err)
	}
	log.Println("✅ PROBE SUCCESS: API keys valid, permissions active")

	if err := gateway.LoadFilters(startupCtx); err != nil {
		log.Printf("⚠️ exchange info unavailable, using fallback filters: %v", err)
	}
	if err := gateway.SetupAccount(startupCtx, cfg.Symbol, cfg.Leverage); err != nil {
		cancelStartup()
		log.Fatalf("❌ account setup (hedge mode / leverage): %v", err)
	}
	gateway.CheckClockSkew(startupCtx)
	cancelStartup()

	// Workers and control plane.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := make(chan Command, 16)
	notifier := NewTelegramService(cfg.TelegramToken, cfg.TelegramChatID, commands)
	if notifier != nil {
		go notifier.Listen()
		notifier.Notify(fmt.Sprintf("🚀 *ENGINE RESTARTED*\nSymbol: %s | Testnet: %v", cfg.Symbol, cfg.IsTestnet))
	}

	financials := NewFinancials(gateway, journal, cfg.MaxDailyLossFrac)
	financials.Refresh(ctx)

	filters := gateway.Filters(cfg.Symbol)
	om := NewOrderManager(gateway, journal, notifier, cfg.Symbol)
	shooter := NewShooter(cfg.Symbol, filters, financials, journal,
		cfg.MaxRiskSlots, cfg.MaxGammaSlots, cfg.MaxSwingSlots,
		cfg.OverlapThreshold, cfg.MinNotionalUSD, cfg.MinCapitalUSD)
	comp := NewComptroller(gateway, om, journal, notifier, financials, cfg.Symbol,
		paramsFromConfig(cfg.Gamma, cfg.EmergencyStopPct), cfg.EmergencyStopPct)

	feed := NewPriceFeed(gateway, journal, cfg.Symbol, cfg.IsTestnet)
	go feed.Run(ctx)

	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/state", hub.HandleState)
	mux.HandleFunc("/healthz", HandleHealth)
	go func() {
		log.Printf("🌐 Dashboard listening on %s", cfg.ListenAddr)
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Printf("⚠️ dashboard server: %v", err)
		}
	}()

	signals := make(chan Signal, 16)
	source := selectSignalSource(cfg)
	go source.Run(ctx, signals)

	// Adopt whatever the account already holds before trading.
	if err := comp.Reconcile(ctx); err != nil {
		journal.Error("main", SeverityWarn, fmt.Sprintf("startup reconcile: %v", err), "")
	}

	runLoop(ctx, cancel, cfg, journal, notifier, financials, shooter, om, comp, feed, hub, commands, signals)

	log.Println("🏁 shutdown complete")
}

// runLoop is the engine heart: one goroutine, cooperative ticks, no shared
// mutable state. Every mutation of positions happens here.
func runLoop(ctx context.Context, cancel context.CancelFunc, cfg *config.Config,
	journal *Journal, notifier *TelegramService, financials *Financials,
	shooter *Shooter, om *OrderManager, comp *Comptroller,
	feed *PriceFeed, hub *Hub, commands <-chan Command, signals <-chan Signal) {

	fast := time.NewTicker(cfg.CycleFast)
	dash := time.NewTicker(cfg.CycleDash)
	slow := time.NewTicker(cfg.CycleSlow)
	reconcile := time.NewTicker(cfg.CycleReconcile)
	defer fast.Stop()
	defer dash.Stop()
	defer slow.Stop()
	defer reconcile.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	consecutiveErrors := 0
	bump := func(scope string, err error) {
		if isTransient(err) {
			// Timeouts, disconnects and rate limits resolve themselves on
			// the next tick. Only persistent failures count toward the exit.
			journal.Error("main", SeverityWarn, fmt.Sprintf("%s (transient): %v", scope, err), "")
			return
		}
		consecutiveErrors++
		journal.Error("main", SeverityWarn, fmt.Sprintf("%s: %v", scope, err), "")
		if consecutiveErrors >= maxConsecutiveErrors {
			journal.Error("main", SeverityCritical,
				fmt.Sprintf("%d consecutive errors, exiting for supervisor restart", consecutiveErrors), "")
			notifier.Notify("💀 *ENGINE EXITING*: error storm, supervisor will restart")
			journal.Close()
			os.Exit(1)
		}
	}

	var lastPrice float64
	var wasHalted bool

	for {
		select {
		case <-sigCh:
			log.Println("🛑 signal received, finishing current tick and exiting")
			notifier.Notify("🛑 *ENGINE SHUTTING DOWN* (operator signal)")
			cancel()
			return

		case <-fast.C:
			price, err := feed.Price(ctx)
			if err != nil {
				bump("price", err)
				continue
			}
			consecutiveErrors = 0
			lastPrice = price
			comp.Audit(ctx, price)

		case <-dash.C:
			if halted := financials.Halted(); halted != wasHalted {
				wasHalted = halted
				if halted {
					journal.Error("main", SeverityCritical,
						fmt.Sprintf("daily loss brake tripped at $%+.2f", financials.RealizedToday()), "")
					notifier.Notify(fmt.Sprintf("🛑 *DAILY LOSS BRAKE* tripped at $%+.2f, no new entries until reset",
						financials.RealizedToday()))
				} else {
					notifier.Notify("🟢 *DAILY LOSS BRAKE* released, entries re-enabled")
				}
			}
			printStatusLine(cfg.Symbol, lastPrice, financials, comp.Open())
			hub.Publish(EngineSnapshot{
				Symbol:        cfg.Symbol,
				Price:         lastPrice,
				Balance:       financials.AvailableBalance(),
				RealizedToday: financials.RealizedToday(),
				Halted:        financials.Halted(),
				Positions:     comp.Snapshot(),
			})

		case <-slow.C:
			financials.Refresh(ctx)

		case <-reconcile.C:
			if err := comp.Reconcile(ctx); err != nil {
				bump("reconcile", err)
			} else {
				consecutiveErrors = 0
			}

		case sig := <-signals:
			handleSignal(ctx, sig, shooter, om, comp, journal, notifier)

		case cmd := <-commands:
			handleCommand(ctx, cmd, cfg, notifier, financials, comp, lastPrice)
		}
	}
}

// handleSignal drives the full open path: plan, execute, take custody.
func handleSignal(ctx context.Context, sig Signal, shooter *Shooter, om *OrderManager,
	comp *Comptroller, journal *Journal, notifier *TelegramService) {

	plan, err := shooter.Plan(sig, comp.Open())
	if err != nil {
		journal.Activity("INFO", "main", "🚫 signal %s rejected: %v", sig.StrategyTag, err)
		return
	}
	cp, err := om.Execute(ctx, plan)
	if err != nil {
		journal.Error("main", SeverityWarn,
			fmt.Sprintf("execute %s %s: %v", plan.Side, plan.Symbol, err), "")
		return
	}
	p := comp.AcceptCustody(cp)
	journal.Activity("INFO", "main", "📥 custody accepted %s (%s)", p.Key(), p.ID)
}

func handleCommand(ctx context.Context, cmd Command, cfg *config.Config,
	notifier *TelegramService, financials *Financials, comp *Comptroller, price float64) {

	switch cmd.Name {
	case "status":
		open := comp.Open()
		msg := fmt.Sprintf("📊 *STATUS*\nSymbol: %s @ $%.2f\nOpen: %d | DayPnL: $%+.2f",
			cfg.Symbol, price, len(open), financials.RealizedToday())
		if financials.Halted() {
			msg += "\n🛑 Daily loss brake ACTIVE"
		}
		notifier.Notify(msg)
	case "balance":
		notifier.Notify(fmt.Sprintf("💰 *BALANCE*: $%.2f available\nRealized today: $%+.2f",
			financials.AvailableBalance(), financials.RealizedToday()))
	case "positions":
		views := comp.Snapshot()
		if len(views) == 0 {
			notifier.Notify("📭 No open positions.")
			return
		}
		var b strings.Builder
		b.WriteString("📋 *OPEN POSITIONS*\n")
		for _, v := range views {
			fmt.Fprintf(&b, "• %s %s | e $%.2f | sl $%.2f | qty %.4f | TP%d",
				v.Side, v.Strategy, v.Entry, v.SL, v.Qty, v.TPLevel)
			if v.BreakEven {
				b.WriteString(" 🔒")
			}
			b.WriteString("\n")
		}
		notifier.Notify(b.String())
	case "panic":
		n := comp.Panic(ctx)
		notifier.Notify(fmt.Sprintf("🚨 *PANIC EXECUTED*: %d position(s) flattened", n))
	}
}

// isTransient classifies gateway failures that clear on their own: network
// trouble, exchange maintenance and rate limiting. Anything else (bad
// credentials, rejected parameters) is persistent and feeds the exit counter.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var api *common.APIError
	if errors.As(err, &api) {
		switch api.Code {
		case -1000, -1001, -1003, -1007: // UNKNOWN, DISCONNECTED, TOO_MANY_REQUESTS, TIMEOUT
			return true
		}
	}
	return false
}

// paramsFromConfig maps a tuning block into runtime strategy params.
func paramsFromConfig(sc config.StrategyConfig, emergencyStopPct float64) StrategyParams {
	return StrategyParams{
		RiskFixedUSD:     sc.RiskFixedUSD,
		SLNormal:         sc.SLNormal,
		SLHedge:          sc.SLHedge,
		HardTP:           sc.HardTP,
		TrailingDist:     sc.TrailingDist,
		TrailingUpdate:   sc.TrailingUpdate,
		BreakEvenBuffer:  sc.BreakEvenBuffer,
		StopBufferATR:    sc.StopBufferATR,
		TPPlan:           tpPlanFromConfig(sc.TPPlan),
		EmergencyStopPct: emergencyStopPct,
	}
}

func tpPlanFromConfig(legs []config.TPLegConfig) []TPLeg {
	out := make([]TPLeg, 0, len(legs))
	for _, l := range legs {
		move := SLMoveNone
		switch strings.ToUpper(l.SLMove) {
		case "BE":
			move = SLMoveBE
		case "TP_PREV":
			move = SLMoveTPPrev
		}
		out = append(out, TPLeg{DistanceFrac: l.Distance, QtyFrac: l.Fraction, SLMove: move})
	}
	return out
}

// SecureLoad strips the quoting and line-ending junk that breaks HMAC
// signing with -2014.
func SecureLoad(raw string) string {
	val := strings.TrimSpace(raw)
	val = strings.ReplaceAll(val, "\"", "")
	val = strings.ReplaceAll(val, "'", "")
	val = strings.ReplaceAll(val, "\n", "")
	val = strings.ReplaceAll(val, "\r", "")
	return val
}
