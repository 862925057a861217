package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StrategyConfig is one per-family tuning block (gamma or swing).
type StrategyConfig struct {
	Enabled         bool
	RiskFixedUSD    float64
	SLNormal        float64
	SLHedge         float64
	HardTP          float64
	TrailingDist    float64
	TrailingUpdate  float64
	BreakEvenBuffer float64
	StopBufferATR   float64
	TPPlan          []TPLegConfig
}

// TPLegConfig is one ladder rung: gain distance, quantity share, stop policy.
type TPLegConfig struct {
	Distance float64
	Fraction float64
	SLMove   string // BE, TP_PREV or NONE
}

// Config holds the application configuration.
type Config struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	IsTestnet        bool
	TelegramToken    string
	TelegramChatID   int64

	Symbol   string
	Leverage int

	CycleFast      time.Duration
	CycleDash      time.Duration
	CycleSlow      time.Duration
	CycleReconcile time.Duration
	GatewayTimeout time.Duration

	MaxRiskSlots  int
	MaxGammaSlots int
	MaxSwingSlots int

	OverlapThreshold float64
	MinNotionalUSD   float64
	MinCapitalUSD    float64
	MaxDailyLossFrac float64
	EmergencyStopPct float64

	Gamma StrategyConfig
	Swing StrategyConfig

	JournalDir     string
	ListenAddr     string
	SignalSpoolDir string
}

// Load reads variables from .env and the OS environment with defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found. Relying on system environment variables.")
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiSecret == "" {
		apiSecret = os.Getenv("BINANCE_SECRET_KEY")
	}
	if apiKey == "" || apiSecret == "" {
		log.Println("⚠️  CRITICAL: Binance credentials missing!")
	}

	chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)

	return &Config{
		BinanceAPIKey:    apiKey,
		BinanceAPISecret: apiSecret,
		IsTestnet:        envBool("BINANCE_TESTNET", false),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   chatID,

		Symbol:   envStr("SYMBOL", "BTCUSDT"),
		Leverage: envInt("LEVERAGE", 10),

		CycleFast:      envDur("CYCLE_FAST_S", 1*time.Second),
		CycleDash:      envDur("CYCLE_DASH_S", 3*time.Second),
		CycleSlow:      envDur("CYCLE_SLOW_S", 10*time.Second),
		CycleReconcile: envDur("CYCLE_RECONCILE_S", 60*time.Second),
		GatewayTimeout: envDur("GATEWAY_TIMEOUT_S", 5*time.Second),

		MaxRiskSlots:  envInt("MAX_RISK_SLOTS", 3),
		MaxGammaSlots: envInt("MAX_GAMMA_SLOTS", 2),
		MaxSwingSlots: envInt("MAX_SWING_SLOTS", 2),

		OverlapThreshold: envFloat("OVERLAP_THRESHOLD", 0.005),
		MinNotionalUSD:   envFloat("MIN_NOTIONAL_USD", 5.0),
		MinCapitalUSD:    envFloat("MIN_CAPITAL_USD", 25.0),
		MaxDailyLossFrac: envFloat("MAX_DAILY_LOSS_FRACTION", 0.05),
		EmergencyStopPct: envFloat("EMERGENCY_STOP_PCT", 0.10),

		Gamma: StrategyConfig{
			Enabled:         envBool("GAMMA_ENABLED", true),
			RiskFixedUSD:    envFloat("GAMMA_RISK_USD", 50.0),
			SLNormal:        envFloat("GAMMA_SL_NORMAL", 0.015),
			SLHedge:         envFloat("GAMMA_SL_HEDGE", 0.010),
			HardTP:          envFloat("GAMMA_HARD_TP", 0.05),
			TrailingDist:    envFloat("GAMMA_TRAILING_DIST", 0.015),
			TrailingUpdate:  envFloat("GAMMA_TRAILING_UPDATE_MIN", 0.002),
			BreakEvenBuffer: envFloat("GAMMA_BE_BUFFER", 0.0006),
		},
		Swing: StrategyConfig{
			Enabled:         envBool("SWING_ENABLED", true),
			RiskFixedUSD:    envFloat("SWING_RISK_USD", 100.0),
			SLNormal:        envFloat("SWING_SL_NORMAL", 0.03),
			SLHedge:         envFloat("SWING_SL_HEDGE", 0.02),
			TrailingUpdate:  envFloat("SWING_TRAILING_UPDATE_MIN", 0.002),
			BreakEvenBuffer: envFloat("SWING_BE_BUFFER", 0.0006),
			StopBufferATR:   envFloat("SWING_STOP_BUFFER_ATR", 0.5),
			TPPlan:          envTPPlan("SWING_TP_PLAN", defaultSwingPlan()),
		},

		JournalDir:     envStr("JOURNAL_DIR", "journals"),
		ListenAddr:     envStr("LISTEN_ADDR", ":8081"),
		SignalSpoolDir: envStr("SIGNAL_SPOOL_DIR", ""),
	}
}

func defaultSwingPlan() []TPLegConfig {
	return []TPLegConfig{
		{Distance: 0.06, Fraction: 0.30, SLMove: "BE"},
		{Distance: 0.09, Fraction: 0.40, SLMove: "TP_PREV"},
		{Distance: 0.12, Fraction: 0.30, SLMove: "NONE"},
	}
}

// envTPPlan parses "0.06:0.30:BE,0.09:0.40:TP_PREV,0.12:0.30:NONE".
func envTPPlan(key string, def []TPLegConfig) []TPLegConfig {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var plan []TPLegConfig
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			log.Printf("⚠️  Ignoring malformed TP leg %q in %s", part, key)
			continue
		}
		dist, err1 := strconv.ParseFloat(fields[0], 64)
		frac, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			log.Printf("⚠️  Ignoring malformed TP leg %q in %s", part, key)
			continue
		}
		plan = append(plan, TPLegConfig{Distance: dist, Fraction: frac, SLMove: strings.ToUpper(fields[2])})
	}
	if len(plan) == 0 {
		return def
	}
	return plan
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}
