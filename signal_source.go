package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Pabloguevara10/Sentinel-Pro-sub000/config"
)

// ============================================================================
// SIGNAL SOURCES
// ============================================================================

// SignalSource feeds entry triggers into the main loop. Strategy logic
// lives behind this interface so the lifecycle engine never knows where a
// signal came from.
type SignalSource interface {
	Run(ctx context.Context, out chan<- Signal)
}

func selectSignalSource(cfg *config.Config) SignalSource {
	if cfg.SignalSpoolDir != "" {
		return NewSpoolSource(cfg)
	}
	return IdleSource{}
}

// IdleSource emits nothing. The engine still audits, reconciles and serves
// the operator channel, which is the right default for a custody-only run.
type IdleSource struct{}

func (IdleSource) Run(ctx context.Context, out chan<- Signal) {
	log.Println("💤 SIGNALS: no source configured, custody-only mode")
	<-ctx.Done()
}

// spoolSignal is the on-disk shape an external strategy (or an operator)
// drops into the spool directory.
type spoolSignal struct {
	Strategy string  `json:"strategy"` // e.g. GAMMA_BREAKOUT, SWING_DAILY
	Side     string  `json:"side"`     // LONG or SHORT
	Mode     string  `json:"mode"`     // NORMAL, HEDGE, TREND, REVERSAL
	Price    float64 `json:"price"`
	StopRef  float64 `json:"stop_ref,omitempty"`
}

// SpoolSource polls a directory for dropped signal files. Each .json file
// is parsed, converted and deleted; a bad file is renamed aside so it
// cannot wedge the poll loop.
type SpoolSource struct {
	dir     string
	gamma   StrategyParams
	swing   StrategyParams
	gammaOn bool
	swingOn bool
	period  time.Duration
}

func NewSpoolSource(cfg *config.Config) *SpoolSource {
	return &SpoolSource{
		dir:     cfg.SignalSpoolDir,
		gamma:   paramsFromConfig(cfg.Gamma, cfg.EmergencyStopPct),
		swing:   paramsFromConfig(cfg.Swing, cfg.EmergencyStopPct),
		gammaOn: cfg.Gamma.Enabled,
		swingOn: cfg.Swing.Enabled,
		period:  2 * time.Second,
	}
}

// familyEnabled reports whether the family behind a strategy tag accepts
// new entries.
func (s *SpoolSource) familyEnabled(tag string) bool {
	if familyOf(tag) == TagSwing {
		return s.swingOn
	}
	return s.gammaOn
}

func (s *SpoolSource) Run(ctx context.Context, out chan<- Signal) {
	log.Printf("📨 SIGNALS: watching spool dir %s", s.dir)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, out)
		}
	}
}

func (s *SpoolSource) sweep(ctx context.Context, out chan<- Signal) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		sig, ok := s.parse(path)
		if !ok {
			os.Rename(path, path+".bad")
			continue
		}
		os.Remove(path)
		if !s.familyEnabled(sig.StrategyTag) {
			log.Printf("🚫 SIGNAL discarded, %s family disabled: %s", familyOf(sig.StrategyTag), e.Name())
			continue
		}
		select {
		case out <- sig:
			log.Printf("📨 SIGNAL ingested from %s: %s %s", e.Name(), sig.StrategyTag, sig.Side)
		case <-ctx.Done():
			return
		default:
			log.Printf("⚠️ SIGNAL dropped, queue full: %s", e.Name())
		}
	}
}

func (s *SpoolSource) parse(path string) (Signal, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Signal{}, false
	}
	var raw spoolSignal
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("⚠️ SIGNAL parse %s: %v", filepath.Base(path), err)
		return Signal{}, false
	}

	side := SideLong
	switch strings.ToUpper(raw.Side) {
	case "LONG":
	case "SHORT":
		side = SideShort
	default:
		return Signal{}, false
	}

	mode := ModeNormal
	switch strings.ToUpper(raw.Mode) {
	case "", "NORMAL":
	case "HEDGE":
		mode = ModeHedge
	case "TREND":
		mode = ModeTrend
	case "REVERSAL":
		mode = ModeReversal
	default:
		return Signal{}, false
	}

	params := s.gamma
	if strings.Contains(strings.ToUpper(raw.Strategy), TagSwing) {
		params = s.swing
	}

	return Signal{
		StrategyTag: strings.ToUpper(raw.Strategy),
		Side:        side,
		Mode:        mode,
		Price:       raw.Price,
		StopRef:     raw.StopRef,
		Params:      params,
	}, true
}
