package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// JOURNALS (APPEND-ONLY)
// ============================================================================

const (
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// Journal mirrors console activity into three append-only files: a plain
// activity log, an error CSV and an order CSV. Every method is nil-safe so
// components never have to guard their logging.
type Journal struct {
	mu       sync.Mutex
	activity *os.File
	errFile  *os.File
	errCSV   *csv.Writer
	ordFile  *os.File
	ordCSV   *csv.Writer
}

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	}

	activity, err := open("activity.log")
	if err != nil {
		return nil, err
	}
	errFile, err := open("errors.csv")
	if err != nil {
		activity.Close()
		return nil, err
	}
	ordFile, err := open("orders.csv")
	if err != nil {
		activity.Close()
		errFile.Close()
		return nil, err
	}

	return &Journal{
		activity: activity,
		errFile:  errFile,
		errCSV:   csv.NewWriter(errFile),
		ordFile:  ordFile,
		ordCSV:   csv.NewWriter(ordFile),
	}, nil
}

// Activity writes one `timestamp | level | module | message` line and echoes
// it to the console.
func (j *Journal) Activity(level, module, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", module, msg)
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintf(j.activity, "%s | %s | %s | %s\n", time.Now().UTC().Format(time.RFC3339), level, module, msg)
}

// Error appends a row to the error journal and to the activity journal.
func (j *Journal) Error(module, severity, msg, trace string) {
	log.Printf("[%s] %s: %s", module, severity, msg)
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	j.errCSV.Write([]string{ts, module, severity, msg, trace})
	j.errCSV.Flush()
	fmt.Fprintf(j.activity, "%s | %s | %s | %s\n", ts, severity, module, msg)
}

// Order records one lifecycle event of a tracked position.
func (j *Journal) Order(p *Position, status string) {
	if j == nil || p == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ordCSV.Write([]string{
		p.ID,
		time.Now().UTC().Format(time.RFC3339),
		p.StrategyTag,
		string(p.Side),
		strconv.FormatFloat(p.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(p.QtyRemaining, 'f', -1, 64),
		strconv.FormatFloat(p.SLPrice, 'f', -1, 64),
		strconv.FormatInt(p.SLOrderID, 10),
		tpConfig(p),
		status,
	})
	j.ordCSV.Flush()
}

func tpConfig(p *Position) string {
	if p.HardTPPrice > 0 {
		return fmt.Sprintf("hard@%.4f", p.HardTPPrice)
	}
	if len(p.TPLegs) == 0 {
		return "none"
	}
	s := ""
	for i, leg := range p.TPLegs {
		if i > 0 {
			s += ";"
		}
		s += fmt.Sprintf("%.2f@%.2f", leg.QtyFrac, leg.DistanceFrac)
	}
	return s
}

func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errCSV.Flush()
	j.ordCSV.Flush()
	j.activity.Close()
	j.errFile.Close()
	j.ordFile.Close()
}
