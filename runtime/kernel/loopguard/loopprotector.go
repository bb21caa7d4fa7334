// Package loopguard implements the Loop Protector (a rolling-window
// runaway-emission guard) and the Circuit Breaker that wraps emit/dispatch
// against a failing downstream. Both are hand-rolled: no pack repo pulls
// in a third-party circuit breaker, and the only rate-limiting library in
// the corpus (golang.org/x/time/rate, used by
// features/model/middleware/ratelimit.go) only smooths a single float
// rate — it cannot express the Loop Protector's pattern checks (dominant
// type, A-B-A-B-A-B alternation), so those stay on a small buffer the
// same way the teacher prefers hand-rolled structures for narrow needs.
package loopguard

import (
	"errors"
	"sync"
	"time"
)

// ErrInfiniteLoopDetected is raised when the rolling event buffer exceeds
// MaxEventCount within WindowSize.
var ErrInfiniteLoopDetected = errors.New("loopguard: INFINITE_LOOP_DETECTED")

// Config tunes the Loop Protector's rolling window and thresholds.
type Config struct {
	// WindowSize bounds how far back the rolling buffer looks.
	WindowSize time.Duration
	// MaxEventCount is the hard cap: exceeding it within WindowSize fails
	// admission outright.
	MaxEventCount int
	// MaxEventRate is events-per-second; exceeding it only logs a
	// warning, admission still proceeds.
	MaxEventRate float64
}

type emission struct {
	ts  time.Time
	typ string
}

// LoopProtector tracks a rolling window of emitted event types per
// thread/tenant scope (callers construct one per scope they want
// isolated) and raises ErrInfiniteLoopDetected when the window's volume
// crosses MaxEventCount.
type LoopProtector struct {
	mu     sync.Mutex
	cfg    Config
	buffer []emission
}

// New constructs a LoopProtector from cfg.
func New(cfg Config) *LoopProtector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10 * time.Second
	}
	if cfg.MaxEventCount <= 0 {
		cfg.MaxEventCount = 100
	}
	return &LoopProtector{cfg: cfg}
}

// Warning is a pattern-based signal that does not fail admission on its
// own, used by callers to decide whether to log.
type Warning string

const (
	WarningRateExceeded     Warning = "rate_exceeded"
	WarningDominantType     Warning = "dominant_type"
	WarningAlternatingPairs Warning = "alternating_pairs"
)

// Admit records typ's emission and evaluates the rolling window. It
// returns ErrInfiniteLoopDetected if the window overflowed MaxEventCount;
// otherwise it returns zero or more Warnings for the caller to log, with
// admission always proceeding.
func (lp *LoopProtector) Admit(typ string) ([]Warning, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-lp.cfg.WindowSize)
	kept := lp.buffer[:0:0]
	for _, e := range lp.buffer {
		if e.ts.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, emission{ts: now, typ: typ})
	lp.buffer = kept

	if len(lp.buffer) > lp.cfg.MaxEventCount {
		return nil, ErrInfiniteLoopDetected
	}

	var warnings []Warning
	rate := float64(len(lp.buffer)) / lp.cfg.WindowSize.Seconds()
	if lp.cfg.MaxEventRate > 0 && rate > lp.cfg.MaxEventRate {
		warnings = append(warnings, WarningRateExceeded)
	}
	if dominantTypeWarning(lp.buffer) {
		warnings = append(warnings, WarningDominantType)
	}
	if alternatingPairWarning(lp.buffer) {
		warnings = append(warnings, WarningAlternatingPairs)
	}
	return warnings, nil
}

// dominantTypeWarning reports whether at least 70% of the last 20
// emissions share the current event's type. A buffer holding fewer than
// 20 emissions never warns.
func dominantTypeWarning(buffer []emission) bool {
	n := len(buffer)
	if n < 20 {
		return false
	}
	window := buffer
	if n > 20 {
		window = buffer[n-20:]
	}
	current := window[len(window)-1].typ
	count := 0
	for _, e := range window {
		if e.typ == current {
			count++
		}
	}
	return float64(count)/float64(len(window)) >= 0.7
}

// alternatingPairWarning reports whether the last 6 emissions strictly
// alternate between exactly two distinct types (A-B-A-B-A-B).
func alternatingPairWarning(buffer []emission) bool {
	n := len(buffer)
	if n < 6 {
		return false
	}
	last6 := buffer[n-6:]
	a, b := last6[0].typ, last6[1].typ
	if a == b {
		return false
	}
	for i, e := range last6 {
		want := a
		if i%2 == 1 {
			want = b
		}
		if e.typ != want {
			return false
		}
	}
	return true
}

// Reset clears the rolling window. The kernel does not call it: a
// kernel's protector keeps its window across Pause and Resume.
func (lp *LoopProtector) Reset() {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.buffer = nil
}
