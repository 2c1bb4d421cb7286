package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"krakenbot/pkg/features"
)

// Config tunes the trigger thresholds.
type Config struct {
	DebounceInterval  time.Duration // minimum gap between emissions
	ConfluenceDelta   int           // minimum |Δscore| to report
	DrawdownGuardPct  float64       // daily loss percentage that trips the guardrail
	TimeStopBars      int           // 5m bars before a stale position is flagged
	TimeStopMaxAbsR   float64       // |unrealized R| below which the time stop applies
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 60 * time.Second,
		ConfluenceDelta:  2,
		DrawdownGuardPct: 2,
		TimeStopBars:     36,
		TimeStopMaxAbsR:  0.5,
	}
}

// Meta carries per-tick context from the gateway into the engine.
type Meta struct {
	// ThresholdTriggered is set by the rolling price-change detector.
	ThresholdTriggered bool
}

// Engine decides when the decision maker should be consulted and which
// reasons to report. All state is guarded by a single mutex; the engine is
// driven from the orchestrator's serialized tick path.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	clock func() time.Time

	// Closed-bar bucket indices per interval in minutes.
	buckets map[int]int64

	lastTrend      string
	lastVolatility string
	lastConfluence int
	hasConfluence  bool
	lastLiquidity  features.Liquidity
	drawdownActive bool

	pending      map[string]struct{}
	lastEmission time.Time
}

// New constructs an engine with the provided configuration.
func New(cfg Config, clock func() time.Time) *Engine {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 60 * time.Second
	}
	if cfg.ConfluenceDelta <= 0 {
		cfg.ConfluenceDelta = 2
	}
	if cfg.DrawdownGuardPct <= 0 {
		cfg.DrawdownGuardPct = 2
	}
	if cfg.TimeStopBars <= 0 {
		cfg.TimeStopBars = 36
	}
	if cfg.TimeStopMaxAbsR <= 0 {
		cfg.TimeStopMaxAbsR = 0.5
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:     cfg,
		clock:   clock,
		buckets: make(map[int]int64),
		pending: make(map[string]struct{}),
	}
}

// Reset drops all remembered state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buckets = make(map[int]int64)
	e.lastTrend = ""
	e.lastVolatility = ""
	e.lastConfluence = 0
	e.hasConfluence = false
	e.lastLiquidity = features.Liquidity{}
	e.drawdownActive = false
	e.pending = make(map[string]struct{})
	e.lastEmission = time.Time{}
}

var barIntervals = []int{5, 15, 60}

// ShouldEvaluate reports whether an evaluation cycle is due: a 5m/15m/60m
// bar just closed, the price spike detector fired, or pending reasons have
// aged past the debounce interval.
func (e *Engine) ShouldEvaluate(tickUnixSec int64, meta Meta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	barClosed := false
	for _, interval := range barIntervals {
		idx := tickUnixSec / int64(interval*60)
		if prev, seen := e.buckets[interval]; !seen {
			e.buckets[interval] = idx
		} else if idx != prev {
			e.buckets[interval] = idx
			barClosed = true
		}
	}
	if barClosed {
		return true
	}
	if meta.ThresholdTriggered {
		return true
	}
	if len(e.pending) > 0 && e.clock().Sub(e.lastEmission) >= e.cfg.DebounceInterval {
		return true
	}
	return false
}

// Detect diffs the snapshot against remembered state and accumulates
// reasons into the pending set. When the debounce gate allows, the set is
// emitted and cleared; a nil return means nothing is pending or the gate is
// still closed.
func (e *Engine) Detect(snapshot *features.Snapshot, meta Meta) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if snapshot == nil {
		return nil
	}

	e.detectTrend(snapshot)
	e.detectVolatility(snapshot)
	e.detectConfluence(snapshot)
	e.detectLiquidity(snapshot)
	e.detectDrawdown(snapshot)
	e.detectTimeStop(snapshot)
	if meta.ThresholdTriggered {
		e.pending["MomentumSpike(PriceFeed)"] = struct{}{}
	}

	if len(e.pending) == 0 {
		return nil
	}
	now := e.clock()
	if !e.lastEmission.IsZero() && now.Sub(e.lastEmission) < e.cfg.DebounceInterval {
		return nil
	}

	reasons := make([]string, 0, len(e.pending))
	for reason := range e.pending {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	e.pending = make(map[string]struct{})
	e.lastEmission = now
	return reasons
}

func (e *Engine) detectTrend(snapshot *features.Snapshot) {
	trend := snapshot.Regime.Trend
	if trend == "" {
		return
	}
	if e.lastTrend != "" && trend != e.lastTrend {
		switch trend {
		case "bull":
			e.pending["TrendFlip-Up(15m)"] = struct{}{}
		case "bear":
			e.pending["TrendFlip-Down(15m)"] = struct{}{}
		default:
			e.pending["TrendFlip-Neutral(15m)"] = struct{}{}
		}
	}
	e.lastTrend = trend
}

func (e *Engine) detectVolatility(snapshot *features.Snapshot) {
	vol := snapshot.Regime.Volatility
	if vol == "" || vol == "unknown" {
		return
	}
	changed := e.lastVolatility != "" && vol != e.lastVolatility
	initialExtreme := e.lastVolatility == "" && (vol == "high" || vol == "low")
	if changed || initialExtreme {
		switch vol {
		case "high":
			e.pending["VolatilityRegimeHigh(15m)"] = struct{}{}
		case "low":
			e.pending["VolatilityRegimeLow(15m)"] = struct{}{}
		default:
			e.pending["VolatilityRegimeNormal(15m)"] = struct{}{}
		}
	}
	e.lastVolatility = vol
}

func (e *Engine) detectConfluence(snapshot *features.Snapshot) {
	score := snapshot.Confluence.Score
	if e.hasConfluence {
		delta := score - e.lastConfluence
		if delta < 0 {
			delta = -delta
		}
		if delta >= e.cfg.ConfluenceDelta {
			e.pending[fmt.Sprintf("ConfluenceDelta(%d→%d)", e.lastConfluence, score)] = struct{}{}
		}
	}
	e.lastConfluence = score
	e.hasConfluence = true
}

// detectLiquidity fires each flag on its rising edge only; a flag must clear
// before it can fire again.
func (e *Engine) detectLiquidity(snapshot *features.Snapshot) {
	cur := snapshot.Liquidity
	last := e.lastLiquidity
	if cur.SweepLow && !last.SweepLow {
		e.pending["LiquiditySweep(Low)"] = struct{}{}
	}
	if cur.SweepHigh && !last.SweepHigh {
		e.pending["LiquiditySweep(High)"] = struct{}{}
	}
	if cur.BreakAndHoldHigh && !last.BreakAndHoldHigh {
		e.pending["BreakAndHold(High)"] = struct{}{}
	}
	if cur.BreakAndHoldLow && !last.BreakAndHoldLow {
		e.pending["BreakAndHold(Low)"] = struct{}{}
	}
	e.lastLiquidity = cur
}

// detectDrawdown fires once when the daily loss crosses the guardrail and
// suppresses duplicates while the breach persists.
func (e *Engine) detectDrawdown(snapshot *features.Snapshot) {
	if snapshot.Risk == nil {
		return
	}
	breached := snapshot.Risk.DailyPnlPct <= -e.cfg.DrawdownGuardPct
	if breached && !e.drawdownActive {
		e.pending[fmt.Sprintf("DrawdownGuardrail(%.2f%%)", snapshot.Risk.DailyPnlPct)] = struct{}{}
	}
	e.drawdownActive = breached
}

func (e *Engine) detectTimeStop(snapshot *features.Snapshot) {
	pos := snapshot.Position
	if pos == nil || pos.Side != "LONG" {
		return
	}
	absR := pos.UnrealizedR
	if absR < 0 {
		absR = -absR
	}
	if pos.BarsOpen5m >= e.cfg.TimeStopBars && absR < e.cfg.TimeStopMaxAbsR {
		e.pending[fmt.Sprintf("TimeStop(%d bars)", pos.BarsOpen5m)] = struct{}{}
	}
}

// PendingCount reports the size of the pending reason set.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
