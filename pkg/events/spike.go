package events

import "sync"

// PriceSpikeDetector watches the live price feed for fast moves: when the
// absolute change across the rolling window reaches the threshold it reports
// a trigger and restarts the window.
type PriceSpikeDetector struct {
	mu           sync.Mutex
	windowMs     int64
	thresholdPct float64
	samples      []priceSample
}

type priceSample struct {
	tsMs  int64
	price float64
}

// NewPriceSpikeDetector constructs a detector over windowMs milliseconds
// firing at thresholdPct percent moves.
func NewPriceSpikeDetector(windowMs int64, thresholdPct float64) *PriceSpikeDetector {
	if windowMs <= 0 {
		windowMs = 60_000
	}
	if thresholdPct <= 0 {
		thresholdPct = 1.0
	}
	return &PriceSpikeDetector{windowMs: windowMs, thresholdPct: thresholdPct}
}

// Observe records a tick and reports whether the rolling change crossed the
// threshold.
func (d *PriceSpikeDetector) Observe(tsMs int64, price float64) bool {
	if price <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := tsMs - d.windowMs
	trimmed := d.samples[:0]
	for _, s := range d.samples {
		if s.tsMs >= cutoff {
			trimmed = append(trimmed, s)
		}
	}
	d.samples = append(trimmed, priceSample{tsMs: tsMs, price: price})

	oldest := d.samples[0]
	if oldest.price <= 0 {
		return false
	}
	changePct := (price - oldest.price) / oldest.price * 100
	if changePct < 0 {
		changePct = -changePct
	}
	if changePct >= d.thresholdPct {
		// Restart the window so a sustained move fires once per crossing.
		d.samples = d.samples[len(d.samples)-1:]
		return true
	}
	return false
}
