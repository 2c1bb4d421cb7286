package bot

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// statusReporter emits heartbeat lines at a bounded rate and relays
// execution status messages. It satisfies execution.StatusReporter, which is
// how the execution engine reaches the orchestrator's logging without a
// back-reference.
type statusReporter struct {
	mu       sync.Mutex
	interval time.Duration
	clock    func() time.Time
	lastBeat time.Time
	pair     string
}

func newStatusReporter(pair string, interval time.Duration, clock func() time.Time) *statusReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &statusReporter{interval: interval, clock: clock, pair: pair}
}

// ReportStatus implements execution.StatusReporter.
func (r *statusReporter) ReportStatus(format string, args ...any) {
	logx.Infof("bot: %s: %s", r.pair, fmt.Sprintf(format, args...))
}

// Heartbeat logs a liveness line when the interval has elapsed since the
// previous one.
func (r *statusReporter) Heartbeat(price float64, positionSide string, positionSize float64) {
	r.mu.Lock()
	now := r.clock()
	due := now.Sub(r.lastBeat) >= r.interval
	if due {
		r.lastBeat = now
	}
	r.mu.Unlock()
	if due {
		logx.Infof("bot: %s heartbeat price=%.8f position=%s size=%.8f", r.pair, price, positionSide, positionSize)
	}
}
