package reporter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Monitor receives merged progress on the scheduler. nodeID identifies the
// reporting node.
type Monitor func(nodeID int, p Progress)

// Reporter delivers progress records to the scheduler's monitor.
type Reporter interface {
	// Report sends one record. Reporting is best-effort: records may be
	// dropped under rate limiting and the send never blocks training.
	Report(p Progress)
	// SetMonitor installs the scheduler-side sink.
	SetMonitor(m Monitor)
}

// Local is the single-process Reporter: reports loop straight back into the
// monitor, throttled so a tight training loop cannot flood the console
// printer.
type Local struct {
	mu      sync.Mutex
	monitor Monitor
	limiter *rate.Limiter

	pending Progress
	nodeID  int
}

// NewLocal creates a Local reporter for the given node.
// maxPerSec bounds monitor invocations; records arriving above the limit
// are merged into the next delivered one rather than dropped.
func NewLocal(nodeID int, maxPerSec float64) *Local {
	if maxPerSec <= 0 {
		maxPerSec = 10
	}
	return &Local{
		nodeID:  nodeID,
		limiter: rate.NewLimiter(rate.Limit(maxPerSec), 1),
	}
}

// Report merges p into the pending record and flushes it to the monitor
// when the rate limiter admits.
func (r *Local) Report(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Merge(p)
	if r.monitor == nil {
		return
	}
	if !r.limiter.AllowN(time.Now(), 1) {
		return
	}
	out := r.pending
	r.pending.Reset()
	r.monitor(r.nodeID, out)
}

// Flush delivers any pending record regardless of the rate limit.
func (r *Local) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.monitor == nil || r.pending.IsZero() {
		return
	}
	out := r.pending
	r.pending.Reset()
	r.monitor(r.nodeID, out)
}

// SetMonitor installs the sink.
func (r *Local) SetMonitor(m Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitor = m
}
