package engine

import (
	"sync"
	"time"
)

// Throughput tracks an exponentially weighted moving average of observed
// bytes/sec per engine. The scheduler feeds it after every completed
// segment; the adaptive planner reads it to size ranges.
type Throughput struct {
	mu   sync.RWMutex
	ewma map[string]float64
}

const ewmaAlpha = 0.3

func NewThroughput() *Throughput {
	return &Throughput{ewma: make(map[string]float64)}
}

// Observe records one transfer of n bytes over d.
func (t *Throughput) Observe(engineID string, n int64, d time.Duration) {
	if n <= 0 || d <= 0 {
		return
	}
	rate := float64(n) / d.Seconds()
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.ewma[engineID]
	if !ok {
		t.ewma[engineID] = rate
		return
	}
	t.ewma[engineID] = ewmaAlpha*rate + (1-ewmaAlpha)*prev
}

// Rate returns the smoothed bytes/sec for the engine, or 0 when the engine
// has no observations yet.
func (t *Throughput) Rate(engineID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ewma[engineID]
}
