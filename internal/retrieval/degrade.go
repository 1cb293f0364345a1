package retrieval

import (
	"sync"
	"time"
)

const (
	// degradeWindow is how many recent retrievals the monitor remembers.
	degradeWindow = 50

	// degradeThreshold is the latency above which one retrieval counts as slow.
	degradeThreshold = 800 * time.Millisecond

	// degradeRatio of slow retrievals in the window flips to degraded mode;
	// recoverRatio flips back. The gap between them prevents flapping.
	degradeRatio  = 0.50
	recoverRatio  = 0.25
	minSampleSize = 10
)

// DegradationMonitor watches retrieval latency and decides when to shed
// optional work. In degraded mode the engine skips reranking, lowers graph
// traversal depth to zero so only seed-entity chunks surface, and serves
// cached results longer.
type DegradationMonitor struct {
	mu        sync.Mutex
	latencies [degradeWindow]time.Duration
	count     int
	next      int
	degraded  bool
}

// NewDegradationMonitor creates a latency monitor.
func NewDegradationMonitor() *DegradationMonitor {
	return &DegradationMonitor{}
}

// Record adds one retrieval latency and re-evaluates the mode.
func (m *DegradationMonitor) Record(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.next] = latency
	m.next = (m.next + 1) % degradeWindow
	if m.count < degradeWindow {
		m.count++
	}
	if m.count < minSampleSize {
		return
	}

	slow := 0
	for i := 0; i < m.count; i++ {
		if m.latencies[i] > degradeThreshold {
			slow++
		}
	}
	ratio := float64(slow) / float64(m.count)

	if !m.degraded && ratio > degradeRatio {
		m.degraded = true
	} else if m.degraded && ratio < recoverRatio {
		m.degraded = false
	}
}

// Degraded reports whether the engine should shed optional work.
func (m *DegradationMonitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}
