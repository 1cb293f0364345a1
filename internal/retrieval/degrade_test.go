package retrieval

import (
	"testing"
	"time"
)

func TestDegradationMonitor_FlipsWhenSlow(t *testing.T) {
	m := NewDegradationMonitor()

	for i := 0; i < 20; i++ {
		m.Record(2 * time.Second)
	}
	if !m.Degraded() {
		t.Error("expected degraded after sustained slow retrievals")
	}
}

func TestDegradationMonitor_NeedsMinimumSamples(t *testing.T) {
	m := NewDegradationMonitor()

	for i := 0; i < minSampleSize-1; i++ {
		m.Record(5 * time.Second)
	}
	if m.Degraded() {
		t.Error("expected no degradation before the minimum sample count")
	}
}

func TestDegradationMonitor_Recovers(t *testing.T) {
	m := NewDegradationMonitor()

	for i := 0; i < degradeWindow; i++ {
		m.Record(2 * time.Second)
	}
	if !m.Degraded() {
		t.Fatal("expected degraded")
	}

	// Fast retrievals push the slow ratio below the recovery threshold. The
	// window holds 50 samples, so well under a quarter may remain slow.
	for i := 0; i < degradeWindow; i++ {
		m.Record(10 * time.Millisecond)
	}
	if m.Degraded() {
		t.Error("expected recovery after sustained fast retrievals")
	}
}

func TestDegradationMonitor_HysteresisGap(t *testing.T) {
	m := NewDegradationMonitor()

	// ~40% slow: above the recovery ratio but below the degrade ratio, so the
	// monitor must stay in whichever state it is in.
	for i := 0; i < degradeWindow; i++ {
		if i%5 < 2 {
			m.Record(2 * time.Second)
		} else {
			m.Record(10 * time.Millisecond)
		}
	}
	if m.Degraded() {
		t.Error("expected healthy state to hold at 40% slow")
	}
}
