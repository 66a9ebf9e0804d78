package sysmetrics

import (
	"testing"
	"time"
)

func TestSample(t *testing.T) {
	s := NewSampler()

	deadline := time.Now().Add(20 * time.Millisecond)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x

	snap := s.Sample()
	if snap.CPUPercent < 0 {
		t.Errorf("cpu = %v", snap.CPUPercent)
	}
	if snap.HeapInuse == 0 || snap.Sys == 0 {
		t.Errorf("memory = %+v", snap)
	}
	if snap.NumGoroutine < 1 {
		t.Errorf("goroutines = %d", snap.NumGoroutine)
	}
	if snap.MaxRSS <= 0 {
		t.Errorf("max rss = %d", snap.MaxRSS)
	}
}
