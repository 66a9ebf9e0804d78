// Package sysmetrics samples process-level CPU and memory usage.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Snapshot is one sample of process resource usage.
type Snapshot struct {
	CPUPercent   float64 // since the previous sample; may exceed 100 on multi-core hosts
	HeapAlloc    uint64
	HeapInuse    uint64
	StackInuse   uint64
	Sys          uint64
	MaxRSS       int64 // peak resident set size in bytes
	NumGC        uint32
	NumGoroutine int
}

// Sampler computes CPU usage between successive calls to Sample.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64
}

// NewSampler returns a Sampler whose first sample covers the time since
// this call.
func NewSampler() *Sampler {
	cpu, _ := rusage()
	return &Sampler{lastWall: time.Now(), lastCPU: cpu}
}

// Sample reads the current usage.
func (s *Sampler) Sample() Snapshot {
	now := time.Now()
	cpu, maxRSS := rusage()

	s.mu.Lock()
	if wall := now.Sub(s.lastWall); wall > 0 {
		s.lastPct = float64(cpu-s.lastCPU) / float64(wall) * 100
		s.lastWall = now
		s.lastCPU = cpu
	}
	pct := s.lastPct
	s.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		CPUPercent:   pct,
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		StackInuse:   m.StackInuse,
		Sys:          m.Sys,
		MaxRSS:       maxRSS,
		NumGC:        m.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// rusage returns user+system CPU time and the peak RSS in bytes (Linux
// reports ru_maxrss in KiB).
func rusage() (time.Duration, int64) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), int64(ru.Maxrss) * 1024
}
