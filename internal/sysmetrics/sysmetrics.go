// Package sysmetrics samples process-level CPU and memory usage.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Sample is one reading of the process's resource usage.
type Sample struct {
	CPUPercent  float64
	MemoryInuse int64
	Goroutines  int
}

// Sampler computes CPU usage as a delta between successive calls, so each
// consumer keeps its own Sampler.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
}

// NewSampler creates a Sampler whose first CPU reading covers the time since
// construction.
func NewSampler() *Sampler {
	utime, stime := getrusageTimes()
	return &Sampler{
		lastWall: time.Now(),
		lastUser: utime,
		lastSys:  stime,
	}
}

// Sample reads the current usage.
func (s *Sampler) Sample() Sample {
	return Sample{
		CPUPercent:  s.CPUPercent(),
		MemoryInuse: MemoryInuse(),
		Goroutines:  runtime.NumGoroutine(),
	}
}

// CPUPercent returns the process CPU usage as a percentage (0-100+) since the
// previous call. Multi-core processes can exceed 100%.
func (s *Sampler) CPUPercent() float64 {
	now := time.Now()
	utime, stime := getrusageTimes()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastCPU
	}

	cpuDelta := (utime - s.lastUser) + (stime - s.lastSys)
	s.lastCPU = float64(cpuDelta) / float64(wall) * 100.0
	s.lastWall = now
	s.lastUser = utime
	s.lastSys = stime
	return s.lastCPU
}

// MemoryInuse returns HeapInuse plus StackInuse in bytes.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	return time.Duration(rusage.Utime.Nano()), time.Duration(rusage.Stime.Nano())
}
