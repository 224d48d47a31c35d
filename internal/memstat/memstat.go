// Package memstat tracks the process's resident set size so merge runs can
// report their peak memory footprint.
package memstat

import (
	"runtime"
	"sync"
	"time"
)

// Sampler polls the process RSS on an interval and remembers the high-water
// mark. One sampler lives for the duration of a single merge run.
type Sampler struct {
	mu   sync.Mutex
	peak float64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Start begins sampling every interval. An interval <= 0 defaults to one
// second. The first sample is taken immediately.
func Start(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.observe()
	go s.loop(interval)
	return s
}

// Peak returns the highest RSS seen so far, in MiB.
func (s *Sampler) Peak() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Stop takes a final sample, halts the loop and returns the peak in MiB.
// Safe to call more than once.
func (s *Sampler) Stop() float64 {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.Peak()
}

func (s *Sampler) loop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.observe()
		case <-s.stop:
			s.observe()
			return
		}
	}
}

func (s *Sampler) observe() {
	mb := rssMB()
	s.mu.Lock()
	if mb > s.peak {
		s.peak = mb
	}
	s.mu.Unlock()
}

func runtimeMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1 << 20)
}
