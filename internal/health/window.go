package health

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// Window is a per-group sample buffer bounded by count and by age. Oldest samples are evicted
// first.
type Window struct {
	size   int
	maxAge time.Duration

	mu      sync.Mutex
	samples []models.HealthSample
}

// Stats summarises the samples currently held by a window.
type Stats struct {
	Total      int
	Successes  int
	Health     float64
	LatencyAvg time.Duration
}

// NewWindow creates a window holding at most size samples no older than maxAge. A zero maxAge
// disables age eviction.
func NewWindow(size int, maxAge time.Duration) *Window {
	if size <= 0 {
		size = 50
	}
	return &Window{size: size, maxAge: maxAge, samples: make([]models.HealthSample, 0, size)}
}

// Add appends a sample and evicts beyond the count bound.
func (w *Window) Add(s models.HealthSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if over := len(w.samples) - w.size; over > 0 {
		copy(w.samples, w.samples[over:])
		w.samples = w.samples[:w.size]
	}
}

// Samples returns a copy of the retained samples, oldest first, after age eviction.
func (w *Window) Samples(now time.Time) []models.HealthSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return append([]models.HealthSample(nil), w.samples...)
}

// Stats computes health as successes over total. An empty window reports full health.
func (w *Window) Stats(now time.Time) Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)

	st := Stats{Total: len(w.samples), Health: 1}
	if st.Total == 0 {
		return st
	}
	var latency time.Duration
	measured := 0
	for _, s := range w.samples {
		if s.Success {
			st.Successes++
		}
		if s.Latency > 0 {
			latency += s.Latency
			measured++
		}
	}
	st.Health = float64(st.Successes) / float64(st.Total)
	if measured > 0 {
		st.LatencyAvg = latency / time.Duration(measured)
	}
	return st
}

// Len returns the number of retained samples without age eviction.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func (w *Window) evict(now time.Time) {
	if w.maxAge <= 0 || len(w.samples) == 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.samples) && w.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
