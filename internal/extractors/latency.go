package extractors

import (
	"math"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// DefaultSpikeThreshold is the z-score at or above which a latency sample is a spike.
const DefaultSpikeThreshold = 3.0

const minBaseline = 5

// LatencySpike captures an anomalous probe or dispatch latency.
type LatencySpike struct {
	GroupID   string
	Timestamp time.Time
	Latency   time.Duration
	Mean      time.Duration
	Score     float64
	Threshold float64
}

// LatencyExtractor detects latency spikes using a z-score over the health window.
type LatencyExtractor struct {
	threshold float64
}

// NewLatencyExtractor creates a latency spike detector. Non-positive thresholds use the default.
func NewLatencyExtractor(threshold float64) *LatencyExtractor {
	if threshold <= 0 {
		threshold = DefaultSpikeThreshold
	}
	return &LatencyExtractor{threshold: threshold}
}

// Detect returns every sample whose latency scores at or above the threshold against the
// whole window.
func (e *LatencyExtractor) Detect(samples []models.HealthSample) []LatencySpike {
	values := latencies(samples)
	if len(values) < minBaseline {
		return nil
	}
	mean, stdDev := meanStd(values)

	spikes := make([]LatencySpike, 0)
	for _, s := range samples {
		if s.Latency <= 0 {
			continue
		}
		score := (s.Latency.Seconds() - mean) / stdDev
		if score >= e.threshold {
			spikes = append(spikes, e.spike(s, mean, score))
		}
	}
	return spikes
}

// Latest scores the newest sample against the samples before it.
func (e *LatencyExtractor) Latest(samples []models.HealthSample) (LatencySpike, bool) {
	if len(samples) == 0 {
		return LatencySpike{}, false
	}
	newest := samples[len(samples)-1]
	if newest.Latency <= 0 {
		return LatencySpike{}, false
	}
	baseline := latencies(samples[:len(samples)-1])
	if len(baseline) < minBaseline {
		return LatencySpike{}, false
	}
	mean, stdDev := meanStd(baseline)
	score := (newest.Latency.Seconds() - mean) / stdDev
	if score < e.threshold {
		return LatencySpike{}, false
	}
	return e.spike(newest, mean, score), true
}

func (e *LatencyExtractor) spike(s models.HealthSample, mean, score float64) LatencySpike {
	return LatencySpike{
		GroupID:   s.GroupID,
		Timestamp: s.Timestamp,
		Latency:   s.Latency,
		Mean:      time.Duration(mean * float64(time.Second)),
		Score:     score,
		Threshold: e.threshold,
	}
}

func latencies(samples []models.HealthSample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Latency > 0 {
			out = append(out, s.Latency.Seconds())
		}
	}
	return out
}

// meanStd returns the mean and population standard deviation in seconds. The deviation is
// floored at 10% of the mean (minimum 1ms) so a perfectly flat baseline does not flag jitter.
func meanStd(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(len(values))
	stdDev := math.Sqrt(variance)

	floor := math.Max(mean*0.1, 0.001)
	if stdDev < floor {
		stdDev = floor
	}
	return mean, stdDev
}
