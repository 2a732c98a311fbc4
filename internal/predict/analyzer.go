package predict

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// Config parameterises the analyzer.
type Config struct {
	Horizon     time.Duration
	MinPoints   int
	TrendPoints int
	// Epsilon is the largest decline per hour still treated as flat.
	Epsilon float64
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 4 * time.Hour
	}
	if c.MinPoints < 2 {
		c.MinPoints = 3
	}
	if c.TrendPoints < c.MinPoints {
		c.TrendPoints = 12
		if c.TrendPoints < c.MinPoints {
			c.TrendPoints = c.MinPoints
		}
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.005
	}
	return c
}

// Analyzer keeps a bounded health series per group and the latest prediction derived from it.
type Analyzer struct {
	cfg Config

	mu     sync.RWMutex
	series map[string][]Point
	latest map[string]models.PredictionRecord
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:    cfg.withDefaults(),
		series: make(map[string][]Point),
		latest: make(map[string]models.PredictionRecord),
	}
}

// Append adds one health observation to the group's series, evicting the oldest beyond the
// configured length.
func (a *Analyzer) Append(groupID string, at time.Time, health float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := append(a.series[groupID], Point{At: at, Value: health})
	if over := len(s) - a.cfg.TrendPoints; over > 0 {
		s = append([]Point(nil), s[over:]...)
	}
	a.series[groupID] = s
}

// Analyze classifies the group's current series against the critical threshold and stores the
// result as the group's latest prediction.
func (a *Analyzer) Analyze(groupID string, critical float64, now time.Time) (models.PredictionRecord, error) {
	a.mu.RLock()
	points := append([]Point(nil), a.series[groupID]...)
	a.mu.RUnlock()

	if len(points) < a.cfg.MinPoints {
		return models.PredictionRecord{}, &models.PredictionError{GroupID: groupID, Have: len(points), Required: a.cfg.MinPoints}
	}
	trend, err := FitTrend(points)
	if err != nil {
		return models.PredictionRecord{}, &models.PredictionError{GroupID: groupID, Have: len(points), Required: a.cfg.MinPoints}
	}

	rec := a.classify(groupID, trend, critical)
	rec.ComputedAt = now

	a.mu.Lock()
	a.latest[groupID] = rec
	a.mu.Unlock()
	return rec, nil
}

func (a *Analyzer) classify(groupID string, trend Trend, critical float64) models.PredictionRecord {
	rec := models.PredictionRecord{
		GroupID: groupID,
		Slope:   trend.Slope,
		Current: trend.Current,
	}

	switch {
	case trend.Current <= critical && trend.Slope > a.cfg.Epsilon:
		// Below critical but climbing back.
		rec.RiskLevel = models.RiskMedium
		rec.TimeToCritical = 0
	case trend.Current <= critical:
		rec.RiskLevel = models.RiskHigh
		rec.TimeToCritical = 0
	case trend.Slope >= -a.cfg.Epsilon:
		rec.RiskLevel = models.RiskLow
		rec.TimeToCritical = -1
	default:
		ttc := trend.TimeTo(critical)
		rec.TimeToCritical = ttc
		if ttc >= 0 && ttc <= a.cfg.Horizon {
			rec.RiskLevel = models.RiskHigh
		} else {
			rec.RiskLevel = models.RiskMedium
		}
	}
	rec.ProjectedFailureWindow = utils.FailureWindow(rec.TimeToCritical)
	return rec
}

// Latest returns the group's most recent prediction.
func (a *Analyzer) Latest(groupID string) (models.PredictionRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.latest[groupID]
	return rec, ok
}

// Risk returns the group's latest risk level, RiskUnknown when none has been computed.
func (a *Analyzer) Risk(groupID string) models.RiskLevel {
	rec, ok := a.Latest(groupID)
	if !ok {
		return models.RiskUnknown
	}
	return rec.RiskLevel
}

// Retain drops state for every group not listed.
func (a *Analyzer) Retain(groupIDs []string) {
	keep := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		keep[id] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.series {
		if _, ok := keep[id]; !ok {
			delete(a.series, id)
		}
	}
	for id := range a.latest {
		if _, ok := keep[id]; !ok {
			delete(a.latest, id)
		}
	}
}

// Reset clears the group's series and prediction.
func (a *Analyzer) Reset(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.series, groupID)
	delete(a.latest, groupID)
}
