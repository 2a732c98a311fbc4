// Package predict classifies integration groups by how soon their health trend reaches the
// critical threshold.
package predict

import (
	"errors"
	"math"
	"time"
)

// Point is one health observation.
type Point struct {
	At    time.Time
	Value float64
}

// Trend is a least-squares line through a health series. Slope is in health fraction per hour.
type Trend struct {
	Slope     float64
	Intercept float64
	Current   float64
	Points    int
}

var errDegenerate = errors.New("series spans no time")

// FitTrend fits value = intercept + slope*hours over the points, with hours measured from the
// first point. Current is the last observed value.
func FitTrend(points []Point) (Trend, error) {
	n := len(points)
	if n < 2 {
		return Trend{}, errDegenerate
	}

	origin := points[0].At
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.At.Sub(origin).Hours()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		return Trend{}, errDegenerate
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	return Trend{
		Slope:     slope,
		Intercept: intercept,
		Current:   points[n-1].Value,
		Points:    n,
	}, nil
}

// TimeTo returns how long until the trend falls from Current to level. A negative result
// means the trend never reaches it.
func (t Trend) TimeTo(level float64) time.Duration {
	if t.Current <= level {
		return 0
	}
	if t.Slope >= 0 {
		return -1
	}
	hours := (t.Current - level) / -t.Slope
	if hours > float64(math.MaxInt64)/float64(time.Hour) {
		return -1
	}
	return time.Duration(hours * float64(time.Hour))
}
