package predict

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-federator/internal/models"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func feed(a *Analyzer, group string, step time.Duration, values ...float64) time.Time {
	at := base
	for i, v := range values {
		at = base.Add(time.Duration(i) * step)
		a.Append(group, at, v)
	}
	return at
}

func TestFitTrendLinear(t *testing.T) {
	points := []Point{
		{At: base, Value: 1.0},
		{At: base.Add(time.Hour), Value: 0.9},
		{At: base.Add(2 * time.Hour), Value: 0.8},
	}
	trend, err := FitTrend(points)
	require.NoError(t, err)
	assert.InDelta(t, -0.1, trend.Slope, 1e-9)
	assert.InDelta(t, 1.0, trend.Intercept, 1e-9)
	assert.Equal(t, 0.8, trend.Current)
	assert.InDelta(t, float64(3*time.Hour), float64(trend.TimeTo(0.5)), float64(time.Second))
}

func TestFitTrendDegenerate(t *testing.T) {
	_, err := FitTrend([]Point{{At: base, Value: 1}, {At: base, Value: 0.5}})
	require.Error(t, err)
}

func TestDecliningSeriesIsHighRiskBeforeCritical(t *testing.T) {
	a := NewAnalyzer(Config{Horizon: 4 * time.Hour, MinPoints: 3})
	now := feed(a, "crm", time.Hour, 0.90, 0.80, 0.70, 0.60)

	rec, err := a.Analyze("crm", 0.50, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, rec.RiskLevel)
	assert.Greater(t, rec.Current, 0.50)
	assert.InDelta(t, -0.1, rec.Slope, 1e-9)
	assert.InDelta(t, float64(time.Hour), float64(rec.TimeToCritical), float64(time.Second))
	assert.Equal(t, models.RiskHigh, a.Risk("crm"))
}

func TestSlowDeclineIsMediumRisk(t *testing.T) {
	a := NewAnalyzer(Config{Horizon: 4 * time.Hour, MinPoints: 3})
	now := feed(a, "docs", time.Hour, 0.99, 0.97, 0.95, 0.93)

	rec, err := a.Analyze("docs", 0.50, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
	assert.Equal(t, "12-24 hours", rec.ProjectedFailureWindow)
}

func TestFlatOrRecoveringSeriesIsLowRisk(t *testing.T) {
	a := NewAnalyzer(Config{MinPoints: 3})
	now := feed(a, "chat", time.Hour, 0.6, 0.7, 0.8)

	rec, err := a.Analyze("chat", 0.50, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, rec.RiskLevel)
	assert.Equal(t, "none", rec.ProjectedFailureWindow)
}

func TestAtOrBelowCriticalIsHighRiskNow(t *testing.T) {
	a := NewAnalyzer(Config{MinPoints: 3})
	now := feed(a, "wh", time.Hour, 0.5, 0.5, 0.4)

	rec, err := a.Analyze("wh", 0.50, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, rec.RiskLevel)
	assert.Equal(t, "now", rec.ProjectedFailureWindow)
}

func TestRecoveringBelowCriticalIsMediumRisk(t *testing.T) {
	a := NewAnalyzer(Config{MinPoints: 3})
	now := feed(a, "crm", time.Hour, 0.1, 0.25, 0.4)

	rec, err := a.Analyze("crm", 0.50, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
	assert.Equal(t, "now", rec.ProjectedFailureWindow)
	assert.Equal(t, models.RiskMedium, a.Risk("crm"))
}

func TestInsufficientSamples(t *testing.T) {
	a := NewAnalyzer(Config{MinPoints: 3})
	now := feed(a, "crm", time.Hour, 0.9, 0.8)

	_, err := a.Analyze("crm", 0.5, now)
	var predErr *models.PredictionError
	require.True(t, errors.As(err, &predErr))
	assert.Equal(t, 2, predErr.Have)
	assert.Equal(t, 3, predErr.Required)
	assert.Equal(t, models.RiskUnknown, a.Risk("crm"))
}

func TestSeriesIsBoundedAndSuperseded(t *testing.T) {
	a := NewAnalyzer(Config{MinPoints: 3, TrendPoints: 4})
	now := feed(a, "crm", time.Hour, 0.1, 0.1, 0.1, 0.9, 0.9, 0.9, 0.9)

	rec, err := a.Analyze("crm", 0.5, now)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, rec.RiskLevel)
	assert.True(t, math.Abs(rec.Slope) < 1e-9)

	a.Retain([]string{"other"})
	_, ok := a.Latest("crm")
	assert.False(t, ok)
}
