package planner

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/registry"
)

type fakeStatus map[string]models.HealthReport

func (f fakeStatus) Report(id string) (models.HealthReport, bool) {
	r, ok := f[id]
	return r, ok
}

func closed(health float64, latency time.Duration) models.HealthReport {
	return models.HealthReport{CircuitState: models.CircuitClosed, HealthPercentage: health, LatencyAvg: latency}
}

func snapshot(t *testing.T, groups ...models.IntegrationGroup) *registry.Snapshot {
	t.Helper()
	r := registry.New("", nil)
	snap, err := r.Replace(context.Background(), groups)
	require.NoError(t, err)
	return snap
}

func grp(id string, weight float64, caps ...string) models.IntegrationGroup {
	return models.IntegrationGroup{ID: id, Capabilities: caps, CriticalityWeight: weight}
}

func TestPlanMapsIntentsWithDependencies(t *testing.T) {
	snap := snapshot(t,
		grp("salesforce", 0.9, models.CapabilityCRM),
		grp("gong", 0.6, models.CapabilityCallTranscript),
	)
	status := fakeStatus{
		"salesforce": closed(1, 200*time.Millisecond),
		"gong":       closed(1, 300*time.Millisecond),
	}
	p := New(nil, status, nil)

	plan, err := p.Plan(snap, models.QueryRequest{
		Query:   "Show recent calls for customer Acme",
		Context: models.CallerContext{TenantID: "t1"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	crm, calls := plan.Steps[0], plan.Steps[1]
	assert.Equal(t, "salesforce", crm.GroupID)
	assert.Equal(t, "gong", calls.GroupID)
	assert.Equal(t, []string{crm.ID}, calls.DependsOn)
	assert.True(t, crm.Required)
	assert.Equal(t, DefaultLimit, crm.SubQuery.Limit)
	assert.Equal(t, "t1", calls.SubQuery.TenantID)

	assert.Equal(t, 500*time.Millisecond, plan.EstimatedDuration)
	assert.InDelta(t, 1.2*0.9+1.3*0.6, plan.EstimatedCost, 1e-9)
}

func TestPlanIsDeterministic(t *testing.T) {
	snap := snapshot(t,
		grp("hubspot", 0.5, models.CapabilityCRM),
		grp("salesforce", 0.5, models.CapabilityCRM),
		grp("intercom", 0.4, models.CapabilityChat),
	)
	status := fakeStatus{
		"hubspot":    closed(1, 0),
		"salesforce": closed(1, 0),
		"intercom":   closed(0.8, 0),
	}
	p := New(nil, status, nil)
	req := models.QueryRequest{Query: "customer support tickets", Filters: map[string]string{"region": "eu", "account_id": "42"}}

	first, err := p.Plan(snap, req)
	require.NoError(t, err)
	second, err := p.Plan(snap, req)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(first, second))
	assert.Equal(t, "hubspot", first.Steps[0].GroupID, "ties resolve by group id")

	other, err := p.Plan(snap, models.QueryRequest{Query: "customer support chats"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCandidateRanking(t *testing.T) {
	snap := snapshot(t,
		grp("a", 0.5, models.CapabilityCRM),
		grp("b", 0.5, models.CapabilityCRM),
		grp("c", 0.5, models.CapabilityCRM),
		grp("d", 0.9, models.CapabilityCRM),
	)
	req := models.QueryRequest{Capabilities: []string{models.CapabilityCRM}}

	cases := []struct {
		name   string
		status fakeStatus
		want   string
	}{
		{
			name: "closed preferred over half open",
			status: fakeStatus{
				"a": {CircuitState: models.CircuitHalfOpen, HealthPercentage: 1},
				"b": closed(0.6, 0),
			},
			want: "b",
		},
		{
			name: "open skipped",
			status: fakeStatus{
				"a": {CircuitState: models.CircuitOpen, HealthPercentage: 1},
				"c": {CircuitState: models.CircuitHalfOpen, HealthPercentage: 0.2},
			},
			want: "c",
		},
		{
			name: "high risk deprioritised",
			status: fakeStatus{
				"a": {CircuitState: models.CircuitClosed, HealthPercentage: 1, RiskLevel: models.RiskHigh},
				"b": closed(0.7, 0),
			},
			want: "b",
		},
		{
			name: "latency then weight",
			status: fakeStatus{
				"a": closed(0.9, 300*time.Millisecond),
				"b": closed(0.9, 100*time.Millisecond),
				"c": closed(0.9, 100*time.Millisecond),
				"d": closed(0.9, 100*time.Millisecond),
			},
			want: "d",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := New(nil, tc.status, nil).Plan(snap, req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, plan.Steps[0].GroupID)
		})
	}
}

func TestPlanningErrors(t *testing.T) {
	snap := snapshot(t,
		grp("salesforce", 0.9, models.CapabilityCRM),
		grp("weaviate", 0.3, models.CapabilityVectorSearch),
	)
	status := fakeStatus{
		"salesforce": {CircuitState: models.CircuitOpen},
		"weaviate":   {CircuitState: models.CircuitOpen},
	}
	p := New(nil, status, nil)

	_, err := p.Plan(snap, models.QueryRequest{Query: "customer accounts"})
	var planErr *models.PlanningError
	require.True(t, errors.As(err, &planErr))
	assert.Equal(t, models.CapabilityCRM, planErr.Capability)

	_, err = p.Plan(snap, models.QueryRequest{Query: "weather forecast"})
	require.True(t, errors.As(err, &planErr))
	assert.Empty(t, planErr.Capability)

	_, err = p.Plan(snap, models.QueryRequest{Capabilities: []string{models.CapabilityDocument}})
	require.True(t, errors.As(err, &planErr))
	assert.Equal(t, models.CapabilityDocument, planErr.Capability)
}

func TestOptionalCapabilityIsDroppedWhenUnavailable(t *testing.T) {
	snap := snapshot(t,
		grp("salesforce", 0.9, models.CapabilityCRM),
		grp("weaviate", 0.3, models.CapabilityVectorSearch),
	)
	status := fakeStatus{
		"salesforce": closed(1, 0),
		"weaviate":   {CircuitState: models.CircuitOpen},
	}
	exp, err := New(nil, status, nil).Explain(snap, models.QueryRequest{Query: "accounts similar to Acme"})
	require.NoError(t, err)
	require.Len(t, exp.Plan.Steps, 1)
	assert.Equal(t, models.CapabilityCRM, exp.Plan.Steps[0].Capability)

	vs := exp.Candidates[models.CapabilityVectorSearch]
	require.Len(t, vs, 1)
	assert.False(t, vs[0].Selected)
	assert.Equal(t, "circuit open", vs[0].Reason)
}

func TestIntentRulePack(t *testing.T) {
	intents, err := ParseIntents([]byte(`
rules:
  - id: renewals
    match:
      keywords: [renewal, "churn risk"]
    capabilities: [crm, data_warehouse]
  - id: by-account
    match:
      filters: [account_id]
    capabilities: [crm]
    optional: true
  - id: transcripts
    match:
      keywords: [call]
    capabilities: [call_transcript]
    depends_on: crm
    optional: true
`))
	require.NoError(t, err)

	got := intents.Match(models.QueryRequest{Query: "Which renewals have churn risk after calls?", Filters: map[string]string{"account_id": "1"}})
	require.Len(t, got, 3)
	assert.Equal(t, Intent{Capability: "crm", Required: true, Rules: []string{"renewals", "by-account"}}, got[0])
	assert.Equal(t, "data_warehouse", got[1].Capability)
	assert.Equal(t, Intent{Capability: "call_transcript", DependsOn: "crm", Required: false, Rules: []string{"transcripts"}}, got[2])

	_, err = ParseIntents([]byte("rules:\n  - id: empty\n    capabilities: [crm]\n"))
	require.Error(t, err)
}

func TestLoadIntentsFallsBackToDefaults(t *testing.T) {
	intents, err := LoadIntents(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	got := intents.Match(models.QueryRequest{Query: "open support tickets"})
	require.Len(t, got, 1)
	assert.Equal(t, models.CapabilityChat, got[0].Capability)
}
