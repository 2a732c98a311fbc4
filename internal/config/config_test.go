package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("MIRADOR_FED_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Scheduler.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected default request timeout: %v", cfg.Scheduler.RequestTimeout)
	}
	if cfg.Monitor.WarningThreshold != 0.70 || cfg.Monitor.CriticalThreshold != 0.50 {
		t.Fatalf("unexpected default thresholds: %+v", cfg.Monitor)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  address: ":6000"
scheduler:
  requestTimeout: 10s
cache:
  enabled: true
  addr: "localhost:6379"
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIRADOR_FED_REQUEST_TIMEOUT", "5s")
	t.Setenv("MIRADOR_FED_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":6000" {
		t.Fatalf("expected file value, got %q", cfg.Server.Address)
	}
	if cfg.Scheduler.RequestTimeout != 5*time.Second {
		t.Fatalf("expected env override, got %v", cfg.Scheduler.RequestTimeout)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "localhost:6379" {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Fatalf("expected 2 cors origins, got %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("MIRADOR_FED_WARNING_THRESHOLD", "0.4")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseRegistryDefaults(t *testing.T) {
	groups, err := ParseRegistry([]byte(`
groups:
  - id: crm
    capabilities: [crm]
    tier: critical
    criticality_weight: 0.9
    member_endpoints:
      - kind: http
        url: http://crm.local
  - id: docs
    capabilities: [document]
    health_check_interval_seconds: 45
    circuit_breaker:
      failure_threshold: 3
      cooldown_seconds: 10
    member_endpoints:
      - name: docs-primary
        kind: mongodb
        url: mongodb://docs.local/app
`))
	if err != nil {
		t.Fatalf("ParseRegistry returned error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	crm := groups[0]
	if crm.HealthCheckInterval != 60*time.Second {
		t.Fatalf("critical tier should probe every 60s, got %v", crm.HealthCheckInterval)
	}
	if crm.Circuit.FailureThreshold != models.DefaultFailureThreshold || crm.Circuit.Cooldown != models.DefaultCooldown {
		t.Fatalf("expected default circuit config, got %+v", crm.Circuit)
	}
	if crm.Endpoints[0].Name != "crm-0" {
		t.Fatalf("expected generated endpoint name, got %q", crm.Endpoints[0].Name)
	}

	docs := groups[1]
	if docs.Tier != models.TierStandard || docs.CriticalityWeight != defaultCriticalityWeight {
		t.Fatalf("unexpected defaults: tier=%s weight=%v", docs.Tier, docs.CriticalityWeight)
	}
	if docs.HealthCheckInterval != 45*time.Second {
		t.Fatalf("explicit interval ignored: %v", docs.HealthCheckInterval)
	}
	if docs.Circuit.FailureThreshold != 3 || docs.Circuit.Cooldown != 10*time.Second || docs.Circuit.HalfOpenMaxRequests != 1 {
		t.Fatalf("unexpected circuit config: %+v", docs.Circuit)
	}
}

func TestParseRegistryAcceptsJSON(t *testing.T) {
	groups, err := ParseRegistry([]byte(`{"groups":[{"id":"wh","capabilities":["data_warehouse"],"member_endpoints":[{"kind":"postgres","url":"postgres://wh"}]}]}`))
	if err != nil {
		t.Fatalf("ParseRegistry returned error: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "wh" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestParseRegistryReportsAllProblems(t *testing.T) {
	_, err := ParseRegistry([]byte(`
groups:
  - id: a
    capabilities: []
    member_endpoints: []
  - id: a
    capabilities: [crm]
    tier: platinum
    criticality_weight: 1.5
    member_endpoints:
      - kind: http
        url: http://a
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if utils.OpOf(err) != "registry.validate" {
		t.Fatalf("unexpected op %q", utils.OpOf(err))
	}
	var problems utils.ValidationErrors
	if !errors.As(err, &problems) {
		t.Fatalf("expected ValidationErrors in chain, got %T", err)
	}
	if len(problems) != 5 {
		t.Fatalf("expected 5 problems, got %d: %v", len(problems), problems)
	}
}
