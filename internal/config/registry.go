package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// RegistryFile is the on-disk shape of the integration group catalog. JSON documents parse too.
type RegistryFile struct {
	Groups []GroupSpec `yaml:"groups" json:"groups"`
}

// GroupSpec is one integration group entry.
type GroupSpec struct {
	ID                         string         `yaml:"id" json:"id"`
	Name                       string         `yaml:"name" json:"name"`
	Capabilities               []string       `yaml:"capabilities" json:"capabilities"`
	Tier                       string         `yaml:"tier" json:"tier"`
	CriticalityWeight          *float64       `yaml:"criticality_weight" json:"criticality_weight"`
	HealthCheckIntervalSeconds int            `yaml:"health_check_interval_seconds" json:"health_check_interval_seconds"`
	CircuitBreaker             CircuitSpec    `yaml:"circuit_breaker" json:"circuit_breaker"`
	Thresholds                 ThresholdSpec  `yaml:"thresholds" json:"thresholds"`
	MaxConcurrency             int            `yaml:"max_concurrency" json:"max_concurrency"`
	StepTimeoutSeconds         int            `yaml:"step_timeout_seconds" json:"step_timeout_seconds"`
	MemberEndpoints            []EndpointSpec `yaml:"member_endpoints" json:"member_endpoints"`
}

// CircuitSpec overrides breaker parameters for a group.
type CircuitSpec struct {
	FailureThreshold    int `yaml:"failure_threshold" json:"failure_threshold"`
	CooldownSeconds     int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	HalfOpenMaxRequests int `yaml:"half_open_max_requests" json:"half_open_max_requests"`
}

// ThresholdSpec overrides alerting levels for a group.
type ThresholdSpec struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// EndpointSpec is one member endpoint of a group.
type EndpointSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Kind    string            `yaml:"kind" json:"kind"`
	URL     string            `yaml:"url" json:"url"`
	Options map[string]string `yaml:"options" json:"options"`
}

const defaultCriticalityWeight = 0.5

// LoadRegistry reads, validates and normalises the group catalog at path.
func LoadRegistry(path string) ([]models.IntegrationGroup, error) {
	return LoadRegistryWithThresholds(path, models.HealthThresholds{})
}

// LoadRegistryWithThresholds is LoadRegistry with service-wide fallback thresholds for groups
// that do not set their own.
func LoadRegistryWithThresholds(path string, fallback models.HealthThresholds) ([]models.IntegrationGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError("registry.load", "read "+path, err)
	}
	return parseRegistry(data, fallback)
}

// ParseRegistry decodes a YAML or JSON catalog. All validation problems are reported together.
func ParseRegistry(data []byte) ([]models.IntegrationGroup, error) {
	return parseRegistry(data, models.HealthThresholds{})
}

func parseRegistry(data []byte, fallback models.HealthThresholds) ([]models.IntegrationGroup, error) {
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, utils.NewAppError("registry.parse", "decode registry", err)
	}

	var problems utils.ValidationErrors
	seen := make(map[string]struct{}, len(file.Groups))
	groups := make([]models.IntegrationGroup, 0, len(file.Groups))

	for i, spec := range file.Groups {
		id := strings.TrimSpace(spec.ID)
		label := id
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			problems.Addf("group %s: id is required", label)
		} else if _, dup := seen[id]; dup {
			problems.Addf("group %s: duplicate id", label)
		}
		seen[id] = struct{}{}

		group, groupProblems := normaliseGroup(id, spec, fallback.WithDefaults())
		for _, p := range groupProblems {
			problems.Addf("group %s: %s", label, p)
		}
		groups = append(groups, group)
	}

	if err := problems.Err(); err != nil {
		return nil, utils.NewAppError("registry.validate", "invalid registry", err)
	}
	return groups, nil
}

func normaliseGroup(id string, spec GroupSpec, fallback models.HealthThresholds) (models.IntegrationGroup, []string) {
	var problems []string

	tier := models.Tier(strings.ToLower(strings.TrimSpace(spec.Tier)))
	switch tier {
	case "":
		tier = models.TierStandard
	case models.TierCritical, models.TierStandard, models.TierLow:
	default:
		problems = append(problems, fmt.Sprintf("unknown tier %q", spec.Tier))
	}

	weight := defaultCriticalityWeight
	if spec.CriticalityWeight != nil {
		weight = *spec.CriticalityWeight
	}
	if weight < 0 || weight > 1 {
		problems = append(problems, fmt.Sprintf("criticality_weight %.2f outside [0,1]", weight))
	}

	caps := make([]string, 0, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		problems = append(problems, "at least one capability is required")
	}

	thresholds := models.HealthThresholds{Warning: spec.Thresholds.Warning, Critical: spec.Thresholds.Critical}
	if thresholds.Warning <= 0 {
		thresholds.Warning = fallback.Warning
	}
	if thresholds.Critical <= 0 {
		thresholds.Critical = fallback.Critical
	}
	if thresholds.Critical >= thresholds.Warning {
		problems = append(problems, "thresholds.critical must be below thresholds.warning")
	}

	if len(spec.MemberEndpoints) == 0 {
		problems = append(problems, "at least one member endpoint is required")
	}
	endpoints := make([]models.Endpoint, 0, len(spec.MemberEndpoints))
	for j, ep := range spec.MemberEndpoints {
		name := ep.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", id, j)
		}
		if strings.TrimSpace(ep.Kind) == "" {
			problems = append(problems, fmt.Sprintf("endpoint %s: kind is required", name))
		}
		if strings.TrimSpace(ep.URL) == "" {
			problems = append(problems, fmt.Sprintf("endpoint %s: url is required", name))
		}
		endpoints = append(endpoints, models.Endpoint{
			Name:    name,
			Kind:    strings.ToLower(strings.TrimSpace(ep.Kind)),
			URL:     ep.URL,
			Options: ep.Options,
		})
	}

	if spec.MaxConcurrency < 0 {
		problems = append(problems, "max_concurrency must not be negative")
	}

	interval := utils.Seconds(spec.HealthCheckIntervalSeconds)
	if interval == 0 {
		interval = tier.DefaultInterval()
	}

	name := spec.Name
	if name == "" {
		name = id
	}

	return models.IntegrationGroup{
		ID:                  id,
		Name:                name,
		Capabilities:        caps,
		Tier:                tier,
		CriticalityWeight:   weight,
		HealthCheckInterval: interval,
		Circuit: models.CircuitConfig{
			FailureThreshold:    spec.CircuitBreaker.FailureThreshold,
			Cooldown:            utils.Seconds(spec.CircuitBreaker.CooldownSeconds),
			HalfOpenMaxRequests: spec.CircuitBreaker.HalfOpenMaxRequests,
		}.WithDefaults(),
		Thresholds:     thresholds,
		MaxConcurrency: spec.MaxConcurrency,
		StepTimeout:    utils.Seconds(spec.StepTimeoutSeconds),
		Endpoints:      endpoints,
	}, problems
}
