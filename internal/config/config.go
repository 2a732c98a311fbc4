package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the federation service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Planner    PlannerConfig    `yaml:"planner"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Prediction PredictionConfig `yaml:"prediction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls the gRPC and HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// RegistryConfig locates the integration group catalog.
type RegistryConfig struct {
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reloadInterval"`
}

// PlannerConfig controls intent mapping.
type PlannerConfig struct {
	IntentsPath string `yaml:"intentsPath"`
}

// MonitorConfig controls background probing and alerting.
type MonitorConfig struct {
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	WindowSize        int           `yaml:"windowSize"`
	WindowMaxAge      time.Duration `yaml:"windowMaxAge"`
	MinInterval       time.Duration `yaml:"minInterval"`
	WarningThreshold  float64       `yaml:"warningThreshold"`
	CriticalThreshold float64       `yaml:"criticalThreshold"`
	AlertSuppression  time.Duration `yaml:"alertSuppression"`
	LatencySpikeScore float64       `yaml:"latencySpikeScore"`
}

// SchedulerConfig controls request execution.
type SchedulerConfig struct {
	RequestTimeout          time.Duration `yaml:"requestTimeout"`
	DefaultGroupConcurrency int           `yaml:"defaultGroupConcurrency"`
	ResultCacheTTL          time.Duration `yaml:"resultCacheTTL"`
}

// PredictionConfig controls the trend analyzer.
type PredictionConfig struct {
	Horizon     time.Duration `yaml:"horizon"`
	MinPoints   int           `yaml:"minPoints"`
	TrendPoints int           `yaml:"trendPoints"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey/Redis-backed caching of sub-query results and alert suppression.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_FED_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Monitor.CriticalThreshold >= c.Monitor.WarningThreshold {
		return fmt.Errorf("monitor.criticalThreshold (%.2f) must be below monitor.warningThreshold (%.2f)",
			c.Monitor.CriticalThreshold, c.Monitor.WarningThreshold)
	}
	if c.Monitor.WindowSize <= 0 {
		return fmt.Errorf("monitor.windowSize must be positive")
	}
	if c.Scheduler.RequestTimeout <= 0 {
		return fmt.Errorf("scheduler.requestTimeout must be positive")
	}
	if c.Prediction.MinPoints < 2 {
		return fmt.Errorf("prediction.minPoints must be at least 2")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			GracefulTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Path:           "configs/registry.yaml",
			ReloadInterval: 30 * time.Second,
		},
		Planner: PlannerConfig{IntentsPath: "configs/intents.yaml"},
		Monitor: MonitorConfig{
			ProbeTimeout:      5 * time.Second,
			WindowSize:        50,
			WindowMaxAge:      time.Hour,
			MinInterval:       10 * time.Second,
			WarningThreshold:  0.70,
			CriticalThreshold: 0.50,
			AlertSuppression:  5 * time.Minute,
			LatencySpikeScore: 3,
		},
		Scheduler: SchedulerConfig{
			RequestTimeout:          30 * time.Second,
			DefaultGroupConcurrency: 8,
			ResultCacheTTL:          0,
		},
		Prediction: PredictionConfig{
			Horizon:     4 * time.Hour,
			MinPoints:   3,
			TrendPoints: 12,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "federator:",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_FED_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_FED_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_FED_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("MIRADOR_FED_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	if d, ok := envDuration("MIRADOR_FED_REGISTRY_RELOAD_INTERVAL"); ok {
		cfg.Registry.ReloadInterval = d
	}
	if v := os.Getenv("MIRADOR_FED_INTENTS_PATH"); v != "" {
		cfg.Planner.IntentsPath = v
	}
	if d, ok := envDuration("MIRADOR_FED_PROBE_TIMEOUT"); ok {
		cfg.Monitor.ProbeTimeout = d
	}
	if v := os.Getenv("MIRADOR_FED_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.WindowSize = n
		}
	}
	if v := os.Getenv("MIRADOR_FED_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.WarningThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_FED_CRITICAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.CriticalThreshold = f
		}
	}
	if d, ok := envDuration("MIRADOR_FED_REQUEST_TIMEOUT"); ok {
		cfg.Scheduler.RequestTimeout = d
	}
	if d, ok := envDuration("MIRADOR_FED_RESULT_CACHE_TTL"); ok {
		cfg.Scheduler.ResultCacheTTL = d
	}
	if d, ok := envDuration("MIRADOR_FED_PREDICTION_HORIZON"); ok {
		cfg.Prediction.Horizon = d
	}
	if v := os.Getenv("MIRADOR_FED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_FED_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_TLS"); envBool(v) {
		cfg.Cache.TLS = true
	}
	if d, ok := envDuration("MIRADOR_FED_CACHE_DIAL_TIMEOUT"); ok {
		cfg.Cache.DialTimeout = d
	}
	if v := os.Getenv("MIRADOR_FED_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
