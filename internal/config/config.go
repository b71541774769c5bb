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

// Config captures every setting required to boot the autopilot service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Platforms  []PlatformConfig `yaml:"platforms"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Response   ResponseConfig   `yaml:"response"`
	Autonomy   AutonomyConfig   `yaml:"autonomy"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
}

// ServerConfig controls the gRPC and admin HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AdminAddress    string        `yaml:"adminAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects durable storage. An empty path keeps everything in memory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the Valkey connection holding anomaly cooldown marks. When
// disabled an in-process cache is used.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// PlatformConfig configures one outbound platform gateway.
type PlatformConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"baseURL"`
	StatePath  string        `yaml:"statePath"`
	ActionPath string        `yaml:"actionPath"`
	VerifyPath string        `yaml:"verifyPath"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rateLimit"`
	RateBurst  int           `yaml:"rateBurst"`
	Actions    []string      `yaml:"actions"`
}

// EndpointConfig is one monitored metrics endpoint.
type EndpointConfig struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
	URL    string `yaml:"url"`
}

// MonitoringConfig controls the monitoring loop.
type MonitoringConfig struct {
	AutoStart       bool             `yaml:"autoStart"`
	Interval        time.Duration    `yaml:"interval"`
	EndpointTimeout time.Duration    `yaml:"endpointTimeout"`
	HistorySize     int              `yaml:"historySize"`
	ErrorThreshold  int              `yaml:"errorThreshold"`
	ErrorCooldown   time.Duration    `yaml:"errorCooldown"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
}

// AnomalyConfig tunes the detector ensemble.
type AnomalyConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Window             int     `yaml:"window"`
	MinSamples         int     `yaml:"minSamples"`
	ZThreshold         float64 `yaml:"zThreshold"`
	MADThreshold       float64 `yaml:"madThreshold"`
	SeasonalMinSamples int     `yaml:"seasonalMinSamples"`
	AdaptAfter         int     `yaml:"adaptAfter"`
}

// ResponseConfig controls how anomalies become self-healing requests.
type ResponseConfig struct {
	RulesPath   string        `yaml:"rulesPath"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Reconfirm   int           `yaml:"reconfirm"`
	MinSeverity string        `yaml:"minSeverity"`
}

// ConfidenceWeights configures the weighted confidence scorer.
type ConfidenceWeights struct {
	BaseReliability   float64 `yaml:"baseReliability"`
	HistoricalSuccess float64 `yaml:"historicalSuccess"`
	SignalSeverity    float64 `yaml:"signalSeverity"`
	Corroboration     float64 `yaml:"corroboration"`
	BlastBudget       float64 `yaml:"blastBudget"`
}

// AutonomyConfig controls the OODA cycle and the confidence gate.
type AutonomyConfig struct {
	CycleInterval       time.Duration     `yaml:"cycleInterval"`
	SourceTimeout       time.Duration     `yaml:"sourceTimeout"`
	ConfidenceThreshold float64           `yaml:"confidenceThreshold"`
	SelfHealingEnabled  bool              `yaml:"selfHealingEnabled"`
	TrendWindow         time.Duration     `yaml:"trendWindow"`
	Weights             ConfidenceWeights `yaml:"weights"`
	DecisionLogSize     int               `yaml:"decisionLogSize"`
}

// GuardrailsConfig seeds the safety gates.
type GuardrailsConfig struct {
	KillSwitch      bool          `yaml:"killSwitch"`
	RateLimit       int           `yaml:"rateLimit"`
	RateWindow      time.Duration `yaml:"rateWindow"`
	BlastRadius     int           `yaml:"blastRadius"`
	BlastWindow     time.Duration `yaml:"blastWindow"`
	RecordRetention time.Duration `yaml:"recordRetention"`
}

// defaultRecordRetention matches audit.NewTrail's fallback.
const defaultRecordRetention = 24 * time.Hour

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_AUTOPILOT_CONFIG")
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

// Validate checks the runtime settings and that the action record retention covers
// every window evaluated over the trail.
func (c Config) Validate() error {
	var problems []string
	if err := c.Runtime().Validate(); err != nil {
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			return err
		}
		problems = append(problems, cfgErr.Problems...)
	}
	retention := c.Guardrails.RecordRetention
	if retention <= 0 {
		retention = defaultRecordRetention
	}
	windows := []struct {
		name string
		d    time.Duration
	}{
		{"guardrails.rateWindow", c.Guardrails.RateWindow},
		{"guardrails.blastWindow", c.Guardrails.BlastWindow},
		{"autonomy.trendWindow", c.Autonomy.TrendWindow},
	}
	for _, w := range windows {
		if w.d > retention {
			problems = append(problems, fmt.Sprintf("guardrails.recordRetention %s shorter than %s %s", retention, w.name, w.d))
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			AdminAddress:    ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "autopilot:",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Monitoring: MonitoringConfig{
			Interval:        30 * time.Second,
			EndpointTimeout: 5 * time.Second,
			HistorySize:     100,
			ErrorThreshold:  5,
			ErrorCooldown:   time.Minute,
		},
		Anomaly: AnomalyConfig{
			Enabled:            true,
			Window:             100,
			MinSamples:         20,
			ZThreshold:         3.0,
			MADThreshold:       3.5,
			SeasonalMinSamples: 5,
			AdaptAfter:         5,
		},
		Response: ResponseConfig{
			RulesPath:   "configs/rules/response.yaml",
			Cooldown:    5 * time.Minute,
			Reconfirm:   1,
			MinSeverity: "medium",
		},
		Autonomy: AutonomyConfig{
			CycleInterval:       time.Minute,
			SourceTimeout:       10 * time.Second,
			ConfidenceThreshold: 0.7,
			SelfHealingEnabled:  true,
			TrendWindow:         time.Hour,
			Weights: ConfidenceWeights{
				BaseReliability:   0.30,
				HistoricalSuccess: 0.25,
				SignalSeverity:    0.20,
				Corroboration:     0.10,
				BlastBudget:       0.15,
			},
			DecisionLogSize: 256,
		},
		Guardrails: GuardrailsConfig{
			RateLimit:       20,
			RateWindow:      time.Hour,
			BlastRadius:     5,
			BlastWindow:     time.Hour,
			RecordRetention: defaultRecordRetention,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_AUTOPILOT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_ADMIN_ADDRESS"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_RULES_PATH"); v != "" {
		cfg.Response.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_KILL_SWITCH"); v != "" {
		cfg.Guardrails.KillSwitch = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guardrails.RateLimit = n
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_BLAST_RADIUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guardrails.BlastRadius = n
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autonomy.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autonomy.CycleInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitoring.Interval = d
		}
	}
	if v := os.Getenv("MIRADOR_AUTOPILOT_RESPONSE_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Response.Cooldown = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
