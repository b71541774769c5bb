package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinMonitorInterval = 5 * time.Second
	MaxMonitorInterval = 300 * time.Second
	MaxZThreshold      = 50.0
	MaxRateLimit       = 10000
	MaxBlastRadius     = 10000
	MaxCooldown        = 24 * time.Hour
)

// ConfigurationError reports rejected configure parameters. Nothing is applied
// when it is returned.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// RuntimeSettings are the knobs the configure operation may change while running.
type RuntimeSettings struct {
	MonitorInterval     time.Duration
	ConfidenceThreshold float64
	ZThreshold          float64
	RateLimit           int
	BlastRadius         int
	ResponseCooldown    time.Duration
	AnomalyDetection    bool
	SelfHealing         bool
}

// SettingsUpdate carries a partial configure request. Nil fields are left alone.
type SettingsUpdate struct {
	MonitorInterval     *time.Duration
	ConfidenceThreshold *float64
	ZThreshold          *float64
	RateLimit           *int
	BlastRadius         *int
	ResponseCooldown    *time.Duration
	AnomalyDetection    *bool
	SelfHealing         *bool
}

// Empty reports whether the update changes nothing.
func (u SettingsUpdate) Empty() bool {
	return u.MonitorInterval == nil && u.ConfidenceThreshold == nil && u.ZThreshold == nil &&
		u.RateLimit == nil && u.BlastRadius == nil && u.ResponseCooldown == nil &&
		u.AnomalyDetection == nil && u.SelfHealing == nil
}

// Runtime extracts the runtime settings from a loaded config.
func (c Config) Runtime() RuntimeSettings {
	return RuntimeSettings{
		MonitorInterval:     c.Monitoring.Interval,
		ConfidenceThreshold: c.Autonomy.ConfidenceThreshold,
		ZThreshold:          c.Anomaly.ZThreshold,
		RateLimit:           c.Guardrails.RateLimit,
		BlastRadius:         c.Guardrails.BlastRadius,
		ResponseCooldown:    c.Response.Cooldown,
		AnomalyDetection:    c.Anomaly.Enabled,
		SelfHealing:         c.Autonomy.SelfHealingEnabled,
	}
}

// Validate checks every range and returns a ConfigurationError listing all problems.
func (s RuntimeSettings) Validate() error {
	var problems []string
	if s.MonitorInterval < MinMonitorInterval || s.MonitorInterval > MaxMonitorInterval {
		problems = append(problems, fmt.Sprintf("interval %s outside [%s, %s]", s.MonitorInterval, MinMonitorInterval, MaxMonitorInterval))
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("confidence threshold %.3f outside [0, 1]", s.ConfidenceThreshold))
	}
	if s.ZThreshold <= 0 || s.ZThreshold > MaxZThreshold {
		problems = append(problems, fmt.Sprintf("z threshold %.3f outside (0, %.0f]", s.ZThreshold, MaxZThreshold))
	}
	if s.RateLimit < 1 || s.RateLimit > MaxRateLimit {
		problems = append(problems, fmt.Sprintf("rate limit %d outside [1, %d]", s.RateLimit, MaxRateLimit))
	}
	if s.BlastRadius < 1 || s.BlastRadius > MaxBlastRadius {
		problems = append(problems, fmt.Sprintf("blast radius %d outside [1, %d]", s.BlastRadius, MaxBlastRadius))
	}
	if s.ResponseCooldown < 0 || s.ResponseCooldown > MaxCooldown {
		problems = append(problems, fmt.Sprintf("cooldown %s outside [0s, %s]", s.ResponseCooldown, MaxCooldown))
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Apply returns s with u merged in, or a ConfigurationError and s unchanged.
func (s RuntimeSettings) Apply(u SettingsUpdate) (RuntimeSettings, error) {
	next := s
	if u.MonitorInterval != nil {
		next.MonitorInterval = *u.MonitorInterval
	}
	if u.ConfidenceThreshold != nil {
		next.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.ZThreshold != nil {
		next.ZThreshold = *u.ZThreshold
	}
	if u.RateLimit != nil {
		next.RateLimit = *u.RateLimit
	}
	if u.BlastRadius != nil {
		next.BlastRadius = *u.BlastRadius
	}
	if u.ResponseCooldown != nil {
		next.ResponseCooldown = *u.ResponseCooldown
	}
	if u.AnomalyDetection != nil {
		next.AnomalyDetection = *u.AnomalyDetection
	}
	if u.SelfHealing != nil {
		next.SelfHealing = *u.SelfHealing
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}
