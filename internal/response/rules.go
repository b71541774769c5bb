// Package response maps detected anomalies onto self-healing actions.
package response

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Rule maps metrics onto one remediation.
type Rule struct {
	ID     string    `yaml:"id"`
	Match  RuleMatch `yaml:"match"`
	Action string    `yaml:"action"`

	action models.ActionType
}

// RuleMatch selects metrics by exact name or by substring.
type RuleMatch struct {
	Metric      string   `yaml:"metric"`
	Contains    []string `yaml:"contains"`
	MinSeverity string   `yaml:"min_severity"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rules is the static metric→action table.
type Rules struct {
	rules []Rule
}

// DefaultRules is used when no rules file is configured.
func DefaultRules() *Rules {
	rules, err := compile([]Rule{
		{ID: "latency", Match: RuleMatch{Contains: []string{"latency", "duration"}}, Action: "RESTART_SERVICE"},
		{ID: "error-rate", Match: RuleMatch{Contains: []string{"error_rate", "errors"}}, Action: "RESTART_SERVICE"},
		{ID: "cache", Match: RuleMatch{Contains: []string{"cache"}}, Action: "CLEAR_CACHE"},
		{ID: "connections", Match: RuleMatch{Contains: []string{"connection", "pool"}}, Action: "RESET_CONNECTIONS"},
		{ID: "memory", Match: RuleMatch{Contains: []string{"memory", "heap", "rss"}}, Action: "MEMORY_CLEANUP"},
	})
	if err != nil {
		panic("response: invalid default rules: " + err.Error())
	}
	return rules
}

// LoadRules reads a rules file. A missing path or file yields DefaultRules.
func LoadRules(path string, logger *slog.Logger) (*Rules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("response rules file not found, using defaults", slog.String("path", path))
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read response rules: %w", err)
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse response rules: %w", err)
	}
	return compile(cfg.Rules)
}

// compile rejects rules naming unknown or non-self-healing actions.
func compile(rules []Rule) (*Rules, error) {
	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		action, err := models.ParseActionType(rule.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !action.SelfHealing() {
			return nil, fmt.Errorf("rule %s: %s is not a self-healing action", rule.ID, action)
		}
		if rule.Match.MinSeverity != "" && models.ParseSeverity(rule.Match.MinSeverity) == models.SeverityNone {
			return nil, fmt.Errorf("rule %s: unknown severity %q", rule.ID, rule.Match.MinSeverity)
		}
		rule.action = action
		out = append(out, rule)
	}
	return &Rules{rules: out}, nil
}

// Lookup returns the action for metric. Exact metric matches win over substring
// matches; within each pass the first rule in file order wins.
func (r *Rules) Lookup(metric string, severity models.Severity) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	name := strings.ToLower(metric)
	for _, rule := range r.rules {
		if rule.Match.Metric != "" && strings.EqualFold(rule.Match.Metric, metric) && severityAllows(rule, severity) {
			return rule, true
		}
	}
	for _, rule := range r.rules {
		if !severityAllows(rule, severity) {
			continue
		}
		for _, kw := range rule.Match.Contains {
			if kw != "" && strings.Contains(name, strings.ToLower(kw)) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

// ActionType returns the compiled action.
func (r Rule) ActionType() models.ActionType {
	return r.action
}

func severityAllows(rule Rule, severity models.Severity) bool {
	if rule.Match.MinSeverity == "" {
		return true
	}
	return severity.AtLeast(models.ParseSeverity(rule.Match.MinSeverity))
}
