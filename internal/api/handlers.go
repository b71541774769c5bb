package api

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/autonomy"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/monitor"
	"github.com/miradorstack/mirador-autopilot/internal/orchestrator"
)

// StatusView is everything get-status reports.
type StatusView struct {
	Autonomy        autonomy.Status
	Monitor         monitor.Stats
	Samples         []monitor.Snapshot
	Settings        config.RuntimeSettings
	CycleLatencyP95 time.Duration
}

// Settings keys accepted by Configure.
const (
	KeyInterval            = "interval"
	KeyConfidenceThreshold = "confidence_threshold"
	KeyZThreshold          = "z_threshold"
	KeyRateLimit           = "rate_limit"
	KeyBlastRadius         = "blast_radius"
	KeyCooldown            = "cooldown"
	KeyAnomalyDetection    = "anomaly_detection"
	KeySelfHealing         = "self_healing"
)

// FromProtoSettingsUpdate parses a Configure request. Durations are accepted as
// Go duration strings or as numbers of seconds. Problems are reported together as a
// config.ConfigurationError.
func FromProtoSettingsUpdate(req *structpb.Struct) (config.SettingsUpdate, error) {
	var u config.SettingsUpdate
	var problems []string
	for key, v := range req.GetFields() {
		switch key {
		case KeyInterval:
			d, err := durationValue(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			u.MonitorInterval = &d
		case KeyCooldown:
			d, err := durationValue(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			u.ResponseCooldown = &d
		case KeyConfidenceThreshold, KeyZThreshold:
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				problems = append(problems, key+": expected a number")
				continue
			}
			f := n.NumberValue
			if key == KeyZThreshold {
				u.ZThreshold = &f
			} else {
				u.ConfidenceThreshold = &f
			}
		case KeyRateLimit, KeyBlastRadius:
			n, err := intValue(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			if key == KeyRateLimit {
				u.RateLimit = &n
			} else {
				u.BlastRadius = &n
			}
		case KeyAnomalyDetection, KeySelfHealing:
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				problems = append(problems, key+": expected a bool")
				continue
			}
			flag := b.BoolValue
			if key == KeySelfHealing {
				u.SelfHealing = &flag
			} else {
				u.AnomalyDetection = &flag
			}
		default:
			problems = append(problems, "unknown setting "+key)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return config.SettingsUpdate{}, &config.ConfigurationError{Problems: problems}
	}
	if u.Empty() {
		return u, &config.ConfigurationError{Problems: []string{"no settings given"}}
	}
	return u, nil
}

func durationValue(v *structpb.Value) (time.Duration, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return time.ParseDuration(k.StringValue)
	case *structpb.Value_NumberValue:
		return time.Duration(k.NumberValue * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("expected a duration string or seconds")
}

func intValue(v *structpb.Value) (int, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("expected a number")
	}
	if n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("expected an integer, got %v", n.NumberValue)
	}
	return int(n.NumberValue), nil
}

// ToProtoSettingsUpdate builds a Configure request.
func ToProtoSettingsUpdate(u config.SettingsUpdate) (*structpb.Struct, error) {
	m := map[string]any{}
	if u.MonitorInterval != nil {
		m[KeyInterval] = u.MonitorInterval.String()
	}
	if u.ConfidenceThreshold != nil {
		m[KeyConfidenceThreshold] = *u.ConfidenceThreshold
	}
	if u.ZThreshold != nil {
		m[KeyZThreshold] = *u.ZThreshold
	}
	if u.RateLimit != nil {
		m[KeyRateLimit] = *u.RateLimit
	}
	if u.BlastRadius != nil {
		m[KeyBlastRadius] = *u.BlastRadius
	}
	if u.ResponseCooldown != nil {
		m[KeyCooldown] = u.ResponseCooldown.String()
	}
	if u.AnomalyDetection != nil {
		m[KeyAnomalyDetection] = *u.AnomalyDetection
	}
	if u.SelfHealing != nil {
		m[KeySelfHealing] = *u.SelfHealing
	}
	return structpb.NewStruct(m)
}

// ToProtoSettings renders the active runtime settings.
func ToProtoSettings(s config.RuntimeSettings) (*structpb.Struct, error) {
	return structpb.NewStruct(settingsMap(s))
}

func settingsMap(s config.RuntimeSettings) map[string]any {
	return map[string]any{
		KeyInterval:            s.MonitorInterval.String(),
		KeyConfidenceThreshold: s.ConfidenceThreshold,
		KeyZThreshold:          s.ZThreshold,
		KeyRateLimit:           s.RateLimit,
		KeyBlastRadius:         s.BlastRadius,
		KeyCooldown:            s.ResponseCooldown.String(),
		KeyAnomalyDetection:    s.AnomalyDetection,
		KeySelfHealing:         s.SelfHealing,
	}
}

// FromProtoResolve reads the id and note of an approve or reject request.
func FromProtoResolve(req *structpb.Struct) (id, note string, err error) {
	fields := req.GetFields()
	id = fields["id"].GetStringValue()
	if id == "" {
		return "", "", fmt.Errorf("id is required")
	}
	note = fields["note"].GetStringValue()
	if note == "" {
		note = fields["reason"].GetStringValue()
	}
	return id, note, nil
}

// FromProtoKillSwitch reads the engaged flag of a SetKillSwitch request.
func FromProtoKillSwitch(req *structpb.Struct) (bool, error) {
	v, ok := req.GetFields()["engaged"]
	if !ok {
		return false, fmt.Errorf("engaged is required")
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("engaged must be a bool")
	}
	return b.BoolValue, nil
}

// ToProtoKillSwitch reports the kill switch change.
func ToProtoKillSwitch(engaged, previous bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"engaged": engaged, "previous": previous})
}

// ToProtoMonitorOutcome reports a lifecycle request.
func ToProtoMonitorOutcome(out monitor.Outcome) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"changed": out.Changed,
		"from":    string(out.From),
		"to":      string(out.To),
		"message": out.Message,
	})
}

// ToProtoCycleReport renders a triggered cycle.
func ToProtoCycleReport(report orchestrator.CycleReport) (*structpb.Struct, error) {
	decisions := make([]any, 0, len(report.Decisions))
	for _, d := range report.Decisions {
		decisions = append(decisions, decisionMap(d))
	}
	outcomes := make([]any, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		m := map[string]any{
			"decision_id": o.Decision.ID,
			"type":        o.Decision.Type.String(),
			"target":      o.Decision.Target.Key(),
			"priority":    o.Decision.Priority,
			"routing":     string(o.Routing),
			"blocked_by":  stringList(o.BlockedBy),
		}
		if o.Record != nil {
			m["record_id"] = o.Record.ID
			m["outcome"] = string(o.Record.Outcome)
		}
		if o.Err != nil {
			m["error"] = o.Err.Error()
		}
		outcomes = append(outcomes, m)
	}
	return structpb.NewStruct(map[string]any{
		"cycle_id":  report.ID,
		"duration":  report.Duration.String(),
		"world":     worldMap(report.World),
		"decisions": decisions,
		"outcomes":  outcomes,
		"executed":  len(report.Executed()),
	})
}

// ToProtoPendingDecision renders one approval queue entry.
func ToProtoPendingDecision(p autonomy.PendingDecision) (*structpb.Struct, error) {
	return structpb.NewStruct(pendingMap(p))
}

// ToProtoPendingList renders the approval queue.
func ToProtoPendingList(items []autonomy.PendingDecision) (*structpb.Struct, error) {
	list := make([]any, 0, len(items))
	for _, p := range items {
		list = append(list, pendingMap(p))
	}
	return structpb.NewStruct(map[string]any{"pending": list, "count": len(items)})
}

// ToProtoStatus renders get-status.
func ToProtoStatus(v StatusView) (*structpb.Struct, error) {
	g := v.Autonomy.Guardrails
	trends := make([]any, 0, len(v.Autonomy.Trends))
	for _, t := range v.Autonomy.Trends {
		trends = append(trends, map[string]any{
			"action":          t.Action.String(),
			"attempts":        t.Attempts,
			"successes":       t.Successes,
			"failures":        t.Failures,
			"recent_failures": t.RecentFailures,
			"success_rate":    t.SuccessRate,
			"last_failure":    timestamp(t.LastFailure),
		})
	}
	recent := make([]any, 0, len(v.Autonomy.RecentDecisions))
	for _, a := range v.Autonomy.RecentDecisions {
		recent = append(recent, map[string]any{
			"decision_id": a.DecisionID,
			"cycle_id":    a.CycleID,
			"type":        a.Decision.Type.String(),
			"target":      a.Decision.Target.Key(),
			"confidence":  a.Confidence,
			"routing":     string(a.Routing),
			"blocked_by":  stringList(a.BlockedBy),
			"at":          timestamp(a.At),
		})
	}
	deployments := make([]any, 0, len(v.Autonomy.ActiveDeployments))
	for _, d := range v.Autonomy.ActiveDeployments {
		deployments = append(deployments, map[string]any{
			"deployment_id": d.DeploymentID,
			"service":       d.Service,
			"state":         string(d.State),
			"transitions":   len(d.History),
		})
	}
	samples := make([]any, 0, len(v.Samples))
	for _, s := range v.Samples {
		values := make(map[string]any, len(s.Metrics))
		for k, val := range s.Metrics {
			values[k] = val
		}
		sample := map[string]any{
			"endpoint": s.Endpoint,
			"target":   s.Target,
			"at":       timestamp(s.At),
			"metrics":  values,
		}
		if s.Err != "" {
			sample["error"] = s.Err
		}
		samples = append(samples, sample)
	}
	m := v.Monitor
	return structpb.NewStruct(map[string]any{
		"kill_switch": g.KillSwitch,
		"guardrails": map[string]any{
			"kill_switch":        g.KillSwitch,
			"rate_used":          g.RateUsed,
			"rate_limit":         g.RateLimit,
			"blast_targets":      stringList(g.BlastTargets),
			"blast_radius_used":  len(g.BlastTargets),
			"blast_radius_limit": g.BlastRadiusLimit,
		},
		"confidence_threshold": v.Autonomy.ConfidenceThreshold,
		"self_healing_enabled": v.Autonomy.SelfHealingEnabled,
		"pending_approvals":    v.Autonomy.PendingApprovals,
		"settings":             settingsMap(v.Settings),
		"monitoring": map[string]any{
			"state":                  string(m.State),
			"interval":               m.Interval.String(),
			"anomaly_detection":      m.AnomalyDetection,
			"endpoints":              m.Endpoints,
			"collections_attempted":  m.CollectionsAttempted,
			"collections_succeeded":  m.CollectionsSucceeded,
			"collections_failed":     m.CollectionsFailed,
			"anomalies_detected":     m.AnomaliesDetected,
			"self_healing_triggered": m.SelfHealingTriggered,
			"consecutive_errors":     m.ConsecutiveErrors,
			"last_collection":        timestamp(m.LastCollection),
			"auto_resume_at":         timestamp(m.AutoResumeAt),
			"last_error":             m.LastError,
		},
		"samples":            samples,
		"trends":             trends,
		"recent_decisions":   recent,
		"active_deployments": deployments,
		"cycle_latency_p95":  v.CycleLatencyP95.String(),
	})
}

func pendingMap(p autonomy.PendingDecision) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"cycle_id":    p.CycleID,
		"status":      string(p.Status),
		"confidence":  p.Confidence,
		"blocked_by":  stringList(p.BlockedBy),
		"created_at":  timestamp(p.CreatedAt),
		"last_seen":   timestamp(p.LastSeen),
		"resolved_at": timestamp(p.ResolvedAt),
		"note":        p.Note,
		"record_id":   p.RecordID,
		"decision":    decisionMap(p.Decision),
	}
}

func decisionMap(d models.Decision) map[string]any {
	m := map[string]any{
		"id":         d.ID,
		"type":       d.Type.String(),
		"target":     targetMap(d.Target),
		"target_key": d.Target.Key(),
		"priority":   d.Priority,
		"reason":     d.Reason,
		"signals":    d.Signals,
		"severity":   string(d.Severity),
		"source":     d.Source,
		"created_at": timestamp(d.CreatedAt),
	}
	if d.Confidence != nil {
		factors := make([]any, 0, len(d.Confidence.Factors))
		for _, f := range d.Confidence.Factors {
			factors = append(factors, map[string]any{"name": f.Name, "value": f.Value, "weight": f.Weight})
		}
		m["confidence"] = d.Confidence.Value
		m["factors"] = factors
	}
	return m
}

func targetMap(t models.Target) map[string]any {
	m := map[string]any{}
	if t.Service != "" {
		m["service"] = t.Service
	}
	if t.DeploymentID != "" {
		m["deployment_id"] = t.DeploymentID
	}
	if t.Repository != "" {
		m["repository"] = t.Repository
	}
	if t.PullRequest != 0 {
		m["pull_request"] = t.PullRequest
	}
	if t.Workflow != "" {
		m["workflow"] = t.Workflow
	}
	return m
}

func worldMap(w models.WorldSummary) map[string]any {
	streaks := make(map[string]any, len(w.FailureStreaks))
	for k, v := range w.FailureStreaks {
		streaks[k] = v
	}
	return map[string]any{
		"timestamp":        timestamp(w.Timestamp),
		"sources":          w.Sources,
		"degraded_sources": stringList(w.DegradedSources),
		"deployments":      w.Deployments,
		"pull_requests":    w.PullRequests,
		"workflow_runs":    w.WorkflowRuns,
		"services":         w.Services,
		"failure_streaks":  streaks,
	}
}

func stringList(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
