package models

import (
	"sort"
	"time"
)

// Well-known Observation field keys populated by platform sources.
const (
	FieldDeployments  = "deployments"
	FieldPullRequests = "pull_requests"
	FieldWorkflowRuns = "workflow_runs"
	FieldServices     = "services"
)

// Deployment statuses as reported by the build/deploy platform.
const (
	DeploymentPending     = "pending"
	DeploymentBuilding    = "building"
	DeploymentDeploying   = "deploying"
	DeploymentActive      = "active"
	DeploymentFailed      = "failed"
	DeploymentRollingBack = "rolling_back"
	DeploymentRolledBack  = "rolled_back"
)

// Service health statuses.
const (
	ServiceHealthy  = "healthy"
	ServiceDegraded = "degraded"
	ServiceDown     = "down"
)

// DeploymentSnapshot is the shape the core needs from the deploy platform.
type DeploymentSnapshot struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// InFlight reports whether the deployment has not yet reached a settled state.
func (d DeploymentSnapshot) InFlight() bool {
	switch d.Status {
	case DeploymentPending, DeploymentBuilding, DeploymentDeploying, DeploymentRollingBack:
		return true
	}
	return false
}

// PullRequestSnapshot is the shape the core needs from source control.
type PullRequestSnapshot struct {
	Repository    string `json:"repository"`
	Number        int    `json:"number"`
	Title         string `json:"title"`
	Service       string `json:"service"`
	State         string `json:"state"`
	ChecksPassing bool   `json:"checks_passing"`
	Approved      bool   `json:"approved"`
	Mergeable     bool   `json:"mergeable"`
}

// WorkflowRunSnapshot covers CI runs and scheduled automation executions.
type WorkflowRunSnapshot struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	Service    string    `json:"service"`
	StartedAt  time.Time `json:"started_at"`
}

// Failed reports whether the run concluded unsuccessfully.
func (w WorkflowRunSnapshot) Failed() bool {
	switch w.Conclusion {
	case "failure", "failed", "error", "timed_out", "cancelled":
		return true
	}
	return false
}

// ServiceSnapshot is the current health of one deployed service.
type ServiceSnapshot struct {
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	ErrorRate      float64 `json:"error_rate"`
	LatencyMs      float64 `json:"latency_ms"`
	CurrentVersion string  `json:"current_version"`
	DesiredVersion string  `json:"desired_version"`
}

// Observation is an immutable point-in-time capture from one source.
type Observation struct {
	Source     string
	CapturedAt time.Time
	Fields     map[string]any
	Err        string
}

// OK reports whether the source answered successfully.
func (o Observation) OK() bool {
	return o.Err == ""
}

// Deployments returns the typed deployments field, if present.
func (o Observation) Deployments() []DeploymentSnapshot {
	v, _ := o.Fields[FieldDeployments].([]DeploymentSnapshot)
	return v
}

// PullRequests returns the typed pull requests field, if present.
func (o Observation) PullRequests() []PullRequestSnapshot {
	v, _ := o.Fields[FieldPullRequests].([]PullRequestSnapshot)
	return v
}

// WorkflowRuns returns the typed workflow runs field, if present.
func (o Observation) WorkflowRuns() []WorkflowRunSnapshot {
	v, _ := o.Fields[FieldWorkflowRuns].([]WorkflowRunSnapshot)
	return v
}

// Services returns the typed services field, if present.
func (o Observation) Services() []ServiceSnapshot {
	v, _ := o.Fields[FieldServices].([]ServiceSnapshot)
	return v
}

// WorldModel aggregates one Observe phase. It is never mutated after Build returns.
type WorldModel struct {
	Timestamp       time.Time
	Observations    map[string]Observation
	DegradedSources []string

	// FailureStreaks counts consecutive most-recent failed deployments per service.
	FailureStreaks map[string]int
	// WorkflowStreaks counts consecutive most-recent failed runs per workflow.
	WorkflowStreaks map[string]int
	// DegradedServices lists services whose health is not healthy.
	DegradedServices []string
}

// SourceNames returns observation sources in sorted order.
func (w WorldModel) SourceNames() []string {
	names := make([]string, 0, len(w.Observations))
	for name := range w.Observations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllDeployments merges deployments across sources.
func (w WorldModel) AllDeployments() []DeploymentSnapshot {
	var out []DeploymentSnapshot
	for _, name := range w.SourceNames() {
		out = append(out, w.Observations[name].Deployments()...)
	}
	return out
}

// AllPullRequests merges pull requests across sources.
func (w WorldModel) AllPullRequests() []PullRequestSnapshot {
	var out []PullRequestSnapshot
	for _, name := range w.SourceNames() {
		out = append(out, w.Observations[name].PullRequests()...)
	}
	return out
}

// AllWorkflowRuns merges workflow runs across sources.
func (w WorldModel) AllWorkflowRuns() []WorkflowRunSnapshot {
	var out []WorkflowRunSnapshot
	for _, name := range w.SourceNames() {
		out = append(out, w.Observations[name].WorkflowRuns()...)
	}
	return out
}

// AllServices merges service snapshots across sources.
func (w WorldModel) AllServices() []ServiceSnapshot {
	var out []ServiceSnapshot
	for _, name := range w.SourceNames() {
		out = append(out, w.Observations[name].Services()...)
	}
	return out
}

// WorldSummary is the compact description returned by a triggered cycle.
type WorldSummary struct {
	Timestamp       time.Time
	Sources         int
	DegradedSources []string
	Deployments     int
	PullRequests    int
	WorkflowRuns    int
	Services        int
	FailureStreaks  map[string]int
}

// Summarize reduces the model for reporting.
func (w WorldModel) Summarize() WorldSummary {
	streaks := make(map[string]int, len(w.FailureStreaks))
	for k, v := range w.FailureStreaks {
		streaks[k] = v
	}
	return WorldSummary{
		Timestamp:       w.Timestamp,
		Sources:         len(w.Observations),
		DegradedSources: append([]string(nil), w.DegradedSources...),
		Deployments:     len(w.AllDeployments()),
		PullRequests:    len(w.AllPullRequests()),
		WorkflowRuns:    len(w.AllWorkflowRuns()),
		Services:        len(w.AllServices()),
		FailureStreaks:  streaks,
	}
}
