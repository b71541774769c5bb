package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Target identifies the resource a Decision acts upon.
type Target struct {
	Service      string
	DeploymentID string
	Repository   string
	PullRequest  int
	Workflow     string
}

// Key returns the stable identity used for blast-radius accounting and serialization.
func (t Target) Key() string {
	switch {
	case t.PullRequest > 0:
		return fmt.Sprintf("pr:%s#%d", t.Repository, t.PullRequest)
	case t.Workflow != "":
		return "wf:" + t.Workflow
	case t.Service != "":
		return "svc:" + t.Service
	case t.DeploymentID != "":
		return "deploy:" + t.DeploymentID
	case t.Repository != "":
		return "repo:" + t.Repository
	default:
		return "global"
	}
}

func (t Target) String() string {
	parts := make([]string, 0, 3)
	if t.Service != "" {
		parts = append(parts, "service="+t.Service)
	}
	if t.DeploymentID != "" {
		parts = append(parts, "deployment="+t.DeploymentID)
	}
	if t.Repository != "" {
		parts = append(parts, "repo="+t.Repository)
	}
	if t.PullRequest > 0 {
		parts = append(parts, fmt.Sprintf("pr=%d", t.PullRequest))
	}
	if t.Workflow != "" {
		parts = append(parts, "workflow="+t.Workflow)
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, ",")
}

// Decision is one candidate action produced by the Decide phase.
type Decision struct {
	ID         string
	Type       ActionType
	Target     Target
	Priority   int
	Reason     string
	Signals    int
	Severity   Severity
	Source     string
	Confidence *ConfidenceScore
	CreatedAt  time.Time
}

// DedupKey collapses decisions of the same kind against the same resource.
func (d Decision) DedupKey() string {
	return d.Type.String() + "|" + d.Target.Key()
}

// SortDecisions orders decisions by priority descending, preserving insertion order on ties.
func SortDecisions(decisions []Decision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Priority > decisions[j].Priority
	})
}

// ConfidenceFactor is one weighted contribution to a ConfidenceScore.
type ConfidenceFactor struct {
	Name   string
	Value  float64
	Weight float64
}

// ConfidenceScore is a value in [0,1] plus the factors that produced it.
type ConfidenceScore struct {
	Value   float64
	Factors []ConfidenceFactor
}

// Factor returns the named factor value and whether it was present.
func (c ConfidenceScore) Factor(name string) (float64, bool) {
	for _, f := range c.Factors {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Routing describes where a Decision went after the autonomy gate.
type Routing string

const (
	RoutingExecuted        Routing = "executed"
	RoutingFailed          Routing = "failed"
	RoutingPendingApproval Routing = "pending_approval"
	RoutingDisabled        Routing = "disabled"
)

// DecisionAudit is one persisted entry of the decision audit trail.
type DecisionAudit struct {
	DecisionID string
	CycleID    string
	Decision   Decision
	Confidence float64
	Factors    []ConfidenceFactor
	Routing    Routing
	BlockedBy  []string
	At         time.Time
}

// HealRequest asks the autonomy gate to run one self-healing remediation.
type HealRequest struct {
	Action     ActionType
	Target     Target
	Reason     string
	Severity   Severity
	Confidence float64
	Source     string
}

// HealResult reports how a HealRequest was routed.
type HealResult struct {
	DecisionID string
	Routing    Routing
	BlockedBy  []string
	Record     *ActionRecord
}
