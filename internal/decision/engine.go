// Package decision turns a WorldModel into prioritized, confidence-scored Decisions.
package decision

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Advisor supplies the historical success rate of an action type. The predict
// package implements it from the ActionRecord trail.
type Advisor interface {
	SuccessRate(action models.ActionType) float64
}

// ScoreContext carries per-cycle inputs to confidence scoring.
type ScoreContext struct {
	// BlastBudget is the remaining blast-radius budget in [0,1].
	BlastBudget float64
	// Advisor may be nil, in which case each action's base reliability is used.
	Advisor Advisor
}

// Engine implements Orient and Decide.
type Engine struct {
	scorer Scorer
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an Engine. A nil scorer uses WeightedScorer with DefaultWeights.
func NewEngine(scorer Scorer, logger *slog.Logger) *Engine {
	if scorer == nil {
		scorer = NewWeightedScorer(DefaultWeights())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scorer: scorer, logger: logger, now: time.Now}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetScorer swaps the confidence scorer.
func (e *Engine) SetScorer(scorer Scorer) {
	if scorer != nil {
		e.scorer = scorer
	}
}

// Scorer returns the active confidence scorer.
func (e *Engine) Scorer() Scorer { return e.scorer }

// Orient detects patterns in the world and returns candidate decisions in
// rule order. Candidates carry no id or confidence yet.
func (e *Engine) Orient(world models.WorldModel) []models.Decision {
	var out []models.Decision
	out = append(out, deploymentFailureRules(world)...)
	out = append(out, serviceHealthRules(world)...)
	out = append(out, versionDriftRules(world)...)
	out = append(out, pullRequestRules(world)...)
	out = append(out, workflowRules(world)...)
	return out
}

// Decide returns the cycle's decisions: oriented candidates plus followUps from
// the previous cycle, collapsed by type and target to the highest priority, scored,
// and sorted by priority descending with ties kept in insertion order.
func (e *Engine) Decide(world models.WorldModel, followUps []models.Decision, sc ScoreContext) []models.Decision {
	candidates := append(e.Orient(world), followUps...)
	decisions := dedup(candidates)

	now := e.now().UTC()
	for i := range decisions {
		d := &decisions[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		score := e.Score(*d, sc)
		d.Confidence = &score
	}
	models.SortDecisions(decisions)

	e.logger.Debug("decide complete",
		slog.Int("candidates", len(candidates)),
		slog.Int("decisions", len(decisions)),
		slog.Int("follow_ups", len(followUps)),
	)
	return decisions
}

// Score computes the confidence for one decision.
func (e *Engine) Score(d models.Decision, sc ScoreContext) models.ConfidenceScore {
	return e.scorer.Score(SignalsFor(d, sc))
}

// SignalsFor builds scorer inputs for d.
func SignalsFor(d models.Decision, sc ScoreContext) Signals {
	historical := d.Type.Meta().BaseReliability
	if sc.Advisor != nil {
		historical = sc.Advisor.SuccessRate(d.Type)
	}
	return Signals{
		Action:            d.Type,
		Severity:          d.Severity,
		Corroborating:     d.Signals,
		HistoricalSuccess: historical,
		BlastBudget:       sc.BlastBudget,
	}
}

func dedup(candidates []models.Decision) []models.Decision {
	index := make(map[string]int, len(candidates))
	out := make([]models.Decision, 0, len(candidates))
	for _, d := range candidates {
		key := d.DedupKey()
		if i, ok := index[key]; ok {
			if d.Priority > out[i].Priority {
				out[i] = d
			}
			continue
		}
		index[key] = len(out)
		out = append(out, d)
	}
	return out
}

func deploymentFailureRules(world models.WorldModel) []models.Decision {
	latest := latestFailures(world.AllDeployments())
	var out []models.Decision
	for _, service := range sortedKeys(world.FailureStreaks) {
		streak := world.FailureStreaks[service]
		failed := latest[service]
		reason := failed.Reason
		if reason == "" {
			reason = "no failure reason reported"
		}
		if streak < 2 {
			out = append(out, models.Decision{
				Type:     models.ActionAlert,
				Target:   models.Target{Service: service, DeploymentID: failed.ID},
				Priority: 5,
				Reason:   fmt.Sprintf("deployment %s of %s failed: %s", failed.ID, service, reason),
				Signals:  1,
				Severity: models.SeverityMedium,
				Source:   "deployment_failure",
			})
			continue
		}
		severity := models.SeverityHigh
		if streak >= 3 {
			severity = models.SeverityCritical
		}
		out = append(out,
			models.Decision{
				Type:     models.ActionRollback,
				Target:   models.Target{Service: service, DeploymentID: failed.ID},
				Priority: 8 + min(streak-2, 2),
				Reason:   fmt.Sprintf("%d consecutive failed deployments of %s; rolling back %s", streak, service, failed.ID),
				Signals:  streak,
				Severity: severity,
				Source:   "failure_streak",
			},
			models.Decision{
				Type:     models.ActionCreateIssue,
				Target:   models.Target{Service: service},
				Priority: 7,
				Reason:   fmt.Sprintf("%s failed to deploy %d times in a row; latest failure: %s", service, streak, reason),
				Signals:  streak,
				Severity: severity,
				Source:   "failure_streak",
			},
		)
	}
	return out
}

func serviceHealthRules(world models.WorldModel) []models.Decision {
	services := world.AllServices()
	sort.SliceStable(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	var out []models.Decision
	for _, svc := range services {
		signals := 1
		if svc.ErrorRate >= 0.05 {
			signals++
		}
		if svc.LatencyMs >= 1000 {
			signals++
		}
		target := models.Target{Service: svc.Name}
		switch svc.Status {
		case models.ServiceDown:
			out = append(out,
				models.Decision{
					Type:     models.ActionRestartService,
					Target:   target,
					Priority: 7,
					Reason:   fmt.Sprintf("service %s is down", svc.Name),
					Signals:  signals,
					Severity: models.SeverityCritical,
					Source:   "service_health",
				},
				models.Decision{
					Type:     models.ActionAlert,
					Target:   target,
					Priority: 6,
					Reason:   fmt.Sprintf("service %s is down", svc.Name),
					Signals:  signals,
					Severity: models.SeverityHigh,
					Source:   "service_health",
				},
			)
		case models.ServiceDegraded:
			out = append(out, models.Decision{
				Type:     models.ActionAlert,
				Target:   target,
				Priority: 4,
				Reason:   fmt.Sprintf("service %s is degraded (error rate %.2f, latency %.0fms)", svc.Name, svc.ErrorRate, svc.LatencyMs),
				Signals:  signals,
				Severity: models.SeverityMedium,
				Source:   "service_health",
			})
		}
	}
	return out
}

func versionDriftRules(world models.WorldModel) []models.Decision {
	inFlight := make(map[string]bool)
	for _, d := range world.AllDeployments() {
		if d.InFlight() {
			inFlight[d.Service] = true
		}
	}
	services := world.AllServices()
	sort.SliceStable(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	var out []models.Decision
	for _, svc := range services {
		if svc.DesiredVersion == "" || svc.DesiredVersion == svc.CurrentVersion {
			continue
		}
		if inFlight[svc.Name] || world.FailureStreaks[svc.Name] > 0 {
			continue
		}
		out = append(out, models.Decision{
			Type:     models.ActionDeploy,
			Target:   models.Target{Service: svc.Name},
			Priority: 4,
			Reason:   fmt.Sprintf("desired version %s differs from running %s", svc.DesiredVersion, displayVersion(svc.CurrentVersion)),
			Signals:  1,
			Severity: models.SeverityLow,
			Source:   "version_drift",
		})
	}
	return out
}

func pullRequestRules(world models.WorldModel) []models.Decision {
	var out []models.Decision
	for _, pr := range world.AllPullRequests() {
		if pr.State != "open" || !pr.ChecksPassing || !pr.Approved || !pr.Mergeable {
			continue
		}
		if pr.Service != "" && world.FailureStreaks[pr.Service] > 0 {
			continue
		}
		out = append(out, models.Decision{
			Type:     models.ActionMergePR,
			Target:   models.Target{Service: pr.Service, Repository: pr.Repository, PullRequest: pr.Number},
			Priority: 3,
			Reason:   fmt.Sprintf("%s#%d is approved with passing checks", pr.Repository, pr.Number),
			Signals:  3,
			Severity: models.SeverityLow,
			Source:   "pull_request",
		})
	}
	return out
}

func workflowRules(world models.WorldModel) []models.Decision {
	services := make(map[string]string)
	for _, run := range world.AllWorkflowRuns() {
		if run.Service != "" {
			services[run.Workflow] = run.Service
		}
	}
	var out []models.Decision
	for _, workflow := range sortedKeys(world.WorkflowStreaks) {
		streak := world.WorkflowStreaks[workflow]
		target := models.Target{Workflow: workflow, Service: services[workflow]}
		if streak >= 2 {
			out = append(out, models.Decision{
				Type:     models.ActionCreateIssue,
				Target:   target,
				Priority: 5,
				Reason:   fmt.Sprintf("workflow %s failed %d consecutive runs", workflow, streak),
				Signals:  streak,
				Severity: models.SeverityMedium,
				Source:   "workflow_failure",
			})
			continue
		}
		out = append(out, models.Decision{
			Type:     models.ActionAlert,
			Target:   target,
			Priority: 2,
			Reason:   fmt.Sprintf("workflow %s failed its latest run", workflow),
			Signals:  1,
			Severity: models.SeverityLow,
			Source:   "workflow_failure",
		})
	}
	return out
}

func latestFailures(deployments []models.DeploymentSnapshot) map[string]models.DeploymentSnapshot {
	out := make(map[string]models.DeploymentSnapshot)
	for _, d := range deployments {
		if d.Status != models.DeploymentFailed {
			continue
		}
		if cur, ok := out[d.Service]; !ok || d.CreatedAt.After(cur.CreatedAt) {
			out[d.Service] = d
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func displayVersion(v string) string {
	if v == "" {
		return "nothing"
	}
	return v
}
