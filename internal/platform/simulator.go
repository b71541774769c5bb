package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Simulator paths, matching the defaults in config.
const (
	SimStatePath   = "/api/v1/state"
	SimActionPath  = "/api/v1/actions"
	SimVerifyPath  = "/api/v1/actions"
	SimMetricsPath = "/api/v1/metrics"
)

// Simulator is an in-memory platform gateway speaking the HTTPClient protocol. It
// backs local development and end-to-end tests.
type Simulator struct {
	mu       sync.Mutex
	state    stateResponse
	metrics  map[string]map[string]float64
	applied  map[string]actionPayload
	failures map[models.ActionType]int
	seq      int
	now      func() time.Time
}

// NewSimulator returns an empty simulated platform.
func NewSimulator() *Simulator {
	return &Simulator{
		metrics:  make(map[string]map[string]float64),
		applied:  make(map[string]actionPayload),
		failures: make(map[models.ActionType]int),
		now:      time.Now,
	}
}

// SeedService adds or replaces a service health record.
func (s *Simulator) SeedService(svc models.ServiceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.state.Services {
		if existing.Name == svc.Name {
			s.state.Services[i] = svc
			return
		}
	}
	s.state.Services = append(s.state.Services, svc)
}

// SeedDeployment appends a deployment; newest last.
func (s *Simulator) SeedDeployment(d models.DeploymentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Deployments = append(s.state.Deployments, d)
}

// SeedPullRequest appends a pull request.
func (s *Simulator) SeedPullRequest(pr models.PullRequestSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PullRequests = append(s.state.PullRequests, pr)
}

// SeedWorkflowRun appends a workflow run.
func (s *Simulator) SeedWorkflowRun(run models.WorkflowRunSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.WorkflowRuns = append(s.state.WorkflowRuns, run)
}

// SetMetrics replaces the metrics document served for service.
func (s *Simulator) SetMetrics(service string, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[service] = values
}

// FailNext makes the next n requests for action return 502.
func (s *Simulator) FailNext(action models.ActionType, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = n
}

// Applied returns how many distinct actions the simulator applied.
func (s *Simulator) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// Handler exposes the simulator over HTTP.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(SimStatePath, s.handleState)
	r.Post(SimActionPath, s.handleAction)
	r.Get(SimVerifyPath+"/{id}", s.handleVerify)
	r.Get(SimMetricsPath+"/{service}", s.handleMetrics)
	return r
}

func (s *Simulator) handleState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	data, err := json.Marshal(s.state)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Simulator) handleAction(w http.ResponseWriter, r *http.Request) {
	var payload actionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	action, err := models.ParseActionType(payload.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.failures[action]; n > 0 {
		s.failures[action] = n - 1
		http.Error(w, "simulated failure", http.StatusBadGateway)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if _, done := s.applied[key]; done {
			writeJSON(w, map[string]string{"reference": key, "detail": "duplicate"})
			return
		}
		payload.ID = key
	}
	reference := s.applyLocked(action, payload)
	s.applied[payload.ID] = payload
	writeJSON(w, map[string]string{"reference": reference, "detail": "applied"})
}

func (s *Simulator) applyLocked(action models.ActionType, p actionPayload) string {
	switch action {
	case models.ActionDeploy:
		s.seq++
		id := fmt.Sprintf("sim-%d", s.seq)
		version := ""
		for i, svc := range s.state.Services {
			if svc.Name == p.Service {
				version = svc.DesiredVersion
				s.state.Services[i].CurrentVersion = version
			}
		}
		s.state.Deployments = append(s.state.Deployments, models.DeploymentSnapshot{
			ID: id, Service: p.Service, Status: models.DeploymentActive, Version: version, CreatedAt: s.now().UTC(),
		})
		return id
	case models.ActionRollback:
		for i := range s.state.Deployments {
			if s.state.Deployments[i].ID == p.DeploymentID {
				s.state.Deployments[i].Status = models.DeploymentRolledBack
			}
		}
		return p.DeploymentID
	case models.ActionMergePR:
		for i := range s.state.PullRequests {
			pr := &s.state.PullRequests[i]
			if pr.Repository == p.Repository && pr.Number == p.PullRequest {
				pr.State = "merged"
				pr.Mergeable = false
			}
		}
		return fmt.Sprintf("%s#%d", p.Repository, p.PullRequest)
	case models.ActionRestartService, models.ActionClearCache, models.ActionResetConnections, models.ActionMemoryCleanup:
		for i := range s.state.Services {
			if s.state.Services[i].Name == p.Service {
				s.state.Services[i].Status = models.ServiceHealthy
			}
		}
		return p.Service
	default:
		s.seq++
		return fmt.Sprintf("%s-%d", action, s.seq)
	}
}

func (s *Simulator) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.applied[id]
	s.mu.Unlock()
	status := "unknown"
	if ok {
		status = "succeeded"
	}
	writeJSON(w, map[string]string{"status": status})
}

func (s *Simulator) handleMetrics(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	s.mu.Lock()
	values, ok := s.metrics[service]
	doc := make(map[string]float64, len(values))
	for k, v := range values {
		doc[k] = v
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, doc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
