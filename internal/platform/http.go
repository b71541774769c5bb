package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// HTTPConfig configures one platform endpoint.
type HTTPConfig struct {
	Name       string
	BaseURL    string
	StatePath  string
	ActionPath string
	// VerifyPath is joined with the request id; empty disables Verify.
	VerifyPath string
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
	// Actions lists handled action names; empty means every action.
	Actions []string
}

// HTTPClient speaks a small JSON protocol to a platform gateway.
type HTTPClient struct {
	name       string
	baseURL    string
	statePath  string
	actionPath string
	verifyPath string
	handles    map[models.ActionType]bool
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTPClient constructs a client. Unknown action names are a configuration error.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("platform name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("platform %s: base URL not configured", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	var handles map[models.ActionType]bool
	if len(cfg.Actions) > 0 {
		handles = make(map[models.ActionType]bool, len(cfg.Actions))
		for _, name := range cfg.Actions {
			action, err := models.ParseActionType(name)
			if err != nil {
				return nil, fmt.Errorf("platform %s: %w", cfg.Name, err)
			}
			handles[action] = true
		}
	}

	return &HTTPClient{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		statePath:  cfg.StatePath,
		actionPath: cfg.ActionPath,
		verifyPath: cfg.VerifyPath,
		handles:    handles,
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name identifies the platform.
func (c *HTTPClient) Name() string { return c.name }

// Handles reports whether this platform performs action.
func (c *HTTPClient) Handles(action models.ActionType) bool {
	if c.actionPath == "" {
		return false
	}
	if c.handles == nil {
		return action.Valid()
	}
	return c.handles[action]
}

type stateResponse struct {
	Deployments  []models.DeploymentSnapshot  `json:"deployments"`
	PullRequests []models.PullRequestSnapshot `json:"pull_requests"`
	WorkflowRuns []models.WorkflowRunSnapshot `json:"workflow_runs"`
	Services     []models.ServiceSnapshot     `json:"services"`
}

// Observe fetches the platform's current state. Only sections the platform
// returned appear in the result.
func (c *HTTPClient) Observe(ctx context.Context) (map[string]any, error) {
	if c.statePath == "" {
		return map[string]any{}, nil
	}
	var resp stateResponse
	if err := c.doJSON(ctx, http.MethodGet, c.resolvePath(c.statePath), "", nil, &resp); err != nil {
		return nil, fmt.Errorf("%s state request failed: %w", c.name, err)
	}

	fields := make(map[string]any, 4)
	if resp.Deployments != nil {
		fields[models.FieldDeployments] = resp.Deployments
	}
	if resp.PullRequests != nil {
		fields[models.FieldPullRequests] = resp.PullRequests
	}
	if resp.WorkflowRuns != nil {
		fields[models.FieldWorkflowRuns] = resp.WorkflowRuns
	}
	if resp.Services != nil {
		fields[models.FieldServices] = resp.Services
	}
	return fields, nil
}

type actionPayload struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	Service      string `json:"service,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Repository   string `json:"repository,omitempty"`
	PullRequest  int    `json:"pull_request,omitempty"`
	Workflow     string `json:"workflow,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Execute posts the action once. The request id travels as Idempotency-Key so the
// platform can deduplicate a retried attempt.
func (c *HTTPClient) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if !c.Handles(req.Action) {
		return ActionResult{}, fmt.Errorf("%s: %w %s", c.name, ErrNoActor, req.Action)
	}
	payload := actionPayload{
		ID:           req.ID,
		Action:       req.Action.String(),
		Service:      req.Target.Service,
		DeploymentID: req.Target.DeploymentID,
		Repository:   req.Target.Repository,
		PullRequest:  req.Target.PullRequest,
		Workflow:     req.Target.Workflow,
		Reason:       req.Reason,
	}
	var resp struct {
		Reference string `json:"reference"`
		Detail    string `json:"detail"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.resolvePath(c.actionPath), req.ID, payload, &resp); err != nil {
		return ActionResult{}, fmt.Errorf("%s %s request failed: %w", c.name, req.Action, err)
	}
	return ActionResult{Reference: resp.Reference, Detail: resp.Detail}, nil
}

// Verify asks the platform whether the action identified by req.ID was applied.
func (c *HTTPClient) Verify(ctx context.Context, req ActionRequest) (bool, error) {
	if c.verifyPath == "" {
		return false, ErrVerifyUnsupported
	}
	var resp struct {
		Status string `json:"status"`
	}
	endpoint := c.resolvePath(path.Join(c.verifyPath, url.PathEscape(req.ID)))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return false, fmt.Errorf("%s verify failed: %w", c.name, err)
	}
	return strings.EqualFold(resp.Status, "succeeded"), nil
}

func (c *HTTPClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint, idempotencyKey string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned %s", c.name, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
