package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/anomaly"
	"github.com/miradorstack/mirador-autopilot/internal/api"
	"github.com/miradorstack/mirador-autopilot/internal/autonomy"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/monitor"
	"github.com/miradorstack/mirador-autopilot/internal/orchestrator"
	"github.com/miradorstack/mirador-autopilot/internal/response"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// recentDecisions is how many audit entries get-status returns.
const recentDecisions = 20

// Deps are the components behind the control surface. Monitor, Detector and
// Integrator may be nil when monitoring is not configured.
type Deps struct {
	Controller *autonomy.Controller
	Monitor    *monitor.Loop
	Detector   *anomaly.Detector
	Integrator *response.Integrator
	Latency    *utils.LatencyTracker
	Settings   config.RuntimeSettings
}

// ControlService implements the gRPC Autopilot service.
type ControlService struct {
	logger     *slog.Logger
	controller *autonomy.Controller
	loop       *monitor.Loop
	detector   *anomaly.Detector
	integrator *response.Integrator
	latencies  *utils.LatencyTracker

	mu       sync.Mutex
	settings config.RuntimeSettings
}

var _ api.AutopilotServer = (*ControlService)(nil)

// NewControlService constructs the control surface facade.
func NewControlService(logger *slog.Logger, deps Deps) *ControlService {
	if logger == nil {
		logger = slog.Default()
	}
	latencies := deps.Latency
	if latencies == nil {
		latencies = utils.NewLatencyTracker(1024)
	}
	return &ControlService{
		logger:     logger,
		controller: deps.Controller,
		loop:       deps.Monitor,
		detector:   deps.Detector,
		integrator: deps.Integrator,
		latencies:  latencies,
		settings:   deps.Settings,
	}
}

// RunCycle runs one autonomous cycle. TriggerCycle and the scheduler both use it.
func (s *ControlService) RunCycle(ctx context.Context) (orchestrator.CycleReport, error) {
	if s.controller == nil {
		return orchestrator.CycleReport{}, utils.NewAppError("run cycle", "controller", utils.ErrNotConfigured)
	}
	report, err := s.controller.RunCycle(ctx)
	if err != nil {
		s.logger.Error("cycle failed", slog.Any("error", err))
		return report, utils.NewAppError("run cycle", "cycle failed", err)
	}
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("cycle latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return report, nil
}

// TriggerCycle runs one Observe→Orient→Decide→Act pass synchronously.
func (s *ControlService) TriggerCycle(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.RunCycle(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoCycleReport(report)
}

// StartMonitoring starts the monitoring loop.
func (s *ControlService) StartMonitoring(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.lifecycle("start", (*monitor.Loop).Start)
}

// StopMonitoring stops the monitoring loop.
func (s *ControlService) StopMonitoring(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.lifecycle("stop", (*monitor.Loop).Stop)
}

// PauseMonitoring pauses the monitoring loop.
func (s *ControlService) PauseMonitoring(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.lifecycle("pause", (*monitor.Loop).Pause)
}

// ResumeMonitoring resumes a paused or errored monitoring loop.
func (s *ControlService) ResumeMonitoring(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.lifecycle("resume", (*monitor.Loop).Resume)
}

func (s *ControlService) lifecycle(op string, fn func(*monitor.Loop) (monitor.Outcome, error)) (*structpb.Struct, error) {
	if s.loop == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitoring not configured")
	}
	out, err := fn(s.loop)
	if err != nil {
		s.logger.Debug("monitoring request rejected", slog.String("op", op), slog.Any("error", err))
		return nil, toStatus(err)
	}
	return api.ToProtoMonitorOutcome(out)
}

// Status assembles the get-status view.
func (s *ControlService) Status() (api.StatusView, error) {
	if s.controller == nil {
		return api.StatusView{}, utils.NewAppError("status", "controller", utils.ErrNotConfigured)
	}
	view := api.StatusView{
		Autonomy:        s.controller.Status(recentDecisions),
		Settings:        s.Settings(),
		CycleLatencyP95: s.latencies.Percentile(95),
	}
	if s.loop != nil {
		view.Monitor = s.loop.Stats()
		view.Samples = s.loop.Recent()
	}
	return view, nil
}

// GetStatus reports guardrails, monitoring statistics and recent samples.
func (s *ControlService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	view, err := s.Status()
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoStatus(view)
}

// Settings returns the active runtime settings.
func (s *ControlService) Settings() config.RuntimeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Apply validates u against the current settings and, only when every value is in
// range, pushes the result to each component.
func (s *ControlService) Apply(u config.SettingsUpdate) (config.RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.settings.Apply(u)
	if err != nil {
		return s.settings, err
	}
	if s.controller != nil {
		s.controller.ApplySettings(autonomy.Settings{
			ConfidenceThreshold: next.ConfidenceThreshold,
			RateLimit:           next.RateLimit,
			BlastRadius:         next.BlastRadius,
			SelfHealingEnabled:  next.SelfHealing,
		})
	}
	if s.loop != nil {
		s.loop.SetInterval(next.MonitorInterval)
		s.loop.SetAnomalyDetection(next.AnomalyDetection)
	}
	if s.detector != nil {
		s.detector.SetZThreshold(next.ZThreshold)
	}
	if s.integrator != nil {
		s.integrator.SetCooldown(next.ResponseCooldown)
	}
	s.settings = next
	s.logger.Info("runtime settings updated",
		slog.Duration("interval", next.MonitorInterval),
		slog.Float64("confidence_threshold", next.ConfidenceThreshold),
		slog.Float64("z_threshold", next.ZThreshold),
		slog.Int("rate_limit", next.RateLimit),
		slog.Int("blast_radius", next.BlastRadius),
		slog.Duration("cooldown", next.ResponseCooldown),
		slog.Bool("anomaly_detection", next.AnomalyDetection),
		slog.Bool("self_healing", next.SelfHealing),
	)
	return next, nil
}

// Configure updates runtime settings. Invalid requests change nothing.
func (s *ControlService) Configure(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	u, err := api.FromProtoSettingsUpdate(req)
	if err != nil {
		return nil, toStatus(err)
	}
	next, err := s.Apply(u)
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoSettings(next)
}

// ApproveDecision executes a pending decision once.
func (s *ControlService) ApproveDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.FailedPrecondition, "controller not configured")
	}
	id, note, err := api.FromProtoResolve(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	item, err := s.controller.Approve(ctx, id, note)
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoPendingDecision(item)
}

// RejectDecision discards a pending decision.
func (s *ControlService) RejectDecision(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.FailedPrecondition, "controller not configured")
	}
	id, reason, err := api.FromProtoResolve(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	item, err := s.controller.Reject(id, reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoPendingDecision(item)
}

// ListPending returns decisions awaiting approval.
func (s *ControlService) ListPending(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.FailedPrecondition, "controller not configured")
	}
	return api.ToProtoPendingList(s.controller.Pending())
}

// SetKillSwitch engages or releases the kill switch.
func (s *ControlService) SetKillSwitch(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.FailedPrecondition, "controller not configured")
	}
	engaged, err := api.FromProtoKillSwitch(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	prev := s.controller.SetKillSwitch(engaged)
	return api.ToProtoKillSwitch(engaged, prev)
}

// MonitorTick is the scheduler hook for the monitoring loop.
func (s *ControlService) MonitorTick(ctx context.Context) {
	if s.loop != nil {
		s.loop.Tick(ctx)
	}
}

// MonitorInterval is the monitoring job's period.
func (s *ControlService) MonitorInterval() time.Duration {
	if s.loop == nil {
		return 0
	}
	return s.loop.Interval()
}

// LatencyP95 returns the current p95 cycle latency.
func (s *ControlService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func toStatus(err error) error {
	var cfgErr *config.ConfigurationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cfgErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, utils.ErrNotConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, autonomy.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, autonomy.ErrAlreadyResolved):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, monitor.ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
}
