package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/anomaly"
	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/autonomy"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/decision"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/monitor"
	"github.com/miradorstack/mirador-autopilot/internal/observe"
	"github.com/miradorstack/mirador-autopilot/internal/orchestrator"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/response"
)

type sourceStub struct {
	services []models.ServiceSnapshot
}

func (s sourceStub) Name() string { return "stub" }

func (s sourceStub) Observe(context.Context) (map[string]any, error) {
	return map[string]any{models.FieldServices: s.services}, nil
}

type actorStub struct {
	calls int
	err   error
}

func (a *actorStub) Name() string                    { return "stub" }
func (a *actorStub) Handles(models.ActionType) bool { return true }

func (a *actorStub) Execute(_ context.Context, req platform.ActionRequest) (platform.ActionResult, error) {
	a.calls++
	return platform.ActionResult{Reference: req.ID}, a.err
}

func (a *actorStub) Verify(context.Context, platform.ActionRequest) (bool, error) {
	return false, platform.ErrVerifyUnsupported
}

type fixture struct {
	service    *ControlService
	controller *autonomy.Controller
	loop       *monitor.Loop
	detector   *anomaly.Detector
	integrator *response.Integrator
	actor      *actorStub
}

func newFixture(t *testing.T, services ...models.ServiceSnapshot) *fixture {
	t.Helper()
	actor := &actorStub{}
	trail := audit.NewTrail(time.Hour, nil, nil)
	engine := decision.NewEngine(nil, nil)
	orch := orchestrator.New(
		observe.NewBuilder([]platform.Source{sourceStub{services: services}}, time.Second, nil),
		engine,
		platform.NewRouter(actor),
		nil,
		trail,
		nil,
	)
	settings := config.Default().Runtime()
	controller := autonomy.New(autonomy.Config{
		ConfidenceThreshold: settings.ConfidenceThreshold,
		RateLimit:           settings.RateLimit,
		RateWindow:          time.Hour,
		BlastRadius:         settings.BlastRadius,
		BlastWindow:         time.Hour,
		SelfHealingEnabled:  settings.SelfHealing,
	}, orch, engine, trail, nil, nil, nil)
	detector := anomaly.NewDetector(anomaly.DefaultConfig())
	integrator := response.NewIntegrator(nil, controller, nil, response.Config{Cooldown: settings.ResponseCooldown}, nil)
	loop := monitor.New(nil, detector, integrator, monitor.Config{Interval: settings.MonitorInterval, AnomalyDetection: true}, nil)

	svc := NewControlService(nil, Deps{
		Controller: controller,
		Monitor:    loop,
		Detector:   detector,
		Integrator: integrator,
		Latency:    orch.Latency(),
		Settings:   settings,
	})
	return &fixture{service: svc, controller: controller, loop: loop, detector: detector, integrator: integrator, actor: actor}
}

func request(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestConfigureAppliesToEveryComponent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Configure(ctx, request(t, map[string]any{
		"interval":             "15s",
		"confidence_threshold": 0.9,
		"z_threshold":          4.5,
		"rate_limit":           3,
		"blast_radius":         2,
		"cooldown":             "10m",
		"anomaly_detection":    false,
		"self_healing":         false,
	}))
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if resp.AsMap()["interval"] != "15s" {
		t.Fatalf("unexpected response %v", resp.AsMap())
	}
	if f.loop.Interval() != 15*time.Second || f.loop.AnomalyDetection() {
		t.Fatalf("monitor not updated: %s %v", f.loop.Interval(), f.loop.AnomalyDetection())
	}
	if f.detector.Config().ZThreshold != 4.5 {
		t.Fatalf("detector not updated: %v", f.detector.Config().ZThreshold)
	}
	if f.integrator.Cooldown() != 10*time.Minute {
		t.Fatalf("integrator not updated: %s", f.integrator.Cooldown())
	}
	got := f.controller.Settings()
	if got.ConfidenceThreshold != 0.9 || got.RateLimit != 3 || got.BlastRadius != 2 || got.SelfHealingEnabled {
		t.Fatalf("controller not updated: %+v", got)
	}
}

func TestConfigureRejectsWithoutChanges(t *testing.T) {
	f := newFixture(t)
	before := f.service.Settings()

	_, err := f.service.Configure(context.Background(), request(t, map[string]any{
		"interval":   "2s",
		"rate_limit": 3,
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if f.service.Settings() != before {
		t.Fatalf("settings changed on rejected configure")
	}
	if f.controller.Settings().RateLimit != before.RateLimit {
		t.Fatalf("controller changed on rejected configure")
	}
	if f.loop.Interval() != before.MonitorInterval {
		t.Fatalf("monitor changed on rejected configure")
	}
}

func TestApplyReturnsConfigurationError(t *testing.T) {
	f := newFixture(t)
	z := 0.0
	_, err := f.service.Apply(config.SettingsUpdate{ZThreshold: &z})
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	empty := &structpb.Struct{}

	if _, err := f.service.PauseMonitoring(ctx, empty); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("pause from stopped should be rejected, got %v", err)
	}
	resp, err := f.service.StartMonitoring(ctx, empty)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.AsMap()["changed"] != true {
		t.Fatalf("expected state change, got %v", resp.AsMap())
	}
	resp, err = f.service.StartMonitoring(ctx, empty)
	if err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if resp.AsMap()["changed"] != false {
		t.Fatalf("expected no-op, got %v", resp.AsMap())
	}
	if _, err := f.service.StopMonitoring(ctx, empty); err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp, err = f.service.StopMonitoring(ctx, empty)
	if err != nil || resp.AsMap()["message"] != "monitoring already stopped" {
		t.Fatalf("stop when stopped should report no-op, got %v %v", resp, err)
	}
}

func TestMonitoringNotConfigured(t *testing.T) {
	svc := NewControlService(nil, Deps{})
	if _, err := svc.StartMonitoring(context.Background(), &structpb.Struct{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if _, err := svc.TriggerCycle(context.Background(), &structpb.Struct{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition without controller, got %v", err)
	}
}

func TestKillSwitchShowsInStatus(t *testing.T) {
	f := newFixture(t, models.ServiceSnapshot{Name: "api", Status: models.ServiceDown})
	ctx := context.Background()

	resp, err := f.service.SetKillSwitch(ctx, request(t, map[string]any{"engaged": true}))
	if err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	if resp.AsMap()["previous"] != false {
		t.Fatalf("unexpected response %v", resp.AsMap())
	}

	if _, err := f.service.TriggerCycle(ctx, &structpb.Struct{}); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.actor.calls != 0 {
		t.Fatalf("kill switch should block execution, got %d calls", f.actor.calls)
	}

	st, err := f.service.GetStatus(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	m := st.AsMap()
	if m["kill_switch"] != true {
		t.Fatalf("expected kill_switch on, got %v", m["kill_switch"])
	}
	if m["pending_approvals"] != float64(2) {
		t.Fatalf("expected two pending approvals, got %v", m["pending_approvals"])
	}

	list, err := f.service.ListPending(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if list.AsMap()["count"] != float64(2) {
		t.Fatalf("unexpected pending list %v", list.AsMap())
	}
}

func TestTriggerCycleExecutes(t *testing.T) {
	f := newFixture(t, models.ServiceSnapshot{Name: "api", Status: models.ServiceDegraded})

	resp, err := f.service.TriggerCycle(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	m := resp.AsMap()
	if m["executed"] != float64(1) {
		t.Fatalf("expected one executed action, got %v", m)
	}
	if f.actor.calls != 1 {
		t.Fatalf("expected one platform call, got %d", f.actor.calls)
	}
}

func TestApproveAndRejectErrors(t *testing.T) {
	f := newFixture(t, models.ServiceSnapshot{Name: "api", Status: models.ServiceDegraded})
	ctx := context.Background()

	if _, err := f.service.ApproveDecision(ctx, request(t, map[string]any{"id": "missing"})); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.service.ApproveDecision(ctx, request(t, map[string]any{})); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	f.controller.SetKillSwitch(true)
	if _, err := f.service.TriggerCycle(ctx, &structpb.Struct{}); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	pending := f.controller.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending decision, got %d", len(pending))
	}
	id := pending[0].ID

	resp, err := f.service.RejectDecision(ctx, request(t, map[string]any{"id": id, "reason": "noise"}))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resp.AsMap()["status"] != string(autonomy.StatusRejected) {
		t.Fatalf("unexpected reject response %v", resp.AsMap())
	}
	if _, err := f.service.ApproveDecision(ctx, request(t, map[string]any{"id": id})); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition for resolved decision, got %v", err)
	}
	if f.actor.calls != 0 {
		t.Fatalf("rejected decision must not execute")
	}
}
