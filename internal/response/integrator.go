package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/codec"
	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// SelfHealer is the autonomy gate's self-healing entry point.
type SelfHealer interface {
	SelfHeal(ctx context.Context, req models.HealRequest) (models.HealResult, error)
}

// Suppression reasons reported in Response.Suppressed.
const (
	SuppressedSeverity     = "below_min_severity"
	SuppressedNoRule       = "no_rule"
	SuppressedConfirmation = "awaiting_confirmation"
	SuppressedCooldown     = "cooldown"
)

// Config tunes the integrator.
type Config struct {
	Cooldown    time.Duration
	Reconfirm   int
	MinSeverity models.Severity
}

// Response describes what the integrator did with one anomaly.
type Response struct {
	// Triggered is set only when the heal ran, successfully or not.
	Triggered  bool
	Action     models.ActionType
	Suppressed string
	Result     models.HealResult
}

// CooldownMark is stored in the cache while a target+metric pair is cooling down.
type CooldownMark struct {
	Action   models.ActionType `cbor:"action"`
	Metric   string            `cbor:"metric"`
	Value    float64           `cbor:"value"`
	Severity string            `cbor:"severity"`
	FiredAt  int64             `cbor:"fired_at"`
}

// Integrator turns confirmed anomalies into self-healing requests.
type Integrator struct {
	rules    *Rules
	healer   SelfHealer
	cache    cache.Provider
	logger   *slog.Logger
	now      func() time.Time
	cooldown atomic.Int64

	mu          sync.Mutex
	reconfirm   int
	minSeverity models.Severity
	streaks     map[string]int
}

// NewIntegrator wires the rule table, gate and cooldown store.
func NewIntegrator(rules *Rules, healer SelfHealer, provider cache.Provider, cfg Config, logger *slog.Logger) *Integrator {
	if rules == nil {
		rules = DefaultRules()
	}
	if provider == nil {
		provider = cache.NewMemoryProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconfirm <= 0 {
		cfg.Reconfirm = 1
	}
	in := &Integrator{
		rules:       rules,
		healer:      healer,
		cache:       provider,
		logger:      logger,
		now:         time.Now,
		reconfirm:   cfg.Reconfirm,
		minSeverity: cfg.MinSeverity,
		streaks:     make(map[string]int),
	}
	in.cooldown.Store(int64(cfg.Cooldown))
	return in
}

// SetClock overrides the time source (tests).
func (in *Integrator) SetClock(now func() time.Time) {
	if now != nil {
		in.now = now
	}
}

// SetCooldown changes the suppression window for subsequent firings.
func (in *Integrator) SetCooldown(d time.Duration) {
	if d >= 0 {
		in.cooldown.Store(int64(d))
	}
}

// Cooldown returns the active suppression window.
func (in *Integrator) Cooldown() time.Duration {
	return time.Duration(in.cooldown.Load())
}

func cooldownKey(target, metric string) string {
	return fmt.Sprintf("cooldown:%s:%s", target, metric)
}

func streakKey(target, metric string) string {
	return target + "/" + metric
}

// Reset clears the reconfirmation streak after a normal sample.
func (in *Integrator) Reset(target, metric string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.streaks, streakKey(target, metric))
}

// Handle routes one anomaly. Suppression is not an error.
func (in *Integrator) Handle(ctx context.Context, anomaly models.MLAnomaly) (Response, error) {
	in.mu.Lock()
	if !anomaly.Severity.AtLeast(in.minSeverity) {
		in.mu.Unlock()
		return Response{Suppressed: SuppressedSeverity}, nil
	}
	rule, ok := in.rules.Lookup(anomaly.Metric, anomaly.Severity)
	if !ok {
		in.mu.Unlock()
		return Response{Suppressed: SuppressedNoRule}, nil
	}
	key := streakKey(anomaly.Target, anomaly.Metric)
	in.streaks[key]++
	if in.streaks[key] < in.reconfirm {
		in.mu.Unlock()
		return Response{Action: rule.ActionType(), Suppressed: SuppressedConfirmation}, nil
	}
	delete(in.streaks, key)
	in.mu.Unlock()

	action := rule.ActionType()
	claimed, err := in.claimCooldown(ctx, anomaly, action)
	if err != nil {
		return Response{Action: action, Suppressed: SuppressedCooldown}, fmt.Errorf("claim cooldown: %w", err)
	}
	if !claimed {
		in.logCooldownHolder(ctx, anomaly)
		return Response{Action: action, Suppressed: SuppressedCooldown}, nil
	}

	if in.healer == nil {
		return Response{Action: action}, errors.New("no self-healer configured")
	}
	result, err := in.healer.SelfHeal(ctx, models.HealRequest{
		Action:     action,
		Target:     models.Target{Service: anomaly.Target},
		Reason:     fmt.Sprintf("%s anomaly on %s: value %.2f outside [%.2f, %.2f] (%s)", anomaly.Severity, anomaly.Metric, anomaly.Value, anomaly.ExpectedLow, anomaly.ExpectedHigh, anomaly.Method),
		Severity:   anomaly.Severity,
		Confidence: anomaly.Confidence,
		Source:     "anomaly:" + anomaly.Metric,
	})
	if err != nil {
		return Response{Action: action}, fmt.Errorf("self-heal %s: %w", action, err)
	}
	triggered := result.Routing == models.RoutingExecuted || result.Routing == models.RoutingFailed
	in.logger.Info("anomaly response routed",
		slog.String("target", anomaly.Target),
		slog.String("metric", anomaly.Metric),
		slog.String("action", action.String()),
		slog.String("routing", string(result.Routing)),
		slog.Bool("triggered", triggered),
	)
	return Response{Triggered: triggered, Action: action, Result: result}, nil
}

func (in *Integrator) claimCooldown(ctx context.Context, anomaly models.MLAnomaly, action models.ActionType) (bool, error) {
	ttl := in.Cooldown()
	if ttl <= 0 {
		return true, nil
	}
	mark, err := codec.Marshal(CooldownMark{
		Action:   action,
		Metric:   anomaly.Metric,
		Value:    anomaly.Value,
		Severity: string(anomaly.Severity),
		FiredAt:  in.now().Unix(),
	})
	if err != nil {
		return false, err
	}
	return in.cache.SetNX(ctx, cooldownKey(anomaly.Target, anomaly.Metric), mark, ttl)
}

// ActiveCooldown returns the mark holding target+metric in cooldown, if any.
func (in *Integrator) ActiveCooldown(ctx context.Context, target, metric string) (CooldownMark, bool) {
	data, err := in.cache.Get(ctx, cooldownKey(target, metric))
	if err != nil {
		return CooldownMark{}, false
	}
	var mark CooldownMark
	if err := codec.Unmarshal(data, &mark); err != nil {
		return CooldownMark{}, false
	}
	return mark, true
}

func (in *Integrator) logCooldownHolder(ctx context.Context, anomaly models.MLAnomaly) {
	mark, ok := in.ActiveCooldown(ctx, anomaly.Target, anomaly.Metric)
	if !ok {
		return
	}
	in.logger.Debug("anomaly response suppressed by cooldown",
		slog.String("target", anomaly.Target),
		slog.String("metric", anomaly.Metric),
		slog.String("held_by", mark.Action.String()),
		slog.Duration("since", in.now().Sub(time.Unix(mark.FiredAt, 0))),
	)
}
