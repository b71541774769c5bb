// Command mock-platform serves a simulated deployment platform for local runs of
// the autopilot: service health, deployments, pull requests, workflow runs,
// per-service metrics, and an action endpoint that mutates that state.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	spikeEvery := flag.Duration("spike-every", 5*time.Minute, "how often checkout error rate spikes; 0 disables")
	failRollbacks := flag.Int("fail-rollbacks", 0, "number of rollback requests to fail")
	flag.Parse()

	logger := utils.NewLogger("debug", false).With(slog.String("component", "mock-platform"))

	sim := platform.NewSimulator()
	seed(sim)
	if *failRollbacks > 0 {
		sim.FailNext(models.ActionRollback, *failRollbacks)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go drift(ctx, sim, *spikeEvery)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, sim.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("stopped", slog.Int("actions_applied", sim.Applied()))
}

func seed(sim *platform.Simulator) {
	now := time.Now().UTC()
	sim.SeedService(models.ServiceSnapshot{Name: "checkout", Status: models.ServiceHealthy, ErrorRate: 0.01, LatencyMs: 120, CurrentVersion: "v41", DesiredVersion: "v42"})
	sim.SeedService(models.ServiceSnapshot{Name: "payments", Status: models.ServiceDegraded, ErrorRate: 0.07, LatencyMs: 740, CurrentVersion: "v17", DesiredVersion: "v17"})
	sim.SeedService(models.ServiceSnapshot{Name: "inventory", Status: models.ServiceHealthy, ErrorRate: 0.002, LatencyMs: 45, CurrentVersion: "v9", DesiredVersion: "v9"})

	sim.SeedDeployment(models.DeploymentSnapshot{ID: "dep-checkout-42", Service: "checkout", Status: models.DeploymentFailed, Version: "v42", Reason: "health check failed", CreatedAt: now.Add(-10 * time.Minute)})
	sim.SeedDeployment(models.DeploymentSnapshot{ID: "dep-payments-17", Service: "payments", Status: models.DeploymentActive, Version: "v17", CreatedAt: now.Add(-3 * time.Hour)})

	sim.SeedPullRequest(models.PullRequestSnapshot{Repository: "mirador/checkout", Number: 311, Title: "bump payment client", Service: "checkout", State: "open", ChecksPassing: true, Approved: true, Mergeable: true})
	sim.SeedPullRequest(models.PullRequestSnapshot{Repository: "mirador/payments", Number: 88, Title: "retry budget", Service: "payments", State: "open", ChecksPassing: false})

	sim.SeedWorkflowRun(models.WorkflowRunSnapshot{ID: "run-9001", Workflow: "payments-ci", Kind: "ci", Status: "completed", Conclusion: "failure", Service: "payments", StartedAt: now.Add(-20 * time.Minute)})
	sim.SeedWorkflowRun(models.WorkflowRunSnapshot{ID: "run-9002", Workflow: "payments-ci", Kind: "ci", Status: "completed", Conclusion: "failure", Service: "payments", StartedAt: now.Add(-5 * time.Minute)})
}

// drift publishes noisy metrics every few seconds with a periodic spike on checkout.
func drift(ctx context.Context, sim *platform.Simulator, spikeEvery time.Duration) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	rng := rand.New(rand.NewSource(start.UnixNano()))
	for {
		elapsed := time.Since(start)
		spike := spikeEvery > 0 && elapsed > spikeEvery && elapsed%spikeEvery < 30*time.Second
		wave := math.Sin(elapsed.Minutes())

		checkoutErr := 0.01 + 0.002*wave + 0.001*rng.NormFloat64()
		if spike {
			checkoutErr = 0.25
		}
		sim.SetMetrics("checkout", map[string]float64{
			"error_rate":     math.Max(0, checkoutErr),
			"latency_p95_ms": 120 + 10*wave + 5*rng.NormFloat64(),
			"cpu_percent":    40 + 5*wave + 2*rng.NormFloat64(),
		})
		sim.SetMetrics("payments", map[string]float64{
			"error_rate":     math.Max(0, 0.07+0.005*rng.NormFloat64()),
			"latency_p95_ms": 740 + 30*rng.NormFloat64(),
			"cpu_percent":    65 + 3*rng.NormFloat64(),
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
