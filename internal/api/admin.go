package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/store"
)

const maxDecisionLimit = 500

// HealthCheck is one dependency checked by /healthz.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// DecisionHistory reads the persisted decision audit.
type DecisionHistory interface {
	RecentDecisions(ctx context.Context, limit int) ([]store.DecisionRow, error)
}

// NewAdminRouter serves /metrics, /healthz and read-only JSON views of the control
// surface on the admin HTTP listener. history may be nil when nothing is persisted.
func NewAdminRouter(service AutopilotServer, history DecisionHistory, logger *slog.Logger, checks ...HealthCheck) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, hc := range checks {
			if err := hc.Check(r.Context()); err != nil {
				logger.Warn("health check failed", slog.String("check", hc.Name), slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(hc.Name + ": " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Route("/v1", func(r chi.Router) {
		r.Get("/status", structHandler(service.GetStatus, logger))
		r.Get("/pending", structHandler(service.ListPending, logger))
		r.Get("/decisions", decisionsHandler(history, logger))
	})
	return router
}

func structHandler(call func(context.Context, *structpb.Struct) (*structpb.Struct, error), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := call(r.Context(), &structpb.Struct{})
		if err != nil {
			logger.Warn("admin request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, status.Convert(err).Message(), httpStatus(status.Code(err)))
			return
		}
		body, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

type decisionView struct {
	DecisionID string             `json:"decision_id"`
	CycleID    string             `json:"cycle_id,omitempty"`
	Type       string             `json:"type"`
	Target     string             `json:"target"`
	Priority   int                `json:"priority"`
	Reason     string             `json:"reason"`
	Confidence float64            `json:"confidence"`
	Factors    map[string]float64 `json:"factors,omitempty"`
	Routing    string             `json:"routing"`
	BlockedBy  []string           `json:"blocked_by,omitempty"`
	At         string             `json:"at"`
}

// decisionsHandler lists the newest persisted decisions; ?limit= caps the count.
func decisionsHandler(history DecisionHistory, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			http.Error(w, "decision history not configured", http.StatusServiceUnavailable)
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxDecisionLimit)
		}
		rows, err := history.RecentDecisions(r.Context(), limit)
		if err != nil {
			logger.Warn("admin request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, "read decision history", http.StatusInternalServerError)
			return
		}
		views := make([]decisionView, 0, len(rows))
		for _, row := range rows {
			v := decisionView{
				DecisionID: row.DecisionID,
				CycleID:    row.CycleID,
				Type:       row.ActionType,
				Target:     row.Target,
				Priority:   row.Priority,
				Reason:     row.Reason,
				Confidence: row.Confidence,
				Routing:    string(row.Routing),
				BlockedBy:  row.BlockedBy,
				At:         row.At.Format(time.RFC3339),
			}
			if len(row.Factors) > 0 {
				v.Factors = make(map[string]float64, len(row.Factors))
				for _, f := range row.Factors {
					v.Factors[f.Name] = f.Value
				}
			}
			views = append(views, v)
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"decisions": views, "count": len(views)})
	}
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
