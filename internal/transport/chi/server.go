package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	logpkg "github.com/kailas-cloud/backfill/internal/logger"
	"github.com/kailas-cloud/backfill/internal/metrics"
	healthuc "github.com/kailas-cloud/backfill/internal/usecase/health"
	"github.com/kailas-cloud/backfill/internal/usecase/scheduler"
	usageuc "github.com/kailas-cloud/backfill/internal/usecase/usage"
)

// HealthChecker produces a health report.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// UsageReporter builds token usage reports.
type UsageReporter interface {
	GetReport(ctx context.Context, period usageuc.Period) usageuc.Report
}

// StateReporter exposes the scheduler lifecycle state.
type StateReporter interface {
	State() scheduler.State
}

type healthResponse struct {
	Status    healthuc.Status                 `json:"status"`
	Checks    map[string]healthuc.CheckResult `json:"checks"`
	Scheduler scheduler.State                 `json:"scheduler,omitempty"`
}

// NewRouter builds the ops router: GET /healthz, GET /usage and GET /metrics.
// state may be nil (single-pass mode); usage may be nil (no /usage route).
func NewRouter(health HealthChecker, state StateReporter, usage UsageReporter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(jsonRecoverer(logger))
	r.Use(accessLog(logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		report := health.Check(req.Context())

		resp := healthResponse{Status: report.Status, Checks: report.Checks}
		if state != nil {
			resp.Scheduler = state.State()
		}

		status := http.StatusOK
		if report.Status == healthuc.Unhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
	if usage != nil {
		r.Get("/usage", func(w http.ResponseWriter, req *http.Request) {
			period, err := usageuc.ParsePeriod(req.URL.Query().Get("period"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, usage.GetReport(req.Context(), period))
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Server is the ops HTTP server running next to the backfill loop.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates an ops server listening on port.
func NewServer(port int, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener and serves in the background.
// Bind errors are returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}

	go func() {
		s.logger.Info("Starting ops HTTP server", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonRecoverer returns a JSON 500 instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					writeJSON(w, http.StatusInternalServerError, map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog emits one debug line per request; health checks are frequent.
func accessLog(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chiMiddleware.GetReqID(r.Context())
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Debug("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
			)
		})
	}
}
