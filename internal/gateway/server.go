// Package gateway exposes the web API: submitting drafts, listing pending
// requests, and the synchronous approve/reject actions that feed the
// coordinator the same event shape as the mailbox poller.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nhle/email-approver/internal/approval"
	"github.com/nhle/email-approver/internal/metrics"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// Decider applies a decision event. Implemented by approval.Coordinator.
type Decider interface {
	Decide(ctx context.Context, event model.DecisionEvent) (approval.Decision, error)
}

// Server is the HTTP gateway.
type Server struct {
	store    store.Store
	workflow *approval.Workflow
	decider  Decider
	logger   *slog.Logger
	http     *http.Server
}

// New creates the gateway server listening on addr.
func New(
	addr string,
	s store.Store,
	w *approval.Workflow,
	d Decider,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		store:    s,
		workflow: w,
		decider:  d,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.Use(recoveryMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/requests", srv.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/pending", srv.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/approve/{id}", srv.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/reject/{id}", srv.handleReject).Methods(http.MethodPost)

	r.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return srv
}

// Router returns the configured handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", slog.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// loggingMiddleware logs each request with its status and duration.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// recoveryMiddleware converts handler panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
