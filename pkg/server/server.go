// Package server exposes an Authorizer over a small JSON HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-authz/pkg/authz"
	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/telemetry"
)

const (
	maxBodyBytes           = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
)

// Config wires the server to its collaborators.
type Config struct {
	Authorizer *authz.Authorizer
	// Metrics, when set, is served on /metrics.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// ShutdownTimeout bounds graceful shutdown in Serve.
	ShutdownTimeout time.Duration
	RateLimit       RateLimit
}

// Server serves decision requests.
type Server struct {
	authorizer      *authz.Authorizer
	metrics         *telemetry.Metrics
	logger          *slog.Logger
	shutdownTimeout time.Duration
	limiter         *rateLimiter
	handler         http.Handler
}

// New builds a Server. cfg.Authorizer is required.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	s := &Server{
		authorizer:      cfg.Authorizer,
		metrics:         cfg.Metrics,
		logger:          logger,
		shutdownTimeout: timeout,
		limiter:         newRateLimiter(cfg.RateLimit),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/can", s.limiter.wrap(s, "can", s.handleCan))
	api.HandleFunc("POST /v1/can-any", s.limiter.wrap(s, "can-any", s.handleCanAny))
	api.HandleFunc("POST /v1/can-all", s.limiter.wrap(s, "can-all", s.handleCanAll))
	api.HandleFunc("POST /v1/filter", s.limiter.wrap(s, "filter", s.handleFilter))

	mux := http.NewServeMux()
	mux.Handle("/v1/", otelhttp.NewHandler(api, "polis.authz"))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Serve accepts connections on l until ctx is done, then shuts down
// gracefully. tlsConfig may be nil for plain HTTP.
func (s *Server) Serve(ctx context.Context, l net.Listener, tlsConfig *tls.Config) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ServeTLS(l, "", "")
		} else {
			err = server.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("decision API listening", "addr", l.Addr().String(), "tls", tlsConfig != nil)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down decision API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err, ok := <-errCh; ok {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type canRequest struct {
	Request domain.Request `json:"request"`
}

type batchRequest struct {
	Requests []domain.Request `json:"requests"`
}

type decisionResponse struct {
	DecisionID string `json:"decision_id"`
	Allowed    bool   `json:"allowed"`
}

type filterResponse struct {
	DecisionID string           `json:"decision_id"`
	Requests   []domain.Request `json:"requests"`
}

func (s *Server) handleCan(w http.ResponseWriter, r *http.Request) {
	var body canRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Request == nil {
		s.writeError(w, r, http.StatusBadRequest, domain.CodeBadRequest, "request is required")
		return
	}

	allowed, err := s.authorizer.Can(r.Context(), body.Request)
	s.respondDecision(w, r, authz.MethodCan, allowed, err)
}

func (s *Server) handleCanAny(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !s.decode(w, r, &body) {
		return
	}
	allowed, err := s.authorizer.CanAny(r.Context(), body.Requests)
	s.respondDecision(w, r, authz.MethodCanAny, allowed, err)
}

func (s *Server) handleCanAll(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !s.decode(w, r, &body) {
		return
	}
	allowed, err := s.authorizer.CanAll(r.Context(), body.Requests)
	s.respondDecision(w, r, authz.MethodCanAll, allowed, err)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !s.decode(w, r, &body) {
		return
	}
	permitted, err := s.authorizer.FilterByCan(r.Context(), body.Requests)
	if err != nil {
		s.writeDecisionError(w, r, authz.MethodFilterByCan, err)
		return
	}

	id := uuid.NewString()
	s.logger.DebugContext(r.Context(), "filter served", "decision_id", id, "requested", len(body.Requests), "permitted", len(permitted))
	writeJSON(w, http.StatusOK, filterResponse{DecisionID: id, Requests: permitted})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.authorizer.IsInited() {
		s.writeError(w, r, http.StatusServiceUnavailable, domain.CodeNotInitialized, domain.ErrNotInitialized.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"generation": s.authorizer.Generation(),
	})
}

func (s *Server) respondDecision(w http.ResponseWriter, r *http.Request, method string, allowed bool, err error) {
	if err != nil {
		s.writeDecisionError(w, r, method, err)
		return
	}
	id := uuid.NewString()
	s.logger.DebugContext(r.Context(), "decision served", "decision_id", id, "method", method, "allowed", allowed)
	writeJSON(w, http.StatusOK, decisionResponse{DecisionID: id, Allowed: allowed})
}

func (s *Server) writeDecisionError(w http.ResponseWriter, r *http.Request, method string, err error) {
	if errors.Is(err, domain.ErrNotInitialized) {
		s.writeError(w, r, http.StatusServiceUnavailable, domain.CodeNotInitialized, err.Error())
		return
	}
	s.logger.WarnContext(r.Context(), "decision failed", "method", method, "error", err)
	s.writeError(w, r, http.StatusUnprocessableEntity, domain.CodeEvaluation, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, domain.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
