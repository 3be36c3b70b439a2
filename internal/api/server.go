// Package api exposes the HTTP interface for the account service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/hibernate"
	"github.com/fletling/trainervault/internal/metrics"
	"github.com/fletling/trainervault/internal/pool"
)

// Server wires HTTP handlers to the pools, store and lifecycle.
type Server struct {
	router    chi.Router
	store     account.Store
	general   *pool.Pool
	captcha   *pool.Pool
	lifecycle *hibernate.Lifecycle
	sweeper   *hibernate.Sweeper
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store account.Store,
	general, captcha *pool.Pool,
	lifecycle *hibernate.Lifecycle,
	sweeper *hibernate.Sweeper,
	logger *zap.Logger,
) *Server {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		general:   general,
		captcha:   captcha,
		lifecycle: lifecycle,
		sweeper:   sweeper,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts/stats", s.accountStats)
		r.Post("/accounts/{username}/captcha-solved", s.captchaSolved)
		r.Post("/sweep", s.sweep)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a cheap lookup proves the
	// connection pool is usable.
	_, err := s.store.Lookup(r.Context(), "readyz-probe")
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	GeneralIdle int              `json:"general_idle"`
	CaptchaIdle int              `json:"captcha_idle"`
	Hibernated  map[string]int64 `json:"hibernated"`
}

func (s *Server) accountStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByReason(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count hibernated accounts")
		return
	}
	resp := statsResponse{
		GeneralIdle: s.general.Len(),
		CaptchaIdle: s.captcha.Len(),
		Hibernated:  make(map[string]int64, len(counts)),
	}
	for reason, n := range counts {
		resp.Hibernated[string(reason)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) captchaSolved(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.store.Lookup(r.Context(), username); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if err := s.lifecycle.ResolveCaptcha(r.Context(), username); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username, "status": "cleared"})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sweeper.SweepOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]int64, len(counts))
	for reason, n := range counts {
		out[string(reason)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactivated": out})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
