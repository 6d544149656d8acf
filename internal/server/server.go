// Package server exposes company search over HTTP: a server-sent event stream
// per search run plus run lookup, health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/search"
)

// Searcher starts streaming runs. *search.Orchestrator implements it.
type Searcher interface {
	Stream(ctx context.Context, req search.Request) (<-chan search.Event, error)
}

// RunReader loads runs and their linked companies.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.SearchRun, error)
	ListRunResults(ctx context.Context, runID string) ([]company.RunResult, error)
}

// Options configures the server.
type Options struct {
	// Heartbeat is the interval of SSE keep-alive comments. Default: 15s.
	Heartbeat      time.Duration
	AllowedOrigins []string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	searcher Searcher
	runs     RunReader
	auth     Authenticator
	opts     Options
}

// New creates a Server.
func New(searcher Searcher, runs RunReader, auth Authenticator, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{searcher: searcher, runs: runs, auth: auth, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "X-API-Key", HeaderAccountID, "Last-Event-ID"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/search/stream", s.handleStream)
		r.Get("/runs/{id}", s.handleRun)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := s.auth.Authenticate(r)
		if err != nil || account == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count := 0
	if raw := strings.TrimSpace(q.Get("desired_count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "desired_count must be a non-negative integer")
			return
		}
		count = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	query := q.Get("query")
	if query == "" {
		query = q.Get("q")
	}

	account := AccountFrom(r.Context())
	events, err := s.searcher.Stream(r.Context(), search.Request{
		AccountID:    account,
		Query:        query,
		DesiredCount: count,
	})
	if err != nil {
		s.writeStreamError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := newSSEWriter(w, flusher)
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.event(ev); err != nil {
				zap.L().Debug("server: client gone", zap.String("account", account), zap.Error(err))
				// The orchestrator stops once the request context is done.
				return
			}
		case <-heartbeat.C:
			if err := sse.comment("ping"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	var rl *search.RateLimitError
	switch {
	case errors.Is(err, search.ErrMissingQuery):
		writeError(w, http.StatusBadRequest, "query is required")
	case errors.As(err, &rl):
		retry := int(math.Ceil(rl.Decision.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Decision.Remaining))
		writeError(w, http.StatusTooManyRequests, rl.Error())
	default:
		zap.L().Error("server: start search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start search")
	}
}

type runResponse struct {
	Run     *model.SearchRun    `json:"run"`
	Results []company.RunResult `json:"results"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		zap.L().Error("server: get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	// Other accounts' runs read as missing.
	if run == nil || run.AccountID != AccountFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	results, err := s.runs.ListRunResults(r.Context(), id)
	if err != nil {
		zap.L().Error("server: list run results failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run results")
		return
	}
	if results == nil {
		results = []company.RunResult{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Results: results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
