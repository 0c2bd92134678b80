// Package api serves the worker's operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kbflow/internal/logging"
)

// Check reports whether one backing service is reachable.
type Check func(ctx context.Context) error

type Server struct {
	checks   map[string]Check
	gatherer prometheus.Gatherer
	log      *zap.Logger
	timeout  time.Duration
}

func NewServer(checks map[string]Check, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	return &Server{
		checks:   checks,
		gatherer: gatherer,
		log:      logging.OrNop(log),
		timeout:  3 * time.Second,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	results := make([]checkResult, 0, len(names))
	for _, name := range names {
		res := checkResult{Name: name, Status: "ok"}
		if err := s.checks[name](ctx); err != nil {
			code = http.StatusServiceUnavailable
			res.Status = "down"
			res.Code = errorCode(err)
			res.Error = err.Error()
			s.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
		results = append(results, res)
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorCode(err error) string {
	raw := strings.ToLower(err.Error())
	switch {
	case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
		return "KB-DB-5001"
	case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
		return "KB-NET-5002"
	case strings.Contains(raw, "deadline exceeded"), strings.Contains(raw, "timeout"):
		return "KB-NET-5004"
	default:
		return "KB-OPS-5000"
	}
}
