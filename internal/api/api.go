// Package api serves the analysis service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/katago-server/internal/log"
	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/service"
)

const (
	defaultMaxBody = 4 << 20

	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
)

// Analyzer is the part of *service.Service the handlers call.
type Analyzer interface {
	Analyze(ctx context.Context, req model.AnalysisRequest, timeout time.Duration) (model.AnalysisResponse, error)
	Version(ctx context.Context) (model.EngineVersion, error)
	ClearCache(ctx context.Context) error
	Healthy(ctx context.Context, probe bool) bool
	Stats() service.Stats
	ModelName() string
}

type Handler struct {
	svc     Analyzer
	server  model.ServerVersion
	maxBody int64
	origins []string
	mux     *http.ServeMux
	now     func() time.Time
}

type Option func(*Handler)

// WithServerVersion sets what GET /api/v1/version reports about this binary.
func WithServerVersion(name, version string) Option {
	return func(h *Handler) {
		h.server = model.ServerVersion{Name: name, Version: version}
	}
}

// WithMaxBody limits the size of request bodies.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		h.maxBody = n
	}
}

func New(svc Analyzer, opts ...Option) *Handler {
	h := &Handler{
		svc:     svc,
		server:  model.ServerVersion{Name: "katago-server", Version: "devel"},
		maxBody: defaultMaxBody,
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST /api/v1/analysis", h.handleAnalysis)
	h.mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	h.mux.HandleFunc("GET /api/v1/version", h.handleVersion)
	h.mux.HandleFunc("POST /api/v1/cache/clear", h.handleClearCache)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	began := h.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	if !h.cors(rec, r) {
		h.mux.ServeHTTP(rec, r)
	}
	slog.DebugContext(r.Context(), "http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"took", time.Since(began).Round(time.Millisecond),
	)
}

type analysisBody struct {
	model.AnalysisRequest
	// TimeoutMs overrides the configured move timeout for this call.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var body analysisBody
	if err := decode(w, r, h.maxBody, &body); err != nil {
		problem := model.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()).WithCause(err)
		writeProblem(w, r, problem.WithCorrelationID(uuid.NewString()))
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	ctx := log.ContextAttrs(r.Context(), slog.String("correlation_id", body.RequestID))

	resp, err := h.svc.Analyze(ctx, body.AnalysisRequest, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		problem := service.ToProblem(err)
		if problem.CorrelationID == "" {
			problem = problem.WithCorrelationID(body.RequestID)
		}
		writeProblem(w, r, problem)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    int64          `json:"uptime,omitempty"` // seconds
	Engine    service.Status `json:"engine"`
	Restarts  int            `json:"restarts"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	probe := r.URL.Query().Get("probe") == "true"
	healthy := h.svc.Healthy(r.Context(), probe)
	st := h.svc.Stats()

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Uptime:    int64(st.Uptime / time.Second),
		Engine:    st.Status,
		Restarts:  st.Restarts,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := model.VersionInfo{
		Server: h.server,
		Model:  model.ModelInfo{Name: h.svc.ModelName()},
	}
	// an engine that does not answer leaves katago out
	if v, err := h.svc.Version(r.Context()); err == nil {
		info.Engine = &v
	} else {
		slog.DebugContext(r.Context(), "version without engine", "error", err)
	}
	writeJSON(w, http.StatusOK, info)
}

type cacheClearResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		writeProblem(w, r, service.ToProblem(err))
		return
	}
	writeJSON(w, http.StatusOK, cacheClearResponse{
		Status:    "cleared",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	write(w, status, contentTypeJSON, v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, problem *model.Problem) {
	if problem.Instance == "" {
		problem = problem.WithInstance(r.URL.Path)
	}
	write(w, problem.Status, contentTypeProblem, problem)
}

func write(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
