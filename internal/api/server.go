package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/config"
	"github.com/JakeFAU/product-automation/internal/orchestrator"
	"github.com/JakeFAU/product-automation/internal/store"
	"github.com/JakeFAU/product-automation/internal/telemetry"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	maxSourceRefs   = 1000
	requestTimeout  = 60 * time.Second
)

// RunService is the run lifecycle the API drives. The orchestrator satisfies
// it.
type RunService interface {
	SubmitRun(ctx context.Context, refs []string, cfg automation.RunConfig) (automation.Run, error)
	CancelRun(ctx context.Context, runID string) (automation.Run, error)
	GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error)
	ListRuns(ctx context.Context, filter automation.RunFilter) ([]automation.Run, error)
	ListItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error)
	ResubmitFailed(ctx context.Context, runID string) (automation.Run, error)
}

// Exporter renders run reports.
type Exporter interface {
	ExportRunXLSX(ctx context.Context, runID string) ([]byte, error)
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router   chi.Router
	runs     RunService
	exporter Exporter
	stats    *StageStatsHandler
	ready    func(ctx context.Context) error
	cfg      config.Config
	validate *validator.Validate
	logger   *zap.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithExporter enables the XLSX report route.
func WithExporter(e Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithProgressRepository enables the stage statistics route.
func WithProgressRepository(repo store.ProgressRepository) Option {
	return func(s *Server) {
		if repo != nil {
			s.stats = NewStageStatsHandler(repo, s.logger)
		}
	}
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = fn }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunService, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:     runs,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/items", s.listItems)
				r.Get("/stages", s.stageStats)
				r.Get("/report.xlsx", s.exportRun)
				r.Post("/cancel", s.cancelRun)
				r.Post("/resubmit", s.resubmitRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRunRequest struct {
	SourceRefs   []string           `json:"source_refs" validate:"required,min=1,max=1000,dive,max=2048"`
	Parallelism  *int               `json:"parallelism" validate:"omitempty,min=1,max=64"`
	DelaySeconds map[string]float64 `json:"delay_seconds" validate:"omitempty,dive,keys,oneof=scraper copy image publisher,endkeys,gte=0,lte=3600"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	cfg := automation.RunConfig{
		Parallelism: s.cfg.Pipeline.Workers,
		Delays:      s.cfg.Delays(),
	}
	if req.Parallelism != nil {
		cfg.Parallelism = *req.Parallelism
	}
	for provider, secs := range req.DelaySeconds {
		cfg.Delays[provider] = time.Duration(secs * float64(time.Second))
	}
	run, err := s.runs.SubmitRun(r.Context(), req.SourceRefs, cfg)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID, "run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseRunStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), automation.RunFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runs.GetRunStatus(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type itemDTO struct {
	ID           string           `json:"id"`
	Position     int              `json:"position"`
	SourceRef    string           `json:"source_ref"`
	State        string           `json:"state"`
	Stage        automation.Stage `json:"stage"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	ReclaimCount int              `json:"reclaim_count"`
	Results      any              `json:"results,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	statuses, err := parseItemStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.runs.GetRunStatus(r.Context(), runID); err != nil {
		s.writeRunError(w, err)
		return
	}
	items, err := s.runs.ListItems(r.Context(), automation.ItemFilter{RunID: runID, Statuses: statuses})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	out := make([]itemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, itemDTO{
			ID:           item.ID,
			Position:     item.Position,
			SourceRef:    item.SourceRef,
			State:        item.State(),
			Stage:        item.Stage,
			Status:       string(item.Status),
			Error:        item.Error,
			ReclaimCount: item.ReclaimCount,
			Results:      item.Results,
			UpdatedAt:    item.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) stageStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	s.stats.ServeHTTP(w, r)
}

func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "export unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	data, err := s.exporter.ExportRunXLSX(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write report failed", zap.Error(err))
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.CancelRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) resubmitRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ResubmitFailed(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID, "run": run})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrNoSourceRefs):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, automation.ErrRunTerminal),
		errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrNoFailedItems):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("run request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := "source_refs"
	switch {
	case strings.HasPrefix(fe.StructField(), "Parallelism"):
		field = "parallelism"
	case strings.HasPrefix(fe.StructField(), "DelaySeconds"):
		field = "delay_seconds"
	}
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s has unknown provider %v", field, fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "required":
		return field + " required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

func parseRunStatuses(raw string) ([]automation.RunStatus, error) {
	var out []automation.RunStatus
	for _, part := range splitList(raw) {
		st := automation.RunStatus(part)
		switch st {
		case automation.RunPending, automation.RunRunning, automation.RunCompleted,
			automation.RunPartial, automation.RunFailed, automation.RunCancelled:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("invalid status %q", part)
		}
	}
	return out, nil
}

func parseItemStatuses(raw string) ([]automation.ItemStatus, error) {
	var out []automation.ItemStatus
	for _, part := range splitList(raw) {
		st := automation.ItemStatus(part)
		switch st {
		case automation.ItemPending, automation.ItemInProgress, automation.ItemPublished, automation.ItemFailed:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("invalid status %q", part)
		}
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
