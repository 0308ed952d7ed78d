// Package api serves a read-only HTTP view of programs, sessions, recovery
// operations and backup integrity.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
	"github.com/sells-group/intake-vault/internal/validator"
)

const (
	defaultLimit   = 100
	maxLimit       = 1000
	requestTimeout = 30 * time.Second
)

// Integrity checks one backup across the tiers.
type Integrity interface {
	VerifyIntegrity(ctx context.Context, backupID string) (*backup.IntegrityReport, error)
}

// Options configures the server.
type Options struct {
	CORSOrigins []string
}

// Server holds the API dependencies.
type Server struct {
	st      store.Store
	backups Integrity
	opts    Options
	log     *zap.Logger
}

// New creates a Server. backups may be nil, which disables the integrity
// endpoint.
func New(st store.Store, backups Integrity, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		st:      st,
		backups: backups,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/programs", s.listPrograms)
		r.Get("/programs/{id}", s.getProgram)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/recovery/operations", s.listOperations)
		r.Get("/recovery/operations/{id}", s.getOperation)
		r.Get("/backups/{id}/integrity", s.integrity)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		s.log.Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// program is a structured record with its reporting tier.
type program struct {
	model.StructuredRecord
	QualityTier string `json:"quality_tier"`
}

func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.StructuredFilter{SourceID: q.Get("source"), Limit: limit, Offset: offset}

	switch tier := q.Get("tier"); tier {
	case "":
	case "high":
		filter.MinScore = ptr(8.0)
	case "medium":
		filter.MinScore = ptr(6.0)
		filter.MaxScore = ptr(math.Nextafter(8.0, 0))
	case "low":
		filter.MaxScore = ptr(math.Nextafter(6.0, 0))
	default:
		writeError(w, http.StatusBadRequest, "tier must be high, medium or low")
		return
	}
	if v := q.Get("min_score"); v != "" {
		minScore, err := strconv.ParseFloat(v, 64)
		if err != nil || minScore < 0 || minScore > 10 {
			writeError(w, http.StatusBadRequest, "min_score must be a number between 0 and 10")
			return
		}
		if filter.MinScore == nil || minScore > *filter.MinScore {
			filter.MinScore = &minScore
		}
	}

	recs, err := s.st.ListStructuredRecords(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list programs", err)
		return
	}
	out := make([]program, len(recs))
	for i := range recs {
		out[i] = program{StructuredRecord: recs[i], QualityTier: validator.QualityTier(recs[i].DataQualityScore)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": out, "count": len(out)})
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	rec, err := s.st.GetStructuredRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get program", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "program not found")
		return
	}
	writeJSON(w, http.StatusOK, program{StructuredRecord: *rec, QualityTier: validator.QualityTier(rec.DataQualityScore)})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.SessionFilter{SourceID: q.Get("source"), Limit: limit}
	switch kind := model.SessionKind(q.Get("kind")); kind {
	case "", model.SessionIngestion, model.SessionMigration:
		filter.Kind = kind
	default:
		writeError(w, http.StatusBadRequest, "kind must be ingestion or migration")
		return
	}
	switch status := model.SessionStatus(q.Get("status")); status {
	case "":
	case model.SessionRunning, model.SessionCompleted, model.SessionFailed:
		filter.Statuses = []model.SessionStatus{status}
	default:
		writeError(w, http.StatusBadRequest, "status must be running, completed or failed")
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.StartedAfter = &since
	}

	sessions, err := s.st.ListSessions(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []model.ScrapingSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.st.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get session", err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ops, err := s.st.ListRecoveryOperations(r.Context(), store.RecoveryFilter{
		Status: model.RecoveryStatus(q.Get("status")),
		Scope:  model.RecoveryScope(q.Get("scope")),
		Limit:  limit,
	})
	if err != nil {
		s.internalError(w, "list recovery operations", err)
		return
	}
	if ops == nil {
		ops = []model.RecoveryOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.st.GetRecoveryOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get recovery operation", err)
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "recovery operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) integrity(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup tiers not configured")
		return
	}
	rep, err := s.backups.VerifyIntegrity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "integrity check timed out")
			return
		}
		s.internalError(w, "verify integrity", err)
		return
	}
	found := false
	for _, c := range rep.TiersChecked {
		found = found || c.Found
	}
	if !found {
		writeError(w, http.StatusNotFound, "backup not found in any tier")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.log.Error("api: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func ptr[T any](v T) *T { return &v }

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
