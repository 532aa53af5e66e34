package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/jobs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// recentCases is the number of cases returned with the stats summary
const recentCases = 10

// CaseService is the case surface the admin API drives
type CaseService interface {
	Case(ctx context.Context, id int64) (*core.CaseRecord, error)
	Cases(ctx context.Context, limit int) ([]*core.CaseRecord, error)
	Stats(ctx context.Context, recent int) (*core.CaseStats, error)
	Release(ctx context.Context, id int64) (*core.CaseRecord, error)
}

// JobRunner submits and reports offline jobs
type JobRunner interface {
	Submit(kind string) (*jobs.Job, error)
	Get(id string) (*jobs.Job, error)
}

// Config holds the admin listener settings
type Config struct {
	ListenAddr   string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the administrative HTTP API
type Server struct {
	cases  CaseService
	jobs   JobRunner
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates the admin API server
func NewServer(cases CaseService, runner JobRunner, cfg Config, logger *zap.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Server{
		cases:  cases,
		jobs:   runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		if s.cfg.JWTSecret != "" {
			api.Use(s.jwtAuth)
		}
		api.Get("/stats", s.handleStats)
		api.Get("/emails", s.handleListEmails)
		api.Get("/emails/{id}", s.handleGetEmail)
		api.Post("/release/{id}", s.handleRelease)
		api.Post("/jobs/"+jobs.KindRefreshDataset, s.submitJob(jobs.KindRefreshDataset))
		api.Post("/jobs/"+jobs.KindRetrainModel, s.submitJob(jobs.KindRetrainModel))
		api.Get("/jobs/{id}", s.handleGetJob)
	})

	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Admin API starting", zap.String("address", ln.Addr().String()),
		zap.Bool("auth", s.cfg.JWTSecret != ""))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server is listening on
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cases.Stats(r.Context(), recentCases)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsView(stats))
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeCode(w, core.CodeBadRequest)
			return
		}
		limit = n
	}

	records, err := s.cases.Cases(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]caseView, 0, len(records))
	for _, rec := range records {
		views = append(views, newCaseView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	rec, err := s.cases.Case(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseView(rec))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	rec, err := s.cases.Release(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("case %d released", id),
		"case":    newCaseView(rec),
	})
}

func (s *Server) submitJob(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		job, err := s.jobs.Submit(kind)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) caseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeCode(w, core.CodeBadRequest)
		return 0, false
	}
	return id, true
}

// jwtAuth requires a valid HS256 bearer token
func (s *Server) jwtAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
			s.writeCode(w, core.CodeUnauthorized)
			return
		}

		_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.logger.Debug("Rejected admin token", zap.Error(err))
			s.writeCode(w, core.CodeUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)))
	})
}

// writeError maps err to a stable code; the error text itself is only logged
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	if errors.Is(err, jobs.ErrUnknownKind) {
		code = core.CodeBadRequest
	}
	if code == core.CodeInternal || code == core.CodeStorageFailed || code == core.CodeRelayFailed {
		s.logger.Error("Admin request failed", zap.Error(err), zap.String("code", code))
	}
	s.writeCode(w, code)
}

func (s *Server) writeCode(w http.ResponseWriter, code string) {
	writeJSON(w, statusFor(code), errorBody{Error: errorDetail{Code: code, Message: core.ErrorMessage(code)}})
}

func statusFor(code string) int {
	switch code {
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeBadRequest:
		return http.StatusBadRequest
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeConflict:
		return http.StatusConflict
	case core.CodeRelayFailed:
		return http.StatusBadGateway
	case core.CodeStorageFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
