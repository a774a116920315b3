// Package api exposes the backup engine over HTTP for the web frontend and operators.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/logging"

	"github.com/gorilla/mux"
)

// ManualBackupper runs on-demand backups of the primary database and the asset directory
type ManualBackupper interface {
	backup.Backupper
	DatabaseSource() backup.Source
	AssetsSource() (backup.Source, bool)
}

// Verifier checks a snapshot without restoring it
type Verifier interface {
	Verify(ctx context.Context, id string) (*backup.VerifyResult, error)
}

// Config wires the server dependencies. Verifier and Metrics are optional.
type Config struct {
	Store     backup.SnapshotStore
	Backupper ManualBackupper
	Restorer  backup.Restorer
	Verifier  Verifier
	Metrics   *backup.Metrics
	Logger    *logging.Logger
	// Health reports database reachability on /healthz; nil skips the check
	Health func(ctx context.Context) error

	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the /api/backups surface
type Server struct {
	store     backup.SnapshotStore
	backupper ManualBackupper
	restorer  backup.Restorer
	verifier  Verifier
	metrics   *backup.Metrics
	logger    *logging.Logger
	health    func(ctx context.Context) error
	router    *mux.Router
	http      *http.Server
}

// NewServer creates the server and its routes
func NewServer(config Config) (*Server, error) {
	if config.Store == nil || config.Backupper == nil || config.Restorer == nil {
		return nil, backup.NewConfigurationError("api server needs a store, a backupper and a restorer", nil)
	}
	if config.Logger == nil {
		config.Logger = logging.NewDefaultLogger()
	}
	if config.Address == "" {
		config.Address = ":8080"
	}

	s := &Server{
		store:     config.Store,
		backupper: config.Backupper,
		restorer:  config.Restorer,
		verifier:  config.Verifier,
		metrics:   config.Metrics,
		logger:    config.Logger,
		health:    config.Health,
		router:    mux.NewRouter(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.requestLogger)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, backup.NewNotFoundError("no such endpoint", nil))
	})

	api := s.router.PathPrefix("/api/backups").Subrouter()
	api.HandleFunc("", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/manual", s.handleManual).Methods(http.MethodPost)
	api.HandleFunc("/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/{filename}/verify", s.handleVerify).Methods(http.MethodGet)
	api.HandleFunc("/{filename}", s.handleGet).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.WithField("address", s.http.Addr).Info("Backup API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, requestID := backup.WithCorrelationID(r.Context())
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		entry := s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestID,
		})
		if recorder.status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}
	})
}
