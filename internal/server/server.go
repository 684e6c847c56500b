// ABOUTME: Server orchestrator that coordinates the stream and API listeners
// ABOUTME: Manages store, registry, liveness loop, and maintenance lifecycle

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synaptiq/synapse-hub/internal/api"
	"github.com/synaptiq/synapse-hub/internal/config"
	"github.com/synaptiq/synapse-hub/internal/hub"
	"github.com/synaptiq/synapse-hub/internal/permission"
	"github.com/synaptiq/synapse-hub/internal/session"
	"github.com/synaptiq/synapse-hub/internal/store"
	"github.com/synaptiq/synapse-hub/internal/token"
)

// sessionRecordRetention is how long inactive session rows are kept before
// the hourly maintenance job deletes them.
const sessionRecordRetention = 7 * 24 * time.Hour

// Server orchestrates the synapse-hub components. It runs the websocket
// stream listener and the HTTP API listener, plus the liveness loop and
// periodic maintenance.
type Server struct {
	config    *config.Config
	store     store.Store
	registry  *session.Registry
	authority *token.Authority
	hub       *hub.Hub
	liveness  *hub.Liveness
	cron      *cron.Cron
	logger    *slog.Logger

	streamServer *http.Server
	apiServer    *http.Server
}

// initStore creates the store from config, honoring the SYNAPSE_DATABASE_PATH
// override the same way Load does for the rest of the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SYNAPSE_DATABASE_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authority, err := token.NewAuthority(s, token.Config{
		MasterSecret:   []byte(cfg.Auth.MasterSecret),
		AccessTTL:      cfg.Auth.AccessTTL,
		RefreshTTL:     cfg.Auth.RefreshTTL,
		StrictPresence: cfg.Auth.StrictPresence,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating token authority: %w", err)
	}

	registry := session.NewRegistry(logger.With("component", "registry"))
	perms := permission.NewService(s, logger)

	streamHub := hub.New(s, authority, registry, cfg.Liveness.MaxSleep, logger)
	liveness := hub.NewLiveness(registry, hub.LivenessConfig{
		StaleTimeout:  cfg.Liveness.StaleTimeout,
		Grace:         cfg.Liveness.ChallengeGrace,
		MaxSleep:      cfg.Liveness.MaxSleep,
		CheckInterval: cfg.Liveness.CheckInterval,
	}, logger)

	restAPI := api.New(s, authority, perms, registry, logger)

	srv := &Server{
		config:    cfg,
		store:     s,
		registry:  registry,
		authority: authority,
		hub:       streamHub,
		liveness:  liveness,
		cron:      cron.New(),
		logger:    logger.With("component", "server"),
	}

	streamMux := http.NewServeMux()
	streamMux.Handle("/stream", streamHub)

	srv.streamServer = &http.Server{
		Addr:              cfg.Server.StreamAddr,
		Handler:           streamMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.apiServer = &http.Server{
		Addr:              cfg.Server.APIAddr,
		Handler:           restAPI.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := srv.scheduleMaintenance(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return srv, nil
}

// scheduleMaintenance registers the hourly cleanup jobs: expired token
// pairs and stale inactive session rows.
func (s *Server) scheduleMaintenance() error {
	_, err := s.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		swept, err := s.authority.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("token sweep failed", "error", err)
		} else if swept > 0 {
			s.logger.Info("swept expired token pairs", "count", swept)
		}

		cutoff := time.Now().UTC().Add(-sessionRecordRetention)
		deleted, err := s.store.DeleteInactiveSessionRecords(ctx, cutoff)
		if err != nil {
			s.logger.Warn("session record cleanup failed", "error", err)
		} else if deleted > 0 {
			s.logger.Info("deleted stale session records", "count", deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	return nil
}

// setupListeners creates TCP listeners for the stream and API servers.
func (s *Server) setupListeners() (streamLn, apiLn net.Listener, err error) {
	s.logger.Info("starting hub",
		"stream_addr", s.config.Server.StreamAddr,
		"api_addr", s.config.Server.APIAddr,
	)

	streamLn, err = net.Listen("tcp", s.config.Server.StreamAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on stream address: %w", err)
	}

	apiLn, err = net.Listen("tcp", s.config.Server.APIAddr)
	if err != nil {
		_ = streamLn.Close()
		return nil, nil, fmt.Errorf("listening on API address: %w", err)
	}

	return streamLn, apiLn, nil
}

// startServers starts both servers in goroutines, returning an error channel.
func (s *Server) startServers(streamLn, apiLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("stream server listening", "addr", streamLn.Addr().String())
		if err := s.streamServer.Serve(streamLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("stream server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("API server listening", "addr", apiLn.Addr().String())
		if err := s.apiServer.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (s *Server) Run(ctx context.Context) error {
	streamLn, apiLn, err := s.setupListeners()
	if err != nil {
		return err
	}

	livenessCtx, stopLiveness := context.WithCancel(ctx)
	defer stopLiveness()
	go s.liveness.Run(livenessCtx)
	s.cron.Start()

	errCh := s.startServers(streamLn, apiLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends a labeled error if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, evicts live sessions, and closes the store.
// Session rows persisted during the run are flipped inactive so a restart
// starts from a clean presence picture.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down hub")

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	var errs []error
	errs = appendCloseError(errs, "stream shutdown", s.streamServer.Shutdown(ctx))
	errs = appendCloseError(errs, "API shutdown", s.apiServer.Shutdown(ctx))

	for _, sess := range s.registry.All() {
		s.registry.Evict(sess, "shutdown")
	}

	if n, err := s.store.MarkAllSessionsInactive(ctx); err != nil {
		errs = appendCloseError(errs, "session records", err)
	} else if n > 0 {
		s.logger.Info("marked sessions inactive", "count", n)
	}

	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
