package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sebastianm/devbox/internal/api"
	"github.com/sebastianm/devbox/internal/auth"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/eta"
	"github.com/sebastianm/devbox/internal/fileops"
	"github.com/sebastianm/devbox/internal/lifecycle"
	"github.com/sebastianm/devbox/internal/metrics"
	"github.com/sebastianm/devbox/internal/session"
	_ "github.com/sebastianm/devbox/internal/session/store" // registers store factory
	"github.com/sebastianm/devbox/internal/terminal"
)

type featureSet struct {
	manager *lifecycle.Manager
	hub     *terminal.Hub
	runDone chan struct{}
}

func (s *Server) startFeatures(ctx context.Context, mux *http.ServeMux, db *sql.DB, eng engine.Engine) (*featureSet, error) {
	cfg := s.cfg
	m := metrics.New()

	registry := session.NewRegistry(s.log, session.NewStore(db))

	manager := lifecycle.NewManager(lifecycle.Deps{
		Log:      s.log,
		Registry: registry,
		Engine:   eng,
		ETA:      eta.New(cfg.ETA.Alpha),
		Metrics:  m,
		Config:   cfg.Engine,
	})

	hub := terminal.NewHub(terminal.Deps{
		Log:         s.log,
		Sessions:    registry,
		Engine:      eng,
		Reporter:    manager,
		Metrics:     m,
		Shell:       cfg.Engine.Shell,
		WorkingDir:  cfg.Engine.SandboxRoot,
		ReadTimeout: cfg.Terminal.ReadTimeout.Duration,
		Cols:        uint16(cfg.Terminal.Cols),
		Rows:        uint16(cfg.Terminal.Rows),
	})
	// A stopped or failed session loses its terminal.
	manager.OnTerminal(hub.Detach)

	files := fileops.NewProxy(fileops.Deps{
		Log:           s.log,
		Sessions:      registry,
		Engine:        eng,
		Reporter:      manager,
		Metrics:       m,
		Root:          cfg.Engine.SandboxRoot,
		MaxReadBytes:  cfg.Files.MaxReadBytes,
		MaxWriteBytes: cfg.Files.MaxWriteBytes,
		CallTimeout:   cfg.Engine.CallTimeout.Duration,
	})

	api.Start(api.StartDeps{
		Mux:         mux,
		Log:         s.log,
		Manager:     manager,
		Registry:    registry,
		Hub:         hub,
		Files:       files,
		Engine:      eng,
		Metrics:     m,
		Auth:        auth.NewSQLLookup(db),
		AuthEnabled: cfg.Auth.Enabled,
	})

	// Sessions from the previous run: interrupted provisioning fails, Ready
	// sessions are checked against the engine.
	if err := manager.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering sessions: %w", err)
	}

	fs := &featureSet{manager: manager, hub: hub, runDone: make(chan struct{})}
	go func() {
		defer close(fs.runDone)
		manager.Run(ctx)
	}()
	return fs, nil
}

func (fs *featureSet) handler(log *slog.Logger, mux *http.ServeMux) http.Handler {
	return api.Wrap(log, mux)
}

// shutdown cancels provisioning tasks and waits for the health loop. The
// caller cancels the context passed to startFeatures first.
func (fs *featureSet) shutdown(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fs.manager.Shutdown(ctx); err != nil {
		log.Warn("lifecycle shutdown", "error", err)
	}
	select {
	case <-fs.runDone:
	case <-time.After(shutdownTimeout):
		log.Warn("health loop did not stop")
	}
	log.Info("shutdown complete", "terminals_open", fs.hub.Count())
}
