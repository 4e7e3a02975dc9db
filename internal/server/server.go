package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sebastianm/devbox/internal/config"
	"github.com/sebastianm/devbox/internal/database"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/httputil"
	"github.com/sebastianm/devbox/internal/portutil"
	"github.com/sebastianm/devbox/internal/tsnetutil"
)

const shutdownTimeout = 10 * time.Second

// Opts holds optional CLI overrides for the server.
type Opts struct {
	ListenAddr string

	// Engine replaces the CLI engine picked from the config. Used by tests.
	Engine engine.Engine
}

type Server struct {
	log  *slog.Logger
	cfg  *config.Config
	ln   *tsnetutil.Listener
	opts Opts
}

func New(opts Opts) *Server {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "devbox-server")
	return &Server{
		log:  log,
		opts: opts,
	}
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done, then drains HTTP connections and stops
// provisioning tasks.
func (s *Server) Run(ctx context.Context) error {
	cfg, err := config.Parse()
	if err != nil {
		s.log.Error("config error", "error", err)
		return fmt.Errorf("config error: %w", err)
	}
	s.cfg = cfg
	s.log = newLogger(cfg)

	s.log.Info("Starting devbox-server", "tailscale_enabled", cfg.Tailscale.Enabled, "auth_enabled", cfg.Auth.Enabled)

	listenAddr, err := s.listenAddr()
	if err != nil {
		return err
	}
	ln, err := tsnetutil.ListenAddr(listenAddr, cfg.Tailscale)
	if err != nil {
		s.log.Error("listen failed", "addr", listenAddr, "error", err)
		return err
	}
	s.ln = ln
	defer s.ln.Close()

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	s.log.Info("database opened", "path", dbPath)

	eng, err := s.engine(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	if s.ln.Tailnet() {
		mux.HandleFunc("/whoami", s.handleWhoAmI)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	feats, err := s.startFeatures(runCtx, mux, db, eng)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           feats.handler(s.log, mux),
		Protocols:         httputil.ServerProtocols(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("HTTP server listening",
		"addr", s.ln.Addr().String(),
		"engine", eng.Name(),
		"tailscale_enabled", cfg.Tailscale.Enabled,
		"https", cfg.Tailscale.HTTPS,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(s.ln) }()

	select {
	case err := <-serveErr:
		cancelRun()
		feats.shutdown(s.log)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("serve error", "error", err)
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the
	// terminal bridges end when their sessions stop or their clients leave.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	cancelRun()
	feats.shutdown(s.log)
	return nil
}

// listenAddr prefers the CLI override. Port 0 in the config picks the first
// port from the default upwards that is free on all interfaces, since that
// is what ":port" binds.
func (s *Server) listenAddr() (string, error) {
	if s.opts.ListenAddr != "" {
		return s.opts.ListenAddr, nil
	}
	port := s.cfg.Port
	if port == 0 && !s.cfg.Tailscale.Enabled {
		p, err := portutil.Pick("", config.Default().Port, 20)
		if err != nil {
			return "", err
		}
		port = p
	}
	return fmt.Sprintf(":%d", port), nil
}

// engine returns the override from Opts or the configured CLI engine. An
// unreachable engine is logged, not fatal: sessions fail individually and
// /healthz reports it.
func (s *Server) engine(ctx context.Context) (engine.Engine, error) {
	eng := s.opts.Engine
	if eng == nil {
		cli, err := engine.NewDockerEngine(s.log, s.cfg.Engine.Command)
		if err != nil {
			return nil, fmt.Errorf("container engine: %w", err)
		}
		cli.PullTimeout = s.cfg.Engine.PullTimeout.Duration
		eng = cli
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.Ping(pingCtx); err != nil {
		s.log.Warn("container engine unreachable", "engine", eng.Name(), "error", err)
	}
	return eng, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("component", "devbox-server")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handleWhoAmI uses the Tailscale LocalClient to identify the caller.
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	peer, err := s.ln.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "You are %s from %s (%s)\n", html.EscapeString(peer.Login), html.EscapeString(peer.Node), r.RemoteAddr)
}
