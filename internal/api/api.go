// Package api serves the devbox HTTP interface: session lifecycle, the
// terminal websocket and file operations. Every response is JSON, errors
// included, in the shape {ok:false, error:<code>, message, details?}.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sebastianm/devbox/internal/auth"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/fileops"
	"github.com/sebastianm/devbox/internal/lifecycle"
	"github.com/sebastianm/devbox/internal/metrics"
	"github.com/sebastianm/devbox/internal/session"
	"github.com/sebastianm/devbox/internal/terminal"
)

// Route paths.
const (
	PathSessions       = "/api/v1/sessions"
	PathSessionStatus  = "/api/v1/sessions/status"
	PathSessionStop    = "/api/v1/sessions/stop"
	PathTerminal       = "/api/v1/sessions/terminal"
	PathTerminalResize = "/api/v1/sessions/terminal/resize"
	PathFilesList      = "/api/v1/files/list"
	PathFilesRead      = "/api/v1/files/read"
	PathFilesWrite     = "/api/v1/files/write"
	PathWhoAmI         = "/api/v1/whoami"
	PathHealth         = "/healthz"
	PathMetrics        = "/metrics"
)

// StartDeps holds the dependencies of the HTTP feature.
type StartDeps struct {
	Mux      *http.ServeMux
	Log      *slog.Logger
	Manager  *lifecycle.Manager
	Registry *session.Registry
	Hub      *terminal.Hub
	Files    *fileops.Proxy
	Engine   engine.Engine
	Metrics  *metrics.Metrics // optional

	Auth        auth.Lookup
	AuthEnabled bool

	// OriginPatterns lists extra origins allowed to open the terminal
	// websocket. Same-origin requests are always allowed.
	OriginPatterns []string
}

type handler struct {
	d StartDeps
}

// Start registers every route on d.Mux. Routes under /api/ require a
// bearer token when d.AuthEnabled is set; /healthz and /metrics never do.
func Start(d StartDeps) {
	h := &handler{d: d}
	log := d.Log

	api := http.NewServeMux()
	api.HandleFunc(PathSessions, allow(log, h.sessions, http.MethodGet, http.MethodPost))
	api.HandleFunc(PathSessionStatus, allow(log, h.status, http.MethodGet))
	api.HandleFunc(PathSessionStop, allow(log, h.stop, http.MethodPost))
	api.HandleFunc(PathTerminal, allow(log, h.terminal, http.MethodGet))
	api.HandleFunc(PathTerminalResize, allow(log, h.resize, http.MethodPost))
	api.HandleFunc(PathFilesList, allow(log, h.listFiles, http.MethodPost))
	api.HandleFunc(PathFilesRead, allow(log, h.readFile, http.MethodPost))
	api.HandleFunc(PathFilesWrite, allow(log, h.writeFile, http.MethodPost))
	api.HandleFunc(PathWhoAmI, allow(log, h.whoami, http.MethodGet))
	api.HandleFunc("/", notFound(log))

	d.Mux.Handle("/api/", authenticate(log, d.Auth, d.AuthEnabled, api))
	d.Mux.HandleFunc(PathHealth, allow(log, h.health, http.MethodGet))
	if d.Metrics != nil {
		d.Mux.Handle(PathMetrics, d.Metrics.Handler())
	}
	d.Mux.HandleFunc("/", notFound(log))
}

// Wrap adds panic recovery and request logging around h.
func Wrap(log *slog.Logger, h http.Handler) http.Handler {
	return logRequests(log, recoverer(log, h))
}

type healthResponse struct {
	OK              bool   `json:"ok"`
	Engine          string `json:"engine"`
	EngineReachable bool   `json:"engineReachable"`
	Sessions        int    `json:"sessions"`
	Terminals       int    `json:"terminals"`
}

// health reports process liveness. An unreachable engine is reported but
// does not fail the check.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	err := h.d.Engine.Ping(ctx)
	if err != nil {
		h.d.Log.Debug("engine ping failed", "error", err)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:              true,
		Engine:          h.d.Engine.Name(),
		EngineReachable: err == nil,
		Sessions:        len(h.d.Registry.List()),
		Terminals:       h.d.Hub.Count(),
	})
}

type whoamiResponse struct {
	OK   bool              `json:"ok"`
	User auth.UserIdentity `json:"user"`
}

func (h *handler) whoami(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, whoamiResponse{OK: true, User: id})
}
