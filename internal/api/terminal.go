package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/session"
	"github.com/sebastianm/devbox/internal/terminal"
)

// maxWindow caps terminal dimensions accepted from clients.
const maxWindow = 1000

type resizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// terminal attaches before upgrading, so a session that is not Ready (or
// already attached) gets an ordinary JSON error instead of a websocket that
// closes at once.
func (h *handler) terminal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cols, err := parseDim("cols", q.Get("cols"))
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	rows, err := parseDim("rows", q.Get("rows"))
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}

	b, err := h.d.Hub.Open(r.Context(), q.Get("sessionId"), cols, rows)
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.d.OriginPatterns})
	if err != nil {
		// Accept has already answered the request.
		h.d.Log.Warn("websocket upgrade failed", "session_id", q.Get("sessionId"), "error", err)
		b.Close()
		return
	}
	if err := b.Run(r.Context(), terminal.NewWebSocketChannel(conn)); err != nil {
		h.d.Log.Info("terminal ended with error", "session_id", q.Get("sessionId"), "error", err)
	}
}

func (h *handler) resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 || req.Cols > maxWindow || req.Rows > maxWindow {
		writeError(w, h.d.Log, apperr.Validation("invalid resize request", map[string]any{"cols": req.Cols, "rows": req.Rows}))
		return
	}
	if err := h.d.Hub.Resize(req.SessionID, uint16(req.Cols), uint16(req.Rows)); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// parseDim parses a window dimension. An empty value is 0, meaning the
// configured default.
func parseDim(name, v string) (uint16, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxWindow {
		return 0, apperr.Validation("invalid terminal size", map[string]any{name: v})
	}
	return uint16(n), nil
}
