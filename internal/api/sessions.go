package api

import (
	"net/http"

	"github.com/sebastianm/devbox/internal/lifecycle"
	"github.com/sebastianm/devbox/internal/session"
)

type createRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Template    string `json:"template,omitempty"`
	Image       string `json:"image,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	Description string `json:"description,omitempty"`
}

type createResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	Phase     string `json:"phase"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type progress struct {
	Percent int `json:"percent"`
	// ETAMillis is null when no estimate exists.
	ETAMillis *int64 `json:"etaMillis"`
}

type statusView struct {
	SessionID    string           `json:"sessionId"`
	WorkspaceID  string           `json:"workspaceId"`
	Ready        bool             `json:"ready"`
	Phase        string           `json:"phase"`
	Progress     progress         `json:"progress"`
	ContainerRef string           `json:"containerRef,omitempty"`
	Error        *session.Failure `json:"error,omitempty"`
}

type statusResponse struct {
	OK bool `json:"ok"`
	statusView
}

type listResponse struct {
	OK       bool         `json:"ok"`
	Sessions []statusView `json:"sessions"`
}

type stopResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	Phase     string `json:"phase"`
}

func toView(st lifecycle.Status) statusView {
	return statusView{
		SessionID:    st.SessionID,
		WorkspaceID:  st.WorkspaceID,
		Ready:        st.Ready,
		Phase:        string(st.Phase),
		Progress:     progress{Percent: st.Percent, ETAMillis: st.ETAMillis},
		ContainerRef: st.ContainerRef,
		Error:        st.Error,
	}
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.createSession(w, r)
		return
	}
	h.listSessions(w, r)
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	sess, err := h.d.Manager.CreateSession(r.Context(), session.Spec{
		WorkspaceID: req.WorkspaceID,
		Template:    req.Template,
		Image:       req.Image,
		ProjectName: req.ProjectName,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{OK: true, SessionID: sess.ID, Phase: string(sess.Phase)})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	all := h.d.Registry.List()
	out := make([]statusView, 0, len(all))
	for _, s := range all {
		st, err := h.d.Manager.Status(s.ID)
		if err != nil {
			continue
		}
		out = append(out, toView(st))
	}
	writeJSON(w, http.StatusOK, listResponse{OK: true, Sessions: out})
}

// status reads the id from the query string. The registry rejects empty
// and placeholder ids before any lookup.
func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.d.Manager.Status(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true, statusView: toView(st)})
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	sess, err := h.d.Manager.Stop(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{OK: true, SessionID: sess.ID, Phase: string(sess.Phase)})
}
