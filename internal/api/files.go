package api

import (
	"net/http"

	"github.com/sebastianm/devbox/internal/fileops"
)

type fileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	// Gitignore hides entries ignored by the workspace .gitignore on list.
	Gitignore bool `json:"gitignore,omitempty"`
}

type listFilesResponse struct {
	OK      bool           `json:"ok"`
	Path    string         `json:"path"`
	Entries []fileops.Node `json:"entries"`
}

type readFileResponse struct {
	OK bool `json:"ok"`
	fileops.File
}

type writeFileResponse struct {
	OK   bool   `json:"ok"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	nodes, err := h.d.Files.List(r.Context(), req.SessionID, req.Path, fileops.ListOptions{RespectGitignore: req.Gitignore})
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	if nodes == nil {
		nodes = []fileops.Node{}
	}
	dir, _ := fileops.ResolvePath(h.d.Files.Root(), req.Path)
	writeJSON(w, http.StatusOK, listFilesResponse{OK: true, Path: dir, Entries: nodes})
}

func (h *handler) readFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	f, err := h.d.Files.Read(r.Context(), req.SessionID, req.Path)
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, readFileResponse{OK: true, File: *f})
}

func (h *handler) writeFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	n, err := h.d.Files.Write(r.Context(), req.SessionID, req.Path, req.Content, req.Encoding)
	if err != nil {
		writeError(w, h.d.Log, err)
		return
	}
	path, _ := fileops.ResolvePath(h.d.Files.Root(), req.Path)
	writeJSON(w, http.StatusOK, writeFileResponse{OK: true, Path: path, Size: n})
}
