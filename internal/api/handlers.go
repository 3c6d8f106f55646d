// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"

	apperrors "clsync/internal/errors"
	"clsync/internal/validation"
	"clsync/internal/workspace"
	shared "clsync/shared/types"

	"go.uber.org/zap"
)

type Handler struct {
	ws     *workspace.Workspace
	logger *zap.Logger
}

func NewHandler(ws *workspace.Workspace, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ws: ws, logger: logger.Named("api")}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /api/changelists", h.ListChangeLists)
	mux.HandleFunc("POST /api/changelists", h.CreateChangeList)
	mux.HandleFunc("DELETE /api/changelists/{name}", h.DeleteChangeList)
	mux.HandleFunc("PATCH /api/changelists/{name}", h.UpdateChangeList)
	mux.HandleFunc("POST /api/changelists/{name}/default", h.SetDefault)

	mux.HandleFunc("GET /api/changes", h.Status)
	mux.HandleFunc("POST /api/changes/move", h.MoveChanges)
	mux.HandleFunc("POST /api/dirty", h.MarkDirty)
	mux.HandleFunc("POST /api/refresh", h.Refresh)
	mux.HandleFunc("GET /api/base", h.Base)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	var e *apperrors.Error
	if !errors.As(err, &e) {
		e = apperrors.Internal(err.Error())
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, &apperrors.Error{Type: e.Type, Message: err.Error(), Code: status, Details: e.Details})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, shared.Health{Status: "ok", Available: h.ws.Manager.IsAvailable()})
}

func (h *Handler) ListChangeLists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ws.ChangeLists())
}

func (h *Handler) CreateChangeList(w http.ResponseWriter, r *http.Request) {
	var req shared.CreateListRequest
	if err := validation.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.ws.Manager.AddList(req.Name, req.Comment, req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shared.NewChangeList(l, nil))
}

// DeleteChangeList returns the changes that moved to the default list.
func (h *Handler) DeleteChangeList(w http.ResponseWriter, r *http.Request) {
	moved, err := h.ws.Manager.RemoveList(r.PathValue("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	def := h.ws.Manager.DefaultList()
	writeJSON(w, http.StatusOK, shared.NewChangeList(def, moved))
}

func (h *Handler) UpdateChangeList(w http.ResponseWriter, r *http.Request) {
	var req shared.UpdateListRequest
	if err := validation.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m := h.ws.Manager
	name := r.PathValue("name")
	if _, ok := m.List(name); !ok {
		h.writeError(w, r, apperrors.NotFound("list "+strconv.Quote(name)+" not found"))
		return
	}

	// Read-only lists refuse renames, so the flag is applied last.
	if req.Name != nil && *req.Name != name {
		if _, err := m.RenameList(name, *req.Name); err != nil {
			h.writeError(w, r, err)
			return
		}
		name = *req.Name
	}
	if req.Comment != nil {
		if _, err := m.EditComment(name, *req.Comment); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Data != nil {
		if _, err := m.EditData(name, req.Data); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.ReadOnly != nil {
		if _, err := m.SetReadOnly(name, *req.ReadOnly); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	l, _ := m.List(name)
	changes, _ := m.ChangesIn(name)
	writeJSON(w, http.StatusOK, shared.NewChangeList(l, changes))
}

func (h *Handler) SetDefault(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.ws.Manager.SetDefaultList(name); err != nil {
		h.writeError(w, r, err)
		return
	}
	l, _ := h.ws.Manager.List(name)
	writeJSON(w, http.StatusOK, shared.NewChangeList(l, nil))
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ws.Status())
}

// MoveChanges accepts paths relative to the workspace root or absolute.
func (h *Handler) MoveChanges(w http.ResponseWriter, r *http.Request) {
	var req shared.MoveRequest
	if err := validation.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	paths, err := h.absPaths(req.Paths)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	moves, err := h.ws.Manager.MoveChangesByPath(paths, req.Target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	names := make(map[string]string)
	for _, l := range h.ws.Manager.Lists() {
		names[l.ID] = l.Name
	}
	out := make([]shared.Move, 0, len(moves))
	for _, mv := range moves {
		out = append(out, shared.Move{Path: mv.Change.Path(), From: names[mv.FromID], To: names[mv.ToID]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := h.ws.Provider.Rel(p)
		if err != nil {
			return nil, err
		}
		out = append(out, path.Join(h.ws.Provider.Root(), rel))
	}
	return out, nil
}

func (h *Handler) MarkDirty(w http.ResponseWriter, r *http.Request) {
	var req shared.DirtyRequest
	if err := validation.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Everything {
		h.ws.Dirty.MarkEverything()
		h.ws.Manager.Schedule(false)
	} else if err := h.ws.MarkDirty(req.Paths); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Refresh forces a full rescan. With wait=true it responds with the status
// after the rescan.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		h.ws.Manager.ForceUpdate()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := h.ws.Refresh(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ws.Status())
}

func (h *Handler) Base(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		h.writeError(w, r, apperrors.ValidationError("path is required", nil))
		return
	}
	paths, err := h.absPaths([]string{p})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	content, err := h.ws.Bases.Get(paths[0])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}
