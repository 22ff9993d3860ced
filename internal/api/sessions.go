package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/cardinality_sketch/internal/registry"
	"github.com/fidde/cardinality_sketch/internal/storage/sessions"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// SessionSaveRequest is the body of POST /sessions.
type SessionSaveRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prefixes    []string `json:"prefixes,omitempty"`
}

// SessionHandler handles session-related API requests.
type SessionHandler struct {
	store      *sessions.Store
	serializer *sessions.Serializer
	registry   *registry.Registry
	logger     *slog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(store *sessions.Store, reg *registry.Registry, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		store:      store,
		serializer: sessions.NewSerializer(),
		registry:   reg,
		logger:     logger,
	}
}

// sessionName returns the unescaped {name} URL parameter, writing a 400 on failure.
func sessionName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.QueryUnescape(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid session name encoding")
		return "", false
	}
	return name, true
}

// respondSessionError maps session store errors to status codes.
func respondSessionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, models.ErrInvalidSessionName):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrTooManySessions):
		respondError(w, http.StatusConflict, "Maximum number of sessions reached")
	case errors.Is(err, models.ErrSessionTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "Session data too large")
	default:
		respondError(w, statusFor(err), "Failed to "+action+" session: "+err.Error())
	}
}

// ListSessions returns metadata for all saved sessions.
// GET /api/v1/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessionList, err := h.store.List(r.Context())
	if err != nil {
		respondSessionError(w, "list", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessionList,
		"total":    len(sessionList),
	})
}

// GetSessionMetadata returns metadata for a specific session.
// GET /api/v1/sessions/{name}
func (h *SessionHandler) GetSessionMetadata(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionName(w, r)
	if !ok {
		return
	}

	meta, err := h.store.GetMetadata(r.Context(), name)
	if err != nil {
		respondSessionError(w, "get", err)
		return
	}

	respondJSON(w, http.StatusOK, meta)
}

// CreateSession checkpoints the registry, or the sketches under the given
// name prefixes, as a new session.
// POST /api/v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SessionSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := models.ValidateSessionName(req.Name); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check if session already exists (unless force=true)
	force := r.URL.Query().Get("force") == "true"
	exists, _ := h.store.Exists(ctx, req.Name)
	if exists && !force {
		respondError(w, http.StatusConflict, "Session already exists. Use ?force=true to overwrite.")
		return
	}

	records, err := h.registry.Records(req.Prefixes...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to export sketches: "+err.Error())
		return
	}

	session, err := h.serializer.CreateSession(ctx, sessions.CreateSessionOptions{
		Name:        req.Name,
		Description: req.Description,
		Prefixes:    req.Prefixes,
	}, records)
	if err != nil {
		respondSessionError(w, "create", err)
		return
	}

	if err := h.store.Save(ctx, session); err != nil {
		respondSessionError(w, "save", err)
		return
	}

	meta, _ := h.store.GetMetadata(ctx, req.Name)
	h.logger.Info("session saved", "session", req.Name, "sketches", len(session.Sketches))

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Session created successfully",
		"session": meta,
	})
}

// DeleteSession removes a session.
// DELETE /api/v1/sessions/{name}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionName(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), name); err != nil {
		respondSessionError(w, "delete", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LoadSession restores a session into the registry. By default the session's
// sketches replace same-named sketches; ?merge=true merges them instead.
// Sketches not in the session are left alone.
// POST /api/v1/sessions/{name}/load
func (h *SessionHandler) LoadSession(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionName(w, r)
	if !ok {
		return
	}

	session, err := h.store.Load(r.Context(), name)
	if err != nil {
		respondSessionError(w, "load", err)
		return
	}

	records, err := h.serializer.RestoreSession(session)
	if err != nil {
		respondSessionError(w, "load", err)
		return
	}

	merge := r.URL.Query().Get("merge") == "true"
	loaded, err := h.registry.LoadRecords(records, merge)
	if err != nil {
		respondError(w, statusFor(err), "Failed to load session data: "+err.Error())
		return
	}

	action := "replace"
	if merge {
		action = "merge"
	}
	h.logger.Info("session loaded", "session", session.ID, "sketches", loaded, "action", action)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Session loaded successfully",
		"session": session.ID,
		"loaded":  loaded,
		"action":  action,
	})
}

// ExportSession downloads a session as JSON.
// GET /api/v1/sessions/{name}/export
func (h *SessionHandler) ExportSession(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionName(w, r)
	if !ok {
		return
	}

	session, err := h.store.Load(r.Context(), name)
	if err != nil {
		respondSessionError(w, "load", err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+".json\"")
	respondJSON(w, http.StatusOK, session)
}

// ImportSession uploads a session from JSON. The sketches are validated
// before the session is stored.
// POST /api/v1/sessions/import
func (h *SessionHandler) ImportSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var session models.Session
	if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid session JSON: "+err.Error())
		return
	}

	if err := models.ValidateSessionName(session.ID); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid session name: "+err.Error())
		return
	}
	if _, err := h.serializer.UnmarshalRecords(session.Sketches, session.Created); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid session sketches: "+err.Error())
		return
	}

	force := r.URL.Query().Get("force") == "true"
	exists, _ := h.store.Exists(ctx, session.ID)
	if exists && !force {
		respondError(w, http.StatusConflict, "Session already exists. Use ?force=true to overwrite.")
		return
	}

	if session.Version == 0 {
		session.Version = sessions.CurrentVersion
	}
	if err := h.store.Save(ctx, &session); err != nil {
		respondSessionError(w, "save", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Session imported successfully",
		"session": session.ID,
	})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
