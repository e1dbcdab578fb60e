package session

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	sessionModel "github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/service/theater"
	"github.com/cognitive-theater/backend/pkg/utils"
)

// Handler exposes the session lifecycle over HTTP. Start and chat respond
// with application/x-ndjson streams, one JSON event per line.
type Handler struct {
	manager *theater.Manager
}

// New creates the session handler.
func New(manager *theater.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/start", h.handleStart)
	r.Post("/session/chat", h.handleChat)
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleHistory)
	r.Delete("/sessions/{sessionID}", h.handleDelete)
}

// handleStart mints a new session and streams its opening sequence.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		InitialProblem string `json:"initial_problem"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.InitialProblem) == "" {
		utils.RespondError(w, http.StatusBadRequest, "initial_problem is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	t := h.manager.Create(r.Context())
	utils.SetupNDJSONHeaders(w)

	err := t.Start(r.Context(), payload.InitialProblem, func(ev sessionModel.Event) error {
		return utils.WriteNDJSONLine(w, flusher, ev)
	})
	if err != nil {
		// The stream is already underway; there is no clean error response left.
		log.Printf("[session] start stream for %s ended early: %v", t.SessionID(), err)
	}
}

// handleChat continues an existing session and streams the next turn.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"session_id"`
		UserInput string `json:"user_input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(payload.UserInput) == "" {
		utils.RespondError(w, http.StatusBadRequest, "user_input is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	t, err := h.manager.Get(r.Context(), payload.SessionID)
	if errors.Is(err, theater.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found, please start a new session")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.SetupNDJSONHeaders(w)

	err = t.Continue(r.Context(), payload.UserInput, func(ev sessionModel.Event) error {
		return utils.WriteNDJSONLine(w, flusher, ev)
	})
	if errors.Is(err, theater.ErrSessionNotStarted) {
		// Continue rejects before emitting anything, so a JSON error is still possible.
		utils.RespondError(w, http.StatusConflict, "session has no history yet")
		return
	}
	if err != nil {
		log.Printf("[session] chat stream for %s ended early: %v", payload.SessionID, err)
	}
}

// handleList returns session summaries, newest first.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.manager.List(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, summaries)
}

// handleHistory returns one session's full document.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	t, err := h.manager.Get(r.Context(), sessionID)
	if errors.Is(err, theater.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session file not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, t.Snapshot())
}

// handleDelete removes a session's document and cache entry. Deleting twice
// succeeds both times.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.manager.Delete(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "session " + sessionID + " deleted",
	})
}
