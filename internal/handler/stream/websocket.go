// Package stream exposes the theater event stream over WebSocket as an
// alternative to the NDJSON HTTP responses, for clients that keep one
// connection open across turns.
package stream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	sessionModel "github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/service/theater"
)

// Handler upgrades connections and relays turn events as JSON messages.
type Handler struct {
	manager  *theater.Manager
	upgrader websocket.Upgrader
}

// New creates the WebSocket stream handler.
func New(manager *theater.Manager) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/session", h.handleSession)
}

type inboundMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	InitialProblem string `json:"initial_problem,omitempty"`
	UserInput      string `json:"user_input,omitempty"`
}

type controlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleSession serves one client connection. The client sends start/chat
// commands; the server answers each with the turn's event sequence followed
// by a done marker.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] read failed: %v", err)
			}
			return
		}

		if err := h.dispatch(ctx, conn, msg); err != nil {
			log.Printf("[ws] session=%s command %q failed: %v", msg.SessionID, msg.Type, err)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, msg inboundMessage) error {
	emit := func(ev sessionModel.Event) error {
		return conn.WriteJSON(ev)
	}

	switch msg.Type {
	case "start":
		if strings.TrimSpace(msg.InitialProblem) == "" {
			return conn.WriteJSON(controlMessage{Type: "error", Error: "initial_problem is required"})
		}

		t := h.manager.Create(ctx)
		if err := t.Start(ctx, msg.InitialProblem, emit); err != nil {
			return err
		}
		return conn.WriteJSON(controlMessage{Type: "done", SessionID: t.SessionID()})

	case "chat":
		if strings.TrimSpace(msg.UserInput) == "" {
			return conn.WriteJSON(controlMessage{Type: "error", Error: "user_input is required"})
		}

		t, err := h.manager.Get(ctx, msg.SessionID)
		if errors.Is(err, theater.ErrSessionNotFound) {
			return conn.WriteJSON(controlMessage{Type: "error", SessionID: msg.SessionID, Error: "session not found"})
		}
		if err != nil {
			return err
		}

		if err := t.Continue(ctx, msg.UserInput, emit); err != nil {
			if errors.Is(err, theater.ErrSessionNotStarted) {
				return conn.WriteJSON(controlMessage{Type: "error", SessionID: msg.SessionID, Error: "session has no history yet"})
			}
			return err
		}
		return conn.WriteJSON(controlMessage{Type: "done", SessionID: t.SessionID()})

	default:
		return conn.WriteJSON(controlMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}
