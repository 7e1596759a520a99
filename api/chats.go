// Package api exposes a small REST read surface for the popup's cheap
// polling path. Mutations go through the WebSocket protocol only.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pagesense/server/coordinator"
	"github.com/pagesense/server/session"
)

// ChatHandler handles read-only chat endpoints.
type ChatHandler struct {
	coord *coordinator.Coordinator
}

func NewChatHandler(coord *coordinator.Coordinator) *ChatHandler {
	return &ChatHandler{coord: coord}
}

// HandleList handles GET /api/chats
func (h *ChatHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chats": h.coord.Chats(),
	})
}

// HandleHistory handles GET /api/chats/{id}/history
func (h *ChatHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if chatID == "" {
		http.Error(w, "chat ID required", http.StatusBadRequest)
		return
	}

	history, err := h.coord.History(chatID)
	if err != nil {
		if errors.Is(err, session.ErrChatNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to load chat history", "chatId", chatID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleSession handles GET /api/session
func (h *ChatHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Session())
}

// Register registers chat handlers on the given mux.
func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats", h.HandleList)
	mux.HandleFunc("GET /api/chats/{id}/history", h.HandleHistory)
	mux.HandleFunc("GET /api/session", h.HandleSession)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
