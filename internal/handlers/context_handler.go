package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// activeContextLimit caps the debug listing
const activeContextLimit = 50

// SessionReader reads live context sessions
type SessionReader interface {
	ActiveSessions(ctx context.Context, limit int) ([]*models.ContextSession, error)
	Session(ctx context.Context, token string) (*models.ContextSession, error)
}

// ContextHandler exposes context sessions for debugging
type ContextHandler struct {
	sessions SessionReader
	logger   arbor.ILogger
}

func NewContextHandler(sessions SessionReader, logger arbor.ILogger) *ContextHandler {
	return &ContextHandler{sessions: sessions, logger: logger}
}

// ActiveContextsHandler handles GET /api/contexts/active
func (h *ContextHandler) ActiveContextsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ActiveSessions(r.Context(), activeContextLimit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list active context sessions")
		WriteError(w, http.StatusInternalServerError, "Failed to list context sessions")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetContextHandler handles GET /api/contexts/{token}
func (h *ContextHandler) GetContextHandler(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	session, err := h.sessions.Session(r.Context(), token)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Context session not found or expired")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to read context session")
		WriteError(w, http.StatusInternalServerError, "Failed to read context session")
		return
	}
	WriteJSON(w, http.StatusOK, session)
}
