package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/models"
)

// SessionManager is the credential surface of the auth service
type SessionManager interface {
	Status(ctx context.Context, account string) (*models.CredentialStatus, error)
	ListStatuses(ctx context.Context) ([]*models.CredentialStatus, error)
	ImportCookies(ctx context.Context, account string, artifacts []models.CredentialArtifact) (*models.CredentialStatus, error)
	Invalidate(ctx context.Context, account string) error
}

// SecretStore saves login secrets
type SecretStore interface {
	Store(account, secret string) error
}

// AccountHandler manages the stored sessions and secrets of publishing accounts
type AccountHandler struct {
	sessions SessionManager
	secrets  SecretStore
	logger   arbor.ILogger
}

func NewAccountHandler(sessions SessionManager, secrets SecretStore, logger arbor.ILogger) *AccountHandler {
	return &AccountHandler{sessions: sessions, secrets: secrets, logger: logger}
}

type importCookiesRequest struct {
	Cookies []models.CredentialArtifact `json:"cookies"`
}

// ImportCookiesHandler handles POST /api/accounts/{account}/cookies
func (h *AccountHandler) ImportCookiesHandler(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	var req importCookiesRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	status, err := h.sessions.ImportCookies(r.Context(), account, req.Cookies)
	if err != nil {
		h.logger.Warn().Err(err).Str("account", account).Int("cookies", len(req.Cookies)).Msg("Cookie import rejected")
		WriteError(w, StatusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// ListAccountsHandler handles GET /api/accounts
func (h *AccountHandler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.sessions.ListStatuses(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list stored sessions")
		WriteError(w, http.StatusInternalServerError, "Failed to list stored sessions")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": statuses,
		"count":    len(statuses),
	})
}

// SessionStatusHandler handles GET /api/accounts/{account}/session
func (h *AccountHandler) SessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	status, err := h.sessions.Status(r.Context(), account)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account).Msg("Failed to read session status")
		WriteError(w, http.StatusInternalServerError, "Failed to read session status")
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// InvalidateSessionHandler handles DELETE /api/accounts/{account}/session
func (h *AccountHandler) InvalidateSessionHandler(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	if err := h.sessions.Invalidate(r.Context(), account); err != nil {
		WriteError(w, StatusForError(err), err.Error())
		return
	}
	h.logger.Info().Str("account", account).Msg("Stored session invalidated")
	WriteSuccess(w, "Session invalidated")
}

type storeSecretRequest struct {
	Secret string `json:"secret"`
}

// StoreSecretHandler handles PUT /api/accounts/{account}/secret
func (h *AccountHandler) StoreSecretHandler(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	var req storeSecretRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Secret == "" {
		WriteError(w, http.StatusBadRequest, "secret is required")
		return
	}

	if err := h.secrets.Store(account, req.Secret); err != nil {
		h.logger.Error().Err(err).Str("account", account).Msg("Failed to store secret")
		WriteError(w, http.StatusInternalServerError, "Failed to store secret")
		return
	}
	WriteSuccess(w, "Secret stored")
}
