package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/models"
)

// WebhookRouter routes the events of an inbound webhook body
type WebhookRouter interface {
	HandleWebhook(ctx context.Context, body *models.WebhookBody) bool
}

// WebhookHandler receives messaging platform events
type WebhookHandler struct {
	router      WebhookRouter
	verifyToken string
	logger      arbor.ILogger
}

func NewWebhookHandler(router WebhookRouter, verifyToken string, logger arbor.ILogger) *WebhookHandler {
	if verifyToken == "" {
		logger.Warn().Msg("Webhook verify token not configured, subscription verification will be refused")
	}
	return &WebhookHandler{router: router, verifyToken: verifyToken, logger: logger}
}

// VerifyHandler handles GET /webhook subscription verification.
// An unset verify token refuses every request.
func (h *WebhookHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	supplied := query.Get("hub.verify_token")

	if h.verifyToken == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(h.verifyToken)) != 1 {
		h.logger.Warn().Str("remote", r.RemoteAddr).Msg("Webhook verification rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.logger.Info().Msg("Webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(query.Get("hub.challenge")))
}

// EventHandler handles POST /webhook event delivery
func (h *WebhookHandler) EventHandler(w http.ResponseWriter, r *http.Request) {
	var body models.WebhookBody
	if !DecodeJSON(w, r, &body) {
		h.logger.Warn().Msg("Malformed webhook body")
		return
	}

	if !h.router.HandleWebhook(r.Context(), &body) {
		h.logger.Debug().Str("object", body.Object).Msg("Ignoring webhook for non-page object")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}
