package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/services/relay"
)

// DeepLinkResolver turns a deep-link token into a stored context session
type DeepLinkResolver interface {
	ResolveDeepLink(ctx context.Context, token string) (*relay.Resolution, error)
}

const closedPage = `<!DOCTYPE html>
<html>
<head>
    <title>Job Closed</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: Arial, sans-serif; text-align: center; margin: 50px; background-color: #f5f5f5; }
        .container { background: white; padding: 40px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 400px; margin: 0 auto; }
        h1 { color: #333; margin-bottom: 20px; }
        p { color: #666; font-size: 16px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Job Closed</h1>
        <p>This job position is no longer available.</p>
        <p>Thank you for your interest!</p>
    </div>
</body>
</html>
`

// RedirectHandler serves the deep link embedded in published posts
type RedirectHandler struct {
	resolver DeepLinkResolver
	logger   arbor.ILogger
}

func NewRedirectHandler(resolver DeepLinkResolver, logger arbor.ILogger) *RedirectHandler {
	return &RedirectHandler{resolver: resolver, logger: logger}
}

// RedirectHandler handles GET /messenger-redirect?context=<token>.
// Any failure renders the closed page; the visitor never sees an error body.
func (h *RedirectHandler) RedirectHandler(w http.ResponseWriter, r *http.Request) {
	resolution, err := h.resolver.ResolveDeepLink(r.Context(), r.URL.Query().Get("context"))
	if err != nil {
		status := StatusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("Deep link resolution failed")
		} else {
			h.logger.Info().Err(err).Int("status", status).Msg("Deep link closed")
		}
		WriteClosedPage(w, status)
		return
	}

	http.Redirect(w, r, resolution.RedirectURL, http.StatusFound)
}

// WriteClosedPage renders the static closed page with status
func WriteClosedPage(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(closedPage))
}
