package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/jobrelay/internal/common"
)

var timeNow = time.Now

// PoolReporter reports browser pool occupancy
type PoolReporter interface {
	Stats() map[string]interface{}
}

// StatusHandler serves liveness and build information
type StatusHandler struct {
	pool    PoolReporter
	started time.Time
}

// NewStatusHandler creates a status handler. pool may be nil.
func NewStatusHandler(pool PoolReporter) *StatusHandler {
	return &StatusHandler{pool: pool, started: timeNow()}
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "ok",
		"uptime": timeNow().Sub(h.started).Round(time.Second).String(),
	}
	if h.pool != nil {
		response["browser"] = h.pool.Stats()
	}
	WriteJSON(w, http.StatusOK, response)
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.Build,
		"git_commit": common.GitCommit,
	})
}
