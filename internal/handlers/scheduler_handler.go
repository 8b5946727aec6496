package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ternarybob/jobrelay/internal/services/scheduler"
)

// JobScheduler is the scheduler surface used by the API
type JobScheduler interface {
	GetAllJobStatuses() []*scheduler.JobStatus
	TriggerJob(name string) error
}

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	schedulerService JobScheduler
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService JobScheduler) *SchedulerHandler {
	return &SchedulerHandler{schedulerService: schedulerService}
}

// ListJobsHandler handles GET /api/scheduler
func (h *SchedulerHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.schedulerService.GetAllJobStatuses(),
	})
}

// TriggerJobHandler handles POST /api/scheduler/{name}/trigger
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.schedulerService.TriggerJob(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteStarted(w, "Job "+name+" triggered")
}
