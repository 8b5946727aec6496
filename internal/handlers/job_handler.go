package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/services/publish"
)

// Publisher is the publish runner surface used by the API
type Publisher interface {
	ValidateJob(job *models.Job) error
	Trigger(account string, job *models.Job) error
	RunSync(ctx context.Context, account string, job *models.Job) (*models.PublishReport, error)
	Status(account string) publish.RunStatus
}

// JobHandler manages jobs and their publication
type JobHandler struct {
	jobs      interfaces.JobStorage
	records   interfaces.PublishRecordStorage
	publisher Publisher
	logger    arbor.ILogger
}

func NewJobHandler(jobs interfaces.JobStorage, records interfaces.PublishRecordStorage, publisher Publisher, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		records:   records,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if !DecodeJSON(w, r, &job) {
		return
	}
	job.ID = ""

	if err := h.publisher.ValidateJob(&job); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.jobs.SaveJob(r.Context(), &job); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save job")
		WriteError(w, http.StatusInternalServerError, "Failed to save job")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("account", job.Account).
		Int("destinations", len(job.Destinations)).
		Msg("Job created")
	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler handles GET /api/jobs. ?active=true lists open jobs only.
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*models.Job
		err  error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		jobs, err = h.jobs.ListActiveJobs(r.Context(), timeNow())
	} else {
		jobs, err = h.jobs.ListJobs(r.Context())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListRecordsHandler handles GET /api/jobs/{id}/records
func (h *JobHandler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	records, err := h.records.ListRecordsByJob(r.Context(), job.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to list publish records")
		WriteError(w, http.StatusInternalServerError, "Failed to list publish records")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  job.ID,
		"records": records,
	})
}

// PublishJobHandler handles POST /api/jobs/{id}/publish.
// The run starts in the background unless ?wait=true, which returns the report.
// ?account= overrides the job's owner.
func (h *JobHandler) PublishJobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	account := r.URL.Query().Get("account")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := h.publisher.RunSync(r.Context(), account, job)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Publish run rejected")
			WriteError(w, StatusForError(err), err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, report)
		return
	}

	if err := h.publisher.Trigger(account, job); err != nil {
		WriteError(w, StatusForError(err), err.Error())
		return
	}
	WriteStarted(w, "Publishing job "+job.ID)
}

// PublishStatusHandler handles GET /api/publish/{account}
func (h *JobHandler) PublishStatusHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.publisher.Status(mux.Vars(r)["account"]))
}

func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return nil, false
	}
	return job, true
}
