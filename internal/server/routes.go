package server

import (
	"net/http"
	"path"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	redirectPath := path.Clean("/" + s.app.Config.Relay.RedirectPath)
	if redirectPath == "/" {
		redirectPath = "/messenger-redirect"
	}

	// Webhook events are never rate limited
	r.HandleFunc("/webhook", s.app.WebhookHandler.EventHandler).Methods("POST")

	// Public routes, rate limited per client IP
	public := r.PathPrefix("").Subrouter()
	public.Use(s.rateLimitMiddleware)
	public.HandleFunc(redirectPath, s.app.RedirectHandler.RedirectHandler).Methods("GET")
	public.HandleFunc("/webhook", s.app.WebhookHandler.VerifyHandler).Methods("GET")

	r.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler).Methods("GET")

	// Admin routes
	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(s.apiKeyMiddleware)

	// Jobs and publishing
	admin.HandleFunc("/jobs", s.app.JobHandler.CreateJobHandler).Methods("POST")
	admin.HandleFunc("/jobs", s.app.JobHandler.ListJobsHandler).Methods("GET")
	admin.HandleFunc("/jobs/{id}", s.app.JobHandler.GetJobHandler).Methods("GET")
	admin.HandleFunc("/jobs/{id}/records", s.app.JobHandler.ListRecordsHandler).Methods("GET")
	admin.HandleFunc("/jobs/{id}/publish", s.app.JobHandler.PublishJobHandler).Methods("POST")
	admin.HandleFunc("/publish/{account}", s.app.JobHandler.PublishStatusHandler).Methods("GET")

	// Accounts (cookie import from the browser extension, secrets)
	admin.HandleFunc("/accounts", s.app.AccountHandler.ListAccountsHandler).Methods("GET")
	admin.HandleFunc("/accounts/{account}/cookies", s.app.AccountHandler.ImportCookiesHandler).Methods("POST")
	admin.HandleFunc("/accounts/{account}/session", s.app.AccountHandler.SessionStatusHandler).Methods("GET")
	admin.HandleFunc("/accounts/{account}/session", s.app.AccountHandler.InvalidateSessionHandler).Methods("DELETE")
	admin.HandleFunc("/accounts/{account}/secret", s.app.AccountHandler.StoreSecretHandler).Methods("PUT")

	// Context sessions (debug)
	admin.HandleFunc("/contexts/active", s.app.ContextHandler.ActiveContextsHandler).Methods("GET")
	admin.HandleFunc("/contexts/{token}", s.app.ContextHandler.GetContextHandler).Methods("GET")

	// Scheduler
	admin.HandleFunc("/scheduler", s.app.SchedulerHandler.ListJobsHandler).Methods("GET")
	admin.HandleFunc("/scheduler/{name}/trigger", s.app.SchedulerHandler.TriggerJobHandler).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	return r
}
