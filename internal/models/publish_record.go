package models

import "time"

// PublishStatus is the lifecycle state of a publish record
type PublishStatus string

const (
	PublishStatusPending PublishStatus = "PENDING"
	PublishStatusPosting PublishStatus = "POSTING"
	PublishStatusSuccess PublishStatus = "SUCCESS"
	PublishStatusFailed  PublishStatus = "FAILED"
)

// IsTerminal reports whether an attempt has finished in this status
func (s PublishStatus) IsTerminal() bool {
	return s == PublishStatusSuccess || s == PublishStatusFailed
}

// PublishRecord tracks one (job, destination) pair.
// Attempts is the ordinal of the current attempt: it starts at 1 and is bumped on
// every failure, so a retry of a FAILED record carries the next ordinal.
type PublishRecord struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	Destination string        `json:"destination"`
	Account     string        `json:"account"`
	Status      PublishStatus `json:"status"`
	Locator     string        `json:"locator,omitempty"` // URL of the published content
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Recovered   bool          `json:"recovered_from_crash"`
	Verified    string        `json:"verified,omitempty"` // how success was judged, see Verification
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Verification names the signal that classified a submission as successful
type Verification string

const (
	VerificationComposerClosed   Verification = "composer_closed"
	VerificationSuccessIndicator Verification = "success_indicator"
	VerificationOptimistic       Verification = "optimistic" // no negative signal observed within the bound
)

// PublishOutcome is the result of one successful posting run
type PublishOutcome struct {
	Locator            string       `json:"locator"`
	RecoveredFromCrash bool         `json:"recovered_from_crash"`
	Verification       Verification `json:"verification"`
}

// DestinationResult is the per-destination line of a publish report
type DestinationResult struct {
	Destination        string        `json:"destination"`
	RecordID           string        `json:"record_id,omitempty"`
	Status             PublishStatus `json:"status"`
	Locator            string        `json:"locator,omitempty"`
	Error              string        `json:"error,omitempty"`
	Skipped            bool          `json:"skipped,omitempty"`
	RecoveredFromCrash bool          `json:"recovered_from_crash,omitempty"`
}

// PublishReport summarises one runPublish call
type PublishReport struct {
	JobID              string              `json:"job_id"`
	Account            string              `json:"account"`
	Total              int                 `json:"total"`
	Successful         int                 `json:"successful"`
	Failed             int                 `json:"failed"`
	Skipped            int                 `json:"skipped"`
	RecoveredFromCrash int                 `json:"recovered_from_crash"`
	Results            []DestinationResult `json:"results"`
	StartedAt          time.Time           `json:"started_at"`
	FinishedAt         time.Time           `json:"finished_at"`
}

// Add appends a result and updates the counters
func (r *PublishReport) Add(result DestinationResult) {
	r.Results = append(r.Results, result)
	r.Total++
	switch {
	case result.Skipped:
		r.Skipped++
	case result.Status == PublishStatusSuccess:
		r.Successful++
	case result.Status == PublishStatusFailed:
		r.Failed++
	}
	if result.RecoveredFromCrash {
		r.RecoveredFromCrash++
	}
}
