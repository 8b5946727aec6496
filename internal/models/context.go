package models

import "time"

// ContextPayload is the job context minted into a deep-link token.
// PublishRecordID is declared first so it is encoded first: a truncated token
// still carries it near the start of the decoded bytes.
type ContextPayload struct {
	PublishRecordID  string   `json:"publishRecordId"`
	JobID            string   `json:"jobId"`
	JobTitle         string   `json:"jobTitle"`
	Company          string   `json:"company"`
	Location         string   `json:"location"`
	JobType          string   `json:"jobType"`
	Experience       string   `json:"experience"`
	SalaryRange      string   `json:"salaryRange"`
	Description      string   `json:"description"`
	Requirements     []string `json:"requirements"`
	Responsibilities []string `json:"responsibilities"`
	Perks            []string `json:"perks"`
	Destination      string   `json:"destination"`
	PostURL          string   `json:"postUrl"`
	Timestamp        int64    `json:"timestamp"` // unix milliseconds at mint time
}

// NewContextPayload snapshots a job (and the record it is published under) into a payload
func NewContextPayload(job *Job, record *PublishRecord, now time.Time) *ContextPayload {
	p := &ContextPayload{
		JobID:            job.ID,
		JobTitle:         job.Title,
		Company:          job.Company,
		Location:         job.Location,
		JobType:          job.JobType,
		Experience:       job.Experience,
		SalaryRange:      job.SalaryRange,
		Description:      job.Description,
		Requirements:     cloneStrings(job.Requirements),
		Responsibilities: cloneStrings(job.Responsibilities),
		Perks:            cloneStrings(job.Perks),
		Timestamp:        now.UnixMilli(),
	}
	if record != nil {
		p.PublishRecordID = record.ID
		p.Destination = record.Destination
		p.PostURL = record.Locator
	}
	return p
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ContextSession is the server-side record created when a deep link is visited
type ContextSession struct {
	ID                  string          `json:"id"`
	Token               string          `json:"sessionId"`
	PublishRecordID     string          `json:"publishRecordId,omitempty"`
	Payload             *ContextPayload `json:"jobContext"`
	Active              bool            `json:"isActive"`
	ExternalUserID      string          `json:"externalUserId,omitempty"`
	ConversationStarted bool            `json:"conversationStarted"`
	CreatedAt           time.Time       `json:"createdAt"`
	ExpiresAt           time.Time       `json:"expiresAt"`
	LastAccessedAt      time.Time       `json:"lastAccessedAt"`
}

// Live reports whether the session is active and unexpired at now.
// An active flag alone is not enough: expiry is enforced at read time.
func (s *ContextSession) Live(now time.Time) bool {
	return s != nil && s.Active && s.ExpiresAt.After(now)
}
