package models

import "time"

// Job is a job advertisement owned by the CRUD layer and published by this service.
// Destinations are the group URLs the job is published into.
type Job struct {
	ID               string     `json:"id"`
	Account          string     `json:"account" validate:"required"` // owning account identity (login email)
	Title            string     `json:"title" validate:"required,max=200"`
	Company          string     `json:"company" validate:"required,max=200"`
	Location         string     `json:"location"`
	JobType          string     `json:"job_type"`
	Experience       string     `json:"experience"`
	SalaryRange      string     `json:"salary_range"`
	Description      string     `json:"description"`
	Requirements     []string   `json:"requirements"`
	Responsibilities []string   `json:"responsibilities"`
	Perks            []string   `json:"perks"`
	Destinations     []string   `json:"destinations" validate:"required,min=1,dive,required,url"`
	IsActive         bool       `json:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether the job's expiry has passed at now
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// Open reports whether the job can still receive respondents
func (j *Job) Open(now time.Time) bool {
	return j.IsActive && !j.Expired(now)
}
