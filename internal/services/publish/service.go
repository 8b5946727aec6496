// Package publish runs job publication: one lease per account, one
// authenticated page, one posting attempt per pending destination, each
// recorded through the publish record lifecycle.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/services/posting"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Authenticator logs a page in as an account
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context, page interfaces.Page, account string) error
}

// Poster publishes content to one destination
type Poster interface {
	Publish(ctx context.Context, page interfaces.Page, destination, content string, open posting.PageOpener) (*models.PublishOutcome, interfaces.Page, error)
}

// RunStatus is the externally visible state of an account's publish runs
type RunStatus struct {
	Account    string                `json:"account"`
	Running    bool                  `json:"running"`
	JobID      string                `json:"job_id,omitempty"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	LastReport *models.PublishReport `json:"last_report,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
}

// Options tunes pacing
type Options struct {
	PostInterval time.Duration // between destinations of one account
	BatchLimit   int
	JobPause     time.Duration // between jobs of one account in a batch
	StaleAfter   time.Duration // POSTING records idle this long count as abandoned
}

const defaultStaleAfter = 15 * time.Minute

func OptionsFromConfig(cfg *common.Config) Options {
	return Options{
		PostInterval: common.ParseDuration(cfg.Posting.PostInterval, 10*time.Second),
		BatchLimit:   cfg.Scheduler.BatchLimit,
		JobPause:     common.ParseDuration(cfg.Scheduler.JobPause, 10*time.Second),
		StaleAfter:   common.ParseDuration(cfg.Posting.StaleAfter, defaultStaleAfter),
	}
}

// Service is the publish runner
type Service struct {
	jobs      interfaces.JobStorage
	records   interfaces.PublishRecordStorage
	lifecycle *Lifecycle
	formatter *Formatter
	pool      interfaces.BrowserPool
	auth      Authenticator
	poster    Poster
	validate  *validator.Validate
	options   Options
	logger    arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	runs     map[string]*RunStatus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(
	jobs interfaces.JobStorage,
	records interfaces.PublishRecordStorage,
	formatter *Formatter,
	pool interfaces.BrowserPool,
	auth Authenticator,
	poster Poster,
	options Options,
	logger arbor.ILogger,
) *Service {
	if options.BatchLimit <= 0 {
		options.BatchLimit = 5
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = defaultStaleAfter
	}
	return &Service{
		jobs:      jobs,
		records:   records,
		lifecycle: NewLifecycle(records, options.StaleAfter, logger),
		formatter: formatter,
		pool:      pool,
		auth:      auth,
		poster:    poster,
		validate:  validator.New(),
		options:   options,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		runs:      make(map[string]*RunStatus),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Lifecycle exposes the record lifecycle used by the runner
func (s *Service) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// ValidateJob checks the job fields needed for publishing
func (s *Service) ValidateJob(job *models.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", interfaces.ErrInvalidJob)
	}
	if err := s.validate.Struct(job); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidJob, err)
	}
	return nil
}

// RunPublish publishes job to every destination not yet published, as account
// (the job's owner when empty). Automation failures never escape as errors:
// they end in FAILED records and are counted in the report.
func (s *Service) RunPublish(ctx context.Context, account string, job *models.Job) (*models.PublishReport, error) {
	if err := s.ValidateJob(job); err != nil {
		return nil, err
	}
	if account == "" {
		account = job.Account
	}
	if !job.Open(s.now()) {
		return nil, fmt.Errorf("%w: job %s is inactive or expired", interfaces.ErrInvalidJob, job.ID)
	}

	report := &models.PublishReport{
		JobID:     job.ID,
		Account:   common.NormalizeAccount(account),
		StartedAt: s.now(),
	}

	pending, err := s.pendingDestinations(ctx, job, report)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		report.FinishedAt = s.now()
		s.logger.Info().Str("job_id", job.ID).Msg("All destinations already published")
		return report, nil
	}

	lease, err := s.pool.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	page, err := lease.NewPage(ctx)
	if err != nil {
		s.failAll(ctx, job, pending, fmt.Errorf("failed to open page: %w", err), report)
		report.FinishedAt = s.now()
		return report, nil
	}
	defer func() {
		if page != nil {
			_ = page.Close()
		}
	}()

	if err := s.auth.EnsureAuthenticated(ctx, page, account); err != nil {
		s.logger.Error().Err(err).Str("account", report.Account).Str("job_id", job.ID).Msg("Authentication failed, failing all destinations")
		s.failAll(ctx, job, pending, err, report)
		report.FinishedAt = s.now()
		return report, nil
	}

	limiter := s.limiter(report.Account)
	for _, destination := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}

		if page == nil || page.Crashed() {
			if page != nil {
				_ = page.Close()
			}
			if page, err = lease.NewPage(ctx); err != nil {
				page = nil
				report.Add(s.fail(ctx, job, destination, fmt.Errorf("failed to open page: %w", err)))
				continue
			}
		}

		var result models.DestinationResult
		result, page = s.publishOne(ctx, lease, page, job, destination)
		report.Add(result)
	}

	report.FinishedAt = s.now()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("account", report.Account).
		Int("total", report.Total).
		Int("successful", report.Successful).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("recovered_from_crash", report.RecoveredFromCrash).
		Msg("Publish run completed")

	return report, nil
}

// pendingDestinations reports already published destinations as skipped and returns the rest
func (s *Service) pendingDestinations(ctx context.Context, job *models.Job, report *models.PublishReport) ([]string, error) {
	seen := make(map[string]bool)
	var pending []string
	for _, destination := range job.Destinations {
		if seen[destination] {
			continue
		}
		seen[destination] = true

		record, err := s.records.FindRecord(ctx, job.ID, destination)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
		if record != nil && record.Status == models.PublishStatusSuccess {
			report.Add(models.DestinationResult{
				Destination: destination,
				RecordID:    record.ID,
				Status:      record.Status,
				Locator:     record.Locator,
				Skipped:     true,
			})
			continue
		}
		pending = append(pending, destination)
	}
	return pending, nil
}

func (s *Service) publishOne(ctx context.Context, lease interfaces.BrowserLease, page interfaces.Page, job *models.Job, destination string) (models.DestinationResult, interfaces.Page) {
	record, err := s.lifecycle.BeginPublish(ctx, job, destination)
	if err != nil {
		return s.notBegun(job, destination, err), page
	}

	content, err := s.formatter.Format(job, record)
	if err != nil {
		return s.complete(ctx, record, nil, err), page
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("record_id", record.ID).
		Str("destination", destination).
		Int("attempt", record.Attempts).
		Msg("Publishing to destination")

	outcome, used, err := s.poster.Publish(ctx, page, destination, content, lease.NewPage)
	if used != nil {
		page = used
	}

	result := s.complete(ctx, record, outcome, err)
	var perr *posting.Error
	if errors.As(err, &perr) && perr.Recovered {
		result.RecoveredFromCrash = true
	}
	return result, page
}

func (s *Service) complete(ctx context.Context, record *models.PublishRecord, outcome *models.PublishOutcome, cause error) models.DestinationResult {
	result := models.DestinationResult{Destination: record.Destination, RecordID: record.ID}

	updated, err := s.lifecycle.CompletePublish(ctx, record.ID, outcome, cause)
	if err != nil {
		s.logger.Error().Err(err).Str("record_id", record.ID).Msg("Failed to complete publish record")
		result.Status = models.PublishStatusFailed
		result.Error = err.Error()
		return result
	}

	result.Status = updated.Status
	result.Locator = updated.Locator
	result.Error = updated.Error
	result.RecoveredFromCrash = updated.Recovered

	if cause != nil {
		s.logger.Warn().
			Str("record_id", record.ID).
			Str("destination", record.Destination).
			Int("attempts", updated.Attempts).
			Err(cause).
			Msg("Publish attempt failed")
	}
	return result
}

func (s *Service) fail(ctx context.Context, job *models.Job, destination string, cause error) models.DestinationResult {
	record, err := s.lifecycle.BeginPublish(ctx, job, destination)
	if err != nil {
		return s.notBegun(job, destination, err)
	}
	return s.complete(ctx, record, nil, cause)
}

// notBegun reports a destination BeginPublish refused. Published and in-flight
// destinations are skipped, leaving their records untouched.
func (s *Service) notBegun(job *models.Job, destination string, err error) models.DestinationResult {
	switch {
	case errors.Is(err, interfaces.ErrAlreadyPublished):
		return models.DestinationResult{Destination: destination, Status: models.PublishStatusSuccess, Skipped: true}
	case errors.Is(err, interfaces.ErrPublishInProgress):
		s.logger.Info().Str("job_id", job.ID).Str("destination", destination).Msg("Destination is being published by another run, skipping")
		return models.DestinationResult{Destination: destination, Status: models.PublishStatusPosting, Error: err.Error(), Skipped: true}
	default:
		return models.DestinationResult{Destination: destination, Status: models.PublishStatusFailed, Error: err.Error()}
	}
}

func (s *Service) failAll(ctx context.Context, job *models.Job, destinations []string, cause error, report *models.PublishReport) {
	for _, destination := range destinations {
		report.Add(s.fail(ctx, job, destination, cause))
	}
}

func (s *Service) limiter(account string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[account]
	if !ok {
		interval := s.options.PostInterval
		if interval <= 0 {
			limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
		s.limiters[account] = limiter
	}
	return limiter
}

// ----- run tracking -----

// beginRun marks the account as running. It returns false when a run is in progress.
func (s *Service) beginRun(account, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.runs[account]
	if !ok {
		status = &RunStatus{Account: account}
		s.runs[account] = status
	}
	if status.Running {
		return false
	}
	status.Running = true
	status.JobID = jobID
	status.StartedAt = s.now()
	return true
}

func (s *Service) endRun(account string, report *models.PublishReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.runs[account]
	status.Running = false
	if report != nil {
		status.LastReport = report
	}
	status.LastError = ""
	if err != nil {
		status.LastError = err.Error()
	}
}

// Trigger starts RunPublish in the background. It returns ErrRunInProgress when
// the account already has a run.
func (s *Service) Trigger(account string, job *models.Job) error {
	if err := s.ValidateJob(job); err != nil {
		return err
	}
	if account == "" {
		account = job.Account
	}
	key := common.NormalizeAccount(account)

	if !s.beginRun(key, job.ID) {
		return fmt.Errorf("%w: %s", interfaces.ErrRunInProgress, key)
	}

	common.SafeGo(s.logger, "publishRun", func() {
		report, err := s.RunPublish(context.Background(), account, job)
		s.endRun(key, report, err)
		if err != nil {
			s.logger.Error().Err(err).Str("account", key).Str("job_id", job.ID).Msg("Publish run failed")
		}
	})
	return nil
}

// RunSync runs RunPublish under run tracking and waits for it
func (s *Service) RunSync(ctx context.Context, account string, job *models.Job) (*models.PublishReport, error) {
	if account == "" && job != nil {
		account = job.Account
	}
	key := common.NormalizeAccount(account)
	if !s.beginRun(key, jobID(job)) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrRunInProgress, key)
	}

	report, err := s.RunPublish(ctx, account, job)
	s.endRun(key, report, err)
	return report, err
}

// Status reports the run state of account
func (s *Service) Status(account string) RunStatus {
	key := common.NormalizeAccount(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.runs[key]; ok {
		return *status
	}
	return RunStatus{Account: key}
}

// ----- batch -----

// ProcessPending publishes up to BatchLimit active jobs that still have an
// unpublished destination. Accounts run in parallel, jobs of one account serially.
func (s *Service) ProcessPending(ctx context.Context) error {
	jobs, err := s.jobs.ListActiveJobs(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	var batch []*models.Job
	for _, job := range jobs {
		if len(batch) >= s.options.BatchLimit {
			break
		}
		unpublished, err := s.hasUnpublished(ctx, job)
		if err != nil {
			return err
		}
		if unpublished {
			batch = append(batch, job)
		}
	}
	if len(batch) == 0 {
		s.logger.Debug().Msg("No pending jobs to publish")
		return nil
	}

	byAccount := make(map[string][]*models.Job)
	for _, job := range batch {
		key := common.NormalizeAccount(job.Account)
		byAccount[key] = append(byAccount[key], job)
	}
	accounts := make([]string, 0, len(byAccount))
	for account := range byAccount {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	s.logger.Info().Int("jobs", len(batch)).Int("accounts", len(accounts)).Msg("Processing pending jobs")

	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		queue := byAccount[account]
		g.Go(func() error {
			return s.processAccount(gctx, queue)
		})
	}
	return g.Wait()
}

func (s *Service) processAccount(ctx context.Context, queue []*models.Job) error {
	for i, job := range queue {
		if i > 0 {
			if err := s.sleep(ctx, s.options.JobPause); err != nil {
				return err
			}
		}

		_, err := s.RunSync(ctx, job.Account, job)
		switch {
		case errors.Is(err, interfaces.ErrRunInProgress):
			s.logger.Info().Str("job_id", job.ID).Msg("Account busy with another run, skipping job in this batch")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Pending job not published")
		}
	}
	return nil
}

func (s *Service) hasUnpublished(ctx context.Context, job *models.Job) (bool, error) {
	records, err := s.records.ListRecordsByJob(ctx, job.ID)
	if err != nil {
		return false, err
	}
	published := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Status == models.PublishStatusSuccess {
			published[r.Destination] = true
		}
	}
	for _, destination := range job.Destinations {
		if !published[destination] {
			return true, nil
		}
	}
	return false, nil
}

func jobID(job *models.Job) string {
	if job == nil {
		return ""
	}
	return job.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
