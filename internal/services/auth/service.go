// Package auth keeps an account's browsing context logged in. It restores the
// persisted credential artifacts, validates them against the live page, and
// falls back to a form login with a bounded wait for manual challenges.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// Timings bounds every wait in the login flow
type Timings struct {
	NavigationTimeout     time.Duration
	SettleDelay           time.Duration
	FieldPause            time.Duration
	SubmitWait            time.Duration
	ChallengePollInterval time.Duration
	ChallengeMaxPolls     int
	ProbeTimeout          time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		NavigationTimeout:     30 * time.Second,
		SettleDelay:           2 * time.Second,
		FieldPause:            800 * time.Millisecond,
		SubmitWait:            4 * time.Second,
		ChallengePollInterval: 10 * time.Second,
		ChallengeMaxPolls:     30,
		ProbeTimeout:          10 * time.Second,
	}
}

// TimingsFromConfig overlays the [auth] section on the defaults
func TimingsFromConfig(cfg *common.AuthConfig) Timings {
	t := DefaultTimings()
	t.NavigationTimeout = common.ParseDuration(cfg.NavigationTimeout, t.NavigationTimeout)
	t.SettleDelay = common.ParseDuration(cfg.SettleDelay, t.SettleDelay)
	t.SubmitWait = common.ParseDuration(cfg.SubmitWait, t.SubmitWait)
	t.ChallengePollInterval = common.ParseDuration(cfg.ChallengePollInterval, t.ChallengePollInterval)
	if cfg.ChallengeMaxPolls > 0 {
		t.ChallengeMaxPolls = cfg.ChallengeMaxPolls
	}
	return t
}

// Login form probes
var (
	emailProbe  = interfaces.Probe{Name: "login-email", CSS: `input#email, input[name="email"]`}
	secretProbe = interfaces.Probe{Name: "login-secret", CSS: `input#pass, input[name="pass"]`}
	submitProbe = interfaces.Probe{Name: "login-submit", CSS: `button[name="login"], button[type="submit"]`}
)

var challengeMarkers = []string{"checkpoint", "two_factor", "two-factor", "approvals_code"}

// Service is the session/credential manager
type Service struct {
	store   interfaces.CredentialStorage
	secrets SecretResolver
	site    common.SiteConfig
	timings Timings
	logger  arbor.ILogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates the credential manager for the configured site
func NewService(store interfaces.CredentialStorage, secrets SecretResolver, site common.SiteConfig, timings Timings, logger arbor.ILogger) *Service {
	return &Service{
		store:   store,
		secrets: secrets,
		site:    site,
		timings: timings,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// EnsureAuthenticated leaves page logged in as account, or returns an error
// wrapping ErrAuthentication or ErrChallengeTimeout. Every successful path
// persists the page's current artifact set.
func (s *Service) EnsureAuthenticated(ctx context.Context, page interfaces.Page, account string) error {
	restored := s.restore(ctx, page, account)

	if restored {
		if err := s.load(ctx, page); err != nil {
			return err
		}
		if s.validate(ctx, page) {
			s.logger.Info().Str("account", account).Msg("Session restored from stored credentials")
			s.persist(ctx, page, account)
			return nil
		}

		s.logger.Warn().Str("account", account).Msg("Stored credentials rejected, falling back to login")
		if err := page.ClearCookies(ctx); err != nil {
			return fmt.Errorf("%w: failed to clear cookies: %w", interfaces.ErrAuthentication, err)
		}
		if err := s.store.InvalidateCredentials(ctx, account); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Str("account", account).Msg("Failed to invalidate stored credentials")
		}
	}

	return s.login(ctx, page, account)
}

// restore applies the stored set's usable artifacts to the page
func (s *Service) restore(ctx context.Context, page interfaces.Page, account string) bool {
	set, err := s.store.GetCredentials(ctx, account)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Str("account", account).Msg("Failed to load stored credentials")
		}
		return false
	}

	usable := set.Usable(s.now())
	if len(usable) == 0 {
		s.logger.Debug().Str("account", account).Msg("Stored credentials fully expired")
		return false
	}
	if err := page.SetCookies(ctx, usable); err != nil {
		s.logger.Warn().Err(err).Str("account", account).Msg("Failed to apply stored credentials")
		return false
	}

	s.logger.Debug().
		Str("account", account).
		Int("applied", len(usable)).
		Int("stored", len(set.Artifacts)).
		Msg("Stored credentials applied")
	return true
}

func (s *Service) login(ctx context.Context, page interfaces.Page, account string) error {
	if err := s.load(ctx, page); err != nil {
		return err
	}
	if s.validate(ctx, page) {
		s.logger.Info().Str("account", account).Msg("Session already active, no login form needed")
		s.persist(ctx, page, account)
		return nil
	}

	identity, secret, err := s.secrets.Resolve(account)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrAuthentication, err)
	}

	s.logger.Info().Str("account", account).Msg("Logging in with account secret")

	if err := s.fill(ctx, page, emailProbe, identity); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.timings.FieldPause); err != nil {
		return err
	}
	if err := s.fill(ctx, page, secretProbe, secret); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.timings.FieldPause); err != nil {
		return err
	}

	button, found, err := page.Locate(ctx, submitProbe, s.timings.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrAuthentication, err)
	}
	if !found {
		return fmt.Errorf("%w: %w: login button", interfaces.ErrAuthentication, interfaces.ErrSelectorNotFound)
	}
	if err := button.Click(ctx); err != nil {
		return fmt.Errorf("%w: failed to submit login: %w", interfaces.ErrAuthentication, err)
	}
	if err := s.sleep(ctx, s.timings.SubmitWait); err != nil {
		return err
	}

	if s.challenged(ctx, page) {
		if err := s.awaitChallenge(ctx, page, account); err != nil {
			return err
		}
	}

	if err := s.load(ctx, page); err != nil {
		return err
	}
	if !s.validate(ctx, page) {
		return fmt.Errorf("%w: no valid session after login", interfaces.ErrAuthentication)
	}

	s.logger.Info().Str("account", account).Msg("Login successful")
	s.persist(ctx, page, account)
	return nil
}

// awaitChallenge polls for a manually resolved checkpoint, bounded by ChallengeMaxPolls
func (s *Service) awaitChallenge(ctx context.Context, page interfaces.Page, account string) error {
	s.logger.Warn().
		Str("account", account).
		Int("max_polls", s.timings.ChallengeMaxPolls).
		Str("poll_interval", s.timings.ChallengePollInterval.String()).
		Msg("Login challenge detected, waiting for manual completion in the browser window")

	for i := 1; i <= s.timings.ChallengeMaxPolls; i++ {
		if err := s.sleep(ctx, s.timings.ChallengePollInterval); err != nil {
			return err
		}
		if s.validate(ctx, page) {
			s.logger.Info().Str("account", account).Int("polls", i).Msg("Login challenge completed")
			return nil
		}
	}

	return fmt.Errorf("%w after %d polls", interfaces.ErrChallengeTimeout, s.timings.ChallengeMaxPolls)
}

// challenged inspects the page for checkpoint or two-factor markers
func (s *Service) challenged(ctx context.Context, page interfaces.Page) bool {
	if url, err := page.URL(ctx); err == nil && strings.Contains(url, "/checkpoint") {
		return true
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	if doc.Find(`input[name="approvals_code"], form[action*="checkpoint"]`).Length() > 0 {
		return true
	}

	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range challengeMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// load navigates to the site root and waits for it to settle
func (s *Service) load(ctx context.Context, page interfaces.Page) error {
	navCtx, cancel := context.WithTimeout(ctx, s.timings.NavigationTimeout)
	defer cancel()

	if err := page.Navigate(navCtx, s.site.BaseURL); err != nil {
		return fmt.Errorf("%w: failed to load %s: %w", interfaces.ErrAuthentication, s.site.BaseURL, err)
	}
	return s.sleep(ctx, s.timings.SettleDelay)
}

// validate checks the live page holds both required artifacts
func (s *Service) validate(ctx context.Context, page interfaces.Page) bool {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read page cookies")
		return false
	}

	live := &models.CredentialSet{Artifacts: siteArtifacts(cookies, s.site.CookieDomain)}
	return live.IsValid(s.now(), s.site.IdentityArtifact, s.site.SessionArtifact)
}

func (s *Service) fill(ctx context.Context, page interfaces.Page, probe interfaces.Probe, value string) error {
	field, found, err := page.Locate(ctx, probe, s.timings.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrAuthentication, err)
	}
	if !found {
		return fmt.Errorf("%w: %w: %s", interfaces.ErrAuthentication, interfaces.ErrSelectorNotFound, probe.Name)
	}
	if err := field.Fill(ctx, value); err != nil {
		return fmt.Errorf("%w: failed to fill %s: %w", interfaces.ErrAuthentication, probe.Name, err)
	}
	return nil
}

// persist overwrites the stored set with the page's current artifacts.
// A storage failure is logged; the live session is still usable.
func (s *Service) persist(ctx context.Context, page interfaces.Page, account string) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("account", account).Msg("Failed to read cookies for persistence")
		// the stored set is still the one in use
		if err := s.store.TouchCredentials(ctx, account, s.now()); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Str("account", account).Msg("Failed to touch stored credentials")
		}
		return
	}

	now := s.now()
	set := &models.CredentialSet{
		Account:    account,
		Identity:   account,
		Artifacts:  cookies,
		LastUsedAt: now,
	}
	if err := s.store.SaveCredentials(ctx, set); err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to persist credentials")
		return
	}

	s.logger.Debug().Str("account", account).Int("artifacts", len(set.Artifacts)).Msg("Credentials persisted")
}

// Status reports the stored session state for account
func (s *Service) Status(ctx context.Context, account string) (*models.CredentialStatus, error) {
	set, err := s.store.GetCredentials(ctx, account)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return &models.CredentialStatus{
				Account: common.NormalizeAccount(account),
				Reason:  "no stored session",
			}, nil
		}
		return nil, err
	}
	status := s.statusOf(set)
	status.Account = common.NormalizeAccount(account)
	return status, nil
}

// ListStatuses reports every stored account session
func (s *Service) ListStatuses(ctx context.Context) ([]*models.CredentialStatus, error) {
	sets, err := s.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]*models.CredentialStatus, 0, len(sets))
	for _, set := range sets {
		statuses = append(statuses, s.statusOf(set))
	}
	return statuses, nil
}

func (s *Service) statusOf(set *models.CredentialSet) *models.CredentialStatus {
	status := &models.CredentialStatus{
		Account:    common.NormalizeAccount(set.Account),
		Artifacts:  len(set.Artifacts),
		ExpiresAt:  set.ExpiresAt,
		LastUsedAt: set.LastUsedAt,
		Valid:      set.IsValid(s.now(), s.site.IdentityArtifact, s.site.SessionArtifact),
	}
	if !status.Valid {
		status.Reason = fmt.Sprintf("missing or expired %s/%s", s.site.IdentityArtifact, s.site.SessionArtifact)
	}
	return status
}

// ImportCookies stores artifacts captured outside the pool, e.g. by the browser
// extension. Sets lacking the required artifacts are rejected.
func (s *Service) ImportCookies(ctx context.Context, account string, artifacts []models.CredentialArtifact) (*models.CredentialStatus, error) {
	set := &models.CredentialSet{
		Account:   account,
		Identity:  account,
		Artifacts: siteArtifacts(artifacts, s.site.CookieDomain),
	}
	if !set.IsValid(s.now(), s.site.IdentityArtifact, s.site.SessionArtifact) {
		return nil, fmt.Errorf("%w: imported cookies lack a usable %s and %s", interfaces.ErrAuthentication, s.site.IdentityArtifact, s.site.SessionArtifact)
	}
	if err := s.store.SaveCredentials(ctx, set); err != nil {
		return nil, err
	}

	s.logger.Info().Str("account", account).Int("artifacts", len(set.Artifacts)).Msg("Credentials imported")
	return s.Status(ctx, account)
}

// Invalidate drops the stored set so the next publish logs in again
func (s *Service) Invalidate(ctx context.Context, account string) error {
	return s.store.InvalidateCredentials(ctx, account)
}

func siteArtifacts(artifacts []models.CredentialArtifact, domain string) []models.CredentialArtifact {
	if domain == "" {
		return artifacts
	}
	kept := make([]models.CredentialArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if strings.Contains(a.Domain, domain) {
			kept = append(kept, a)
		}
	}
	return kept
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
