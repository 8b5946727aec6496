// Package posting drives the group composer to publish one post.
//
// The flow is an explicit state machine:
//
//	NAVIGATING -> STABLE_CHECK -> COMPOSING -> TYPING -> SUBMITTING -> VERIFYING -> DONE
//
// Any state that observes a crashed page moves to CRASHED. The first crash moves
// to RECOVERING, which opens one fresh page and re-enters NAVIGATING. A second
// crash, or any other error, ends the attempt with *Error.
package posting

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

// State is one step of the posting flow
type State string

const (
	StateNavigating  State = "NAVIGATING"
	StateStableCheck State = "STABLE_CHECK"
	StateComposing   State = "COMPOSING"
	StateTyping      State = "TYPING"
	StateSubmitting  State = "SUBMITTING"
	StateVerifying   State = "VERIFYING"
	StateDone        State = "DONE"
	StateCrashed     State = "CRASHED"
	StateRecovering  State = "RECOVERING"
)

// Timings bounds every wait in the flow
type Timings struct {
	NavigationTimeout     time.Duration
	NavigationRetries     int
	NavigationBackoff     time.Duration
	SettleDelay           time.Duration
	ProbeTimeout          time.Duration // per composer-trigger probe
	ComposerOpenDelay     time.Duration
	InputTimeout          time.Duration // first input probe
	InputFallbackTimeout  time.Duration // remaining input probes
	TypeDelay             time.Duration
	TypeSettle            time.Duration
	SubmitTimeout         time.Duration
	SubmitFallbackTimeout time.Duration
	SubmitGrace           time.Duration
	PostSubmitDelay       time.Duration
	VerifyTimeout         time.Duration
	PollInterval          time.Duration
}

// DefaultTimings mirrors the reference pacing of the destination UI
func DefaultTimings() Timings {
	return Timings{
		NavigationTimeout:     30 * time.Second,
		NavigationRetries:     3,
		NavigationBackoff:     5 * time.Second,
		SettleDelay:           5 * time.Second,
		ProbeTimeout:          3 * time.Second,
		ComposerOpenDelay:     2 * time.Second,
		InputTimeout:          10 * time.Second,
		InputFallbackTimeout:  5 * time.Second,
		TypeDelay:             30 * time.Millisecond,
		TypeSettle:            2 * time.Second,
		SubmitTimeout:         10 * time.Second,
		SubmitFallbackTimeout: 5 * time.Second,
		SubmitGrace:           4 * time.Second,
		PostSubmitDelay:       3 * time.Second,
		VerifyTimeout:         10 * time.Second,
		PollInterval:          500 * time.Millisecond,
	}
}

// TimingsFromConfig overlays the [posting] section on the defaults
func TimingsFromConfig(cfg *common.PostingConfig) Timings {
	t := DefaultTimings()
	t.NavigationTimeout = common.ParseDuration(cfg.NavigationTimeout, t.NavigationTimeout)
	if cfg.NavigationRetries > 0 {
		t.NavigationRetries = cfg.NavigationRetries
	}
	t.NavigationBackoff = common.ParseDuration(cfg.NavigationBackoff, t.NavigationBackoff)
	t.SettleDelay = common.ParseDuration(cfg.SettleDelay, t.SettleDelay)
	t.ComposerOpenDelay = common.ParseDuration(cfg.ComposerOpenDelay, t.ComposerOpenDelay)
	t.ProbeTimeout = common.ParseDuration(cfg.ProbeTimeout, t.ProbeTimeout)
	t.InputTimeout = common.ParseDuration(cfg.InputTimeout, t.InputTimeout)
	t.TypeDelay = common.ParseDuration(cfg.TypeDelay, t.TypeDelay)
	t.SubmitTimeout = common.ParseDuration(cfg.SubmitTimeout, t.SubmitTimeout)
	t.SubmitFallbackTimeout = common.ParseDuration(cfg.SubmitFallbackTimeout, t.SubmitFallbackTimeout)
	t.SubmitGrace = common.ParseDuration(cfg.SubmitGrace, t.SubmitGrace)
	t.VerifyTimeout = common.ParseDuration(cfg.VerifyTimeout, t.VerifyTimeout)
	return t
}

// PageOpener opens a fresh page in the same browsing context
type PageOpener func(ctx context.Context) (interfaces.Page, error)

// Machine runs the posting flow. It holds no per-attempt state and is safe to share.
type Machine struct {
	timings   Timings
	selectors Selectors
	logger    arbor.ILogger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewMachine creates a Machine with the given timings and probe lists
func NewMachine(timings Timings, selectors Selectors, logger arbor.ILogger) *Machine {
	return &Machine{
		timings:   timings,
		selectors: selectors,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// attempt is the per-call state threaded through the step functions
type attempt struct {
	page        interfaces.Page
	destination string
	content     string
	open        PageOpener

	input        interfaces.Element
	verification models.Verification
	recovered    bool
	crashCause   error
	trail        []State
}

type stepFunc func(ctx context.Context, a *attempt) (State, error)

func (m *Machine) step(state State) stepFunc {
	switch state {
	case StateNavigating:
		return m.navigate
	case StateStableCheck:
		return m.stableCheck
	case StateComposing:
		return m.compose
	case StateTyping:
		return m.typeContent
	case StateSubmitting:
		return m.submit
	case StateVerifying:
		return m.verify
	case StateCrashed:
		return m.crashed
	case StateRecovering:
		return m.recover
	}
	return nil
}

// Publish posts content to destination on page. It returns the outcome and the
// page left in use, which differs from the input page after crash recovery.
func (m *Machine) Publish(ctx context.Context, page interfaces.Page, destination, content string, open PageOpener) (*models.PublishOutcome, interfaces.Page, error) {
	a := &attempt{
		page:        page,
		destination: destination,
		content:     content,
		open:        open,
	}

	state := StateNavigating
	for state != StateDone {
		a.trail = append(a.trail, state)

		fn := m.step(state)
		if fn == nil {
			return nil, a.page, &Error{State: state, Recovered: a.recovered, Err: fmt.Errorf("no step for state %s", state)}
		}

		next, err := fn(ctx, a)
		if err != nil {
			if state != StateCrashed && state != StateRecovering && m.isCrash(a.page, err) {
				m.logger.Warn().
					Str("destination", destination).
					Str("state", string(state)).
					Err(err).
					Msg("Page crash detected")
				a.crashCause = err
				state = StateCrashed
				continue
			}
			return nil, a.page, &Error{State: state, Recovered: a.recovered, Err: err}
		}

		m.logger.Debug().
			Str("destination", destination).
			Str("from", string(state)).
			Str("to", string(next)).
			Msg("Posting transition")
		state = next
	}

	locator, err := a.page.URL(ctx)
	if err != nil || locator == "" {
		locator = destination
	}

	outcome := &models.PublishOutcome{
		Locator:            locator,
		RecoveredFromCrash: a.recovered,
		Verification:       a.verification,
	}

	m.logger.Info().
		Str("destination", destination).
		Str("locator", outcome.Locator).
		Str("verification", string(outcome.Verification)).
		Bool("recovered_from_crash", outcome.RecoveredFromCrash).
		Msg("Post published")

	return outcome, a.page, nil
}

func (m *Machine) isCrash(page interfaces.Page, err error) bool {
	return errors.Is(err, interfaces.ErrCrashDetected) ||
		errors.Is(err, interfaces.ErrPageClosed) ||
		(page != nil && page.Crashed())
}

// navigate loads the destination, retrying a fixed number of times
func (m *Machine) navigate(ctx context.Context, a *attempt) (State, error) {
	retries := max(m.timings.NavigationRetries, 1)

	var lastErr error
	for i := 1; i <= retries; i++ {
		navCtx, cancel := context.WithTimeout(ctx, m.timings.NavigationTimeout)
		err := a.page.Navigate(navCtx, a.destination)
		cancel()
		if err == nil {
			return StateStableCheck, nil
		}
		if a.page.Crashed() {
			return "", fmt.Errorf("%w during navigation: %v", interfaces.ErrCrashDetected, err)
		}

		lastErr = err
		m.logger.Warn().
			Str("destination", a.destination).
			Int("attempt", i).
			Int("max_attempts", retries).
			Err(err).
			Msg("Navigation attempt failed")

		if i < retries {
			if err := m.sleep(ctx, m.timings.NavigationBackoff); err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %v", interfaces.ErrNavigation, retries, lastErr)
}

// stableCheck waits for the page to settle and looks for crash leftovers
func (m *Machine) stableCheck(ctx context.Context, a *attempt) (State, error) {
	if err := m.sleep(ctx, m.timings.SettleDelay); err != nil {
		return "", err
	}
	if a.page.Crashed() {
		return "", fmt.Errorf("%w: renderer gone", interfaces.ErrCrashDetected)
	}

	title, err := a.page.Title(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: title unavailable: %v", interfaces.ErrCrashDetected, err)
	}
	url, err := a.page.URL(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: url unavailable: %v", interfaces.ErrCrashDetected, err)
	}

	meta := strings.ToLower(title + " " + url)
	for _, marker := range m.selectors.CrashMarkers {
		if strings.Contains(meta, marker) {
			return "", fmt.Errorf("%w: marker %q in %q", interfaces.ErrCrashDetected, marker, title)
		}
	}

	lowerURL := strings.ToLower(url)
	for _, marker := range m.selectors.LoginMarkers {
		if strings.Contains(lowerURL, marker) {
			return "", fmt.Errorf("%w: redirected to %s", interfaces.ErrAuthentication, url)
		}
	}

	return StateComposing, nil
}

// compose checks the destination accepts posts and opens the composer
func (m *Machine) compose(ctx context.Context, a *attempt) (State, error) {
	html, err := a.page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	if phrase, restricted := m.restricted(html); restricted {
		return "", fmt.Errorf("%w: %q", interfaces.ErrPostingRestricted, phrase)
	}

	trigger, probe, err := m.firstMatch(ctx, a.page, m.selectors.ComposerTriggers, m.timings.ProbeTimeout, m.timings.ProbeTimeout)
	if err != nil {
		return "", err
	}
	if trigger == nil {
		return "", fmt.Errorf("%w: composer trigger", interfaces.ErrSelectorNotFound)
	}

	m.logger.Debug().Str("probe", probe).Msg("Composer trigger located")

	if err := trigger.Click(ctx); err != nil {
		return "", fmt.Errorf("failed to open composer: %w", err)
	}
	if err := m.sleep(ctx, m.timings.ComposerOpenDelay); err != nil {
		return "", err
	}

	return StateTyping, nil
}

// typeContent clears the input surface, types the body and verifies it landed
func (m *Machine) typeContent(ctx context.Context, a *attempt) (State, error) {
	input, probe, err := m.firstMatch(ctx, a.page, m.selectors.InputSurfaces, m.timings.InputTimeout, m.timings.InputFallbackTimeout)
	if err != nil {
		return "", err
	}
	if input == nil {
		return "", fmt.Errorf("%w: composer input", interfaces.ErrSelectorNotFound)
	}
	a.input = input

	m.logger.Debug().Str("probe", probe).Msg("Composer input located")

	if err := input.Click(ctx); err != nil {
		return "", fmt.Errorf("failed to focus composer input: %w", err)
	}
	if err := input.Clear(ctx); err != nil {
		return "", fmt.Errorf("failed to clear composer input: %w", err)
	}
	if err := input.Type(ctx, a.content, m.timings.TypeDelay); err != nil {
		return "", fmt.Errorf("failed to type content: %w", err)
	}
	if err := m.sleep(ctx, m.timings.TypeSettle); err != nil {
		return "", err
	}

	typed, err := input.Text(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read composer input: %w", err)
	}
	if insertionComplete(typed, a.content) {
		return StateSubmitting, nil
	}

	m.logger.Warn().
		Int("typed", len(strings.TrimSpace(typed))).
		Int("expected", len(strings.TrimSpace(a.content))).
		Msg("Typed content incomplete, injecting paragraphs")

	if err := input.InjectParagraphs(ctx, a.content); err != nil {
		return "", fmt.Errorf("failed to inject content: %w", err)
	}

	injected, err := input.Text(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read composer input: %w", err)
	}
	if strings.TrimSpace(injected) == "" {
		return "", interfaces.ErrContentNotInserted
	}

	return StateSubmitting, nil
}

// submit presses the post control, preferring one already enabled
func (m *Machine) submit(ctx context.Context, a *attempt) (State, error) {
	button, found, err := a.page.Locate(ctx, m.selectors.SubmitEnabled, m.timings.SubmitTimeout)
	if err != nil {
		return "", err
	}

	if !found {
		button, found, err = a.page.Locate(ctx, m.selectors.SubmitAny, m.timings.SubmitFallbackTimeout)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("%w: submit control", interfaces.ErrSelectorNotFound)
		}

		disabled, err := isDisabled(ctx, button)
		if err != nil {
			return "", err
		}
		if disabled {
			if err := m.sleep(ctx, m.timings.SubmitGrace); err != nil {
				return "", err
			}
			if disabled, err = isDisabled(ctx, button); err != nil {
				return "", err
			}
			if disabled {
				return "", interfaces.ErrSubmitDisabled
			}
		}
	}

	if err := button.Click(ctx); err != nil {
		return "", fmt.Errorf("failed to click submit: %w", err)
	}
	if err := m.sleep(ctx, m.timings.PostSubmitDelay); err != nil {
		return "", err
	}

	return StateVerifying, nil
}

// verify waits a bounded time for a positive or negative signal.
// Without either, the submission is treated as successful.
func (m *Machine) verify(ctx context.Context, a *attempt) (State, error) {
	deadline := time.Now().Add(m.timings.VerifyTimeout)

	for {
		for _, probe := range m.selectors.FailureIndicators {
			if _, found, err := a.page.Locate(ctx, probe, 0); err != nil {
				return "", err
			} else if found {
				return "", fmt.Errorf("%w: %s", interfaces.ErrSubmitRejected, probe.Name)
			}
		}

		for _, probe := range m.selectors.SuccessIndicators {
			if _, found, err := a.page.Locate(ctx, probe, 0); err != nil {
				return "", err
			} else if found {
				a.verification = models.VerificationSuccessIndicator
				return StateDone, nil
			}
		}

		if _, open, err := a.page.Locate(ctx, m.selectors.ComposerOverlay, 0); err != nil {
			return "", err
		} else if !open {
			a.verification = models.VerificationComposerClosed
			return StateDone, nil
		}

		if !time.Now().Before(deadline) {
			break
		}
		if err := m.sleep(ctx, m.timings.PollInterval); err != nil {
			return "", err
		}
	}

	m.logger.Warn().
		Str("destination", a.destination).
		Msg("No explicit success signal after submit, recording optimistic success")
	a.verification = models.VerificationOptimistic
	return StateDone, nil
}

// crashed allows exactly one recovery per attempt
func (m *Machine) crashed(ctx context.Context, a *attempt) (State, error) {
	if a.recovered {
		return "", fmt.Errorf("%w again on recovery page: %v", interfaces.ErrCrashDetected, a.crashCause)
	}
	return StateRecovering, nil
}

// recover opens one fresh page in the same context and starts over
func (m *Machine) recover(ctx context.Context, a *attempt) (State, error) {
	if a.open == nil {
		return "", fmt.Errorf("%w: no page opener for recovery: %v", interfaces.ErrCrashDetected, a.crashCause)
	}

	fresh, err := a.open(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: recovery page could not be opened: %v", interfaces.ErrCrashDetected, err)
	}

	if a.page != nil {
		if err := a.page.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Closing crashed page failed")
		}
	}

	a.page = fresh
	a.input = nil
	a.recovered = true

	m.logger.Info().Str("destination", a.destination).Msg("Recovering on a fresh page")
	return StateNavigating, nil
}

// firstMatch tries probes in order; the first visible match wins.
// The first probe gets firstTimeout, the rest get restTimeout.
func (m *Machine) firstMatch(ctx context.Context, page interfaces.Page, probes []interfaces.Probe, firstTimeout, restTimeout time.Duration) (interfaces.Element, string, error) {
	for i, probe := range probes {
		timeout := restTimeout
		if i == 0 {
			timeout = firstTimeout
		}

		el, found, err := page.Locate(ctx, probe, timeout)
		if err != nil {
			return nil, "", err
		}
		if found {
			return el, probe.Name, nil
		}
	}
	return nil, "", nil
}

// restricted inspects the page body text for a posting restriction notice
func (m *Machine) restricted(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	text := normalizeText(doc.Find("body").Text())
	for _, phrase := range m.selectors.RestrictionPhrases {
		if strings.Contains(text, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func isDisabled(ctx context.Context, el interfaces.Element) (bool, error) {
	value, ok, err := el.Attribute(ctx, "aria-disabled")
	if err != nil {
		return false, fmt.Errorf("failed to read submit state: %w", err)
	}
	return ok && value == "true", nil
}

// insertionComplete treats typed text shorter than half the expected body as incomplete
func insertionComplete(typed, expected string) bool {
	got := len([]rune(strings.Join(strings.Fields(typed), "")))
	want := len([]rune(strings.Join(strings.Fields(expected), "")))
	if got == 0 {
		return false
	}
	return got*2 >= want
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
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
