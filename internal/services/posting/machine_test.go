package posting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/testutil/fakebrowser"
)

const testGroup = "https://www.facebook.com/groups/golang-jobs"

func newTestMachine() *Machine {
	timings := DefaultTimings()
	timings.VerifyTimeout = 0
	m := NewMachine(timings, DefaultSelectors(), arbor.NewLogger())
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

func composerPage() (*fakebrowser.Page, *fakebrowser.Element, *fakebrowser.Element) {
	return fakebrowser.ComposerPage()
}

func noOpener(ctx context.Context) (interfaces.Page, error) {
	return nil, errors.New("unexpected page open")
}

func TestPublish_Success(t *testing.T) {
	m := newTestMachine()
	page, input, submit := composerPage()
	content := "Go Engineer\nAcme\nApply: https://relay.example.com/messenger-redirect?context=abc"

	outcome, used, err := m.Publish(context.Background(), page, testGroup, content, noOpener)
	require.NoError(t, err)

	assert.Same(t, page, used)
	assert.Equal(t, testGroup, outcome.Locator)
	assert.False(t, outcome.RecoveredFromCrash)
	assert.Equal(t, models.VerificationComposerClosed, outcome.Verification)

	typed, _ := input.Text(context.Background())
	assert.Equal(t, content, typed)
	assert.False(t, input.Injected)
	assert.Equal(t, 1, submit.Clicks)
	assert.Equal(t, []string{testGroup}, page.NavigateCalls)
}

func TestPublish_SuccessIndicatorWins(t *testing.T) {
	m := newTestMachine()
	page, _, submit := composerPage()
	submit.OnClick = func(p *fakebrowser.Page) { p.Add("published-text") }

	outcome, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccessIndicator, outcome.Verification)
}

func TestPublish_OptimisticWhenNoSignal(t *testing.T) {
	m := newTestMachine()
	page, _, submit := composerPage()
	submit.OnClick = nil

	outcome, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationOptimistic, outcome.Verification)
}

func TestPublish_FailureIndicatorRejects(t *testing.T) {
	m := newTestMachine()
	page, _, submit := composerPage()
	submit.OnClick = func(p *fakebrowser.Page) { p.Add("alert-went-wrong") }

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateVerifying, perr.State)
	assert.ErrorIs(t, err, interfaces.ErrSubmitRejected)
}

func TestPublish_CrashAtStableCheckRecovers(t *testing.T) {
	m := newTestMachine()

	crashed := fakebrowser.CrashedPage()

	fresh, _, _ := composerPage()
	opened := 0
	opener := func(ctx context.Context) (interfaces.Page, error) {
		opened++
		return fresh, nil
	}

	outcome, used, err := m.Publish(context.Background(), crashed, testGroup, "Hello group", opener)
	require.NoError(t, err)

	assert.Equal(t, 1, opened)
	assert.Same(t, fresh, used)
	assert.True(t, outcome.RecoveredFromCrash)
	assert.True(t, crashed.IsClosed())
	assert.Equal(t, []string{testGroup}, fresh.NavigateCalls)
}

func TestPublish_SecondCrashFails(t *testing.T) {
	m := newTestMachine()

	first := fakebrowser.CrashedPage()
	second := fakebrowser.NewPage()
	second.CrashOnNavigate = true

	opener := func(ctx context.Context) (interfaces.Page, error) { return second, nil }

	_, _, err := m.Publish(context.Background(), first, testGroup, "Hello group", opener)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Recovered)
	assert.Equal(t, StateCrashed, perr.State)
	assert.ErrorIs(t, err, interfaces.ErrCrashDetected)
}

func TestPublish_NavigationExhaustsRetries(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	timeout := errors.New("net::ERR_TIMED_OUT")
	page.NavigateErrs = []error{timeout, timeout, timeout}

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateNavigating, perr.State)
	assert.False(t, perr.Recovered)
	assert.ErrorIs(t, err, interfaces.ErrNavigation)
	assert.Len(t, page.NavigateCalls, 3)
}

func TestPublish_NavigationRecoversOnRetry(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	page.NavigateErrs = []error{errors.New("net::ERR_CONNECTION_RESET")}

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.NoError(t, err)
	assert.Len(t, page.NavigateCalls, 2)
}

func TestPublish_LoginRedirectIsAuthenticationError(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	page.OnNavigate = func(p *fakebrowser.Page, url string) {
		p.URLValue = "https://www.facebook.com/login/?next=groups"
	}

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestPublish_RestrictedGroup(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	page.HTMLValue = `<html><body><div>You can’t post in this group right now.</div></body></html>`

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateComposing, perr.State)
	assert.ErrorIs(t, err, interfaces.ErrPostingRestricted)
}

func TestPublish_ComposerTriggerMissing(t *testing.T) {
	m := newTestMachine()
	page := fakebrowser.NewPage()

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrSelectorNotFound)

	// every trigger strategy was tried in order
	var tried []string
	for _, name := range page.LocateCalls {
		if strings.HasPrefix(name, "write") || name == "mentions-input" {
			tried = append(tried, name)
		}
	}
	assert.Len(t, tried, len(DefaultSelectors().ComposerTriggers))
}

func TestPublish_InjectsWhenTypingIsDropped(t *testing.T) {
	m := newTestMachine()
	page, input, _ := composerPage()
	input.IgnoreTyping = true

	outcome, _, err := m.Publish(context.Background(), page, testGroup, "Line one\nLine two", noOpener)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.True(t, input.Injected)
	typed, _ := input.Text(context.Background())
	assert.Equal(t, "Line one Line two", typed)
}

func TestPublish_ContentNotInserted(t *testing.T) {
	m := newTestMachine()
	page, input, _ := composerPage()
	input.IgnoreTyping = true
	input.IgnoreInjection = true

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateTyping, perr.State)
	assert.ErrorIs(t, err, interfaces.ErrContentNotInserted)
}

func TestPublish_ClearsResidualDraft(t *testing.T) {
	m := newTestMachine()
	page, input, _ := composerPage()
	input.SetContent("stale draft from a previous run")

	_, _, err := m.Publish(context.Background(), page, testGroup, "Fresh body", noOpener)
	require.NoError(t, err)

	typed, _ := input.Text(context.Background())
	assert.Equal(t, "Fresh body", typed)
}

func TestPublish_DisabledSubmitEnablesAfterGrace(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	page.Remove("post-enabled")
	submit := page.Add("post-any")
	submit.Attrs["aria-disabled"] = []string{"true", "false"}
	submit.OnClick = func(p *fakebrowser.Page) { p.Remove("composer-dialog") }

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.NoError(t, err)
	assert.Equal(t, 1, submit.Clicks)
}

func TestPublish_SubmitStaysDisabled(t *testing.T) {
	m := newTestMachine()
	page, _, _ := composerPage()
	page.Remove("post-enabled")
	submit := page.Add("post-any")
	submit.Attrs["aria-disabled"] = []string{"true"}

	_, _, err := m.Publish(context.Background(), page, testGroup, "Hello group", noOpener)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrSubmitDisabled)
	assert.Zero(t, submit.Clicks)
}

func TestInsertionComplete(t *testing.T) {
	assert.True(t, insertionComplete("Hello world", "Hello world"))
	assert.True(t, insertionComplete("Hello w", "Hello world"))
	assert.False(t, insertionComplete("He", "Hello world"))
	assert.False(t, insertionComplete("   ", "Hello world"))
}

func TestTimingsFromConfigKeepsDefaultsForBlankValues(t *testing.T) {
	timings := TimingsFromConfig(&common.PostingConfig{NavigationRetries: 5, SubmitGrace: "1s"})
	assert.Equal(t, 5, timings.NavigationRetries)
	assert.Equal(t, time.Second, timings.SubmitGrace)
	assert.Equal(t, 30*time.Second, timings.NavigationTimeout)
}
