package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/testutil/fakebrowser"
)

const testAccount = "recruiter@example.com"

type mockCredentialStorage struct {
	mock.Mock
}

func (m *mockCredentialStorage) SaveCredentials(ctx context.Context, set *models.CredentialSet) error {
	return m.Called(ctx, set).Error(0)
}

func (m *mockCredentialStorage) GetCredentials(ctx context.Context, account string) (*models.CredentialSet, error) {
	args := m.Called(ctx, account)
	set, _ := args.Get(0).(*models.CredentialSet)
	return set, args.Error(1)
}

func (m *mockCredentialStorage) InvalidateCredentials(ctx context.Context, account string) error {
	return m.Called(ctx, account).Error(0)
}

func (m *mockCredentialStorage) TouchCredentials(ctx context.Context, account string, at time.Time) error {
	return m.Called(ctx, account, at).Error(0)
}

func (m *mockCredentialStorage) ListCredentials(ctx context.Context) ([]*models.CredentialSet, error) {
	args := m.Called(ctx)
	sets, _ := args.Get(0).([]*models.CredentialSet)
	return sets, args.Error(1)
}

type staticSecrets struct {
	secret string
}

func (s staticSecrets) Resolve(account string) (string, string, error) {
	if s.secret == "" {
		return "", "", interfaces.ErrNoSecret
	}
	return account, s.secret, nil
}

var testSite = common.SiteConfig{
	BaseURL:          "https://www.facebook.com",
	CookieDomain:     "facebook.com",
	IdentityArtifact: "c_user",
	SessionArtifact:  "xs",
}

func sessionCookies() []models.CredentialArtifact {
	exp := time.Now().Add(48 * time.Hour).Unix()
	return []models.CredentialArtifact{
		{Name: "c_user", Value: "100001", Domain: ".facebook.com", Path: "/", Expires: exp},
		{Name: "xs", Value: "secret-session", Domain: ".facebook.com", Path: "/", Expires: exp},
		{Name: "datr", Value: "browser-id", Domain: ".facebook.com", Path: "/"},
	}
}

func newTestService(store interfaces.CredentialStorage, secrets SecretResolver) (*Service, *[]time.Duration) {
	timings := DefaultTimings()
	timings.ChallengeMaxPolls = 3
	svc := NewService(store, secrets, testSite, timings, arbor.NewLogger())

	var slept []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return svc, &slept
}

// loginPage renders a login form whose submit button grants cookies
func loginPage(onSubmit func(p *fakebrowser.Page)) (*fakebrowser.Page, *fakebrowser.Element, *fakebrowser.Element) {
	page := fakebrowser.NewPage()
	email := page.Add("login-email")
	secret := page.Add("login-secret")
	button := page.Add("login-submit")
	button.OnClick = onSubmit
	return page, email, secret
}

func TestEnsureAuthenticated_RestoresStoredSession(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).
		Return(&models.CredentialSet{Account: "recruiter_example_com", Artifacts: sessionCookies()}, nil)
	store.On("SaveCredentials", mock.Anything, mock.AnythingOfType("*models.CredentialSet")).Return(nil)

	svc, _ := newTestService(store, staticSecrets{})
	page, email, _ := loginPage(nil)

	require.NoError(t, svc.EnsureAuthenticated(context.Background(), page, testAccount))

	assert.Empty(t, email.Filled)
	assert.Equal(t, []string{testSite.BaseURL}, page.NavigateCalls)
	store.AssertNotCalled(t, "InvalidateCredentials", mock.Anything, mock.Anything)

	saved := store.Calls[len(store.Calls)-1].Arguments.Get(1).(*models.CredentialSet)
	assert.Equal(t, testAccount, saved.Account)
	assert.Len(t, saved.Artifacts, 3)
}

func TestEnsureAuthenticated_RejectedCookiesFallBackToLogin(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).
		Return(&models.CredentialSet{Artifacts: sessionCookies()}, nil)
	store.On("InvalidateCredentials", mock.Anything, testAccount).Return(nil)
	store.On("SaveCredentials", mock.Anything, mock.Anything).Return(nil)

	svc, _ := newTestService(store, staticSecrets{secret: "hunter2"})
	page, email, secret := loginPage(func(p *fakebrowser.Page) { p.SetCookieJar(sessionCookies()) })

	// the site revokes the restored session on first load
	revoked := false
	page.OnNavigate = func(p *fakebrowser.Page, url string) {
		if !revoked {
			revoked = true
			p.SetCookieJar([]models.CredentialArtifact{{Name: "datr", Value: "x", Domain: ".facebook.com"}})
		}
	}

	require.NoError(t, svc.EnsureAuthenticated(context.Background(), page, testAccount))

	assert.Equal(t, 1, page.ClearCalls)
	assert.Equal(t, testAccount, email.Filled)
	assert.Equal(t, "hunter2", secret.Filled)
	store.AssertCalled(t, "InvalidateCredentials", mock.Anything, testAccount)
	store.AssertCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
}

func TestEnsureAuthenticated_WaitsForChallenge(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).Return(nil, interfaces.ErrNotFound)
	store.On("SaveCredentials", mock.Anything, mock.Anything).Return(nil)

	svc, _ := newTestService(store, staticSecrets{secret: "hunter2"})
	page, _, _ := loginPage(func(p *fakebrowser.Page) {
		p.URLValue = "https://www.facebook.com/checkpoint/?next"
		p.HTMLValue = `<html><body><form><input name="approvals_code"></form></body></html>`
	})

	polls := 0
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		if d == svc.timings.ChallengePollInterval {
			polls++
			if polls == 2 {
				page.SetCookieJar(sessionCookies())
			}
		}
		return nil
	}

	require.NoError(t, svc.EnsureAuthenticated(context.Background(), page, testAccount))
	assert.Equal(t, 2, polls)
	store.AssertNumberOfCalls(t, "SaveCredentials", 1)
}

func TestEnsureAuthenticated_ChallengeTimeout(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).Return(nil, interfaces.ErrNotFound)

	svc, slept := newTestService(store, staticSecrets{secret: "hunter2"})
	page, _, _ := loginPage(func(p *fakebrowser.Page) {
		p.HTMLValue = `<html><body>Enter the code from your two_factor app</body></html>`
	})

	err := svc.EnsureAuthenticated(context.Background(), page, testAccount)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrChallengeTimeout)

	polls := 0
	for _, d := range *slept {
		if d == svc.timings.ChallengePollInterval {
			polls++
		}
	}
	assert.Equal(t, 3, polls)
	store.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
}

func TestEnsureAuthenticated_LoginWithoutSessionFails(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).Return(nil, interfaces.ErrNotFound)

	svc, _ := newTestService(store, staticSecrets{secret: "wrong"})
	page, _, _ := loginPage(nil)

	err := svc.EnsureAuthenticated(context.Background(), page, testAccount)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestEnsureAuthenticated_NoSecret(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).Return(nil, interfaces.ErrNotFound)

	svc, _ := newTestService(store, staticSecrets{})
	page, _, _ := loginPage(nil)

	err := svc.EnsureAuthenticated(context.Background(), page, testAccount)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
	assert.ErrorIs(t, err, interfaces.ErrNoSecret)
}

func TestEnsureAuthenticated_NavigationFailure(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, testAccount).Return(nil, interfaces.ErrNotFound)

	svc, _ := newTestService(store, staticSecrets{secret: "hunter2"})
	page := fakebrowser.NewPage()
	page.NavigateErrs = []error{errors.New("net::ERR_NAME_NOT_RESOLVED")}

	err := svc.EnsureAuthenticated(context.Background(), page, testAccount)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestStatus(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("GetCredentials", mock.Anything, "missing@example.com").Return(nil, interfaces.ErrNotFound)
	store.On("GetCredentials", mock.Anything, testAccount).
		Return(&models.CredentialSet{Artifacts: sessionCookies()[:1]}, nil)

	svc, _ := newTestService(store, staticSecrets{})

	status, err := svc.Status(context.Background(), "missing@example.com")
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, "missing_example_com", status.Account)
	assert.Equal(t, "no stored session", status.Reason)

	status, err = svc.Status(context.Background(), testAccount)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, 1, status.Artifacts)
}

func TestImportCookies(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("SaveCredentials", mock.Anything, mock.Anything).Return(nil)
	store.On("GetCredentials", mock.Anything, testAccount).
		Return(&models.CredentialSet{Artifacts: sessionCookies()}, nil)

	svc, _ := newTestService(store, staticSecrets{})

	_, err := svc.ImportCookies(context.Background(), testAccount, sessionCookies()[:1])
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
	store.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)

	foreign := append(sessionCookies(), models.CredentialArtifact{Name: "sid", Value: "1", Domain: ".example.org"})
	status, err := svc.ImportCookies(context.Background(), testAccount, foreign)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	saved := store.Calls[0].Arguments.Get(1).(*models.CredentialSet)
	assert.Len(t, saved.Artifacts, 3)
}

func TestListStatuses(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("ListCredentials", mock.Anything).Return([]*models.CredentialSet{
		{Account: "jane_example_com", Artifacts: sessionCookies()},
		{Account: "bob_example_com", Artifacts: sessionCookies()[2:]},
	}, nil)

	svc, _ := newTestService(store, staticSecrets{})

	statuses, err := svc.ListStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Valid)
	assert.Equal(t, "jane_example_com", statuses[0].Account)
	assert.False(t, statuses[1].Valid)
	assert.Contains(t, statuses[1].Reason, "c_user")
}

func TestPersistTouchesWhenCookiesUnreadable(t *testing.T) {
	store := new(mockCredentialStorage)
	store.On("TouchCredentials", mock.Anything, testAccount, mock.Anything).Return(nil)

	svc, _ := newTestService(store, staticSecrets{})
	page := fakebrowser.NewPage()
	page.CookiesErr = errors.New("target closed")

	svc.persist(context.Background(), page, testAccount)

	store.AssertCalled(t, "TouchCredentials", mock.Anything, testAccount, mock.Anything)
	store.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
}
