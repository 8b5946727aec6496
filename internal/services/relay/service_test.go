package relay

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/services/tokens"
	"github.com/ternarybob/jobrelay/internal/storage/badger"
	"github.com/ternarybob/jobrelay/internal/storage/sqlite"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	payloads []*models.RelayPayload
}

func (d *recordingDeliverer) Deliver(payload *models.RelayPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
}

func (d *recordingDeliverer) last(t *testing.T) *models.RelayPayload {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.payloads)
	return d.payloads[len(d.payloads)-1]
}

type fixture struct {
	service   *Service
	store     *badger.Manager
	sessions  interfaces.ContextSessionStorage
	deliverer *recordingDeliverer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := badger.NewManager(logger, &common.BadgerConfig{InMemory: true}, &common.SiteConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := sqlite.OpenSessionDB(logger, &common.SQLiteConfig{Path: t.TempDir() + "/sessions.db", BusyTimeoutMS: 5000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sessions := sqlite.NewContextSessionStorage(db, logger)

	deliverer := &recordingDeliverer{}
	config := common.RelayConfig{
		MessengerLink: "https://m.me/61579236676817",
		SessionTTL:    "24h",
	}
	svc := NewService(store.JobStorage(), store.PublishRecordStorage(), sessions, deliverer, config, logger)

	f := &fixture{service: svc, store: store, sessions: sessions, deliverer: deliverer, now: time.Now()}
	svc.now = func() time.Time { return f.now }
	return f
}

// published stores a job with one SUCCESS record and returns the deep-link token for it
func (f *fixture) published(t *testing.T, active bool) (*models.Job, *models.PublishRecord, string) {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		Account:      "recruiter@example.com",
		Title:        "Go Engineer",
		Company:      "Acme",
		Destinations: []string{"https://www.facebook.com/groups/golang-jobs"},
		IsActive:     active,
	}
	require.NoError(t, f.store.JobStorage().SaveJob(ctx, job))

	record := &models.PublishRecord{
		ID:          common.NewPublishRecordID(),
		JobID:       job.ID,
		Destination: job.Destinations[0],
		Status:      models.PublishStatusSuccess,
		Attempts:    1,
	}
	require.NoError(t, f.store.PublishRecordStorage().SaveRecord(ctx, record))

	token, err := tokens.Encode(models.NewContextPayload(job, record, f.now))
	require.NoError(t, err)
	return job, record, token
}

func TestResolveDeepLink_CreatesSessionFromCurrentJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, record, token := f.published(t, true)

	// the job changed after the link was minted
	job.Title = "Senior Go Engineer"
	require.NoError(t, f.store.JobStorage().SaveJob(ctx, job))

	resolution, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)

	session := resolution.Session
	assert.Equal(t, tokens.PhaseFull, resolution.Phase)
	assert.Equal(t, record.ID, session.PublishRecordID)
	assert.Equal(t, "Senior Go Engineer", session.Payload.JobTitle)
	assert.Equal(t, f.now.Add(24*time.Hour).UnixMilli(), session.ExpiresAt.UnixMilli())
	assert.Equal(t, "https://m.me/61579236676817?ref="+url.QueryEscape(session.Token), resolution.RedirectURL)

	stored, err := f.sessions.GetLiveSession(ctx, session.Token, f.now)
	require.NoError(t, err)
	assert.Equal(t, "Senior Go Engineer", stored.Payload.JobTitle)

	trigger := f.deliverer.last(t)
	assert.Equal(t, models.RelayTypeContextTrigger, trigger.Type)
	assert.Equal(t, session.Token, trigger.SessionID)
	assert.Equal(t, "61579236676817", trigger.MessengerInfo.PageID)
	assert.Equal(t, resolution.RedirectURL, trigger.MessengerInfo.RedirectURL)
}

func TestResolveDeepLink_InactiveJobIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, false)

	_, err := f.service.ResolveDeepLink(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrContextClosed)

	live, err := f.sessions.ListLiveSessions(ctx, f.now, 10)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, f.deliverer.payloads)
}

func TestResolveDeepLink_ExpiredJobIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, _, token := f.published(t, true)

	expired := f.now.Add(-time.Minute)
	job.ExpiresAt = &expired
	require.NoError(t, f.store.JobStorage().SaveJob(ctx, job))

	_, err := f.service.ResolveDeepLink(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrContextClosed)
}

func TestResolveDeepLink_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.ResolveDeepLink(ctx, "  ")
	assert.ErrorIs(t, err, interfaces.ErrMissingContext)

	_, err = f.service.ResolveDeepLink(ctx, "!!!not-a-token")
	assert.ErrorIs(t, err, interfaces.ErrDecode)

	unknown := &models.PublishRecord{ID: common.NewPublishRecordID()}
	token, err := tokens.Encode(models.NewContextPayload(&models.Job{ID: "job_gone"}, unknown, f.now))
	require.NoError(t, err)
	_, err = f.service.ResolveDeepLink(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestResolveDeepLink_TruncatedTokenIsSalvaged(t *testing.T) {
	f := newFixture(t)
	_, record, token := f.published(t, true)

	resolution, err := f.service.ResolveDeepLink(context.Background(), token[:len(token)/2]+"&fbclid=IwAR0abc")
	require.NoError(t, err)
	assert.Equal(t, tokens.PhasePartial, resolution.Phase)
	assert.Equal(t, record.ID, resolution.Session.PublishRecordID)
	assert.Equal(t, "Go Engineer", resolution.Session.Payload.JobTitle)
}

func TestResolveDeepLink_EachVisitMintsASession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, true)

	first, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)
	second, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)

	assert.NotEqual(t, first.Session.Token, second.Session.Token)
	for _, r := range []*Resolution{first, second} {
		session, err := f.service.ResolveInboundEvent(ctx, r.Session.Token, "")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, r.Session.Token, session.Token)
	}
}

func TestResolveInboundEvent_LinksFirstUserOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, true)

	resolution, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)
	sessionToken := resolution.Session.Token

	session, err := f.service.ResolveInboundEvent(ctx, sessionToken, "psid-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "psid-1", session.ExternalUserID)

	session, err = f.service.ResolveInboundEvent(ctx, sessionToken, "psid-2")
	require.NoError(t, err)
	assert.Equal(t, "psid-1", session.ExternalUserID)

	// a later event without a ref falls back to the user's latest session
	session, err = f.service.ResolveInboundEvent(ctx, "", "psid-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, sessionToken, session.Token)

	session, err = f.service.ResolveInboundEvent(ctx, "", "psid-2")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestHandleWebhook_ExpiredReferralCarriesMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, true)

	resolution, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)

	ok := f.service.HandleWebhook(ctx, &models.WebhookBody{
		Object: "page",
		Entry: []models.WebhookEntry{{
			Messaging: []models.MessagingEvent{{
				Sender:   models.MessagingParty{ID: "psid-1"},
				Referral: &models.Referral{Ref: resolution.Session.Token, Source: "SHORTLINK"},
			}},
		}},
	})
	require.True(t, ok)

	payload := f.deliverer.last(t)
	assert.Equal(t, models.RelayTypeReferral, payload.Type)
	assert.Equal(t, models.RelayErrorContextMissing, payload.Error)
	assert.Equal(t, resolution.Session.Token, payload.SessionID)
	assert.Equal(t, "psid-1", payload.SenderID)
	assert.Nil(t, payload.JobContext)
}

func TestHandleWebhook_RoutesReferralThenMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, true)

	resolution, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)
	sessionToken := resolution.Session.Token

	ok := f.service.HandleWebhook(ctx, &models.WebhookBody{
		Object: "page",
		Entry: []models.WebhookEntry{{
			Messaging: []models.MessagingEvent{
				{
					Sender:   models.MessagingParty{ID: "psid-9"},
					Postback: &models.Postback{Title: "Get Started", Referral: &models.Referral{Ref: sessionToken}},
				},
				{
					Sender:  models.MessagingParty{ID: "psid-9"},
					Message: &models.Message{Text: "Is this still open?"},
				},
				{
					Sender: models.MessagingParty{ID: "psid-9"},
				},
			},
		}},
	})
	require.True(t, ok)

	// trigger, referral, message; the bare event is ignored
	require.Len(t, f.deliverer.payloads, 3)

	referral := f.deliverer.payloads[1]
	assert.Equal(t, models.RelayTypeReferral, referral.Type)
	assert.Equal(t, models.RelaySourceReferral, referral.Source)
	assert.Equal(t, "Go Engineer", referral.JobContext.JobTitle)
	assert.Equal(t, resolution.Session.ID, referral.ContextSessionID)
	assert.Empty(t, referral.Error)

	message := f.deliverer.payloads[2]
	assert.Equal(t, models.RelayTypeMessage, message.Type)
	assert.Equal(t, models.RelaySourceMessage, message.Source)
	assert.Equal(t, sessionToken, message.SessionID)
	assert.Equal(t, "Is this still open?", message.Message.Text)
	require.NotNil(t, message.JobContext)
	assert.Equal(t, "Acme", message.JobContext.Company)
}

func TestHandleWebhook_MessageWithoutContext(t *testing.T) {
	f := newFixture(t)

	ok := f.service.HandleWebhook(context.Background(), &models.WebhookBody{
		Object: "page",
		Entry: []models.WebhookEntry{{
			Messaging: []models.MessagingEvent{{
				Sender:  models.MessagingParty{ID: "stranger"},
				Message: &models.Message{Text: "hello"},
			}},
		}},
	})
	require.True(t, ok)

	payload := f.deliverer.last(t)
	assert.Nil(t, payload.JobContext)
	assert.Empty(t, payload.SessionID)
	assert.Empty(t, payload.Error)
}

func TestHandleWebhook_RejectsNonPageObjects(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.service.HandleWebhook(context.Background(), &models.WebhookBody{Object: "instagram"}))
	assert.False(t, f.service.HandleWebhook(context.Background(), nil))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, token := f.published(t, true)

	_, err := f.service.ResolveDeepLink(ctx, token)
	require.NoError(t, err)

	n, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(48 * time.Hour)
	n, err = f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
