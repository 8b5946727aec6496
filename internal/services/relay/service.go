// Package relay turns deep-link visits into context sessions and routes inbound
// messaging events back to the job they came from.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/services/tokens"
)

// Deliverer forwards payloads to the workflow engine without blocking
type Deliverer interface {
	Deliver(payload *models.RelayPayload)
}

// Resolution is the outcome of a successful deep-link visit
type Resolution struct {
	Session     *models.ContextSession
	Phase       tokens.Phase
	RedirectURL string
}

// Service resolves deep links and inbound events
type Service struct {
	jobs      interfaces.JobStorage
	records   interfaces.PublishRecordStorage
	sessions  interfaces.ContextSessionStorage
	deliverer Deliverer
	config    common.RelayConfig
	ttl       time.Duration
	logger    arbor.ILogger
	now       func() time.Time
}

func NewService(
	jobs interfaces.JobStorage,
	records interfaces.PublishRecordStorage,
	sessions interfaces.ContextSessionStorage,
	deliverer Deliverer,
	config common.RelayConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:      jobs,
		records:   records,
		sessions:  sessions,
		deliverer: deliverer,
		config:    config,
		ttl:       common.ParseDuration(config.SessionTTL, 24*time.Hour),
		logger:    logger,
		now:       time.Now,
	}
}

// ResolveDeepLink decodes the token, re-reads the record and its job, and stores
// a fresh session holding the current job data. Errors wrap ErrMissingContext,
// ErrDecode, ErrNotFound or ErrContextClosed; no session is created for any of them.
func (s *Service) ResolveDeepLink(ctx context.Context, token string) (*Resolution, error) {
	if strings.TrimSpace(token) == "" {
		return nil, interfaces.ErrMissingContext
	}

	result, err := tokens.Decode(token)
	if err != nil {
		s.logger.Warn().Int("token_length", len(token)).Msg("Deep link token could not be decoded")
		return nil, err
	}
	recordID := result.Payload.PublishRecordID

	record, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("publish record %s: %w", recordID, err)
	}
	job, err := s.jobs.GetJob(ctx, record.JobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", record.JobID, err)
	}

	now := s.now()
	if !job.Open(now) {
		s.logger.Info().
			Str("record_id", record.ID).
			Str("job_id", job.ID).
			Bool("active", job.IsActive).
			Msg("Deep link visited for a closed job")
		return nil, fmt.Errorf("job %s: %w", job.ID, interfaces.ErrContextClosed)
	}

	session := &models.ContextSession{
		Token:           common.NewSessionToken(),
		PublishRecordID: record.ID,
		Payload:         models.NewContextPayload(job, record, now),
		Active:          true,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
		LastAccessedAt:  now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store context session: %w", err)
	}

	resolution := &Resolution{
		Session:     session,
		Phase:       result.Phase,
		RedirectURL: s.RedirectURL(session.Token),
	}

	s.logger.Info().
		Str("session_id", session.Token).
		Str("record_id", record.ID).
		Str("job_id", job.ID).
		Str("decode_phase", string(result.Phase)).
		Msg("Context session created")

	s.deliverer.Deliver(&models.RelayPayload{
		Type:             models.RelayTypeContextTrigger,
		Timestamp:        now.UnixMilli(),
		SessionID:        session.Token,
		ContextSessionID: session.ID,
		JobContext:       session.Payload,
		JobTitle:         job.Title,
		Company:          job.Company,
		MessengerInfo: &models.MessengerInfo{
			PageID:      s.pageID(),
			RedirectURL: resolution.RedirectURL,
		},
	})

	return resolution, nil
}

// RedirectURL builds the messaging deep link carrying the session token
func (s *Service) RedirectURL(sessionToken string) string {
	link := s.config.MessengerLink
	separator := "?"
	if strings.Contains(link, "?") {
		separator = "&"
	}
	return link + separator + "ref=" + url.QueryEscape(sessionToken)
}

func (s *Service) pageID() string {
	if s.config.MessengerPage != "" {
		return s.config.MessengerPage
	}
	link := strings.TrimRight(s.config.MessengerLink, "/")
	return link[strings.LastIndex(link, "/")+1:]
}

// ResolveInboundEvent finds the session for an inbound event. A session token
// wins over the external user; the first resolution by token links the user.
// It returns nil without error when nothing live matches.
func (s *Service) ResolveInboundEvent(ctx context.Context, sessionToken, externalUserID string) (*models.ContextSession, error) {
	now := s.now()

	if sessionToken != "" {
		session, err := s.sessions.GetLiveSession(ctx, sessionToken, now)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		linked, err := s.sessions.LinkExternalUser(ctx, sessionToken, externalUserID, now)
		if err != nil {
			return nil, err
		}
		if linked {
			session.ExternalUserID = externalUserID
			session.ConversationStarted = true
			s.logger.Debug().Str("session_id", sessionToken).Str("sender_id", externalUserID).Msg("External user linked to context session")
		}
		return session, nil
	}

	if externalUserID == "" {
		return nil, nil
	}
	session, err := s.sessions.GetLatestLiveSessionForUser(ctx, externalUserID, now)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ----- inbound events -----

// HandleEvent routes one messaging event to the workflow engine. Referrals
// (top-level or in a postback) come before messages; other events are ignored.
func (s *Service) HandleEvent(ctx context.Context, event *models.MessagingEvent) {
	senderID := event.Sender.ID

	if ref, ok := event.ReferralRef(); ok {
		s.handleReferral(ctx, ref, senderID)
		return
	}
	if event.Message != nil {
		s.handleMessage(ctx, event.Message, senderID)
		return
	}
	s.logger.Debug().Str("sender_id", senderID).Msg("Ignoring messaging event without referral or message")
}

func (s *Service) handleReferral(ctx context.Context, ref, senderID string) {
	if ref == "" {
		s.logger.Debug().Str("sender_id", senderID).Msg("Referral without ref parameter")
		return
	}

	payload := &models.RelayPayload{
		Type:      models.RelayTypeReferral,
		Timestamp: s.now().UnixMilli(),
		SenderID:  senderID,
		SessionID: ref,
		Source:    models.RelaySourceReferral,
	}

	session, err := s.ResolveInboundEvent(ctx, ref, senderID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", ref).Msg("Failed to resolve referral")
	}
	if session == nil {
		s.logger.Info().Str("session_id", ref).Str("sender_id", senderID).Msg("No live context session for referral")
		payload.Error = models.RelayErrorContextMissing
	} else {
		payload.JobContext = session.Payload
		payload.ContextSessionID = session.ID
	}

	s.deliverer.Deliver(payload)
}

func (s *Service) handleMessage(ctx context.Context, message *models.Message, senderID string) {
	ref := ""
	if message.Referral != nil {
		ref = message.Referral.Ref
	}

	payload := &models.RelayPayload{
		Type:      models.RelayTypeMessage,
		Timestamp: s.now().UnixMilli(),
		SenderID:  senderID,
		SessionID: ref,
		Message: &models.RelayMessage{
			Text:        message.Text,
			Attachments: message.Attachments,
		},
		Source: models.RelaySourceMessage,
	}

	session, err := s.ResolveInboundEvent(ctx, ref, senderID)
	if err != nil {
		s.logger.Error().Err(err).Str("sender_id", senderID).Msg("Failed to resolve message context")
	}
	switch {
	case session != nil:
		payload.SessionID = session.Token
		payload.JobContext = session.Payload
		payload.ContextSessionID = session.ID
	case ref != "":
		payload.Error = models.RelayErrorContextMissing
	}

	s.deliverer.Deliver(payload)
}

// HandleWebhook routes every messaging event of a page webhook body.
// It reports false when the body is not a page subscription event.
func (s *Service) HandleWebhook(ctx context.Context, body *models.WebhookBody) bool {
	if body == nil || body.Object != "page" {
		return false
	}

	events := 0
	for _, entry := range body.Entry {
		for i := range entry.Messaging {
			s.HandleEvent(ctx, &entry.Messaging[i])
			events++
		}
	}
	s.logger.Debug().Int("entries", len(body.Entry)).Int("events", events).Msg("Webhook events routed")
	return true
}

// SweepExpired deactivates sessions whose expiry has passed
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("deactivated", n).Msg("Expired context sessions swept")
	}
	return n, nil
}

// ActiveSessions lists up to limit live sessions, most recent first
func (s *Service) ActiveSessions(ctx context.Context, limit int) ([]*models.ContextSession, error) {
	return s.sessions.ListLiveSessions(ctx, s.now(), limit)
}

// Session returns a live session by token
func (s *Service) Session(ctx context.Context, token string) (*models.ContextSession, error) {
	return s.sessions.GetLiveSession(ctx, token, s.now())
}
