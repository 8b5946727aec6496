package models

import "encoding/json"

// WebhookBody is the inbound messaging platform event envelope
type WebhookBody struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

type MessagingParty struct {
	ID string `json:"id"`
}

// Referral carries the ref parameter from an m.me?ref= link
type Referral struct {
	Ref    string `json:"ref"`
	Source string `json:"source,omitempty"`
	Type   string `json:"type,omitempty"`
}

type Postback struct {
	Title    string    `json:"title,omitempty"`
	Payload  string    `json:"payload,omitempty"`
	Referral *Referral `json:"referral,omitempty"`
}

type Message struct {
	MID         string            `json:"mid,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	Referral    *Referral         `json:"referral,omitempty"`
}

// MessagingEvent is one sender event inside an entry
type MessagingEvent struct {
	Sender    MessagingParty `json:"sender"`
	Recipient MessagingParty `json:"recipient"`
	Timestamp int64          `json:"timestamp"`
	Referral  *Referral      `json:"referral,omitempty"`
	Postback  *Postback      `json:"postback,omitempty"`
	Message   *Message       `json:"message,omitempty"`
}

// ReferralRef returns the ref of a referral event, top-level or inside a postback
func (e *MessagingEvent) ReferralRef() (string, bool) {
	if e.Referral != nil {
		return e.Referral.Ref, true
	}
	if e.Postback != nil && e.Postback.Referral != nil {
		return e.Postback.Referral.Ref, true
	}
	return "", false
}

// Relay payload types
const (
	RelayTypeContextTrigger = "messenger_context_trigger"
	RelayTypeReferral       = "messenger_referral"
	RelayTypeMessage        = "messenger_message"

	RelaySourceReferral = "facebook_messenger"
	RelaySourceMessage  = "facebook_messenger_message"

	// RelayErrorContextMissing marks a payload whose ref did not resolve to a live session
	RelayErrorContextMissing = "Context not found or expired"
)

// RelayMessage is the message body forwarded with a messenger_message payload
type RelayMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

// MessengerInfo tells the workflow engine where the visitor was sent
type MessengerInfo struct {
	PageID      string `json:"pageId,omitempty"`
	RedirectURL string `json:"redirectUrl"`
}

// RelayPayload is delivered to the external workflow engine
type RelayPayload struct {
	Type             string          `json:"type"`
	Timestamp        int64           `json:"timestamp"`
	SenderID         string          `json:"senderId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	ContextSessionID string          `json:"contextSessionId,omitempty"`
	JobContext       *ContextPayload `json:"jobContext"`
	JobTitle         string          `json:"jobTitle,omitempty"`
	Company          string          `json:"company,omitempty"`
	Message          *RelayMessage   `json:"message,omitempty"`
	MessengerInfo    *MessengerInfo  `json:"messengerInfo,omitempty"`
	Source           string          `json:"source,omitempty"`
	Error            string          `json:"error,omitempty"`
}
