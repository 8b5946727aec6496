package common

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes for the entities this service mints
const (
	JobIDPrefix           = "job_"
	PublishRecordIDPrefix = "pub_"
	SessionTokenPrefix    = "ctx_"
)

// NewJobID generates a unique job ID. Format: job_<uuid>
func NewJobID() string {
	return JobIDPrefix + uuid.New().String()
}

// NewPublishRecordID generates a unique publish record ID. Format: pub_<uuid>
func NewPublishRecordID() string {
	return PublishRecordIDPrefix + uuid.New().String()
}

// NewSessionToken generates an opaque context session token. Format: ctx_<uuid>
func NewSessionToken() string {
	return SessionTokenPrefix + uuid.New().String()
}

// IsPublishRecordID reports whether id is a complete publish record ID.
// A truncated uuid suffix fails to parse, so a partially salvaged id is rejected.
func IsPublishRecordID(id string) bool {
	rest, ok := strings.CutPrefix(id, PublishRecordIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

// NormalizeAccount maps an account identity (usually an email) to a storage key.
// "Jane.Doe@Example.com" becomes "jane_doe_example_com".
func NormalizeAccount(account string) string {
	account = strings.ToLower(strings.TrimSpace(account))
	return strings.NewReplacer("@", "_", ".", "_").Replace(account)
}
