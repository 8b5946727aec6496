// Package tokens encodes job context into the opaque token carried by deep links.
package tokens

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// Phase names which decoding phase produced a result
type Phase string

const (
	PhaseFull    Phase = "full"    // strict decode of the whole payload
	PhasePartial Phase = "partial" // only the publish record id was salvaged
	PhaseFailed  Phase = "failed"
)

// Result is a tagged decode result
type Result struct {
	Phase   Phase
	Payload *models.ContextPayload
}

// salvagePatterns pull a publish record id out of truncated JSON.
// Ids must be complete, so a cut-off id never matches.
var salvagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`"publishRecordId"\s*:\s*"(pub_[0-9a-fA-F-]{36})"`),
	regexp.MustCompile(`publishRecordId[":\s]+(pub_[0-9a-fA-F-]{36})`),
}

// Encode serializes the payload as unpadded base64url JSON
func Encode(payload *models.ContextPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("context payload is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal context payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode tries a strict decode first, then salvages the publish record id.
// A Failed result is returned together with an error wrapping interfaces.ErrDecode.
func Decode(token string) (Result, error) {
	cleaned := Clean(token)
	if cleaned == "" {
		return Result{Phase: PhaseFailed}, fmt.Errorf("empty token: %w", interfaces.ErrDecode)
	}

	if payload, ok := decodeStrict(cleaned); ok {
		return Result{Phase: PhaseFull, Payload: payload}, nil
	}

	if id, ok := salvage(cleaned); ok {
		return Result{Phase: PhasePartial, Payload: &models.ContextPayload{PublishRecordID: id}}, nil
	}

	return Result{Phase: PhaseFailed}, fmt.Errorf("no publish record id recoverable: %w", interfaces.ErrDecode)
}

// Clean strips what link wrappers append to the token: tracking parameters,
// fragments, whitespace, percent-encoding, padding and the standard base64 alphabet.
func Clean(token string) string {
	token = strings.TrimSpace(token)
	if strings.Contains(token, "%") {
		if unescaped, err := url.PathUnescape(token); err == nil {
			token = unescaped
		}
	}
	if i := strings.IndexAny(token, "&?# \t\r\n"); i >= 0 {
		token = token[:i]
	}
	token = strings.TrimRight(token, "=")
	return strings.NewReplacer("+", "-", "/", "_").Replace(token)
}

func decodeStrict(token string) (*models.ContextPayload, bool) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, false
	}

	var payload models.ContextPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	if !common.IsPublishRecordID(payload.PublishRecordID) {
		return nil, false
	}
	return &payload, true
}

func salvage(token string) (string, bool) {
	decoded := decodePrefix(token)
	if decoded == "" {
		return "", false
	}

	for _, pattern := range salvagePatterns {
		if m := pattern.FindStringSubmatch(decoded); m != nil && common.IsPublishRecordID(m[1]) {
			return m[1], true
		}
	}
	return "", false
}

// decodePrefix decodes the longest valid base64url prefix of token
func decodePrefix(token string) string {
	end := 0
	for end < len(token) && isBase64URL(token[end]) {
		end++
	}
	token = token[:end]

	// A trailing group of one character carries no complete byte
	if len(token)%4 == 1 {
		token = token[:len(token)-1]
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ""
	}
	return string(data)
}

func isBase64URL(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}
