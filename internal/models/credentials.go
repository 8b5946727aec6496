package models

import (
	"net/http"
	"strings"
	"time"
)

// CredentialArtifact is one browser cookie belonging to an authenticated session.
// Expires is unix seconds; zero or negative marks a session cookie with no expiry.
type CredentialArtifact struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
	SameSite string `json:"sameSite"`
}

// ExpiresAt returns the artifact expiry and whether it has one
func (a CredentialArtifact) ExpiresAt() (time.Time, bool) {
	if a.Expires <= 0 {
		return time.Time{}, false
	}
	return time.Unix(a.Expires, 0), true
}

// Expired reports whether the artifact's expiry is at or before now
func (a CredentialArtifact) Expired(now time.Time) bool {
	exp, ok := a.ExpiresAt()
	return ok && !exp.After(now)
}

// NormalizedSameSite maps the browser's same-site value to Strict, Lax or None
func (a CredentialArtifact) NormalizedSameSite() string {
	switch strings.ToLower(a.SameSite) {
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	default:
		return "None"
	}
}

// ToHTTPCookie converts the artifact to a net/http cookie
func (a CredentialArtifact) ToHTTPCookie() *http.Cookie {
	c := &http.Cookie{
		Name:     a.Name,
		Value:    a.Value,
		Domain:   a.Domain,
		Path:     a.Path,
		Secure:   a.Secure,
		HttpOnly: a.HTTPOnly,
	}
	if exp, ok := a.ExpiresAt(); ok {
		c.Expires = exp
	}
	switch a.NormalizedSameSite() {
	case "Strict":
		c.SameSite = http.SameSiteStrictMode
	case "Lax":
		c.SameSite = http.SameSiteLaxMode
	default:
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

// CredentialSet is the persisted artifact set for one account.
// Account is the normalized key; Identity keeps the login identity as supplied.
type CredentialSet struct {
	Account    string               `json:"account"`
	Identity   string               `json:"identity"`
	Artifacts  []CredentialArtifact `json:"artifacts"`
	ExpiresAt  time.Time            `json:"expires_at"`
	LastUsedAt time.Time            `json:"last_used_at"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// IsValid reports whether the set holds a usable identity artifact and a usable
// session artifact. Usable means non-empty value and, when the artifact carries an
// expiry, an expiry strictly after now.
func (s *CredentialSet) IsValid(now time.Time, identityName, sessionName string) bool {
	if s == nil {
		return false
	}
	return hasUsable(s.Artifacts, identityName, now) && hasUsable(s.Artifacts, sessionName, now)
}

// Usable returns the artifacts that have not expired at now
func (s *CredentialSet) Usable(now time.Time) []CredentialArtifact {
	if s == nil {
		return nil
	}
	usable := make([]CredentialArtifact, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		if !a.Expired(now) {
			usable = append(usable, a)
		}
	}
	return usable
}

// EarliestExpiry returns the soonest artifact expiry, if any artifact has one
func (s *CredentialSet) EarliestExpiry() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, a := range s.Artifacts {
		if exp, ok := a.ExpiresAt(); ok && (!found || exp.Before(earliest)) {
			earliest = exp
			found = true
		}
	}
	return earliest, found
}

func hasUsable(artifacts []CredentialArtifact, name string, now time.Time) bool {
	for _, a := range artifacts {
		if a.Name == name && a.Value != "" && !a.Expired(now) {
			return true
		}
	}
	return false
}

// CredentialStatus is the externally visible state of an account session
type CredentialStatus struct {
	Account    string    `json:"account"`
	Valid      bool      `json:"valid"`
	Reason     string    `json:"reason,omitempty"`
	Artifacts  int       `json:"artifacts"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}
