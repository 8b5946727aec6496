package models

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func artifact(name, value string, expires int64) CredentialArtifact {
	return CredentialArtifact{Name: name, Value: value, Domain: ".facebook.com", Path: "/", Expires: expires}
}

func TestCredentialSet_IsValid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()

	tests := []struct {
		name      string
		artifacts []CredentialArtifact
		want      bool
	}{
		{"both present without expiry", []CredentialArtifact{artifact("c_user", "1", 0), artifact("xs", "abc", 0)}, true},
		{"both present with future expiry", []CredentialArtifact{artifact("c_user", "1", future), artifact("xs", "abc", future)}, true},
		{"identity missing", []CredentialArtifact{artifact("xs", "abc", future)}, false},
		{"session missing", []CredentialArtifact{artifact("c_user", "1", future)}, false},
		{"identity empty value", []CredentialArtifact{artifact("c_user", "", future), artifact("xs", "abc", future)}, false},
		{"session expired", []CredentialArtifact{artifact("c_user", "1", future), artifact("xs", "abc", past)}, false},
		{"expiry exactly now is expired", []CredentialArtifact{artifact("c_user", "1", now.Unix()), artifact("xs", "abc", future)}, false},
		{"expired duplicate ignored when a usable one exists", []CredentialArtifact{
			artifact("c_user", "1", past), artifact("c_user", "1", future), artifact("xs", "abc", 0),
		}, true},
		{"unrelated artifacts only", []CredentialArtifact{artifact("datr", "x", future)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := &CredentialSet{Artifacts: tt.artifacts}
			assert.Equal(t, tt.want, set.IsValid(now, "c_user", "xs"))
		})
	}
}

func TestCredentialSet_IsValidNil(t *testing.T) {
	var set *CredentialSet
	assert.False(t, set.IsValid(time.Now(), "c_user", "xs"))
}

func TestCredentialSet_UsableAndEarliestExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := &CredentialSet{Artifacts: []CredentialArtifact{
		artifact("a", "1", now.Add(-time.Minute).Unix()),
		artifact("b", "1", now.Add(2*time.Hour).Unix()),
		artifact("c", "1", now.Add(time.Hour).Unix()),
		artifact("d", "1", 0),
	}}

	usable := set.Usable(now)
	assert.Len(t, usable, 3)

	earliest, ok := set.EarliestExpiry()
	assert.True(t, ok)
	assert.Equal(t, now.Add(-time.Minute).Unix(), earliest.Unix())

	_, ok = (&CredentialSet{Artifacts: []CredentialArtifact{artifact("d", "1", 0)}}).EarliestExpiry()
	assert.False(t, ok)
}

func TestCredentialArtifact_ToHTTPCookie(t *testing.T) {
	a := CredentialArtifact{Name: "xs", Value: "v", Domain: ".facebook.com", Path: "/", Expires: 1_800_000_000, Secure: true, HTTPOnly: true, SameSite: "no_restriction"}
	c := a.ToHTTPCookie()

	assert.Equal(t, "xs", c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
	assert.Equal(t, int64(1_800_000_000), c.Expires.Unix())
	assert.Equal(t, "Lax", CredentialArtifact{SameSite: "lax"}.NormalizedSameSite())
}

func TestContextSession_Live(t *testing.T) {
	now := time.Now()
	s := &ContextSession{Active: true, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, s.Live(now))
	assert.False(t, s.Live(now.Add(time.Minute)), "expiry is exclusive")

	s.Active = false
	assert.False(t, s.Live(now))

	var missing *ContextSession
	assert.False(t, missing.Live(now))
}

func TestJob_Open(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Job{IsActive: true}).Open(now))
	assert.True(t, (&Job{IsActive: true, ExpiresAt: &future}).Open(now))
	assert.False(t, (&Job{IsActive: true, ExpiresAt: &past}).Open(now))
	assert.False(t, (&Job{IsActive: false}).Open(now))
}

func TestPublishReport_Add(t *testing.T) {
	r := &PublishReport{}
	r.Add(DestinationResult{Status: PublishStatusSuccess, RecoveredFromCrash: true})
	r.Add(DestinationResult{Status: PublishStatusFailed})
	r.Add(DestinationResult{Status: PublishStatusSuccess, Skipped: true})

	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Successful)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.RecoveredFromCrash)
}
