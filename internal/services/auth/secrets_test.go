package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/zalando/go-keyring"
)

func TestKeyringSecrets(t *testing.T) {
	keyring.MockInit()
	secrets := NewKeyringSecrets("jobrelay-test", arbor.NewLogger())

	_, _, err := secrets.Resolve("nobody@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNoSecret)

	require.NoError(t, secrets.Store("Recruiter@Example.com", "from-keyring"))
	identity, secret, err := secrets.Resolve("recruiter@example.com")
	require.NoError(t, err)
	assert.Equal(t, "recruiter@example.com", identity)
	assert.Equal(t, "from-keyring", secret)

	assert.Error(t, secrets.Store("recruiter@example.com", "  "))
}

func TestKeyringSecrets_EnvFallback(t *testing.T) {
	keyring.MockInit()
	secrets := NewKeyringSecrets("", arbor.NewLogger())

	t.Setenv("JOBRELAY_ACCOUNT_SECRET_OPS_EXAMPLE_COM", "from-env")
	_, secret, err := secrets.Resolve("ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "from-env", secret)
	assert.Equal(t, "JOBRELAY_ACCOUNT_SECRET_OPS_EXAMPLE_COM", SecretEnvName("ops@example.com"))
}
