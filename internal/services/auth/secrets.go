package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/zalando/go-keyring"
)

// SecretEnvPrefix is followed by the upper-cased normalized account
const SecretEnvPrefix = "JOBRELAY_ACCOUNT_SECRET_"

// SecretResolver supplies login secrets for an account
type SecretResolver interface {
	Resolve(account string) (identity, secret string, err error)
}

// KeyringSecrets reads account secrets from the OS keyring, then the environment
type KeyringSecrets struct {
	service string
	logger  arbor.ILogger
}

func NewKeyringSecrets(service string, logger arbor.ILogger) *KeyringSecrets {
	if service == "" {
		service = "jobrelay"
	}
	return &KeyringSecrets{service: service, logger: logger}
}

// Resolve returns the login identity (the account as supplied) and its secret
func (k *KeyringSecrets) Resolve(account string) (string, string, error) {
	key := common.NormalizeAccount(account)

	secret, err := keyring.Get(k.service, key)
	if err == nil && secret != "" {
		return account, secret, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		k.logger.Debug().Err(err).Str("account", key).Msg("Keyring unavailable, trying environment")
	}

	if secret := os.Getenv(SecretEnvName(account)); secret != "" {
		return account, secret, nil
	}

	return "", "", fmt.Errorf("%w: %s", interfaces.ErrNoSecret, key)
}

// Store writes the account secret to the keyring
func (k *KeyringSecrets) Store(account, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("secret must not be empty")
	}
	if err := keyring.Set(k.service, common.NormalizeAccount(account), secret); err != nil {
		return fmt.Errorf("failed to store secret in keyring: %w", err)
	}
	return nil
}

// SecretEnvName is the environment variable consulted when the keyring has no entry
func SecretEnvName(account string) string {
	return SecretEnvPrefix + strings.ToUpper(common.NormalizeAccount(account))
}
