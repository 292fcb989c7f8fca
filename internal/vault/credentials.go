package vault

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eugenenazirov/homepage-backend/internal/backoff"
)

const (
	defaultFallbackUser     = "postgres"
	defaultFallbackPassword = "postgres"
)

// Source identifies where database credentials came from.
type Source string

const (
	SourceVault    Source = "vault"
	SourceFallback Source = "fallback"
)

// SecretReader reads key/value secrets. *Client satisfies it.
type SecretReader interface {
	ReadSecret(ctx context.Context, path string) (map[string]any, error)
}

// Credentials is a database username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Source   Source `json:"-"`
}

// String keeps passwords out of logs.
func (c Credentials) String() string {
	return fmt.Sprintf("{username:%s password:<redacted> source:%s}", c.Username, c.Source)
}

// SecretPath returns the KV path holding credentials for databaseName.
func SecretPath(databaseName string) string {
	return "database/" + databaseName
}

// FetchDBCredentials reads database credentials from the secret store.
//
// A failed read degrades to the fallback credentials from opts, unless
// opts.AllowFallback is false. A successful read whose payload lacks string
// username and password fields is an ErrInvalidSecret error.
func FetchDBCredentials(ctx context.Context, reader SecretReader, opts Options, logger *zap.Logger, policy backoff.Policy) (Credentials, error) {
	path := SecretPath(opts.DatabaseName)
	logger.Info("fetching database credentials from Vault", zap.String("path", path))

	var data map[string]any
	err := policy.Do(ctx, logger, "vault secret read", func() error {
		secret, err := reader.ReadSecret(ctx, path)
		if err != nil {
			return err
		}
		data = secret
		return nil
	}, isPermanent)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credentials{}, ctxErr
		}
		if !opts.AllowFallback {
			return Credentials{}, fmt.Errorf("%w: %w", ErrFallbackDisabled, err)
		}
		logger.Warn("failed to fetch credentials from Vault, using fallback", zap.Error(err))
		return fallbackCredentials(opts), nil
	}

	creds, err := decodeCredentials(data)
	if err != nil {
		return Credentials{}, fmt.Errorf("secret %s: %w", path, err)
	}
	return creds, nil
}

func decodeCredentials(data map[string]any) (Credentials, error) {
	username, ok := data["username"].(string)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: missing username", ErrInvalidSecret)
	}
	password, ok := data["password"].(string)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: missing password", ErrInvalidSecret)
	}
	return Credentials{Username: username, Password: password, Source: SourceVault}, nil
}

func fallbackCredentials(opts Options) Credentials {
	creds := Credentials{
		Username: opts.FallbackUser,
		Password: opts.FallbackPassword,
		Source:   SourceFallback,
	}
	if creds.Username == "" {
		creds.Username = defaultFallbackUser
	}
	if creds.Password == "" {
		creds.Password = defaultFallbackPassword
	}
	return creds
}
