package vault

import (
	"context"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/eugenenazirov/homepage-backend/internal/backoff"
)

// Options describes how to reach Vault and where the database secret lives.
type Options struct {
	Address      string
	RoleID       string
	SecretID     string
	AppRoleMount string
	KVMount      string

	DatabaseName     string
	AllowFallback    bool
	FallbackUser     string
	FallbackPassword string
}

// Client is a Vault client bound to a single address and KV v2 mount.
type Client struct {
	api     *vaultapi.Client
	kvMount string
	logger  *zap.Logger
}

// NewClient builds a Vault client. When both a role id and a secret id are
// configured it performs an AppRole login and keeps the returned token;
// otherwise it relies on a token supplied through VAULT_TOKEN.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger, policy backoff.Policy) (*Client, error) {
	cfg := vaultapi.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("build vault client settings: %w", cfg.Error)
	}
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	cfg.MaxRetries = 0

	apiClient, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	kvMount := strings.Trim(opts.KVMount, "/")
	if kvMount == "" {
		kvMount = "secret"
	}

	c := &Client{
		api:     apiClient,
		kvMount: kvMount,
		logger:  logger,
	}

	if opts.RoleID == "" || opts.SecretID == "" {
		logger.Info("using token from VAULT_TOKEN environment variable")
		return c, nil
	}

	logger.Info("authenticating to Vault using AppRole")
	if err := c.login(ctx, opts, policy); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}
	logger.Info("authenticated to Vault")

	return c, nil
}

func (c *Client) login(ctx context.Context, opts Options, policy backoff.Policy) error {
	mount := strings.Trim(opts.AppRoleMount, "/")
	if mount == "" {
		mount = "approle"
	}
	path := fmt.Sprintf("auth/%s/login", mount)
	payload := map[string]interface{}{
		"role_id":   opts.RoleID,
		"secret_id": opts.SecretID,
	}

	var token string
	err := policy.Do(ctx, c.logger, "vault approle login", func() error {
		secret, err := c.api.Logical().WriteWithContext(ctx, path, payload)
		if err != nil {
			return err
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return errMissingToken
		}
		token = secret.Auth.ClientToken
		return nil
	}, isPermanent)
	if err != nil {
		return err
	}

	c.api.SetToken(token)
	return nil
}

// Token returns the token currently attached to the client.
func (c *Client) Token() string {
	return c.api.Token()
}

// ReadSecret reads the latest version of a KV v2 secret below the client's mount.
func (c *Client) ReadSecret(ctx context.Context, path string) (map[string]any, error) {
	secret, err := c.api.KVv2(c.kvMount).Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s/%s", vaultapi.ErrSecretNotFound, c.kvMount, path)
	}
	return secret.Data, nil
}
