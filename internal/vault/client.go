package vault

import (
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Client reads secrets from a Vault KV mount using token authentication.
type Client struct {
	api    *vaultapi.Client
	mount  string
	logger observability.Logger
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a new Vault client.
func New(cfg config.VaultConfig, opts ...ClientOption) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrVaultDisabled
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, NewVaultError("init", "", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = config.DefaultVaultMount
	}

	c := &Client{
		api:    api,
		mount:  mount,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "vault"))

	return c, nil
}

// Mount returns the KV mount the client reads from.
func (c *Client) Mount() string {
	return c.mount
}
