package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// certificateFields are tried in order when reading a certificate secret.
var certificateFields = []string{"certificate", "pem", "value"}

// Read reads a secret from the KV mount.
func (c *Client) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, NewVaultError("kv_read", "", ErrInvalidPath)
	}

	fullPath := fmt.Sprintf("%s/data/%s", c.mount, path)
	secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, NewVaultError("kv_read", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, NewVaultError("kv_read", fullPath, ErrSecretNotFound)
	}

	// KV v2 wraps data in a "data" key; deleted secrets have data: null.
	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return nil, NewVaultError("kv_read", fullPath, ErrSecretNotFound)
	}
	data, ok := dataValue.(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	c.logger.Debug("secret read", observability.String("path", fullPath))
	return data, nil
}

// Certificate reads a PEM encoded certificate or public key stored at path.
func (c *Client) Certificate(ctx context.Context, path string) ([]byte, error) {
	data, err := c.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, field := range certificateFields {
		if s, ok := data[field].(string); ok && strings.TrimSpace(s) != "" {
			return []byte(s), nil
		}
	}
	return nil, NewVaultError("certificate", path, ErrFieldMissing)
}
