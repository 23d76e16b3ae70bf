package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/keyproxy/internal/secrets"
)

// ApplySecrets overlays secret-manager values on the env settings. Map
// secrets are merged key by key; document secrets replace the env value.
func (c *Config) ApplySecrets(ctx context.Context, store secrets.SecretStore) error {
	maps := []struct {
		name   string
		target *map[string]string
	}{
		{c.SecretNames.ProductKeys, &c.ProductKeys},
		{c.SecretNames.JWTPublicKeys, &c.JWTPublicKeys},
		{c.SecretNames.ClientHMACSecrets, &c.ClientHMACSecrets},
	}
	for _, m := range maps {
		if m.name == "" {
			continue
		}
		values := map[string]string{}
		if err := store.GetSecretJSON(ctx, m.name, &values); err != nil {
			return fmt.Errorf("secret %s: %w", m.name, err)
		}
		if *m.target == nil {
			*m.target = make(map[string]string, len(values))
		}
		for k, v := range values {
			(*m.target)[k] = v
		}
		slog.Info("secret overlay applied", "secret", m.name, "entries", len(values))
	}

	docs := []struct {
		name   string
		target *string
	}{
		{c.SecretNames.ProductModels, &c.ProductModels},
		{c.SecretNames.ProductProviderKeys, &c.ProductProviderKeys},
	}
	for _, d := range docs {
		if d.name == "" {
			continue
		}
		value, err := store.GetSecret(ctx, d.name)
		if err != nil {
			return fmt.Errorf("secret %s: %w", d.name, err)
		}
		*d.target = value
		slog.Info("secret overlay applied", "secret", d.name)
	}
	return c.validateAudience()
}
