package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/felipepmaragno/keyproxy/internal/crypto"
	"github.com/felipepmaragno/keyproxy/internal/domain"
)

const Schema = `
CREATE TABLE IF NOT EXISTS product_providers (
	product_id        TEXT        NOT NULL,
	provider          TEXT        NOT NULL,
	position          INTEGER     NOT NULL DEFAULT 0,
	api_key_encrypted TEXT        NOT NULL,
	base_url          TEXT,
	models            TEXT[]      NOT NULL DEFAULT '{}',
	enabled           BOOLEAN     NOT NULL DEFAULT TRUE,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (product_id, provider)
)`

// PostgresProductSource reads multi-provider product definitions with
// provider keys sealed at rest.
type PostgresProductSource struct {
	db     *sql.DB
	cipher *crypto.KeyCipher
}

func NewPostgresProductSource(db *sql.DB, cipher *crypto.KeyCipher) *PostgresProductSource {
	return &PostgresProductSource{db: db, cipher: cipher}
}

func (s *PostgresProductSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create product_providers: %w", err)
	}
	return nil
}

func (s *PostgresProductSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns every enabled product with providers in position order.
func (s *PostgresProductSource) Load(ctx context.Context) ([]domain.Product, error) {
	query := `
		SELECT product_id, provider, api_key_encrypted, base_url, models
		FROM product_providers
		WHERE enabled = true
		ORDER BY product_id, position, provider
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var (
			productID, provider, sealed string
			baseURL                     sql.NullString
			models                      pq.StringArray
		)
		if err := rows.Scan(&productID, &provider, &sealed, &baseURL, &models); err != nil {
			return nil, fmt.Errorf("scan product provider: %w", err)
		}

		apiKey, err := s.cipher.Open(productID, provider, sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt key for %s/%s: %w", productID, provider, err)
		}

		if len(products) == 0 || products[len(products)-1].ID != productID {
			products = append(products, domain.Product{ID: productID})
		}
		p := &products[len(products)-1]
		p.Providers = append(p.Providers, domain.ProviderEntry{
			Name:    provider,
			APIKey:  apiKey,
			BaseURL: baseURL.String,
			Models:  []string(models),
		})

		slog.Debug("loaded product provider",
			"product", productID,
			"provider", provider,
			"key_fingerprint", crypto.Fingerprint(apiKey),
		)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return products, nil
}

func (s *PostgresProductSource) Upsert(ctx context.Context, productID string, position int, entry domain.ProviderEntry) error {
	sealed, err := s.cipher.Seal(productID, entry.Name, entry.APIKey)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	query := `
		INSERT INTO product_providers (product_id, provider, position, api_key_encrypted, base_url, models, enabled, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, true, NOW())
		ON CONFLICT (product_id, provider) DO UPDATE SET
			position = EXCLUDED.position,
			api_key_encrypted = EXCLUDED.api_key_encrypted,
			base_url = EXCLUDED.base_url,
			models = EXCLUDED.models,
			enabled = true,
			updated_at = NOW()
	`

	models := entry.Models
	if models == nil {
		models = []string{}
	}
	_, err = s.db.ExecContext(ctx, query, productID, entry.Name, position, sealed, entry.BaseURL, pq.Array(models))
	if err != nil {
		return fmt.Errorf("upsert product provider: %w", err)
	}
	return nil
}

// Disable keeps the row but removes the provider from future loads.
func (s *PostgresProductSource) Disable(ctx context.Context, productID, provider string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE product_providers SET enabled = false, updated_at = NOW() WHERE product_id = $1 AND provider = $2`,
		productID, provider,
	)
	if err != nil {
		return fmt.Errorf("disable product provider: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.NotFound(fmt.Sprintf("%s provider not configured for product '%s'", provider, productID))
	}
	return nil
}
