package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

// Endpoint names the operation a request wants from a provider.
type Endpoint string

const (
	EndpointChat          Endpoint = "chat"
	EndpointImage         Endpoint = "image"
	EndpointAudio         Endpoint = "audio"
	EndpointTranscription Endpoint = "transcription"
)

// Provider is implemented by every upstream adapter. Credentials are passed
// on each call so one adapter instance serves every product.
// Operations an adapter cannot perform return domain.ErrNotSupported.
type Provider interface {
	ID() string
	Chat(ctx context.Context, creds domain.Credentials, req domain.ChatRequest) (*domain.ChatResponse, error)
	GenerateImage(ctx context.Context, creds domain.Credentials, req domain.ImageRequest) (*domain.ImageResponse, error)
	GenerateAudio(ctx context.Context, creds domain.Credentials, req domain.SpeechRequest) (*domain.SpeechResponse, error)
	Transcribe(ctx context.Context, creds domain.Credentials, req domain.TranscriptionRequest) (*domain.TranscriptionResponse, error)
}

type Router struct {
	providers map[string]Provider
}

func New(providers ...Provider) *Router {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.ID()] = p
	}
	return &Router{providers: m}
}

// Resolve picks the first provider of the product that serves model and
// returns its adapter together with the entry holding the key.
func (r *Router) Resolve(product *domain.Product, model string, endpoint Endpoint) (Provider, domain.ProviderEntry, error) {
	for _, entry := range product.Providers {
		if !entry.Serves(model) {
			continue
		}
		p, err := r.adapterFor(product.ID, entry)
		if err != nil {
			return nil, domain.ProviderEntry{}, err
		}
		slog.Debug("provider resolved",
			"product", product.ID,
			"model", model,
			"endpoint", endpoint,
			"provider", entry.Name,
		)
		return p, entry, nil
	}
	return nil, domain.ProviderEntry{}, domain.BadRequest("model not supported for product", nil)
}

// Named returns the entry configured under name, bypassing model routing.
func (r *Router) Named(product *domain.Product, name string) (domain.ProviderEntry, error) {
	entry, ok := product.Provider(name)
	if !ok {
		return domain.ProviderEntry{}, domain.NotFound(
			fmt.Sprintf("%s provider not configured for product '%s'", name, product.ID))
	}
	if entry.APIKey == "" {
		return domain.ProviderEntry{}, missingKey(product.ID, name)
	}
	return entry, nil
}

func (r *Router) adapterFor(productID string, entry domain.ProviderEntry) (Provider, error) {
	p, ok := r.providers[entry.Name]
	if !ok {
		return nil, domain.NotImplemented(fmt.Sprintf("Provider '%s' is not implemented", entry.Name))
	}
	if entry.APIKey == "" {
		return nil, missingKey(productID, entry.Name)
	}
	return p, nil
}

func missingKey(productID, name string) error {
	slog.Error("provider api key not configured",
		"product", productID,
		"provider", name,
	)
	return domain.Configuration("Internal server error",
		fmt.Errorf("api key for provider %s of product %s is empty", name, productID))
}

func (r *Router) Provider(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) ListProviders() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
