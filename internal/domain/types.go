package domain

import (
	"regexp"
	"slices"
)

// Product is the canonical per-tenant view built once at configuration load.
// Providers are kept in configured order; routing picks the first match.
type Product struct {
	ID        string
	Providers []ProviderEntry
}

type ProviderEntry struct {
	Name    string
	APIKey  string
	BaseURL string
	// Models lists the models this provider serves for the product.
	// An empty list serves every model.
	Models []string
}

// Credentials are handed to an adapter on every call; adapters hold no keys.
type Credentials struct {
	APIKey  string
	BaseURL string
}

func (p ProviderEntry) Credentials() Credentials {
	return Credentials{APIKey: p.APIKey, BaseURL: p.BaseURL}
}

func (p ProviderEntry) Serves(model string) bool {
	return len(p.Models) == 0 || slices.Contains(p.Models, model)
}

// Provider returns the first entry with the given provider name.
func (p *Product) Provider(name string) (ProviderEntry, bool) {
	for _, e := range p.Providers {
		if e.Name == name {
			return e, true
		}
	}
	return ProviderEntry{}, false
}

// Serves reports whether any configured provider accepts model.
func (p *Product) Serves(model string) bool {
	for _, e := range p.Providers {
		if e.Serves(model) {
			return true
		}
	}
	return false
}

// AllowedModels lists every explicitly allowed model in provider order.
// A nil result with a wildcard provider present means all models.
func (p *Product) AllowedModels() []string {
	var models []string
	for _, e := range p.Providers {
		for _, m := range e.Models {
			if !slices.Contains(models, m) {
				models = append(models, m)
			}
		}
	}
	return models
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              *int   `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

// SpeechResponse carries the synthesized audio as returned upstream.
type SpeechResponse struct {
	ContentType string
	Audio       []byte
}

type TranscriptionRequest struct {
	Model          string
	File           []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    float64
}

// TranscriptionResponse is passed through verbatim; its shape depends on
// ResponseFormat (json, text, srt, verbose_json, vtt).
type TranscriptionResponse struct {
	ContentType string
	Body        []byte
}

type GeminiImageRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Config map[string]any `json:"config,omitempty"`
}

// ModelName is the requested model, falling back to config.model.
func (r GeminiImageRequest) ModelName() string {
	if r.Model != "" {
		return r.Model
	}
	m, _ := r.Config["model"].(string)
	return m
}

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidModelName reports whether name is safe to place in an upstream URL
// path segment.
func ValidModelName(name string) bool {
	return modelNamePattern.MatchString(name)
}

type GeminiImageResult struct {
	Success bool         `json:"success"`
	Image   *GeminiImage `json:"image,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type GeminiImage struct {
	Format     string `json:"format"`
	Data       string `json:"data"`
	Resolution string `json:"resolution,omitempty"`
}
