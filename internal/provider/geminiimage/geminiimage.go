// Package geminiimage generates images through Gemini's generateContent API
// with image output enabled.
package geminiimage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/httputil"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-3-pro-image-preview"
	providerName   = "gemini"
)

var resolutions = map[string]string{
	"1K": "1024x1024",
	"2K": "2048x2048",
	"4K": "4096x4096",
}

// ErrNoImage is returned when the reply carries no inline image part.
var ErrNoImage = errors.New("no inline image data in response")

type Client struct {
	client *http.Client
}

func New(client *http.Client) *Client {
	return &Client{client: client}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

// Generate returns the first inline image produced for req.Prompt.
func (c *Client) Generate(ctx context.Context, creds domain.Credentials, req domain.GeminiImageRequest) (*domain.GeminiImage, error) {
	model := req.ModelName()
	if model == "" {
		model = DefaultModel
	}
	if !domain.ValidModelName(model) {
		return nil, domain.BadRequest("Invalid model name", nil)
	}

	resolution := "1K"
	if r, ok := req.Config["resolution"].(string); ok && r != "" {
		resolution = r
	}

	base := DefaultBaseURL
	if creds.BaseURL != "" {
		base = strings.TrimSuffix(creds.BaseURL, "/")
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", base, url.PathEscape(model))

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	header := http.Header{}
	header.Set("x-goog-api-key", creds.APIKey)

	slog.Info("calling gemini image api",
		"model", model,
		"resolution", resolution,
		"prompt_length", len(req.Prompt),
	)

	data, err := httputil.Post(ctx, c.client, providerName, endpoint, header, body)
	if err != nil {
		return nil, err
	}

	img, err := extractImage(data)
	if err != nil {
		return nil, domain.UpstreamUnavailable("Failed to extract image from response", err)
	}

	img.Resolution = resolution
	if r, ok := resolutions[resolution]; ok {
		img.Resolution = r
	}
	return img, nil
}

func extractImage(data []byte) (*domain.GeminiImage, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid json")
	}

	candidates := gjson.GetBytes(data, "candidates")
	if !candidates.IsArray() || len(candidates.Array()) == 0 {
		return nil, errors.New("no candidates in response")
	}

	for _, p := range gjson.GetBytes(data, "candidates.0.content.parts").Array() {
		inline := p.Get("inlineData")
		if !inline.Exists() {
			continue
		}
		b64 := inline.Get("data").String()
		if b64 == "" {
			return nil, errors.New("no image data in inlineData")
		}
		return &domain.GeminiImage{
			Format: imageFormat(inline.Get("mimeType").String()),
			Data:   b64,
		}, nil
	}
	return nil, ErrNoImage
}

func imageFormat(mimeType string) string {
	if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
		return sub
	}
	return "png"
}
