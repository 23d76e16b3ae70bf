package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/httputil"
	"github.com/felipepmaragno/keyproxy/internal/provider/geminiimage"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Provider struct {
	client *http.Client
	images *geminiimage.Client
}

func New(client *http.Client, images *geminiimage.Client) *Provider {
	return &Provider{client: client, images: images}
}

func (p *Provider) ID() string {
	return "gemini"
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func toGeminiRequest(req domain.ChatRequest) generateRequest {
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "model"
		if m.Role == "user" || m.Role == "system" {
			role = "user"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	out := generateRequest{Contents: contents}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func (p *Provider) Chat(ctx context.Context, creds domain.Credentials, req domain.ChatRequest) (*domain.ChatResponse, error) {
	base := DefaultBaseURL
	if creds.BaseURL != "" {
		base = strings.TrimSuffix(creds.BaseURL, "/")
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		base, url.PathEscape(req.Model), url.QueryEscape(creds.APIKey))

	data, err := httputil.Post(ctx, p.client, p.ID(), endpoint, nil, toGeminiRequest(req))
	if err != nil {
		return nil, err
	}

	return toOpenAIResponse(data, req.Model)
}

func toOpenAIResponse(data []byte, model string) (*domain.ChatResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, domain.UpstreamUnavailable("gemini returned an invalid response", nil)
	}
	if len(gjson.GetBytes(data, "candidates").Array()) == 0 {
		return nil, domain.UpstreamUnavailable("No candidates in Gemini response", nil)
	}
	parts := gjson.GetBytes(data, "candidates.0.content.parts").Array()
	if len(parts) == 0 {
		return nil, domain.UpstreamUnavailable("No content in Gemini response", nil)
	}

	usage := gjson.GetBytes(data, "usageMetadata")

	return &domain.ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: parts[0].Get("text").String(),
				},
				FinishReason: mapFinishReason(gjson.GetBytes(data, "candidates.0.finishReason").String()),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     int(usage.Get("promptTokenCount").Int()),
			CompletionTokens: int(usage.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(usage.Get("totalTokenCount").Int()),
		},
	}, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

// GenerateImage produces one image through the image model and returns it in
// the OpenAI images shape.
func (p *Provider) GenerateImage(ctx context.Context, creds domain.Credentials, req domain.ImageRequest) (*domain.ImageResponse, error) {
	img, err := p.images.Generate(ctx, creds, domain.GeminiImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	return &domain.ImageResponse{
		Created: time.Now().Unix(),
		Data:    []domain.ImageData{{B64JSON: img.Data}},
	}, nil
}

func (p *Provider) GenerateAudio(ctx context.Context, creds domain.Credentials, req domain.SpeechRequest) (*domain.SpeechResponse, error) {
	return nil, domain.NotSupported("Gemini does not support audio generation")
}

func (p *Provider) Transcribe(ctx context.Context, creds domain.Credentials, req domain.TranscriptionRequest) (*domain.TranscriptionResponse, error) {
	return nil, domain.NotSupported("Gemini does not support audio transcription")
}
