package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/httputil"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Provider struct {
	client           *http.Client
	defaultMaxTokens int
}

// New builds the adapter. defaultMaxTokens is sent when a request carries no
// max_tokens, since the messages API requires one.
func New(client *http.Client, defaultMaxTokens int) *Provider {
	return &Provider{
		client:           client,
		defaultMaxTokens: defaultMaxTokens,
	}
}

func (p *Provider) ID() string {
	return "anthropic"
}

func (p *Provider) Chat(ctx context.Context, creds domain.Credentials, req domain.ChatRequest) (*domain.ChatResponse, error) {
	base := DefaultBaseURL
	if creds.BaseURL != "" {
		base = strings.TrimSuffix(creds.BaseURL, "/")
	}

	header := http.Header{}
	header.Set("x-api-key", creds.APIKey)
	header.Set("anthropic-version", anthropicVersion)

	var resp anthropicResponse
	if err := httputil.PostJSON(ctx, p.client, p.ID(), base+"/messages", header, p.toAnthropicRequest(req), &resp); err != nil {
		return nil, err
	}

	return toOpenAIResponse(resp, req.Model)
}

func (p *Provider) GenerateImage(ctx context.Context, creds domain.Credentials, req domain.ImageRequest) (*domain.ImageResponse, error) {
	return nil, domain.NotSupported("Anthropic does not support image generation")
}

func (p *Provider) GenerateAudio(ctx context.Context, creds domain.Credentials, req domain.SpeechRequest) (*domain.SpeechResponse, error) {
	return nil, domain.NotSupported("Anthropic does not support audio generation")
}

func (p *Provider) Transcribe(ctx context.Context, creds domain.Credentials, req domain.TranscriptionRequest) (*domain.TranscriptionResponse, error) {
	return nil, domain.NotSupported("Anthropic does not support audio transcription")
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toAnthropicRequest lifts system messages into the top-level system field.
func (p *Provider) toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := p.defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

func toOpenAIResponse(resp anthropicResponse, model string) (*domain.ChatResponse, error) {
	if len(resp.Content) == 0 {
		return nil, domain.UpstreamUnavailable("No content in Anthropic response", nil)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	id := resp.ID
	if id == "" {
		id = "anthropic-unknown"
	}

	return &domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content.String(),
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
