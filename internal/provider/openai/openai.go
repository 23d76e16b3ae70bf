package openai

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/httputil"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	client *http.Client
}

func New(client *http.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) ID() string {
	return "openai"
}

func baseURL(creds domain.Credentials) string {
	if creds.BaseURL != "" {
		return strings.TrimSuffix(creds.BaseURL, "/")
	}
	return DefaultBaseURL
}

func authHeader(creds domain.Credentials) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + creds.APIKey}}
}

func (p *Provider) Chat(ctx context.Context, creds domain.Credentials, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	err := httputil.PostJSON(ctx, p.client, p.ID(), baseURL(creds)+"/chat/completions", authHeader(creds), req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Provider) GenerateImage(ctx context.Context, creds domain.Credentials, req domain.ImageRequest) (*domain.ImageResponse, error) {
	var resp domain.ImageResponse
	err := httputil.PostJSON(ctx, p.client, p.ID(), baseURL(creds)+"/images/generations", authHeader(creds), req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateAudio returns the synthesized audio bytes unchanged.
func (p *Provider) GenerateAudio(ctx context.Context, creds domain.Credentials, req domain.SpeechRequest) (*domain.SpeechResponse, error) {
	audio, err := httputil.Post(ctx, p.client, p.ID(), baseURL(creds)+"/audio/speech", authHeader(creds), req)
	if err != nil {
		return nil, err
	}
	return &domain.SpeechResponse{
		ContentType: audioContentType(req.ResponseFormat),
		Audio:       audio,
	}, nil
}

func audioContentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}

// Transcribe rebuilds the multipart form for the upstream whisper endpoint.
func (p *Provider) Transcribe(ctx context.Context, creds domain.Credentials, req domain.TranscriptionRequest) (*domain.TranscriptionResponse, error) {
	body, contentType, err := transcriptionForm(req)
	if err != nil {
		return nil, fmt.Errorf("build multipart form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(creds)+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, httputil.TransportError(p.ID(), err)
	}
	defer resp.Body.Close()

	if err := httputil.CheckResponse(p.ID(), resp); err != nil {
		return nil, err
	}

	data, err := httputil.ReadBody(p.ID(), resp)
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &domain.TranscriptionResponse{ContentType: ct, Body: data}, nil
}

func transcriptionForm(req domain.TranscriptionRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(req.File); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"model", req.Model},
		{"language", req.Language},
		{"prompt", req.Prompt},
		{"response_format", req.ResponseFormat},
		{"temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
