package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

func newUpstream(t *testing.T, handler http.HandlerFunc) (*Provider, domain.Credentials) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.Client()), domain.Credentials{APIKey: "sk-test", BaseURL: srv.URL}
}

func TestProvider_Chat(t *testing.T) {
	p, creds := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])
		assert.Equal(t, 0.0, req["temperature"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	zero := 0.0
	resp, err := p.Chat(context.Background(), creds, domain.ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []domain.Message{{Role: "user", Content: "hello"}},
		Temperature: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestProvider_Chat_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrBadRequest},
		{http.StatusUnauthorized, domain.ErrUpstreamAuthFailed},
		{http.StatusBadGateway, domain.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p, creds := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := p.Chat(context.Background(), creds, domain.ChatRequest{Model: "gpt-4o"})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestProvider_GenerateImage(t *testing.T) {
	p, creds := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		io.WriteString(w, `{"created":7,"data":[{"url":"https://img/1.png"}]}`)
	})

	resp, err := p.GenerateImage(context.Background(), creds, domain.ImageRequest{Model: "dall-e-3", Prompt: "cat"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "https://img/1.png", resp.Data[0].URL)
}

func TestProvider_GenerateAudio(t *testing.T) {
	p, creds := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		w.Header().Set("Content-Type", "audio/flac")
		w.Write([]byte{0x66, 0x4c, 0x61, 0x43})
	})

	resp, err := p.GenerateAudio(context.Background(), creds, domain.SpeechRequest{
		Model: "tts-1", Input: "hi", Voice: "alloy", ResponseFormat: "flac",
	})
	require.NoError(t, err)
	assert.Equal(t, "audio/flac", resp.ContentType)
	assert.Equal(t, []byte("fLaC"), resp.Audio)
}

func TestProvider_Transcribe(t *testing.T) {
	p, creds := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "ja", r.FormValue("language"))
		assert.Equal(t, "json", r.FormValue("response_format"))
		assert.Equal(t, "0", r.FormValue("temperature"))
		assert.Empty(t, r.MultipartForm.Value["prompt"])

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "clip.webm", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF", string(data))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"konnichiwa"}`)
	})

	resp, err := p.Transcribe(context.Background(), creds, domain.TranscriptionRequest{
		Model:          "whisper-1",
		File:           []byte("RIFF"),
		Filename:       "clip.webm",
		Language:       "ja",
		ResponseFormat: "json",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.JSONEq(t, `{"text":"konnichiwa"}`, string(resp.Body))
}

func TestBaseURL_Default(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, baseURL(domain.Credentials{}))
	assert.Equal(t, "http://proxy/v1", baseURL(domain.Credentials{BaseURL: "http://proxy/v1/"}))
}
