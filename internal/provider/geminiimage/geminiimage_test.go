package geminiimage

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

const imageReply = `{"candidates":[{"content":{"parts":[
	{"text":"A red fox."},
	{"inlineData":{"mimeType":"image/jpeg","data":"/9j/4AAQ"}}
]}}]}`

func TestClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-3-pro-image-preview:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))

		var body generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"TEXT", "IMAGE"}, body.GenerationConfig.ResponseModalities)
		if assert.Len(t, body.Contents, 1) {
			assert.Equal(t, "fox", body.Contents[0].Parts[0].Text)
		}

		io.WriteString(w, imageReply)
	}))
	defer srv.Close()

	c := New(srv.Client())
	img, err := c.Generate(context.Background(), domain.Credentials{APIKey: "g-key", BaseURL: srv.URL}, domain.GeminiImageRequest{
		Prompt: "fox",
		Config: map[string]any{"resolution": "2K"},
	})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, "/9j/4AAQ", img.Data)
	assert.Equal(t, "2048x2048", img.Resolution)
}

func TestClient_Generate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.Client()).Generate(context.Background(), domain.Credentials{APIKey: "k", BaseURL: srv.URL}, domain.GeminiImageRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable), "got %v", err)
}

func TestClient_Generate_ConfigModel(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		io.WriteString(w, imageReply)
	}))
	defer srv.Close()

	_, err := New(srv.Client()).Generate(context.Background(), domain.Credentials{APIKey: "k", BaseURL: srv.URL}, domain.GeminiImageRequest{
		Prompt: "fox",
		Config: map[string]any{"model": "gemini-2.5-flash-image"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-2.5-flash-image:generateContent", path)
}

func TestClient_Generate_RejectsPathInModel(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	for _, model := range []string{"../../v1beta/tunedModels/x", "a/b", "..", "a?b", "a%2Fb"} {
		t.Run(model, func(t *testing.T) {
			_, err := New(srv.Client()).Generate(context.Background(), domain.Credentials{APIKey: "server-key", BaseURL: srv.URL}, domain.GeminiImageRequest{
				Prompt: "x",
				Model:  model,
			})
			assert.True(t, errors.Is(err, domain.ErrBadRequest), "got %v", err)
		})
	}
	assert.Zero(t, calls)
}

func TestExtractImage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		format  string
		wantErr bool
	}{
		{"jpeg part", imageReply, "jpeg", false},
		{"missing mime type", `{"candidates":[{"content":{"parts":[{"inlineData":{"data":"AA=="}}]}}]}`, "png", false},
		{"no candidates", `{"candidates":[]}`, "", true},
		{"text only", `{"candidates":[{"content":{"parts":[{"text":"sorry"}]}}]}`, "", true},
		{"empty data", `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":""}}]}}]}`, "", true},
		{"not json", `<html>`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := extractImage([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.format, img.Format)
		})
	}
}

func TestExtractImage_TextOnlyIsErrNoImage(t *testing.T) {
	_, err := extractImage([]byte(`{"candidates":[{"content":{"parts":[{"text":"no"}]}}]}`))
	assert.True(t, errors.Is(err, ErrNoImage))
}
