package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/keyproxy/internal/auth"
	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/router"
)

const defaultAudioFilename = "audio.webm"

var errFileTooLarge = domain.BadRequest(
	fmt.Sprintf("File size exceeds limit (%dMB)", maxAudioFileBytes>>20), nil)

// handleTranscription accepts a multipart upload. HMAC callers sign the
// canonical JSON of the text fields since the body is not stable to re-sign.
func (h *Handler) handleTranscription(w http.ResponseWriter, r *http.Request, tenant string) error {
	if err := r.ParseMultipartForm(maxUploadBodyBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errFileTooLarge
		}
		return domain.BadRequest("Invalid multipart form", err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	fields, err := formFields(r)
	if err != nil {
		return err
	}

	ac, err := h.verifier.Load().AuthenticateForm(r, tenant, fields)
	if err != nil {
		return err
	}
	if r, err = h.authorize(r, ac, tenant); err != nil {
		return err
	}
	ctx := r.Context()

	audio, filename, err := readAudio(r)
	if err != nil {
		return err
	}

	product, err := h.productFor(ctx, tenant, fields.Model)
	if err != nil {
		return err
	}
	if err := h.admit(ctx, ac); err != nil {
		return err
	}

	logProxying(ctx, "proxying audio transcription request", ac, fields.Model,
		"file_size", len(audio),
		"audio_filename", filename,
	)

	req := domain.TranscriptionRequest{
		Model:          fields.Model,
		File:           audio,
		Filename:       filename,
		Language:       fields.Language,
		Prompt:         fields.Prompt,
		ResponseFormat: fields.Format(),
		Temperature:    fields.Temp(),
	}

	var resp *domain.TranscriptionResponse
	providerID, err := h.route(ctx, product, fields.Model, router.EndpointTranscription, func(p router.Provider, creds domain.Credentials) error {
		var err error
		resp, err = p.Transcribe(ctx, creds, req)
		return err
	})
	if err != nil {
		return err
	}

	recordUsage(ctx, ac, providerID, fields.Model, transcriptionUsage(resp))

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
	return nil
}

// formFields reads the signed text fields from the multipart body only.
// Query parameters never reach the signature or the upstream call.
func formFields(r *http.Request) (auth.FormFields, error) {
	fields := auth.FormFields{
		Model:    r.PostFormValue("model"),
		Language: r.PostFormValue("language"),
		Prompt:   r.PostFormValue("prompt"),
	}
	if _, ok := r.PostForm["response_format"]; ok {
		format := r.PostFormValue("response_format")
		fields.ResponseFormat = &format
	}
	if raw := r.PostFormValue("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return auth.FormFields{}, domain.BadRequest("temperature must be a number", err)
		}
		fields.Temperature = &t
	}
	return fields.Normalize(), nil
}

func readAudio(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", domain.BadRequest("file is required", err)
	}
	defer file.Close()

	if header.Size > maxAudioFileBytes {
		return nil, "", errFileTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, maxAudioFileBytes+1))
	if err != nil {
		return nil, "", domain.BadRequest("Could not read file", err)
	}
	if len(data) > maxAudioFileBytes {
		return nil, "", errFileTooLarge
	}
	if len(data) == 0 {
		return nil, "", domain.BadRequest("Empty file", nil)
	}

	filename := header.Filename
	if filename == "" {
		filename = defaultAudioFilename
	}
	return data, filename, nil
}

// transcriptionUsage reads token usage from JSON transcription responses.
// Text formats and duration-billed models report none.
func transcriptionUsage(resp *domain.TranscriptionResponse) domain.Usage {
	if !gjson.ValidBytes(resp.Body) {
		return domain.Usage{}
	}
	usage := gjson.GetBytes(resp.Body, "usage")
	prompt := usage.Get("prompt_tokens")
	if !prompt.Exists() {
		prompt = usage.Get("input_tokens")
	}
	completion := usage.Get("completion_tokens")
	if !completion.Exists() {
		completion = usage.Get("output_tokens")
	}
	return domain.Usage{
		PromptTokens:     int(prompt.Int()),
		CompletionTokens: int(completion.Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	}
}
