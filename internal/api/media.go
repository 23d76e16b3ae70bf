package api

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/metrics"
	"github.com/felipepmaragno/keyproxy/internal/router"
	"github.com/felipepmaragno/keyproxy/internal/telemetry"
)

const geminiProvider = "gemini"

func (h *Handler) handleImageGeneration(w http.ResponseWriter, r *http.Request, tenant string) error {
	r, ac, err := h.authenticate(r, tenant)
	if err != nil {
		return err
	}
	ctx := r.Context()

	var req domain.ImageRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Model == "" {
		return domain.BadRequest("model is required", nil)
	}
	if req.Prompt == "" {
		return domain.BadRequest("prompt is required", nil)
	}

	product, err := h.productFor(ctx, tenant, req.Model)
	if err != nil {
		return err
	}
	if err := h.admit(ctx, ac); err != nil {
		return err
	}

	logProxying(ctx, "proxying image generation request", ac, req.Model)

	var resp *domain.ImageResponse
	_, err = h.route(ctx, product, req.Model, router.EndpointImage, func(p router.Provider, creds domain.Credentials) error {
		var err error
		resp, err = p.GenerateImage(ctx, creds, req)
		return err
	})
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request, tenant string) error {
	r, ac, err := h.authenticate(r, tenant)
	if err != nil {
		return err
	}
	ctx := r.Context()

	var req domain.SpeechRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Model == "" {
		return domain.BadRequest("model is required", nil)
	}
	if req.Input == "" {
		return domain.BadRequest("input is required", nil)
	}
	if s := req.Speed; s != nil && (*s < 0.25 || *s > 4.0) {
		return domain.BadRequest("speed must be between 0.25 and 4.0", nil)
	}

	product, err := h.productFor(ctx, tenant, req.Model)
	if err != nil {
		return err
	}
	if err := h.admit(ctx, ac); err != nil {
		return err
	}

	logProxying(ctx, "proxying audio speech request", ac, req.Model)

	var resp *domain.SpeechResponse
	_, err = h.route(ctx, product, req.Model, router.EndpointAudio, func(p router.Provider, creds domain.Credentials) error {
		var err error
		resp, err = p.GenerateAudio(ctx, creds, req)
		return err
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Audio)
	return nil
}

// handleGeminiImage always uses the product's gemini entry; the model only
// selects the upstream image model.
func (h *Handler) handleGeminiImage(w http.ResponseWriter, r *http.Request, tenant string) error {
	r, ac, err := h.authenticate(r, tenant)
	if err != nil {
		return err
	}
	ctx := r.Context()

	var req domain.GeminiImageRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Prompt == "" {
		return domain.BadRequest("prompt is required", nil)
	}
	if m := req.ModelName(); m != "" && !domain.ValidModelName(m) {
		return domain.BadRequest("Invalid model name", nil)
	}

	product, err := h.products.Get(ctx, tenant)
	if err != nil {
		return err
	}
	entry, err := h.router.Named(product, geminiProvider)
	if err != nil {
		return err
	}
	if err := h.admit(ctx, ac); err != nil {
		return err
	}

	logProxying(ctx, "gemini image generation request", ac, req.Model,
		"prompt_length", len(req.Prompt))
	telemetry.AddRouteAttributes(trace.SpanFromContext(ctx), geminiProvider, req.Model)

	start := time.Now()
	img, err := h.geminiImages.Generate(ctx, entry.Credentials(), req)
	metrics.RecordUpstream(geminiProvider, "gemini_image", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordProviderError(geminiProvider, domain.KindOf(err).String())
		return err
	}

	writeJSON(w, http.StatusOK, domain.GeminiImageResult{Success: true, Image: img})
	return nil
}
