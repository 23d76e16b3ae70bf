package api

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/keyproxy/internal/auth"
	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/metrics"
	"github.com/felipepmaragno/keyproxy/internal/router"
	"github.com/felipepmaragno/keyproxy/internal/telemetry"
)

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request, tenant string) error {
	r, ac, err := h.authenticate(r, tenant)
	if err != nil {
		return err
	}
	ctx := r.Context()

	var req domain.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.validateChat(&req); err != nil {
		return err
	}

	product, err := h.productFor(ctx, tenant, req.Model)
	if err != nil {
		return err
	}
	if err := h.admit(ctx, ac); err != nil {
		return err
	}

	logProxying(ctx, "proxying request", ac, req.Model)

	var resp *domain.ChatResponse
	providerID, err := h.route(ctx, product, req.Model, router.EndpointChat, func(p router.Provider, creds domain.Credentials) error {
		var err error
		resp, err = p.Chat(ctx, creds, req)
		return err
	})
	if err != nil {
		return err
	}

	recordUsage(ctx, ac, providerID, req.Model, resp.Usage)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// validateChat applies the deployment's generation limits and fills the
// max_tokens default.
func (h *Handler) validateChat(req *domain.ChatRequest) error {
	if req.Model == "" {
		return domain.BadRequest("model is required", nil)
	}
	if len(req.Messages) == 0 {
		return domain.BadRequest("messages is required", nil)
	}
	if req.Stream {
		return domain.BadRequest("Streaming is not supported in this deployment", nil)
	}

	if req.MaxTokens == nil {
		n := h.limits.MaxTokens
		req.MaxTokens = &n
	}
	switch {
	case *req.MaxTokens < 1:
		return domain.BadRequest("max_tokens must be >= 1", nil)
	case *req.MaxTokens > h.limits.MaxTokens:
		return domain.BadRequest(fmt.Sprintf("max_tokens must be <= %d", h.limits.MaxTokens), nil)
	}

	if t := req.Temperature; t != nil && (*t < h.limits.MinTemperature || *t > h.limits.MaxTemperature) {
		return domain.BadRequest(fmt.Sprintf("temperature must be between %g and %g",
			h.limits.MinTemperature, h.limits.MaxTemperature), nil)
	}
	return nil
}

func recordUsage(ctx context.Context, ac *auth.Context, providerID, model string, usage domain.Usage) {
	metrics.RecordTokens(ac.Tenant, providerID, usage.PromptTokens, usage.CompletionTokens)
	telemetry.AddTokenAttributes(trace.SpanFromContext(ctx), usage.PromptTokens, usage.CompletionTokens)
	logProxying(ctx, "request completed", ac, model,
		"provider", providerID,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"total_tokens", usage.TotalTokens,
	)
}
