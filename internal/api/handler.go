package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/keyproxy/internal/auth"
	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/metrics"
	"github.com/felipepmaragno/keyproxy/internal/ratelimit"
	"github.com/felipepmaragno/keyproxy/internal/repository"
	"github.com/felipepmaragno/keyproxy/internal/router"
	"github.com/felipepmaragno/keyproxy/internal/telemetry"
)

const (
	maxJSONBodyBytes  = 1 << 20
	maxAudioFileBytes = 25 << 20
	// Multipart framing and the text fields ride on top of the file.
	maxUploadBodyBytes = maxAudioFileBytes + 1<<20
)

// GeminiImageGenerator backs the Gemini-specific image endpoint.
type GeminiImageGenerator interface {
	Generate(ctx context.Context, creds domain.Credentials, req domain.GeminiImageRequest) (*domain.GeminiImage, error)
}

// QuotaAlerter is told about every daily-quota rejection.
type QuotaAlerter interface {
	QuotaExhausted(ctx context.Context, product, identity string, quota int, now time.Time)
}

// Limits bound client supplied generation parameters.
type Limits struct {
	MaxTokens      int
	MinTemperature float64
	MaxTemperature float64
}

type HandlerConfig struct {
	AppName      string
	Verifier     *auth.Verifier
	Products     repository.ProductRepository
	Limiter      ratelimit.Limiter
	Router       *router.Router
	GeminiImages GeminiImageGenerator
	Alerts       QuotaAlerter
	Limits       Limits
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	Now          func() time.Time
}

type Handler struct {
	verifier     atomic.Pointer[auth.Verifier]
	products     repository.ProductRepository
	limiter      ratelimit.Limiter
	router       *router.Router
	geminiImages GeminiImageGenerator
	alerts       QuotaAlerter
	limits       Limits
	checkers     []HealthChecker
	readyTimeout time.Duration
	now          func() time.Time
	mux          *chi.Mux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		products:     cfg.Products,
		limiter:      cfg.Limiter,
		router:       cfg.Router,
		geminiImages: cfg.GeminiImages,
		alerts:       cfg.Alerts,
		limits:       cfg.Limits,
		checkers:     cfg.Checkers,
		readyTimeout: cfg.ReadyTimeout,
		now:          cfg.Now,
		mux:          chi.NewRouter(),
	}
	h.verifier.Store(cfg.Verifier)

	if h.readyTimeout <= 0 {
		h.readyTimeout = 2 * time.Second
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.limits.MaxTokens <= 0 {
		h.limits.MaxTokens = 2048
	}
	if h.limits.MaxTemperature == 0 && h.limits.MinTemperature == 0 {
		h.limits.MaxTemperature = 1
	}

	appName := cfg.AppName
	if appName == "" {
		appName = "keyproxy"
	}

	h.mux.Use(requestID)
	h.mux.Use(appHeader(appName))
	h.mux.Use(logRequests)
	h.mux.Use(middleware.Recoverer)

	h.mux.Get("/healthz", h.handleHealth)
	h.mux.Get("/readyz", h.handleReady)
	h.mux.Method(http.MethodGet, "/metrics", promhttp.Handler())

	h.mux.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limitBody(maxJSONBodyBytes))
			r.Post("/chat/{tenant}", h.handle(router.EndpointChat, h.handleChat))
			r.Post("/images/generations/{tenant}", h.handle(router.EndpointImage, h.handleImageGeneration))
			r.Post("/audio/speech/{tenant}", h.handle(router.EndpointAudio, h.handleSpeech))
			r.Post("/images/gemini/{tenant}", h.handle("gemini_image", h.handleGeminiImage))
		})
		r.With(limitBody(maxUploadBodyBytes)).
			Post("/audio/transcriptions/{tenant}", h.handle(router.EndpointTranscription, h.handleTranscription))
	})

	h.mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, domain.NotFound("Not found"))
	})
	h.mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &domain.Error{Kind: domain.KindBadRequest, Message: "Method not allowed"})
	})

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetVerifier swaps the credential verifier. In-flight requests finish with
// the verifier they started with.
func (h *Handler) SetVerifier(v *auth.Verifier) {
	h.verifier.Store(v)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, tenant string) error

// handle wraps an endpoint with tracing, metrics and error rendering.
func (h *Handler) handle(endpoint router.Endpoint, fn handlerFunc) http.HandlerFunc {
	name := string(endpoint)
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tenant := chi.URLParam(r, "tenant")

		ctx := telemetry.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := telemetry.StartSpan(ctx, "proxy."+name)
		defer span.End()
		telemetry.AddRequestAttributes(span, tenant, name, RequestIDFromContext(ctx))
		r = r.WithContext(ctx)

		status := http.StatusOK
		if err := fn(w, r, tenant); err != nil {
			if auth.IsAuthError(err) {
				metrics.RecordAuthFailure(authScheme(r))
			}
			telemetry.RecordError(span, err)
			status = writeError(w, r, err)
		}

		metrics.RecordRequest(tenant, name, strconv.Itoa(status), time.Since(start).Seconds())
	}
}

// authScheme names the scheme the verifier evaluates for r.
func authScheme(r *http.Request) string {
	switch {
	case r.Header.Get(auth.HeaderIAPAssertion) != "":
		return string(auth.MethodIAP)
	case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
		return string(auth.MethodJWT)
	case r.Header.Get(auth.HeaderClientID) != "":
		return string(auth.MethodHMAC)
	default:
		return "none"
	}
}

// authorize binds the verified caller to the URL tenant.
func (h *Handler) authorize(r *http.Request, ac *auth.Context, tenant string) (*http.Request, error) {
	if ac.Tenant != tenant {
		slog.Warn("product mismatch",
			"request_id", RequestIDFromContext(r.Context()),
			"url_product", tenant,
			"token_product", ac.Tenant,
			"user", ac.Identity,
			"method", ac.Method,
		)
		return r, domain.Forbidden("Product mismatch")
	}
	telemetry.AddIdentityAttributes(trace.SpanFromContext(r.Context()), ac.Identity, string(ac.Method))
	return r.WithContext(auth.NewContext(r.Context(), ac)), nil
}

func (h *Handler) authenticate(r *http.Request, tenant string) (*http.Request, *auth.Context, error) {
	ac, err := h.verifier.Load().Authenticate(r, tenant)
	if err != nil {
		return r, nil, err
	}
	r, err = h.authorize(r, ac, tenant)
	return r, ac, err
}

// productFor returns the tenant's product after checking it may use model.
func (h *Handler) productFor(ctx context.Context, tenant, model string) (*domain.Product, error) {
	product, err := h.products.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if !product.Serves(model) {
		return nil, domain.BadRequest(fmt.Sprintf(
			"Model '%s' is not allowed for product '%s'. Allowed models: [%s]",
			model, tenant, strings.Join(product.AllowedModels(), ", "),
		), nil)
	}
	return product, nil
}

// admit charges one request against the caller's bucket and daily quota.
func (h *Handler) admit(ctx context.Context, ac *auth.Context) error {
	decision, err := h.limiter.Allow(ctx, ac.Tenant, ac.Identity)
	if err != nil {
		metrics.RecordLimiterError()
		return domain.Internal(fmt.Errorf("rate limiter: %w", err))
	}
	if decision.Allowed {
		metrics.RecordAdmission(ac.Tenant, "allowed")
		return nil
	}

	metrics.RecordAdmission(ac.Tenant, string(decision.Reason))
	slog.Warn("request throttled",
		"request_id", RequestIDFromContext(ctx),
		"product", ac.Tenant,
		"user", ac.Identity,
		"reason", decision.Reason,
		"retry_after", decision.RetryAfter.String(),
	)

	if decision.Reason == ratelimit.ReasonQuotaExceeded {
		if h.alerts != nil {
			go h.alerts.QuotaExhausted(context.WithoutCancel(ctx), ac.Tenant, ac.Identity, decision.DailyQuota, h.now())
		}
		return domain.QuotaExceeded(decision.DailyQuota, decision.RetryAfter)
	}
	return domain.RateLimitExceeded(decision.RetryAfter)
}

// route resolves the adapter for model and records upstream timing around call.
func (h *Handler) route(ctx context.Context, product *domain.Product, model string, endpoint router.Endpoint, call func(router.Provider, domain.Credentials) error) (string, error) {
	provider, entry, err := h.router.Resolve(product, model, endpoint)
	if err != nil {
		return "", err
	}
	telemetry.AddRouteAttributes(trace.SpanFromContext(ctx), provider.ID(), model)

	start := time.Now()
	err = call(provider, entry.Credentials())
	metrics.RecordUpstream(provider.ID(), string(endpoint), time.Since(start).Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.RecordProviderError(provider.ID(), domain.KindOf(err).String())
	}
	return provider.ID(), err
}

func decodeJSON(r *http.Request, v any) error {
	body, err := auth.CachedBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.BadRequest("Request body too large", err)
		}
		return domain.BadRequest("Could not read request body", err)
	}
	if len(body) == 0 {
		return domain.BadRequest("Request body is required", nil)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.BadRequest("Invalid request body", err)
	}
	return nil
}

func logProxying(ctx context.Context, msg string, ac *auth.Context, model string, attrs ...any) {
	args := append([]any{
		"request_id", RequestIDFromContext(ctx),
		"product", ac.Tenant,
		"user", ac.Identity,
		"method", ac.Method,
		"model", model,
	}, attrs...)
	slog.Info(msg, args...)
}
