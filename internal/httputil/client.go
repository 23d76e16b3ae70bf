// Package httputil holds the upstream HTTP client shared by all provider
// adapters and the uniform mapping of upstream statuses to domain errors.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}

// maxErrorBody bounds how much of an upstream error body is logged.
const maxErrorBody = 4 << 10

// CheckResponse maps a non-2xx upstream response to a domain error.
// The body is consumed on failure. provider is used for logging only.
func CheckResponse(provider string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 500:
		slog.Warn("upstream server error",
			"provider", provider,
			"status", resp.StatusCode,
		)
		return domain.UpstreamUnavailable(fmt.Sprintf("%s service error", provider),
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		slog.Error("upstream rejected credentials",
			"provider", provider,
			"status", resp.StatusCode,
		)
		return domain.UpstreamAuthFailed(fmt.Sprintf("%s authentication failed", provider))
	default:
		slog.Warn("upstream rejected request",
			"provider", provider,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return domain.BadRequest("Invalid request parameters", fmt.Errorf("status %d", resp.StatusCode))
	}
}

// TransportError wraps a failed round trip. Cancellation by the caller is
// returned unchanged so the handler can tell it apart from a dead upstream.
func TransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Query strings may carry an API key.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil && u.RawQuery != "" {
			u.RawQuery = "REDACTED"
			uerr.URL = u.String()
		}
	}
	return domain.UpstreamUnavailable(fmt.Sprintf("%s request failed", provider), err)
}

// maxResponseBody bounds a successful upstream reply. Images can be large.
const maxResponseBody = 64 << 20

// Post sends payload as JSON and returns the raw body of a successful reply.
func Post(ctx context.Context, client *http.Client, provider, endpoint string, header http.Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, TransportError(provider, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(provider, resp); err != nil {
		return nil, err
	}

	return ReadBody(provider, resp)
}

var errResponseTooLarge = errors.New("upstream response too large")

// ReadBody reads a successful reply, refusing one over maxResponseBody.
func ReadBody(provider string, resp *http.Response) ([]byte, error) {
	data, err := readLimited(resp.Body, maxResponseBody)
	if err != nil {
		return nil, TransportError(provider, err)
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errResponseTooLarge
	}
	return data, nil
}

// PostJSON is Post followed by decoding the reply into out.
func PostJSON(ctx context.Context, client *http.Client, provider, endpoint string, header http.Header, payload, out any) error {
	data, err := Post(ctx, client, provider, endpoint, header, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.UpstreamUnavailable(fmt.Sprintf("%s returned an invalid response", provider), err)
	}
	return nil
}
