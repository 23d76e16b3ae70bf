package auth

import (
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

const (
	HeaderIAPAssertion = "X-Goog-IAP-JWT-Assertion"
	HeaderTimestamp    = "X-Timestamp"
	HeaderSignature    = "X-Signature"
	HeaderClientID     = "X-Client-Id"

	DefaultClockTolerance = 300 * time.Second
)

// Config is parsed once at load. A reload builds a new Verifier.
type Config struct {
	JWTKeys        map[string]crypto.PublicKey
	HMACSecrets    map[string]string
	Audience       string
	ClockTolerance time.Duration
}

type Verifier struct {
	cfg Config
	iap IAPValidator
	now func() time.Time
}

type Option func(*Verifier)

func WithIAPValidator(v IAPValidator) Option {
	return func(vr *Verifier) { vr.iap = v }
}

func WithClock(now func() time.Time) Option {
	return func(vr *Verifier) { vr.now = now }
}

func NewVerifier(cfg Config, opts ...Option) *Verifier {
	if cfg.ClockTolerance <= 0 {
		cfg.ClockTolerance = DefaultClockTolerance
	}
	v := &Verifier{
		cfg: cfg,
		iap: GoogleIAPValidator(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authenticate verifies the credentials on r. tenant is the product taken
// from the URL. For HMAC the signed payload is the raw request body.
func (v *Verifier) Authenticate(r *http.Request, tenant string) (*Context, error) {
	return v.authenticate(r, tenant, func() ([]byte, error) {
		body, err := CachedBody(r)
		if err != nil {
			return nil, domain.BadRequest("Could not read request body", err)
		}
		return body, nil
	})
}

// AuthenticateForm is Authenticate for multipart requests. The HMAC payload
// is the canonical JSON of the non-file form fields.
func (v *Verifier) AuthenticateForm(r *http.Request, tenant string, fields FormFields) (*Context, error) {
	return v.authenticate(r, tenant, func() ([]byte, error) {
		return fields.Canonical(), nil
	})
}

func (v *Verifier) authenticate(r *http.Request, tenant string, payload func() ([]byte, error)) (*Context, error) {
	if assertion := r.Header.Get(HeaderIAPAssertion); assertion != "" {
		return v.verifyIAP(r, assertion, tenant)
	}

	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return v.verifyJWT(strings.TrimPrefix(authz, "Bearer "))
	}

	ts := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	client := r.Header.Get(HeaderClientID)
	if ts != "" && sig != "" && client != "" {
		return v.verifyHMAC(r, client, ts, sig, tenant, payload)
	}

	return nil, domain.Unauthenticated("Authentication required", nil)
}

// ParsePublicKeys decodes PEM encoded RSA or ECDSA public keys by key id.
func ParsePublicKeys(pems map[string]string) (map[string]crypto.PublicKey, error) {
	keys := make(map[string]crypto.PublicKey, len(pems))
	for kid, p := range pems {
		if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(p)); err == nil {
			keys[kid] = rsaKey
			continue
		}
		ecKey, err := jwt.ParseECPublicKeyFromPEM([]byte(p))
		if err != nil {
			return nil, fmt.Errorf("parse public key %q: %w", kid, err)
		}
		keys[kid] = ecKey
	}
	return keys, nil
}

func reject(message, scheme string, cause error, attrs ...any) error {
	args := append([]any{"scheme", scheme, "reason", message}, attrs...)
	if cause != nil {
		args = append(args, "error", cause)
	}
	slog.Warn("authentication failed", args...)
	return domain.Unauthenticated(message, cause)
}

// IsAuthError reports whether err came from credential verification.
func IsAuthError(err error) bool {
	return errors.Is(err, domain.ErrUnauthenticated)
}
