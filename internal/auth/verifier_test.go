package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"

	"github.com/felipepmaragno/keyproxy/internal/config"
	"github.com/felipepmaragno/keyproxy/internal/domain"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type testKeys struct {
	rsa   *rsa.PrivateKey
	other *rsa.PrivateKey
	ec    *ecdsa.PrivateKey
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ok, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return testKeys{rsa: rk, other: ok, ec: ek}
}

func newTestVerifier(keys map[string]crypto.PublicKey, opts ...Option) *Verifier {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewVerifier(Config{
		JWTKeys:     keys,
		HMACSecrets: map[string]string{"svc-a": "s3cret", "svc-b": "other"},
		Audience:    "keyproxy",
	}, opts...)
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":     "user-42",
		"product": "acme",
		"aud":     "keyproxy",
		"exp":     testNow.Add(time.Hour).Unix(),
		"iat":     testNow.Unix(),
	}
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/acme", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func errMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}

func TestVerifier_JWT(t *testing.T) {
	keys := newTestKeys(t)
	one := map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey}
	two := map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey, "k2": &keys.ec.PublicKey}

	with := func(mut func(jwt.MapClaims)) jwt.MapClaims {
		c := baseClaims()
		mut(c)
		return c
	}

	tests := []struct {
		name    string
		keys    map[string]crypto.PublicKey
		token   func() string
		wantErr string
	}{
		{
			name:  "valid rs256 with kid",
			keys:  two,
			token: func() string { return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", baseClaims()) },
		},
		{
			name:  "valid es256 with kid",
			keys:  two,
			token: func() string { return signToken(t, jwt.SigningMethodES256, keys.ec, "k2", baseClaims()) },
		},
		{
			name:  "no kid with single key",
			keys:  one,
			token: func() string { return signToken(t, jwt.SigningMethodRS256, keys.rsa, "", baseClaims()) },
		},
		{
			name:    "no kid with several keys",
			keys:    two,
			token:   func() string { return signToken(t, jwt.SigningMethodRS256, keys.rsa, "", baseClaims()) },
			wantErr: "Unknown key id",
		},
		{
			name:    "unknown kid",
			keys:    one,
			token:   func() string { return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k9", baseClaims()) },
			wantErr: "Unknown key id",
		},
		{
			name:    "signed by another key",
			keys:    one,
			token:   func() string { return signToken(t, jwt.SigningMethodRS256, keys.other, "k1", baseClaims()) },
			wantErr: "Invalid token",
		},
		{
			name:    "key type does not match alg",
			keys:    two,
			token:   func() string { return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k2", baseClaims()) },
			wantErr: "Invalid token",
		},
		{
			name: "expired",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					c["exp"] = testNow.Add(-time.Minute).Unix()
				}))
			},
			wantErr: "Invalid token",
		},
		{
			name: "not yet valid",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					c["nbf"] = testNow.Add(time.Hour).Unix()
				}))
			},
			wantErr: "Invalid token",
		},
		{
			name: "wrong audience",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					c["aud"] = "someone-else"
				}))
			},
			wantErr: "Invalid token",
		},
		{
			name: "missing audience",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					delete(c, "aud")
				}))
			},
			wantErr: "Invalid token",
		},
		{
			name:    "hmac algorithm refused",
			keys:    one,
			token:   func() string { return signToken(t, jwt.SigningMethodHS256, []byte("shared"), "k1", baseClaims()) },
			wantErr: "Invalid token",
		},
		{
			name: "alg none refused",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "k1", baseClaims())
			},
			wantErr: "Invalid token",
		},
		{
			name:    "garbage",
			keys:    one,
			token:   func() string { return "not.a.jwt" },
			wantErr: "Invalid token",
		},
		{
			name: "missing product",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					delete(c, "product")
				}))
			},
			wantErr: "Token missing claims",
		},
		{
			name: "missing sub",
			keys: one,
			token: func() string {
				return signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", with(func(c jwt.MapClaims) {
					delete(c, "sub")
				}))
			},
			wantErr: "Token missing claims",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(tt.keys)
			ac, err := v.Authenticate(bearerRequest(tt.token()), "acme")

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrUnauthenticated))
				assert.Equal(t, tt.wantErr, errMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, &Context{Identity: "user-42", Tenant: "acme", Method: MethodJWT}, ac)
		})
	}
}

func TestVerifier_JWT_TenantComesFromClaim(t *testing.T) {
	keys := newTestKeys(t)
	v := newTestVerifier(map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey})

	token := signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", baseClaims())
	ac, err := v.Authenticate(bearerRequest(token), "globex")
	require.NoError(t, err)

	// The caller compares this against the URL tenant and rejects the mismatch.
	assert.Equal(t, "acme", ac.Tenant)
}

func TestVerifier_JWT_DefaultAudience(t *testing.T) {
	t.Setenv("JWT_AUDIENCE", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	keys := newTestKeys(t)
	v := NewVerifier(Config{
		JWTKeys:  map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey},
		Audience: cfg.JWTAudience,
	}, WithClock(func() time.Time { return testNow }))

	claims := func(aud any) jwt.MapClaims {
		c := baseClaims()
		if aud == nil {
			delete(c, "aud")
		} else {
			c["aud"] = aud
		}
		return c
	}

	tests := []struct {
		name    string
		aud     any
		wantErr bool
	}{
		{"default audience", config.DefaultJWTAudience, false},
		{"audience list containing default", []string{"other", config.DefaultJWTAudience}, false},
		{"other service", "some-other-service", true},
		{"no audience claim", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", claims(tt.aud))
			_, err := v.Authenticate(bearerRequest(token), "acme")
			if tt.wantErr {
				assert.Equal(t, "Invalid token", errMessage(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifier_JWT_EmptyAudienceRejectsAll(t *testing.T) {
	keys := newTestKeys(t)
	v := NewVerifier(Config{
		JWTKeys: map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey},
	}, WithClock(func() time.Time { return testNow }))

	for _, aud := range []string{"keyproxy", "some-other-service", ""} {
		c := baseClaims()
		c["aud"] = aud
		token := signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", c)

		_, err := v.Authenticate(bearerRequest(token), "acme")
		assert.Equal(t, "Invalid token", errMessage(err), "aud=%q", aud)
	}
}

func hmacRequest(t *testing.T, secret, client, path, body string, ts int64) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(ts, 10)
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderClientID, client)
	r.Header.Set(HeaderSignature, Sign(secret, timestamp, http.MethodPost, path, []byte(body)))
	return r
}

func TestVerifier_HMAC(t *testing.T) {
	v := newTestVerifier(nil)
	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`

	r := hmacRequest(t, "s3cret", "svc-a", "/v1/chat/acme", body, testNow.Unix())
	ac, err := v.Authenticate(r, "acme")
	require.NoError(t, err)
	assert.Equal(t, &Context{Identity: "svc-a", Tenant: "acme", Method: MethodHMAC, ClientID: "svc-a"}, ac)

	// The handler must still be able to read the body.
	got, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestVerifier_HMAC_ByteFlip(t *testing.T) {
	v := newTestVerifier(nil)
	body := []byte(`{"model":"gpt-4o","messages":[]}`)
	timestamp := strconv.FormatInt(testNow.Unix(), 10)
	sig := Sign("s3cret", timestamp, http.MethodPost, "/v1/chat/acme", body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01

		r := httptest.NewRequest(http.MethodPost, "/v1/chat/acme", strings.NewReader(string(tampered)))
		r.Header.Set(HeaderTimestamp, timestamp)
		r.Header.Set(HeaderClientID, "svc-a")
		r.Header.Set(HeaderSignature, sig)

		_, err := v.Authenticate(r, "acme")
		if assert.Error(t, err, "byte %d", i) {
			assert.Equal(t, "Signature mismatch", errMessage(err), "byte %d", i)
		}
	}

	flipped := []byte(sig)
	flipped[0] ^= 0x01
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/acme", strings.NewReader(string(body)))
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderClientID, "svc-a")
	r.Header.Set(HeaderSignature, string(flipped))
	_, err := v.Authenticate(r, "acme")
	assert.Equal(t, "Signature mismatch", errMessage(err))
}

func TestVerifier_HMAC_SignatureBindsPathAndMethod(t *testing.T) {
	v := newTestVerifier(nil)
	timestamp := strconv.FormatInt(testNow.Unix(), 10)
	sig := Sign("s3cret", timestamp, http.MethodPost, "/v1/chat/acme", nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/globex", nil)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderClientID, "svc-a")
	r.Header.Set(HeaderSignature, sig)

	_, err := v.Authenticate(r, "globex")
	assert.Equal(t, "Signature mismatch", errMessage(err))
}

func TestVerifier_HMAC_Failures(t *testing.T) {
	v := newTestVerifier(nil)
	now := testNow.Unix()

	tests := []struct {
		name    string
		req     func() *http.Request
		tenant  string
		wantErr string
		kind    domain.Kind
	}{
		{
			name:    "unknown client",
			req:     func() *http.Request { return hmacRequest(t, "s3cret", "svc-x", "/v1/chat/acme", "{}", now) },
			tenant:  "acme",
			wantErr: "Unknown client",
			kind:    domain.KindUnauthenticated,
		},
		{
			name:    "wrong secret",
			req:     func() *http.Request { return hmacRequest(t, "other", "svc-a", "/v1/chat/acme", "{}", now) },
			tenant:  "acme",
			wantErr: "Signature mismatch",
			kind:    domain.KindUnauthenticated,
		},
		{
			name: "invalid timestamp",
			req: func() *http.Request {
				r := hmacRequest(t, "s3cret", "svc-a", "/v1/chat/acme", "{}", now)
				r.Header.Set(HeaderTimestamp, "yesterday")
				return r
			},
			tenant:  "acme",
			wantErr: "Invalid timestamp",
			kind:    domain.KindUnauthenticated,
		},
		{
			name:    "too old",
			req:     func() *http.Request { return hmacRequest(t, "s3cret", "svc-a", "/v1/chat/acme", "{}", now-301) },
			tenant:  "acme",
			wantErr: "Timestamp outside tolerance",
			kind:    domain.KindUnauthenticated,
		},
		{
			name:    "too far ahead",
			req:     func() *http.Request { return hmacRequest(t, "s3cret", "svc-a", "/v1/chat/acme", "{}", now+301) },
			tenant:  "acme",
			wantErr: "Timestamp outside tolerance",
			kind:    domain.KindUnauthenticated,
		},
		{
			name:    "missing tenant",
			req:     func() *http.Request { return hmacRequest(t, "s3cret", "svc-a", "/v1/chat/", "{}", now) },
			tenant:  "",
			wantErr: "Missing product in path",
			kind:    domain.KindBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(tt.req(), tt.tenant)
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, errMessage(err))
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestVerifier_HMAC_ToleranceBoundary(t *testing.T) {
	v := newTestVerifier(nil)
	_, err := v.Authenticate(hmacRequest(t, "s3cret", "svc-a", "/v1/chat/acme", "{}", testNow.Unix()-300), "acme")
	assert.NoError(t, err)
}

func TestVerifier_NoCredentials(t *testing.T) {
	v := newTestVerifier(nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/acme", nil)
	r.Header.Set(HeaderTimestamp, "1")
	r.Header.Set(HeaderClientID, "svc-a")

	_, err := v.Authenticate(r, "acme")
	assert.Equal(t, "Authentication required", errMessage(err))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = v.Authenticate(r, "acme")
	assert.Equal(t, "Authentication required", errMessage(err))
}

func iapToken(t *testing.T, key *ecdsa.PrivateKey, aud string) string {
	return signToken(t, jwt.SigningMethodES256, key, "iap-1", jwt.MapClaims{
		"aud": aud,
		"sub": "accounts.google.com:123",
		"exp": testNow.Add(time.Hour).Unix(),
	})
}

type fakeIAP struct {
	payload  *idtoken.Payload
	err      error
	audience string
	calls    int
}

func (f *fakeIAP) Validate(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
	f.calls++
	f.audience = audience
	return f.payload, f.err
}

func TestVerifier_IAP(t *testing.T) {
	keys := newTestKeys(t)
	aud := "/projects/123/apps/my-app"

	tests := []struct {
		name     string
		aud      string
		iap      *fakeIAP
		tenant   string
		want     *Context
		wantErr  string
		validate bool
	}{
		{
			name:     "subject identity",
			aud:      aud,
			iap:      &fakeIAP{payload: &idtoken.Payload{Subject: "accounts.google.com:123", Claims: map[string]any{"email": "a@example.com"}}},
			tenant:   "acme",
			want:     &Context{Identity: "accounts.google.com:123", Tenant: "acme", Method: MethodIAP, ClientID: "a@example.com"},
			validate: true,
		},
		{
			name:     "falls back to email",
			aud:      aud,
			iap:      &fakeIAP{payload: &idtoken.Payload{Claims: map[string]any{"email": "b@example.com"}}},
			tenant:   "acme",
			want:     &Context{Identity: "b@example.com", Tenant: "acme", Method: MethodIAP, ClientID: "b@example.com"},
			validate: true,
		},
		{
			name:     "no identity",
			aud:      aud,
			iap:      &fakeIAP{payload: &idtoken.Payload{Claims: map[string]any{}}},
			tenant:   "acme",
			wantErr:  "IAP token missing user identity",
			validate: true,
		},
		{
			name:    "audience outside IAP",
			aud:     "https://example.com",
			iap:     &fakeIAP{},
			tenant:  "acme",
			wantErr: "Invalid IAP token audience",
		},
		{
			name:     "signature rejected",
			aud:      aud,
			iap:      &fakeIAP{err: errors.New("idtoken: invalid token signature")},
			tenant:   "acme",
			wantErr:  "Invalid IAP token",
			validate: true,
		},
		{
			name:     "missing tenant",
			aud:      aud,
			iap:      &fakeIAP{payload: &idtoken.Payload{Subject: "u"}},
			tenant:   "",
			wantErr:  "Missing product in path",
			validate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(nil, WithIAPValidator(tt.iap))
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/acme", nil)
			r.Header.Set(HeaderIAPAssertion, iapToken(t, keys.ec, tt.aud))

			ac, err := v.Authenticate(r, tt.tenant)

			if tt.validate {
				assert.Equal(t, 1, tt.iap.calls)
				assert.Equal(t, tt.aud, tt.iap.audience)
			} else {
				assert.Zero(t, tt.iap.calls)
			}
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ac)
		})
	}
}

func TestVerifier_IAPTakesPriority(t *testing.T) {
	keys := newTestKeys(t)
	iap := &fakeIAP{payload: &idtoken.Payload{Subject: "iap-user"}}
	v := newTestVerifier(map[string]crypto.PublicKey{"k1": &keys.rsa.PublicKey}, WithIAPValidator(iap))

	r := bearerRequest(signToken(t, jwt.SigningMethodRS256, keys.rsa, "k1", baseClaims()))
	r.Header.Set(HeaderIAPAssertion, iapToken(t, keys.ec, "/projects/1/apps/x"))

	ac, err := v.Authenticate(r, "acme")
	require.NoError(t, err)
	assert.Equal(t, MethodIAP, ac.Method)
	assert.Equal(t, "iap-user", ac.Identity)
}

func TestParsePublicKeys(t *testing.T) {
	keys := newTestKeys(t)

	rsaDER, err := x509.MarshalPKIXPublicKey(&keys.rsa.PublicKey)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKIXPublicKey(&keys.ec.PublicKey)
	require.NoError(t, err)

	parsed, err := ParsePublicKeys(map[string]string{
		"rsa": string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: rsaDER})),
		"ec":  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: ecDER})),
	})
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, parsed["rsa"])
	assert.IsType(t, &ecdsa.PublicKey{}, parsed["ec"])

	_, err = ParsePublicKeys(map[string]string{"bad": "not a pem"})
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	ac := &Context{Identity: "u", Tenant: "acme", Method: MethodHMAC}
	ctx := NewContext(context.Background(), ac)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, ac, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
