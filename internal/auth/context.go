// Package auth verifies caller credentials and produces the identity a
// request runs under. Three schemes are accepted, in priority order: an IAP
// assertion header, a Bearer JWT, and an HMAC-signed request.
package auth

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

type Method string

const (
	MethodJWT  Method = "jwt"
	MethodHMAC Method = "hmac"
	MethodIAP  Method = "iap"
)

// Context is the verified identity of a request. It is built once by the
// Verifier and never modified afterwards.
type Context struct {
	Identity string
	Tenant   string
	Method   Method
	ClientID string
}

type contextKey struct{}

func NewContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok
}

// cachedBody replaces a request body once it has been read so the bytes
// used for signature checks are the bytes the handler decodes.
type cachedBody struct {
	data []byte
	*bytes.Reader
}

func (c *cachedBody) Close() error { return nil }

// CachedBody reads r.Body once and keeps it on the request. Later calls, and
// later reads of r.Body, see the same bytes.
func CachedBody(r *http.Request) ([]byte, error) {
	if cb, ok := r.Body.(*cachedBody); ok {
		cb.Reset(cb.data)
		return cb.data, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		r.Body = &cachedBody{data: nil, Reader: bytes.NewReader(nil)}
		return nil, nil
	}

	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = &cachedBody{data: data, Reader: bytes.NewReader(data)}
	return data, nil
}
