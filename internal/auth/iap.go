package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

const iapAudiencePrefix = "/projects/"

// IAPValidator checks an IAP assertion's signature and expiry for audience
// and returns its claims.
type IAPValidator interface {
	Validate(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

type IAPValidatorFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

func (f IAPValidatorFunc) Validate(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
	return f(ctx, token, audience)
}

// GoogleIAPValidator verifies against Google's published IAP keys.
func GoogleIAPValidator() IAPValidator {
	return IAPValidatorFunc(idtoken.Validate)
}

func unverifiedAudience(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", err
	}
	return aud[0], nil
}

func (v *Verifier) verifyIAP(r *http.Request, assertion, tenant string) (*Context, error) {
	audience, err := unverifiedAudience(assertion)
	if err != nil {
		return nil, reject("Invalid IAP token", string(MethodIAP), err)
	}
	if !strings.HasPrefix(audience, iapAudiencePrefix) {
		return nil, reject("Invalid IAP token audience", string(MethodIAP), nil, "audience", audience)
	}

	payload, err := v.iap.Validate(r.Context(), assertion, audience)
	if err != nil {
		return nil, reject("Invalid IAP token", string(MethodIAP), err)
	}

	email, _ := payload.Claims["email"].(string)
	identity := payload.Subject
	if identity == "" {
		identity, _ = payload.Claims["sub"].(string)
	}
	if identity == "" {
		identity = email
	}
	if identity == "" {
		return nil, reject("IAP token missing user identity", string(MethodIAP), nil)
	}

	if tenant == "" {
		return nil, domain.BadRequest("Missing product in path", nil)
	}

	return &Context{
		Identity: identity,
		Tenant:   tenant,
		Method:   MethodIAP,
		ClientID: email,
	}, nil
}
