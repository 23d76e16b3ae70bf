package auth

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoAudience = errors.New("no jwt audience configured")

// selectKey picks the verification key for kid. A token without kid is
// accepted only when exactly one key is configured.
func (v *Verifier) selectKey(kid string) (crypto.PublicKey, bool) {
	if kid != "" {
		k, ok := v.cfg.JWTKeys[kid]
		return k, ok
	}
	if len(v.cfg.JWTKeys) == 1 {
		for _, k := range v.cfg.JWTKeys {
			return k, true
		}
	}
	return nil, false
}

func unverifiedKID(token string) string {
	t, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := t.Header["kid"].(string)
	return kid
}

func (v *Verifier) verifyJWT(token string) (*Context, error) {
	kid := unverifiedKID(token)
	// jwt skips the aud check entirely for an empty expected audience.
	if v.cfg.Audience == "" {
		return nil, reject("Invalid token", string(MethodJWT), errNoAudience, "kid", kid)
	}
	key, ok := v.selectKey(kid)
	if !ok {
		return nil, reject("Unknown key id", string(MethodJWT), nil, "kid", kid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithTimeFunc(v.now),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, reject("Invalid token", string(MethodJWT), err, "kid", kid)
	}

	sub, _ := claims.GetSubject()
	product := claimString(claims["product"])
	if sub == "" || product == "" {
		return nil, reject("Token missing claims", string(MethodJWT), nil, "kid", kid)
	}

	return &Context{
		Identity: sub,
		Tenant:   product,
		Method:   MethodJWT,
	}, nil
}

func claimString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}
