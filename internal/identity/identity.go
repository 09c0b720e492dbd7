package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt"
)

// Provider yields the authenticated driver id. A false second return means
// "not authenticated": telemetry upserts and accept calls become no-ops until
// an id is available.
type Provider interface {
	CurrentDriverID() (string, bool)
}

// Static returns a fixed id; an empty id means unauthenticated. Used in tests
// and local runs.
type Static string

func (s Static) CurrentDriverID() (string, bool) {
	return string(s), s != ""
}

// TokenProvider extracts the driver id from a platform access token's subject
// claim. When a secret is supplied the HS256 signature is verified; otherwise
// the token is decoded only, since the platform re-verifies it server-side on
// every call.
type TokenProvider struct {
	driverID string
}

func FromAccessToken(token, secret string) (*TokenProvider, error) {
	var claims jwt.MapClaims
	if secret != "" {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			return nil, fmt.Errorf("verifying access token: %w", err)
		}
		claims = parsed.Claims.(jwt.MapClaims)
	} else {
		claims = jwt.MapClaims{}
		if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("decoding access token: %w", err)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("access token has no subject claim")
	}
	return &TokenProvider{driverID: sub}, nil
}

func (p *TokenProvider) CurrentDriverID() (string, bool) {
	return p.driverID, p.driverID != ""
}
