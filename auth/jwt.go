package auth

import (
	"context"
	"errors"
	"time"

	"github.com/mealmate/mealmate-mcp/internal/jwtauth"
)

// JWTConfig configures NewJWT. Audience is usually the public /mcp URL.
type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL        string
	RequiredScopes []string
	Leeway         time.Duration
}

// JWTAuthenticator validates RFC 9068 access tokens. Missing tokens are
// rejected with ErrUnauthorized.
type JWTAuthenticator struct {
	v *jwtauth.Verifier
}

// NewJWT builds a JWT authenticator. Without a JWKS URL the issuer's
// OpenID configuration is fetched; the static path accepts plain "JWT"
// typ headers.
func NewJWT(ctx context.Context, c JWTConfig) (*JWTAuthenticator, error) {
	if c.Audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = c.Issuer
	cfg.Audiences = []string{c.Audience}
	cfg.RequiredScopes = append([]string(nil), c.RequiredScopes...)
	if c.Leeway > 0 {
		cfg.Leeway = c.Leeway
	}

	var (
		v   *jwtauth.Verifier
		err error
	)
	if c.JWKSURL != "" {
		cfg.RequireATType = false
		v, err = jwtauth.NewStatic(ctx, cfg, c.JWKSURL)
	} else {
		v, err = jwtauth.NewFromDiscovery(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{v: v}, nil
}

func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := a.v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return p, nil
}

// Issuer is the authorization server advertised in resource metadata.
func (a *JWTAuthenticator) Issuer() string { return a.v.Metadata().Issuer }
