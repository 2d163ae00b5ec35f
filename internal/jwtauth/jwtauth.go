// Package jwtauth verifies JWT access tokens against an issuer's JWKS.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the token failed signature, issuer, audience or
	// time validation.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrInsufficientScope means the token is valid but lacks a required scope.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// Config controls token validation.
type Config struct {
	Issuer string
	// Audiences lists every accepted "aud" value. A token must carry at
	// least one of them.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
	// RequireATType enforces the RFC 9068 "at+jwt" typ header.
	RequireATType bool
}

// DefaultConfig returns RS256 only with a 60s leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		RequireATType: true,
	}
}

// Metadata is what the verifier learned about its issuer.
type Metadata struct {
	Issuer                string
	JWKSURL               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ScopesSupported       []string
}

// Principal is the subject of a verified token.
type Principal struct {
	Subject string
	Scopes  []string
	claims  jwt.MapClaims
}

func (p *Principal) UserID() string { return p.Subject }

// Claims decodes the raw token claims into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks tokens. It is safe for concurrent use; keys are refreshed
// in the background until the context passed to its constructor ends.
type Verifier struct {
	cfg  Config
	meta Metadata
	keys jwt.Keyfunc
}

// NewFromDiscovery reads the issuer's OpenID configuration to find its JWKS.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var doc struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if doc.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newVerifier(ctx, cfg, Metadata{
		Issuer:                doc.Issuer,
		JWKSURL:               doc.JwksURI,
		AuthorizationEndpoint: doc.Authorization,
		TokenEndpoint:         doc.Token,
		ScopesSupported:       doc.Scopes,
	})
}

// NewStatic builds a verifier for a known issuer and JWKS URL.
func NewStatic(ctx context.Context, cfg *Config, jwksURL string) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	return newVerifier(ctx, cfg, Metadata{Issuer: cfg.Issuer, JWKSURL: jwksURL})
}

func newVerifier(ctx context.Context, cfg *Config, meta Metadata) (*Verifier, error) {
	c := *cfg
	if len(c.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Verifier{
		cfg:  c,
		meta: meta,
		keys: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (v *Verifier) Metadata() Metadata { return v.meta }

// Verify validates tok and returns its subject.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.meta.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireATType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	scope, _ := claims["scope"].(string)
	scopes := strings.Fields(scope)
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(scopes, want) {
			return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return &Principal{Subject: sub, Scopes: scopes, claims: claims}, nil
}
