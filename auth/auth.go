package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrMalformedHeader is returned by BearerToken for an Authorization header
// that is not a bearer credential.
var ErrMalformedHeader = errors.New("malformed authorization header")

// AnonymousUserID identifies callers that presented no credentials.
const AnonymousUserID = "anonymous"

// UserInfo represents an authenticated principal.
type UserInfo interface {
	UserID() string
	// Claims unmarshals the user's claims into ref.
	Claims(ref any) error
}

// Authenticator resolves a bearer token to a principal. tok is empty when
// the request carried no Authorization header; implementations decide
// whether that is acceptable.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// BearerToken extracts the bearer token from r. A missing header yields "".
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", ErrMalformedHeader
	}
	return strings.TrimSpace(tok), nil
}

type userKey struct{}

// WithUserInfo attaches the resolved principal to ctx.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, ui)
}

func UserInfoFrom(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userKey{}).(UserInfo)
	return ui, ok
}

// UserIDFrom returns the principal's id, or AnonymousUserID.
func UserIDFrom(ctx context.Context) string {
	if ui, ok := UserInfoFrom(ctx); ok && ui.UserID() != "" {
		return ui.UserID()
	}
	return AnonymousUserID
}

// Passthrough is the development authenticator: the bearer token itself is
// taken as the user id and a missing token is AnonymousUserID. It never
// fails.
type Passthrough struct{}

func (Passthrough) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		tok = AnonymousUserID
	}
	return User(tok), nil
}

// User is a principal with an id and no claims.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error { return nil }
