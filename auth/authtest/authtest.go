// Package authtest provides authenticators for tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/mealmate/mealmate-mcp/auth"
)

// Tokens accepts exactly the tokens it maps, resolving each to its user id.
// Anything else, including a missing token, is auth.ErrUnauthorized.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return auth.User(uid), nil
}

// Deny rejects every request with Err, or auth.ErrUnauthorized when nil.
type Deny struct{ Err error }

func (d Deny) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return nil, auth.ErrUnauthorized
}
