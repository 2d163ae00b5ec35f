// Package auth resolves the caller of an HTTP request to a user id.
//
// The router extracts the bearer token with BearerToken and hands it to an
// Authenticator before any session is created. Two authenticators exist:
//
//   - Passthrough, the development default, takes the token as the user id
//     and maps a missing token to AnonymousUserID.
//   - JWTAuthenticator validates RFC 9068 access tokens against an issuer's
//     JWKS, found by OpenID discovery or configured directly.
//
// Failures are mapped onto WWW-Authenticate challenges with ChallengeFor:
// a malformed header is 400 invalid_request, a missing token is a bare 401
// carrying resource_metadata, an invalid token is 401 invalid_token and a
// missing scope is 403 insufficient_scope.
package auth
