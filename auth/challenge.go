package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge is an HTTP rejection of a request's credentials.
type Challenge struct {
	Status          int
	WWWAuthenticate string
	Description     string
}

// ChallengeFor maps an authentication error onto its challenge. hadToken
// reports whether the request presented a bearer token at all.
func ChallengeFor(err error, hadToken bool, resourceMetadataURL string) Challenge {
	switch {
	case errors.Is(err, ErrMalformedHeader):
		return Challenge{
			Status:          http.StatusBadRequest,
			WWWAuthenticate: bearer(resourceMetadataURL, "invalid_request", "Invalid Authorization header"),
			Description:     "Invalid Authorization header",
		}
	case errors.Is(err, ErrInsufficientScope):
		return Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: bearer(resourceMetadataURL, "insufficient_scope", "Insufficient scope"),
			Description:     "Insufficient scope",
		}
	case !hadToken:
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: bearer(resourceMetadataURL, "", ""),
			Description:     "Authentication required",
		}
	default:
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: bearer(resourceMetadataURL, "invalid_token", "The access token is invalid"),
			Description:     "Invalid access token",
		}
	}
}

func bearer(resourceMetadataURL, code, description string) string {
	params := []string{fmt.Sprintf("resource_metadata=%q", resourceMetadataURL)}
	if code != "" {
		params = append(params, fmt.Sprintf("error=%q", code), fmt.Sprintf("error_description=%q", description))
	}
	return "Bearer " + strings.Join(params, ", ")
}
