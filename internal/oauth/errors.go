package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCallback        = errors.New("invalid authorization callback")
	ErrAuthorizationDenied    = errors.New("authorization denied")
	ErrGrantDenied            = errors.New("token grant denied")
	ErrTransport              = errors.New("token endpoint unreachable")
	ErrInvalidTokenResponse   = errors.New("invalid token response")
	ErrUnsupportedTokenType   = errors.New("unsupported token type")
	ErrNoPendingAuthorization = errors.New("no pending authorization")
	ErrNoCallback             = errors.New("no authorization response found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNoRefreshToken         = errors.New("no refresh token")
	// ErrGrantDiscarded is returned by an exchange that completed after the
	// grant was cleared, for instance by a logout.
	ErrGrantDiscarded         = errors.New("grant discarded, the session ended during the exchange")
)

// AuthorizationError is the denial reported by the authorization server on
// the redirect URI. It matches ErrAuthorizationDenied.
type AuthorizationError struct {
	Response ErrorResponse
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAuthorizationDenied, e.Response)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrAuthorizationDenied
}

// GrantError means the token endpoint rejected the code or refresh token.
// It matches ErrGrantDenied.
type GrantError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: status %d, error %s", ErrGrantDenied, e.StatusCode, e.Response)
}

func (e *GrantError) Unwrap() error {
	return ErrGrantDenied
}

// TransportError means the token endpoint could not be reached or failed on
// its side (5xx, 429). The request may be retried. It matches ErrTransport.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrTransport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
