package marketdata

import (
	"context"
	"fmt"
)

// ============================================================================
// INTERFACES - contracts between the protocol engine and its collaborators
// ============================================================================

// TokenProvider exchanges credentials for an access token.
// An empty refreshToken requests a fresh sign-on with the configured password;
// otherwise the refresh grant is used.
type TokenProvider interface {
	Token(ctx context.Context, refreshToken string) (TokenInfo, error)
}

// TokenProviderFunc adapts a function to TokenProvider
type TokenProviderFunc func(ctx context.Context, refreshToken string) (TokenInfo, error)

// Token implements TokenProvider
func (f TokenProviderFunc) Token(ctx context.Context, refreshToken string) (TokenInfo, error) {
	return f(ctx, refreshToken)
}

// ============================================================================
// ERRORS
// ============================================================================

// AuthError is returned when the token endpoint rejects a request
type AuthError struct {
	StatusCode int
	Reason     string
	Body       string
}

func (e *AuthError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("authentication failed: %d %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("authentication failed: %d %s: %s", e.StatusCode, e.Reason, e.Body)
}
