package model

import (
	"errors"
	"fmt"
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

const (
	AuthStateNotFound = "not found"
	AuthStateExpired  = "expired"
)

// AuthStateError reports an unknown, consumed or expired PKCE state.
// The caller must restart the authorization flow.
type AuthStateError struct {
	Reason string
}

func (e *AuthStateError) Error() string { return "auth state " + e.Reason }

// TokenExchangeError reports a failed call to the token endpoint.
type TokenExchangeError struct {
	Grant      string
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange (%s) failed: HTTP %d: %s", e.Grant, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token exchange (%s) failed: %v", e.Grant, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// PublishError reports a gateway publish failure after the 401 retry policy.
type PublishError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("publish failed: HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return "publish failed: " + e.Err.Error()
	}
	return "publish failed: " + e.Message
}

func (e *PublishError) Unwrap() error { return e.Err }

// MetricsError reports a gateway metrics failure.
type MetricsError struct {
	TweetID    string
	StatusCode int
	Message    string
	Err        error
}

func (e *MetricsError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("metrics for %s failed: HTTP %d: %s", e.TweetID, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("metrics for %s failed: %v", e.TweetID, e.Err)
	}
	return fmt.Sprintf("metrics for %s failed: %s", e.TweetID, e.Message)
}

func (e *MetricsError) Unwrap() error { return e.Err }

// CryptoError reports an invalid envelope or a failed authentication check.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "crypto: " + e.Op + ": " + e.Err.Error() }

func (e *CryptoError) Unwrap() error { return e.Err }

var (
	// ErrNotConnected is returned when no usable credential is stored.
	ErrNotConnected = errors.New("not connected: no stored access token")
	// ErrNoRefreshToken is returned when a refresh is requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token stored")

	ErrPayloadInvalid       = errors.New("payload invalid")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// IsRetryableAuth reports whether err means the caller should reconnect.
func IsRetryableAuth(err error) bool {
	var stateErr *AuthStateError
	return errors.As(err, &stateErr) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoRefreshToken)
}
