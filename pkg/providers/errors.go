package providers

import "github.com/pkg/errors"

var (
	// ErrProviderNotConfigured is returned when OAuth credentials for a
	// provider are missing from the environment.
	ErrProviderNotConfigured = errors.New("provider oauth credentials not configured")

	// ErrUpstreamAuth is returned when the provider rejects our credentials.
	// Callers must surface it, never swallow it into stale data.
	ErrUpstreamAuth = errors.New("provider rejected credentials")

	// ErrTokenExpiredNoRefresh is returned when a token is past expiry and
	// the connection holds no refresh token.
	ErrTokenExpiredNoRefresh = errors.New("token expired and no refresh token available")

	// ErrRefreshNotSupported is returned by providers whose tokens do not
	// expire.
	ErrRefreshNotSupported = errors.New("provider does not support token refresh")

	// ErrItemNotFound is returned when the provider no longer has the item.
	ErrItemNotFound = errors.New("item not found at provider")

	// ErrTransientFetch is returned for retryable upstream failures.
	ErrTransientFetch = errors.New("transient provider fetch failure")
)
