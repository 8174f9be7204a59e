package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCode indicates an exchange was attempted without an authorization code.
	ErrMissingCode = errors.New("provider.missing_code")
	// ErrUnknownProvider indicates no client is registered for the requested provider.
	ErrUnknownProvider = errors.New("provider.unknown")
	// ErrMalformedProfile indicates the provider profile lacks the required external id.
	ErrMalformedProfile = errors.New("profile.malformed")
	// ErrUnresolvedIdentity indicates credential issuance was attempted without an identity.
	ErrUnresolvedIdentity = errors.New("credential.unresolved_identity")
	// ErrInvalidCredential indicates a presented session credential failed validation.
	ErrInvalidCredential = errors.New("credential.invalid")
	// ErrStoreUnavailable indicates a storage tier could not serve the operation.
	ErrStoreUnavailable = errors.New("token_store.unavailable")
	// ErrConflict indicates the durable tier rejected a write on the (provider, subject) constraint.
	ErrConflict = errors.New("token_store.conflict")
	// ErrRecordNotFound indicates the durable tier holds no row for the identity.
	ErrRecordNotFound = errors.New("token_store.record_not_found")
	// ErrCacheMiss indicates the cache tier holds no live entry for the key.
	ErrCacheMiss = errors.New("token_store.cache_miss")
	// ErrMissingTTL indicates a cache write without a positive expiration.
	ErrMissingTTL = errors.New("token_store.missing_ttl")
	// ErrEmptyTokenValue indicates a cache write with an empty value.
	ErrEmptyTokenValue = errors.New("token_store.empty_value")
	// ErrCodeNotFound indicates an authorization code was already consumed, expired, or never issued.
	ErrCodeNotFound = errors.New("authorization_code.not_found")
)

// ConfigurationError reports required provider or signing configuration that is missing.
type ConfigurationError struct {
	Field string
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("config.missing_%s: %s must be provided", err.Field, err.Field)
}

// ProviderError reports a rejected or failed provider round trip.
// Status is zero when no HTTP response was received.
type ProviderError struct {
	Status int
	Body   string
}

func (err *ProviderError) Error() string {
	if err.Status == 0 {
		return fmt.Sprintf("provider.request_failed: %s", err.Body)
	}
	return fmt.Sprintf("provider.status_%d: %s", err.Status, err.Body)
}
