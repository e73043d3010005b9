package auth

import "errors"

var (
	// ErrKeyNotFound covers missing, malformed, unknown, inactive and expired tokens.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrStoreUnavailable is returned when the credential store cannot be queried.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrInvalidToken is returned for admin tokens that fail validation.
	ErrInvalidToken = errors.New("invalid admin token")
)
