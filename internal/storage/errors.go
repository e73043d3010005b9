package storage

import "errors"

var (
	// ErrAPIKeyNotFound is returned when no usable API key matches
	ErrAPIKeyNotFound = errors.New("API key not found")
)
