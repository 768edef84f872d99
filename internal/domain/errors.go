package domain

import "errors"

// Sentinel errors shared across layers; transport maps them to HTTP statuses.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrConfiguration = errors.New("configuration error")
)
