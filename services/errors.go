package services

import "errors"

// Error taxonomy for the duel coordinator. Handlers map these onto HTTP
// statuses; everything else is treated as transient.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("invalid request")
	ErrUnauthorized = errors.New("unauthorized")
)
