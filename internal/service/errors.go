package service

import "errors"

// Errors returned by the core operations. Callers match with errors.Is; the
// wrapped message carries the detail.
var (
	ErrValidation     = errors.New("validation error")
	ErrStateConflict  = errors.New("session state conflict")
	ErrAnswerRejected = errors.New("rejected by session state")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
)
