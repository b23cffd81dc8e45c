// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package models

import "errors"

// Error taxonomy. Callers branch with errors.As / the Is* helpers and map
// each kind to their transport's status codes. Aggregation code never
// returns these for "nobody voted yet"; empty inputs yield empty results.

// ValidationError reports a malformed or missing required field. Not
// retryable; the caller must fix the request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError reports a request that is well-formed but clashes with
// current state: activity locked, idempotency key reuse with a different
// payload, an in-flight duplicate, or a vote/ballot limit.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NotFoundError reports an unknown session/activity/item/bucket.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// TransientStoreError reports a momentary store failure or constraint
// race. Recovered locally once by re-querying; surfaced as a Conflict if
// recovery fails.
type TransientStoreError struct {
	Message string
	Err     error
}

func (e *TransientStoreError) Error() string { return e.Message }
func (e *TransientStoreError) Unwrap() error { return e.Err }

func Validationf(msg string) error { return &ValidationError{Message: msg} }
func Conflictf(msg string) error   { return &ConflictError{Message: msg} }
func NotFoundf(msg string) error   { return &NotFoundError{Message: msg} }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}
