// Package errs contains sentinel errors shared by the store and service
// layers so callers can map failures without depending on a driver.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation
	// (device name, card uid, student id, chat identity).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a failed device or bot authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller exceeded an attempt budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput indicates a malformed or empty request field.
	ErrInvalidInput = errors.New("invalid input")
)
