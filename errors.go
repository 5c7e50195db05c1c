package boorucache

import "errors"

var (
	// ErrNotFound means the site authoritatively reported the entity does
	// not exist. Resolution does not retry it.
	ErrNotFound = errors.New("not found")

	// ErrEmptyResult means the site returned nothing without confirming
	// absence. Resolution treats it as a transient failure.
	ErrEmptyResult = errors.New("empty result")

	// ErrExhaustedRetries wraps the last cause once a resolution gives up.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrCancelled is returned to waiters when the owning scope stops a
	// task before it settled. It is not a failure.
	ErrCancelled = errors.New("cancelled")
)
