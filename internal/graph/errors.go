package graph

import "errors"

var (
	// ErrInvalidInput covers malformed ids, bad slug tokens, and oversized
	// payloads.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCycle is returned when an edge would create a path from a label
	// back to itself. A self-edge is a length-one cycle.
	ErrCycle = errors.New("edge would create a cycle")

	// ErrDuplicateSlug is returned when a label with the same slug token
	// already exists among the affected siblings (or roots).
	ErrDuplicateSlug = errors.New("duplicate slug token")

	// ErrNotFound is returned for ids that do not exist in the caller's
	// tenant. A cross-tenant id is indistinguishable from an absent one.
	ErrNotFound = errors.New("label not found")

	// ErrConflict is returned for non-cascading deletes of non-empty labels
	// and for mutations that exhausted their transaction retries.
	ErrConflict = errors.New("conflict")
)
