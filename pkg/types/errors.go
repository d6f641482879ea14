package types

import (
	"errors"
	"fmt"
)

// Caller input errors. Never retried.
var (
	ErrValidation     = errors.New("validation error")
	ErrEmptyQuery     = fmt.Errorf("%w: query is empty after normalization", ErrValidation)
	ErrInvalidOptions = fmt.Errorf("%w: invalid search options", ErrValidation)
)

// Engine errors
var (
	// ErrStoreUnavailable means no retrieval signal could be served for a
	// request, or a sync could not write to the catalog.
	ErrStoreUnavailable = errors.New("catalog store unavailable")

	// ErrSyncUnavailable aborts a sync cycle; previously synced data is left intact.
	ErrSyncUnavailable = errors.New("upstream catalog unavailable")

	// ErrSyncRecord marks a single upstream record that could not be mapped.
	ErrSyncRecord = errors.New("upstream record rejected")

	// ErrDimensionMismatch is a configuration error: every stored and queried
	// vector must share the dimension the store was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	ErrNotFound = errors.New("not found")
)

// Product validation errors
var (
	ErrMissingProductID   = errors.New("product id is required")
	ErrMissingProductName = errors.New("product name is required")
	ErrNegativePrice      = errors.New("price cannot be negative")
	ErrNegativeQuantity   = errors.New("available quantity cannot be negative")
)

// Search result errors
var (
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
)
