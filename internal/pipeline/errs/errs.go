// Package errs defines the sentinel error kinds shared across the pipeline.
// Every stage-level error wraps one of these with %w so callers can
// classify failures with errors.Is without caring which package raised
// them.
package errs

import "errors"

var (
	// ErrInput covers malformed credentials, missing CLI arguments, and an
	// unordered storage stream.
	ErrInput = errors.New("input error")

	// ErrData covers an empty viz group, a non-homogeneous group forced into
	// multi-LOD mode, a mismatched elevation array length, or a duplicate row
	// at a unique key.
	ErrData = errors.New("data error")

	// ErrBounds covers a LOD exceeding the implementation maximum and a
	// filename exceeding the 63-character limit.
	ErrBounds = errors.New("bounds error")

	// ErrUpstream covers storage query failures and asset-server HTTP errors
	// other than a HEAD-check 404.
	ErrUpstream = errors.New("upstream error")

	// ErrNotImplemented covers the reserved mesh path.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInternal marks an invariant violation.
	ErrInternal = errors.New("internal error")
)
