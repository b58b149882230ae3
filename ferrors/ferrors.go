// Package ferrors holds the sentinel error values shared across this
// module's packages. It exists so that the root package and its
// filesystem-scanner subpackages (apfs, and any future filesystem
// backend) can return and compare the same errors with errors.Is without
// creating an import cycle back through the orchestrator.
package ferrors

import "errors"

var (
	// ErrInvalidArgument indicates a bad offset, size, or open mode.
	ErrInvalidArgument = errors.New("fsdump: invalid argument")

	// ErrInvalidData indicates a signature mismatch or checksum failure.
	ErrInvalidData = errors.New("fsdump: invalid data")

	// ErrNotSupported indicates a recognized-but-unsupported on-disk
	// feature (CAB-based spaceman, differencing VHDX, an unknown required
	// region or metadata entry).
	ErrNotSupported = errors.New("fsdump: not supported")

	// ErrPermissionDenied indicates a write attempted against an image
	// that was opened read-only.
	ErrPermissionDenied = errors.New("fsdump: permission denied")

	// ErrReadOnlyMedia indicates a VHDX log replay was required but the
	// writer was opened read-only.
	ErrReadOnlyMedia = errors.New("fsdump: read-only media")
)
