package fsdump

import (
	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fsdump/ferrors"
)

// Error taxonomy. Callers distinguish these with errors.Is; the
// scanners and writers never return a bare fmt.Errorf for one of these
// conditions, so callers can reliably tell a recoverable per-partition
// failure from a fatal one. These alias ferrors' sentinels so that every
// package in this module (including the filesystem-scanner subpackages)
// compares against the exact same values.
var (
	ErrInvalidArgument  = ferrors.ErrInvalidArgument
	ErrInvalidData      = ferrors.ErrInvalidData
	ErrNotSupported     = ferrors.ErrNotSupported
	ErrPermissionDenied = ferrors.ErrPermissionDenied
	ErrReadOnlyMedia    = ferrors.ErrReadOnlyMedia
)

// wrapRecover turns a panicked error back into a return value: every
// exported function that does non-trivial parsing recovers a panic at
// its boundary and turns it into a wrapped error via log.Wrap.
func wrapRecover(errp *error) {
	if state := recover(); state != nil {
		if err, ok := state.(error); ok == true {
			*errp = log.Wrap(err)
		} else {
			*errp = log.Errorf("fsdump: panic: %v", state)
		}
	}
}
