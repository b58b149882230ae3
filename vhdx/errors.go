package vhdx

import (
	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fsdump/ferrors"
)

// Sentinel errors alias the shared values (see ferrors) so a caller's
// errors.Is check behaves identically whether the error originated here,
// in apfs, or in the root package.
var (
	ErrInvalidData      = ferrors.ErrInvalidData
	ErrNotSupported     = ferrors.ErrNotSupported
	ErrPermissionDenied = ferrors.ErrPermissionDenied
	ErrReadOnlyMedia    = ferrors.ErrReadOnlyMedia
	ErrInvalidArgument  = ferrors.ErrInvalidArgument
)

func wrapRecover(errp *error) {
	if state := recover(); state != nil {
		if err, ok := state.(error); ok == true {
			*errp = log.Wrap(err)
		} else {
			*errp = log.Errorf("vhdx: panic: %v", state)
		}
	}
}
