package apfs

import (
	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fsdump/ferrors"
)

// ErrInvalidData and ErrNotSupported alias the shared sentinels (see
// ferrors) so a caller's errors.Is check works the same whether the error
// originated here or in the root package.
var (
	ErrInvalidData  = ferrors.ErrInvalidData
	ErrNotSupported = ferrors.ErrNotSupported
)

func wrapRecover(errp *error) {
	if state := recover(); state != nil {
		if err, ok := state.(error); ok == true {
			*errp = log.Wrap(err)
		} else {
			*errp = log.Errorf("apfs: panic: %v", state)
		}
	}
}
