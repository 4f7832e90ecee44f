package participant

import "errors"

var (
	ErrCrashed           = errors.New("participant is crashed")
	ErrUnknownTransaction = errors.New("unknown transaction id")
	ErrNotPrepared       = errors.New("transaction not in prepared state")
)
