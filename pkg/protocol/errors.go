package protocol

import "errors"

var (
	// ErrDecode is returned when a wire envelope (control or JSON) cannot
	// be parsed. Callers should log and drop the connection; it never
	// mutates coordinator or participant state.
	ErrDecode = errors.New("malformed wire envelope")
)
