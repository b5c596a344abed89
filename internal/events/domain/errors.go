package domain

import "fmt"

// ParseError reports a notification payload or block that could not be decoded.
type ParseError struct {
	// Block is the zero-based index of the embedded message, or -1 for the envelope.
	Block  int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	scope := "envelope"
	if e.Block >= 0 {
		scope = fmt.Sprintf("block %d", e.Block)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", scope, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", scope, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
