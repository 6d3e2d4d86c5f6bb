package mbox

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSeparator is reported when a container does not start with a From_ line.
	ErrMissingSeparator = errors.New("mbox: content before first From_ separator")
	// ErrUnterminatedSeparator is reported when a From_ line is cut off by the end of input.
	ErrUnterminatedSeparator = errors.New("mbox: unterminated From_ separator line")
	// ErrTruncatedHeader is reported when the container ends mid-line inside a header block.
	ErrTruncatedHeader = errors.New("mbox: truncated header block")
)

// ParseError describes a malformed or truncated container.
type ParseError struct {
	// Offset is the byte offset of the line where parsing stopped.
	Offset int
	// Index is the 1-based index of the message being parsed.
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse mbox: message %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FramingError is reported when a message cannot be written into a container.
type FramingError struct {
	// Index is the 1-based position of the offending input.
	Index int
	Name  string
	Err   error
}

func (e *FramingError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("compose mbox: input %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("compose mbox: input %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
