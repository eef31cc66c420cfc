// Package errs defines the error taxonomy shared by the replication engine.
//
// Every failure that callers are expected to branch on carries a Code:
//   - DECODE_ERROR: malformed update bytes; rejected, logged, nothing mutated
//   - NOT_FOUND: unknown document, session or version; surfaced, never retried
//   - INVALID_JOIN_CODE: join code format mismatch; refused before any lookup
//   - INSUFFICIENT_HISTORY: version boundary already removed by compaction
//   - STORAGE_WRITE_FAILURE: durable write failed; the merge stays applied in memory
//
// Everything else is wrapped with fmt.Errorf("op: %w", err).
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	CodeDecode              Code = "DECODE_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidJoinCode     Code = "INVALID_JOIN_CODE"
	CodeInsufficientHistory Code = "INSUFFICIENT_HISTORY"
	CodeStorageWrite        Code = "STORAGE_WRITE_FAILURE"
)

// Error is a categorized engine error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Doc names the affected document, session or version when known.
	Doc string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Doc != "" {
		msg = fmt.Sprintf("%s (doc=%s)", msg, e.Doc)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decode creates a DECODE_ERROR.
func Decode(doc string, err error) *Error {
	return &Error{Code: CodeDecode, Message: "malformed update", Doc: doc, Err: err}
}

// NotFound creates a NOT_FOUND error for the given kind of thing ("document", "session", "version").
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: kind + " not found", Doc: id}
}

// InvalidJoinCode creates an INVALID_JOIN_CODE error.
func InvalidJoinCode(code string) *Error {
	return &Error{Code: CodeInvalidJoinCode, Message: fmt.Sprintf("invalid join code %q", code)}
}

// InsufficientHistory creates an INSUFFICIENT_HISTORY error for a boundary below the compaction floor.
func InsufficientHistory(doc string, boundary, floor int64) *Error {
	return &Error{
		Code:    CodeInsufficientHistory,
		Message: fmt.Sprintf("update %d is below compaction floor %d", boundary, floor),
		Doc:     doc,
	}
}

// StorageWrite creates a STORAGE_WRITE_FAILURE wrapping the backend error.
func StorageWrite(doc string, err error) *Error {
	return &Error{Code: CodeStorageWrite, Message: "persist failed", Doc: doc, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDecode reports whether err is a DECODE_ERROR.
func IsDecode(err error) bool { return CodeOf(err) == CodeDecode }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsInvalidJoinCode reports whether err is an INVALID_JOIN_CODE error.
func IsInvalidJoinCode(err error) bool { return CodeOf(err) == CodeInvalidJoinCode }

// IsInsufficientHistory reports whether err is an INSUFFICIENT_HISTORY error.
func IsInsufficientHistory(err error) bool { return CodeOf(err) == CodeInsufficientHistory }

// IsStorageWrite reports whether err is a STORAGE_WRITE_FAILURE.
func IsStorageWrite(err error) bool { return CodeOf(err) == CodeStorageWrite }
