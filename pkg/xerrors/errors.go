// Package xerrors defines the stable error codes surfaced by the ledger,
// bundle pipeline and verifier.
//
// Callers branch on codes with errors.Is against the exported sentinels:
//
//	if errors.Is(err, xerrors.ErrEmptyBundle) { ... }
//
// Wrapping with fmt.Errorf("...: %w", err) keeps the code reachable.
package xerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeEmptyBundle   Code = "EMPTY_BUNDLE"
	CodeTampered      Code = "TAMPERED"
	CodeSigningFailed Code = "SIGNING_FAILED"
	CodeUploadFailed  Code = "UPLOAD_FAILED"
	CodeQueueClosed   Code = "QUEUE_CLOSED"
	CodeMaxRetries    Code = "MAX_RETRIES"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeChainConflict Code = "CHAIN_CONFLICT"
	CodeRateLimited   Code = "RATE_LIMITED"
)

// Sentinels. Match with errors.Is; any *Error carrying the same code matches.
var (
	ErrEmptyBundle   = &Error{Code: CodeEmptyBundle}
	ErrTampered      = &Error{Code: CodeTampered}
	ErrSigningFailed = &Error{Code: CodeSigningFailed}
	ErrUploadFailed  = &Error{Code: CodeUploadFailed}
	ErrQueueClosed   = &Error{Code: CodeQueueClosed}
	ErrMaxRetries    = &Error{Code: CodeMaxRetries}
	ErrInvalidInput  = &Error{Code: CodeInvalidInput}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrChainConflict = &Error{Code: CodeChainConflict}
	ErrRateLimited   = &Error{Code: CodeRateLimited}
)

// Error carries a Code, the operation that failed and an optional cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and a formatted message as cause.
func New(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MaxMessageLen bounds error text persisted to last_error columns.
const MaxMessageLen = 2000

// Message renders err for storage, cut to at most n bytes on a rune
// boundary. A nil err yields "".
func Message(err error, n int) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), n)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
