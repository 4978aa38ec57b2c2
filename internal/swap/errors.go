package swap

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrSwapCanceled     = errors.New("swap is canceled")
	ErrNoSecret         = errors.New("secret is not known")
	ErrWrongSecret      = errors.New("secret does not match committed hash")
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// ErrorCode classifies business failures surfaced to synchronous callers.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInsufficientFunds
	CodeSigningFailed
	CodeBroadcastFailed
	CodeWrongSwapData
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInsufficientFunds:
		return "insufficient_funds"
	case CodeSigningFailed:
		return "signing_failed"
	case CodeBroadcastFailed:
		return "broadcast_failed"
	case CodeWrongSwapData:
		return "wrong_swap_data"
	default:
		return "unknown"
	}
}

// Error is a typed business failure. Soft failures (insufficient funds,
// wallet refused to sign) leave the swap in its prior state for a later
// retry; they are logged and returned, never panicked.
type Error struct {
	Code        ErrorCode
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// AsSwapError extracts a typed swap error from an error chain.
func AsSwapError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
