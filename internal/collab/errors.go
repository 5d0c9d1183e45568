package collab

import "fmt"

type ErrorCode string

const (
	CodeUnauthenticated    ErrorCode = "UNAUTHENTICATED"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	CodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"
	CodeTerminal           ErrorCode = "TERMINAL"
)

// Error is the only error type that crosses the public API boundary; store
// and transport failures are wrapped, never re-thrown raw.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller may simply try again later.
func (e *Error) Retryable() bool {
	return e != nil && (e.Code == CodeStoreUnavailable || e.Code == CodeChannelUnavailable)
}

func collabError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
