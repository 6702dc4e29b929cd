package protocol

import "fmt"

// Wire error codes.
const (
	CodeNoSuchContext     = "no such context"
	CodeInvalidArgument   = "invalid argument"
	CodeNavigationAborted = "navigation aborted"
	CodeUnknownMethod     = "unknown method"
	CodeUnknownError      = "unknown error"
)

// Error is a protocol-level command failure with a wire error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NoSuchContext reports an operation referencing an id not in the live tree.
func NoSuchContext(id string) *Error {
	return &Error{Code: CodeNoSuchContext, Message: fmt.Sprintf("context %s not found", id)}
}

// InvalidArgument reports malformed command parameters.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NavigationAborted reports a navigation cut short by an engine failure or
// the destruction of its context. Waiting commands surface this instead of
// blocking forever.
func NavigationAborted(reason string) *Error {
	if reason == "" {
		reason = "navigation aborted"
	}
	return &Error{Code: CodeNavigationAborted, Message: reason}
}

// UnknownMethod reports an unrecognized command method.
func UnknownMethod(method string) *Error {
	return &Error{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", method)}
}
