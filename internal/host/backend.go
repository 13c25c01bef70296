package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

// Backend executes actions on behalf of connected clients.
type Backend interface {
	// Execute runs one action. The result is marshaled as the reply's JSON
	// result; a *BinaryResult is sent base64 encoded.
	Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)
	// Close releases every resource the backend holds.
	Close() error
}

// BinaryResult is a byte payload such as a screenshot.
type BinaryResult struct {
	Data     []byte
	MimeType string
}

// Error codes sent in failure replies.
const (
	CodeUnknownAction = "unknown_action"
	CodeInvalidParams = "invalid_params"
	CodeTimeout       = "timeout"
	CodeNotFound      = "not_found"
	CodeBadRequest    = "bad_request"
	CodeActionFailed  = "action_failed"
)

// Error is a failure with a reply code chosen by the backend.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with code.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// replyError maps err to the code and message sent to the client.
func replyError(err error) (code, message string) {
	var he *Error
	switch {
	case errors.As(err, &he):
		return he.Code, he.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, err.Error()
	case errors.Is(err, schemas.ErrUnknownAction):
		return CodeUnknownAction, err.Error()
	case errors.Is(err, schemas.ErrInvalidParams):
		return CodeInvalidParams, err.Error()
	}
	return CodeActionFailed, err.Error()
}
