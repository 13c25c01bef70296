package schemas

import (
	"errors"
	"fmt"
)

// -- Error Taxonomy --
// Every failure a client call can produce matches exactly one of these with
// errors.Is. Validation errors (unknown action, invalid params, not connected)
// are returned before any I/O happens.
var (
	ErrConnection       = errors.New("connection error")
	ErrNotConnected     = errors.New("client is not connected")
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidParams    = errors.New("invalid params")
	ErrProtocol         = errors.New("protocol error")
	ErrRemoteAction     = errors.New("remote action failed")
	ErrTimeout          = errors.New("action timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// RemoteActionError carries the host's failure verbatim.
type RemoteActionError struct {
	Action  string
	Code    string
	Message string
}

func (e *RemoteActionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote action %q failed: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("remote action %q failed (%s): %s", e.Action, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrRemoteAction) match.
func (e *RemoteActionError) Is(target error) bool {
	return target == ErrRemoteAction
}

// NewRemoteActionError builds the typed error from a reply's error payload.
func NewRemoteActionError(action string, ae *ActionError) *RemoteActionError {
	if ae == nil {
		return &RemoteActionError{Action: action, Message: "unspecified remote failure"}
	}
	return &RemoteActionError{Action: action, Code: ae.Code, Message: ae.Message}
}
