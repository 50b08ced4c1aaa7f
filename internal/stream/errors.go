package stream

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConnection         = errors.New("connection error")
	ErrProtocol           = errors.New("protocol error")
	ErrSend               = errors.New("send error")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
	ErrSubscription       = errors.New("subscription error")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

var (
	errMissingURL  = errors.New("endpoint url is required")
	errMissingType = errors.New("frame has no type field")
)

// Error is an advisory error reported to observers. Only an error of kind
// ErrReconnectExhausted is terminal.
type Error struct {
	Kind    error  // One of the Err* kinds above
	Channel string // Set for subscription errors
	Err     error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Channel != "" {
		msg = fmt.Sprintf("%s: channel %s", msg, e.Channel)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Terminal reports whether no further automatic recovery will happen.
func (e *Error) Terminal() bool {
	return e.Kind == ErrReconnectExhausted
}
