package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed   = errors.New("session: connection closed")
	ErrConnectionDisposed = errors.New("session: connection disposed")
	ErrRequestTimedOut    = errors.New("session: request timed out")
	ErrRequestCancelled   = errors.New("session: request cancelled")
	ErrUnhandledCommand   = errors.New("session: unhandled command")
	ErrHandlerPanic       = errors.New("session: handler panic")
	ErrAlreadyStarted     = errors.New("session: receive loop already started")
	ErrCommandRequired    = errors.New("session: command required")
)

// FailedRequestError is returned when the peer answers with success=false.
type FailedRequestError struct {
	Command    string
	RequestSeq int
	Message    string
	Body       json.RawMessage
}

func (e *FailedRequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session: request %q (seq=%d) failed", e.Command, e.RequestSeq)
	}
	return fmt.Sprintf("session: request %q (seq=%d) failed: %s", e.Command, e.RequestSeq, e.Message)
}

// RemoteError is an error packet received from the peer.
type RemoteError struct {
	Seq     int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: peer reported error (seq=%d): %s", e.Seq, e.Message)
}
