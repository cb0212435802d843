package signal

import (
	"errors"
	"fmt"

	"github.com/isqad/livelook-meet/internal/media"
)

type ErrorKind int

const (
	ProtocolError ErrorKind = iota + 1
	AuthError
	NotFoundError
	NegotiationFailure
	ResourceExhaustion
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolError:
		return "protocol"
	case AuthError:
		return "auth"
	case NotFoundError:
		return "not_found"
	case NegotiationFailure:
		return "negotiation"
	case ResourceExhaustion:
		return "exhausted"
	}
	return "unknown"
}

// Error is returned by every handler. Message is what the client sees.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidMessage = &Error{Kind: ProtocolError, Message: "Invalid Message Format"}
	ErrRoomRequired   = &Error{Kind: ProtocolError, Message: "Room Id is required."}
	ErrMeetNotFound   = &Error{Kind: NotFoundError, Message: "Meeting room doesn't exist."}
	ErrNotInRoom      = &Error{Kind: ProtocolError, Message: "Not a member of the room"}
	ErrDraining       = &Error{Kind: ResourceExhaustion, Message: "Media server is unavailable", Retryable: true}
	ErrUnknownConn    = errors.New("unknown connection")
)

func protocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: ProtocolError, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: NotFoundError, Message: fmt.Sprintf(format, args...)}
}

// negotiationError classifies an engine failure
func negotiationError(message string, err error) *Error {
	e := &Error{Kind: NegotiationFailure, Message: message, Err: err}

	switch {
	case errors.Is(err, media.ErrEngineUnavailable):
		e.Kind = ResourceExhaustion
		e.Retryable = true
	case errors.Is(err, media.ErrProducerNotFound):
		e.Kind = NotFoundError
	case errors.Is(err, media.ErrNotConnected), errors.Is(err, media.ErrAlreadyConnected),
		errors.Is(err, media.ErrWrongDirection), errors.Is(err, media.ErrNoFingerprints),
		errors.Is(err, media.ErrBadDtlsRole):
		e.Kind = ProtocolError
	}

	return e
}

// asError normalizes any handler error into the signaling taxonomy
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return negotiationError("Internal error", err)
}
