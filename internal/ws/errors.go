package ws

import "errors"

var (
	ErrNotAMember       = errors.New("not a member of chat")
	ErrNotActiveMember  = errors.New("chat not joined")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrTransportFailure = errors.New("transport failure")
	ErrSessionNotReady  = errors.New("session not ready")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrUnknownType      = errors.New("unknown event type")
	ErrSendOverflow     = errors.New("send buffer full")
	ErrSuperseded       = errors.New("superseded by a newer session")
	ErrHubClosed        = errors.New("server shutting down")
)

// Error codes carried by outbound error events.
const (
	CodeInvalidEvent    = "invalid_event"
	CodeUnknownType     = "unknown_type"
	CodeNotAMember      = "not_a_member"
	CodeNotActiveMember = "not_active_member"
	CodeUnknownMessage  = "unknown_message"
	CodeSessionNotReady = "not_ready"
	CodeInternal        = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrNotActiveMember):
		return CodeNotActiveMember
	case errors.Is(err, ErrUnknownMessage):
		return CodeUnknownMessage
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	case errors.Is(err, ErrInvalidEvent):
		return CodeInvalidEvent
	case errors.Is(err, ErrSessionNotReady):
		return CodeSessionNotReady
	default:
		return CodeInternal
	}
}
