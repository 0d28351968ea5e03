package ws

import (
	"time"

	"chat-relay/internal/observability"
)

// ConnInfo describes the transport a session is bound to.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) identity() observability.WSIdentity {
	return observability.WSIdentity{
		ConnID:   i.ConnID,
		UserID:   i.UserID,
		DeviceID: i.DeviceID,
		IP:       i.IP,
	}
}
