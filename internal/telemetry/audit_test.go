package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	routingKey string
	event      any
	headers    map[string]string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.routingKey = routingKey
	p.event = event
	p.headers = headers
	return nil
}

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	emitter := NewAuditEmitter(pub, "audit.chat", "chat-relay", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	userID := int64(7)

	emitter.Emit(context.Background(), "WARN", "invalid token", "req-1", &userID)

	require.Equal(t, "audit.chat", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "chat-relay", envelope.Service)
	assert.Equal(t, "WARN", envelope.Payload.Level)
	assert.Equal(t, int64(7), *envelope.UserID)
	assert.Equal(t, "req-1", pub.headers["x-request-id"])
}

func TestNilAuditEmitterIsSafe(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), "INFO", "noop", "", nil)
}
