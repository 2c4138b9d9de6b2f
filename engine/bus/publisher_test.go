package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturePublisherCopiesEnvelopes(t *testing.T) {
	p := NewCapturePublisher()
	env := &Envelope{
		ID:            "e-1",
		AggregateType: "session",
		AggregateID:   "s-1",
		EventType:     "SESSION_CREATED",
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Payload:       []byte(`{}`),
	}
	require.NoError(t, p.Publish(context.Background(), "coreplane.events.session.session_created", env))

	// Mutating the original after publish must not change the capture.
	env.EventType = "MUTATED"

	published := p.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "SESSION_CREATED", published[0].EventType)
	assert.Equal(t, []string{"coreplane.events.session.session_created"}, p.Topics())
}

func TestFlakyPublisherRecovers(t *testing.T) {
	p := NewFlakyPublisher(2)
	env := &Envelope{ID: "e-1", EventType: "X"}

	assert.Error(t, p.Publish(context.Background(), "t", env))
	assert.Error(t, p.Publish(context.Background(), "t", env))
	assert.NoError(t, p.Publish(context.Background(), "t", env))
	assert.Equal(t, 3, p.Attempts())
	assert.Len(t, p.Inner.Published(), 1)
}

func TestLogPublisherNeverFails(t *testing.T) {
	p := NewLogPublisher(nil)
	err := p.Publish(context.Background(), "coreplane.events.consent.consent_granted", &Envelope{ID: "e-1"})
	assert.NoError(t, err)
	assert.NoError(t, p.Close())
}
