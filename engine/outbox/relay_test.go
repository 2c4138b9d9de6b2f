package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-id/coreplane/engine/bus"
	"github.com/aurelia-id/coreplane/engine/store"
)

func testRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       10,
		MinPoll:         100 * time.Millisecond,
		MaxPoll:         10 * time.Second,
		BaseBackoff:     time.Second,
		MaxRetryBackoff: time.Hour,
	}
}

func appendEvent(t *testing.T, ms *store.MemoryStore, aggregateID, eventType string) {
	t.Helper()
	err := ms.InTx(context.Background(), func(tx store.Store) error {
		return Append(context.Background(), tx, Event{
			AggregateType: "session",
			AggregateID:   aggregateID,
			EventType:     eventType,
			Payload:       map[string]string{"id": aggregateID},
		})
	})
	require.NoError(t, err)
}

func TestAppendRequiresTransaction(t *testing.T) {
	ms := store.NewMemoryStore()

	err := Append(context.Background(), ms, Event{
		AggregateType: "session",
		AggregateID:   "s-1",
		EventType:     "SESSION_CREATED",
	})
	require.ErrorIs(t, err, store.ErrNoTransaction)
	assert.Empty(t, ms.AllOutboxEvents())
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	ms := store.NewMemoryStore()

	err := ms.InTx(context.Background(), func(tx store.Store) error {
		if err := Append(context.Background(), tx, Event{
			AggregateType: "session",
			AggregateID:   "s-1",
			EventType:     "SESSION_CREATED",
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)
	assert.Empty(t, ms.AllOutboxEvents(), "aborted transaction must not leave an outbox row")
}

func TestRunOnceDispatchesAndCompletes(t *testing.T) {
	ms := store.NewMemoryStore()
	pub := bus.NewCapturePublisher()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")

	r := NewRelay(ms, pub, testRelayConfig(), nil)
	n := r.RunOnce(context.Background())
	assert.Equal(t, 1, n)

	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "SESSION_CREATED", published[0].EventType)
	assert.Equal(t, "coreplane.events.session.session_created", pub.Topics()[0])

	events := ms.AllOutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, store.OutboxCompleted, events[0].Status)
	assert.NotNil(t, events[0].ProcessedAt)
}

func TestRunOncePreservesPerAggregateOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")
	appendEvent(t, ms, "s-1", "SESSION_REFRESHED")
	appendEvent(t, ms, "s-2", "SESSION_CREATED")

	// First delivery attempt for s-1 fails, so its second event must not
	// be dispatchable while the first waits for its retry.
	flaky := bus.NewFlakyPublisher(1)
	r := NewRelay(ms, flaky, testRelayConfig(), nil)

	r.RunOnce(context.Background())

	var types []string
	for _, env := range flaky.Inner.Published() {
		types = append(types, env.AggregateID+"/"+env.EventType)
	}
	assert.NotContains(t, types, "s-1/SESSION_REFRESHED")
	assert.Contains(t, types, "s-2/SESSION_CREATED")

	// Once the retry window passes, s-1 drains in order.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.RunOnce(context.Background())
	r.RunOnce(context.Background())

	var s1 []string
	for _, env := range flaky.Inner.Published() {
		if env.AggregateID == "s-1" {
			s1 = append(s1, env.EventType)
		}
	}
	assert.Equal(t, []string{"SESSION_CREATED", "SESSION_REFRESHED"}, s1)
}

func TestDispatchFailureSchedulesBackoff(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")

	base := time.Now().UTC()
	r := NewRelay(ms, bus.NewFlakyPublisher(100), testRelayConfig(), nil)
	r.now = func() time.Time { return base }

	r.RunOnce(context.Background())

	events := ms.AllOutboxEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, store.OutboxFailed, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	require.NotNil(t, ev.RetryAfter)
	// retry 1 backs off base * 2^1.
	assert.Equal(t, base.Add(2*time.Second), *ev.RetryAfter)

	// Not dispatchable until retry_after passes.
	assert.Equal(t, 0, r.RunOnce(context.Background()))
}

func TestBackoffCapsAtMaxRetryBackoff(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")

	cfg := testRelayConfig()
	cfg.BaseBackoff = 30 * time.Minute
	base := time.Now().UTC()
	r := NewRelay(ms, bus.NewFlakyPublisher(100), cfg, nil)
	r.now = func() time.Time { return base }

	r.RunOnce(context.Background())

	ev := ms.AllOutboxEvents()[0]
	require.NotNil(t, ev.RetryAfter)
	// 30m << 1 = 1h, exactly at the cap.
	assert.Equal(t, base.Add(time.Hour), *ev.RetryAfter)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")

	r := NewRelay(ms, bus.NewFlakyPublisher(100), testRelayConfig(), nil)

	// Each pass claims, fails, and reschedules; jump past every backoff.
	offset := time.Duration(0)
	for i := 0; i < DefaultMaxRetries; i++ {
		r.now = func() time.Time { return time.Now().Add(offset) }
		r.RunOnce(context.Background())
		offset += 2 * time.Hour
	}

	assert.Empty(t, ms.AllOutboxEvents(), "dead-lettered row leaves the outbox")
	letters := ms.AllDeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, store.DeadLetterUnresolved, letters[0].Status)
	assert.Equal(t, DefaultMaxRetries, letters[0].RetryCount)
	assert.Contains(t, letters[0].LastError, "bus unreachable")
}

func TestAdaptivePollInterval(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRelay(ms, bus.NewCapturePublisher(), testRelayConfig(), nil)

	start := r.interval
	r.adapt(0)
	assert.Equal(t, 2*start, r.interval, "empty poll doubles the interval")

	for i := 0; i < 20; i++ {
		r.adapt(0)
	}
	assert.Equal(t, r.cfg.MaxPoll, r.interval, "interval caps at max poll")

	for i := 0; i < 20; i++ {
		r.adapt(r.cfg.BatchSize)
	}
	assert.Equal(t, r.cfg.MinPoll, r.interval, "full batches floor at min poll")

	mid := r.interval
	r.adapt(1)
	assert.Equal(t, mid, r.interval, "partial batch leaves the interval alone")
}

func TestReclaimStuckClaims(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")

	ev := ms.AllOutboxEvents()[0]
	ok, err := ms.MarkOutboxProcessing(context.Background(), ev.ID, store.OutboxPending)
	require.NoError(t, err)
	require.True(t, ok)

	// A young claim belongs to a live worker and stays put.
	n, err := ms.ReclaimStuckOutbox(context.Background(), time.Now().UTC(), StaleClaimAge)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ms.ReclaimStuckOutbox(context.Background(), time.Now().UTC().Add(10*time.Minute), StaleClaimAge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, store.OutboxPending, ms.AllOutboxEvents()[0].Status)
}

func TestClaimIsCompareAndSwap(t *testing.T) {
	ms := store.NewMemoryStore()
	appendEvent(t, ms, "s-1", "SESSION_CREATED")
	ev := ms.AllOutboxEvents()[0]

	ok, err := ms.MarkOutboxProcessing(context.Background(), ev.ID, store.OutboxPending)
	require.NoError(t, err)
	require.True(t, ok)

	// A second worker that selected the same PENDING row loses the CAS.
	ok, err = ms.MarkOutboxProcessing(context.Background(), ev.ID, store.OutboxPending)
	require.NoError(t, err)
	assert.False(t, ok)

	// A claimed row is no longer dispatchable either.
	r := NewRelay(ms, bus.NewCapturePublisher(), testRelayConfig(), nil)
	assert.Equal(t, 0, r.RunOnce(context.Background()))
}

func TestTopic(t *testing.T) {
	ev := &store.OutboxEvent{AggregateType: "DSR_Request", EventType: "DSR_OPENED"}
	assert.Equal(t, "coreplane.events.dsr_request.dsr_opened", Topic(ev))
}
