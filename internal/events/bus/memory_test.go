package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectRunStarted, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(SubjectRunStarted, "orchestrator", map[string]any{"run_id": "r1"})
	require.NoError(t, b.Publish(context.Background(), SubjectRunStarted, event))

	got := waitFor(t, received)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "r1", got.Data["run_id"])
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	_, err := b.Subscribe("run.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectRunStarted,
		NewEvent(SubjectRunStarted, "orchestrator", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectRunCompleted,
		NewEvent(SubjectRunCompleted, "orchestrator", nil)))

	waitFor(t, received)
	waitFor(t, received)

	// Non-matching subject must not be delivered.
	require.NoError(t, b.Publish(context.Background(), SubjectScannerCycle,
		NewEvent(SubjectScannerCycle, "scanner", nil)))
	select {
	case <-received:
		t.Fatal("wildcard run.* should not match scanner.cycle")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 4)

	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	_, err := b.QueueSubscribe(SubjectScannerCycle, "scanners", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe(SubjectScannerCycle, "scanners", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectScannerCycle,
		NewEvent(SubjectScannerCycle, "scanner", nil)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "queue group should deliver each event to one subscriber")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectRunOutput, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectRunOutput,
		NewEvent(SubjectRunOutput, "orchestrator", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := newTestBus(t)
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), SubjectRunStarted,
		NewEvent(SubjectRunStarted, "orchestrator", nil))
	assert.Error(t, err)

	_, err = b.Subscribe(SubjectRunStarted, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
