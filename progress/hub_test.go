package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// captureSink records every batch it consumes.
type captureSink struct {
	mu  sync.Mutex
	got [][]Event
}

func (c *captureSink) Consume(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, append([]Event(nil), batch...))
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

func (c *captureSink) snapshot() [][]Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Event, len(c.got))
	for i, b := range c.got {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

// stallSink blocks inside Consume until its delay passes, signalling
// entry on started.
type stallSink struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (s *stallSink) Consume(ctx context.Context, _ []Event) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stallSink) Close(context.Context) error { return nil }

func makeEvent(stage Stage) Event {
	evt := Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		Host:  "example.com",
	}
	if stage == StageFetch {
		evt.StatusClass = Status2xx
	}
	return evt
}

func TestHubFlushesWhenBatchFills(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(makeEvent(StageRunStart))
	hub.Emit(makeEvent(StageItem))

	require.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got) == 1 && len(got[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTick(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(makeEvent(StageRunStart))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// No collector behind the channel: the worst case for a blocking Emit.
	hub := &Hub{cfg: Config{}, events: make(chan Event), logger: zap.NewNop()}

	start := time.Now()
	hub.Emit(makeEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubDropsAndWarnsWhenBufferFull(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	hub := &Hub{cfg: Config{}, events: make(chan Event, 1), logger: zap.New(core)}

	hub.Emit(makeEvent(StageRunStart))
	hub.Emit(makeEvent(StageRunStart))
	hub.Emit(makeEvent(StageRunStart))

	require.Len(t, hub.events, 1)
	require.Len(t, logs.FilterMessage("progress events dropped due to backpressure").All(), 1)
}

func TestHubCloseFlushesPending(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(makeEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0], 1)
}

func TestHubCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{BufferSize: 4}, &captureSink{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	slow := &stallSink{delay: 300 * time.Millisecond, started: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, slow)

	hub.Emit(makeEvent(StageRunStart))
	<-slow.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := hub.Close(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageFetch})
	hub.Emit(makeEvent(StageItem))

	require.NoError(t, hub.Close(context.Background()))
	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, StageItem, got[0][0].Stage)
}
