package progress

import "context"

// Sink receives event batches from a Hub. Consume may be called many
// times before Close; both must honor ctx deadlines, and a sink shared
// between hubs must tolerate concurrent calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// the engine stays agnostic about how events are buffered or exported.
type Emitter interface {
	Emit(evt Event)
}
