package worker

import (
	"context"
	"time"
)

// Listener observes a running Worker. Nil hooks are skipped. Hooks run on
// the goroutine handling the message and must not block.
type Listener struct {
	// OnSubscribed runs once per topic after its subscription is open.
	OnSubscribed func(ctx context.Context, topic string)
	// OnStopped runs when Run returns.
	OnStopped func(ctx context.Context)
	// OnHandled runs after a handler succeeded and the message was acked.
	OnHandled func(ctx context.Context, evt *Event, elapsed time.Duration)
	// OnFailed runs for decode and handler errors. evt is nil for decode
	// errors; requeued reports whether the message was nacked.
	OnFailed func(ctx context.Context, evt *Event, err error, requeued bool)
}
