package interfaces

import (
	"context"
	"sync"

	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------
// ISourceWatcher observes one upstream feed and emits its raw changes.
// -----------------------------------------------------------------------------

type ISourceWatcher interface {

	// Name returns the source this watcher observes
	Name() models.SourceName

	// -----------------------------------------------------------------------------

	// Start subscribes to the upstream and begins producing RawEvents.
	// ctx: controls the lifecycle (cancellation stops the watcher)
	// outputChan: channel to push events to
	// wg: WaitGroup to signal when the watcher has fully stopped
	// The subscription is opened before Start returns; a failure here is returned.
	Start(ctx context.Context, outputChan chan<- models.RawEvent, wg *sync.WaitGroup) error

	// -----------------------------------------------------------------------------

	// Stop terminates the watcher. Cancelling the context passed to Start is equivalent.
	Stop() error

	// -----------------------------------------------------------------------------

	// State reports the watcher lifecycle state.
	State() models.WatcherState

	// -----------------------------------------------------------------------------

	// Err returns the failure that moved the watcher to Error, if any.
	Err() error
}

// -----------------------------------------------------------------------------
// IEventProcessor consumes raw events, one source at a time.
// -----------------------------------------------------------------------------

type IEventProcessor interface {
	Process(ctx context.Context, raw models.RawEvent) (models.Envelope, error)
}

// -----------------------------------------------------------------------------
// ITickReader exposes the last forwarded tick of a stream.
// -----------------------------------------------------------------------------

type ITickReader interface {
	Last(stream string) (int64, bool)
}
