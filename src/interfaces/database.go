package interfaces

import (
	"context"

	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------
// IFeedStore is the upstream document store the relay watches.
// -----------------------------------------------------------------------------

type IFeedStore interface {

	// -----------------------------------------------------------------------------

	// Initialize connects and prepares whatever the store needs to be watched.
	Initialize(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Subscribe opens a change subscription on the collection backing source.
	Subscribe(ctx context.Context, source models.SourceName) (ISubscription, error)

	// -----------------------------------------------------------------------------

	// QueryLatestRecord returns the newest document of source, or nil when empty.
	QueryLatestRecord(ctx context.Context, source models.SourceName) (map[string]interface{}, error)

	// -----------------------------------------------------------------------------

	// WriteMode appends a mode command upstream.
	WriteMode(ctx context.Context, mode string) error

	// -----------------------------------------------------------------------------

	// Close the store connection
	Close() error
}

// -----------------------------------------------------------------------------
// ISubscription is a single open change stream. Next blocks until a change
// arrives, the context ends or the stream fails.
// -----------------------------------------------------------------------------

type ISubscription interface {
	Next(ctx context.Context) (models.RawEvent, error)
	Close() error
}

// -----------------------------------------------------------------------------
// ILatestMirror keeps a copy of the latest envelopes outside the process.
// -----------------------------------------------------------------------------

type ILatestMirror interface {
	Save(ctx context.Context, stream string, payload []byte) error
	Load(ctx context.Context) (map[string][]byte, error)
	Close() error
}
