package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
)

var errBufferFull = errors.New("send buffer full")

// SnapshotFunc returns the envelopes a new viewer is greeted with.
type SnapshotFunc func() []models.Envelope

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// Hub fans envelopes out to every registered viewer. A single goroutine
// (Run) owns the registry; every other method talks to it over channels.
type Hub struct {
	register   chan *Viewer
	unregister chan *Viewer
	broadcast  chan []byte
	done       chan struct{}

	viewers  map[*Viewer]struct{}
	snapshot SnapshotFunc

	count   atomic.Int64
	dropped atomic.Uint64

	Logger *logger.Logger
	errs   *helpers.ErrorHandler
}

// -----------------------------------------------------------------------------

func NewHub(snapshot SnapshotFunc, errs *helpers.ErrorHandler, l *logger.Logger) *Hub {
	if l == nil {
		l = logger.NewLogger(nil, "Hub")
	}
	if errs == nil {
		errs = helpers.NewErrorHandler(l)
	}
	return &Hub{
		register:   make(chan *Viewer),
		unregister: make(chan *Viewer),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		viewers:    make(map[*Viewer]struct{}),
		snapshot:   snapshot,
		Logger:     l,
		errs:       errs,
	}
}

// -----------------------------------------------------------------------------

// Run is the main Hub loop. It returns when ctx is cancelled, after closing
// every registered viewer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case viewer := <-h.register:
			h.viewers[viewer] = struct{}{}
			h.count.Store(int64(len(h.viewers)))
			h.greet(viewer)

		case viewer := <-h.unregister:
			if _, ok := h.viewers[viewer]; ok {
				delete(h.viewers, viewer)
				h.count.Store(int64(len(h.viewers)))
			}
			viewer.shutdown()

		case message := <-h.broadcast:
			for viewer := range h.viewers {
				if viewer.Closed() {
					delete(h.viewers, viewer)
					viewer.shutdown()
					continue
				}
				if !viewer.offer(message) {
					// Too slow: drop it rather than stall everyone else
					h.drop(viewer, errBufferFull)
				}
			}
			h.count.Store(int64(len(h.viewers)))

		case <-ctx.Done():
			for viewer := range h.viewers {
				viewer.shutdown()
			}
			h.viewers = make(map[*Viewer]struct{})
			h.count.Store(0)
			h.Logger.Info("Hub stopped")
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Data Exchange Interface Implementation
// -----------------------------------------------------------------------------

// Broadcast encodes the envelope once and queues it for every viewer.
func (h *Hub) Broadcast(envelope models.Envelope) {
	message, err := json.Marshal(envelope)
	if err != nil {
		h.errs.Handle(err, "hub broadcast")
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Dropped returns how many viewers were disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// -----------------------------------------------------------------------------

// Register adds a viewer. Once it returns, every later Broadcast reaches the
// viewer. After shutdown the viewer is closed immediately.
func (h *Hub) Register(viewer *Viewer) {
	select {
	case h.register <- viewer:
	case <-h.done:
		viewer.shutdown()
	}
}

// Unregister removes a viewer and closes its queue.
func (h *Hub) Unregister(viewer *Viewer) {
	viewer.MarkClosed()
	select {
	case h.unregister <- viewer:
	case <-h.done:
		viewer.shutdown()
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// -----------------------------------------------------------------------------
// Helper Methods
// -----------------------------------------------------------------------------

func (h *Hub) greet(viewer *Viewer) {
	if h.snapshot == nil {
		return
	}
	for _, env := range h.snapshot() {
		message, err := json.Marshal(env)
		if err != nil {
			h.errs.Handle(err, "hub snapshot")
			continue
		}
		if !viewer.offer(message) {
			h.drop(viewer, errBufferFull)
			return
		}
	}
}

func (h *Hub) drop(viewer *Viewer, cause error) {
	delete(h.viewers, viewer)
	h.count.Store(int64(len(h.viewers)))
	h.dropped.Add(1)
	viewer.shutdown()
	h.errs.Handle(helpers.NewViewerDeliveryError(viewer.ID, cause), "hub")
}
