package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Viewer Structure
// -----------------------------------------------------------------------------

// Viewer is one live subscriber. The hub owns its send channel and is the
// only party that closes it; transports read from Messages until it closes.
type Viewer struct {
	ID string

	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewViewer creates a viewer with a send buffer of size messages.
func NewViewer(buffer int) *Viewer {
	if buffer < 1 {
		buffer = 1
	}
	return &Viewer{
		ID:   uuid.NewString(),
		send: make(chan []byte, buffer),
	}
}

// -----------------------------------------------------------------------------

// Messages is the viewer's outbound queue, in broadcast order.
func (v *Viewer) Messages() <-chan []byte {
	return v.send
}

// MarkClosed flags the connection as gone so broadcasts skip it.
func (v *Viewer) MarkClosed() {
	v.closed.Store(true)
}

// Closed reports whether the viewer can no longer receive.
func (v *Viewer) Closed() bool {
	return v.closed.Load()
}

// -----------------------------------------------------------------------------

func (v *Viewer) offer(message []byte) bool {
	select {
	case v.send <- message:
		return true
	default:
		return false
	}
}

func (v *Viewer) shutdown() {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		close(v.send)
	})
}
