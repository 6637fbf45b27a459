package pipeline

import "sync"

// -----------------------------------------------------------------------------

// Deduplicator remembers the last forwarded tick of every stream.
type Deduplicator struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[string]int64)}
}

// -----------------------------------------------------------------------------

// Accept reports whether an event should be forwarded and records its tick.
// Events without a tick are always forwarded and leave the stream state alone.
func (d *Deduplicator) Accept(stream string, tick int64, present bool) bool {
	if !present {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.last[stream]; ok && last == tick {
		return false
	}
	d.last[stream] = tick
	return true
}

// -----------------------------------------------------------------------------

// Last returns the last forwarded tick of stream.
func (d *Deduplicator) Last(stream string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tick, ok := d.last[stream]
	return tick, ok
}

// -----------------------------------------------------------------------------

// Reset forgets stream, so its next tick is forwarded whatever its value.
func (d *Deduplicator) Reset(stream string) {
	d.mu.Lock()
	delete(d.last, stream)
	d.mu.Unlock()
}
