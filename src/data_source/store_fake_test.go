package datasource

import (
	"context"
	"errors"
	"sync"

	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/models"
)

// memStore is a channel-backed IFeedStore for tests.
type memStore struct {
	mu          sync.Mutex
	failures    map[models.SourceName]int // Subscribe calls left to fail
	subscribed  map[models.SourceName]int
	subs        map[models.SourceName]*memSub
	closedCount int
}

func newMemStore() *memStore {
	return &memStore{
		failures:   make(map[models.SourceName]int),
		subscribed: make(map[models.SourceName]int),
		subs:       make(map[models.SourceName]*memSub),
	}
}

func (s *memStore) Initialize(context.Context) error { return nil }

func (s *memStore) Subscribe(_ context.Context, source models.SourceName) (interfaces.ISubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[source] > 0 {
		s.failures[source]--
		return nil, errors.New("upstream unavailable")
	}
	s.subscribed[source]++
	sub := &memSub{store: s, events: make(chan models.RawEvent, 16), fail: make(chan error, 1)}
	s.subs[source] = sub
	return sub, nil
}

func (s *memStore) QueryLatestRecord(context.Context, models.SourceName) (map[string]interface{}, error) {
	return nil, nil
}

func (s *memStore) WriteMode(context.Context, string) error { return nil }

func (s *memStore) Close() error { return nil }

func (s *memStore) sub(source models.SourceName) *memSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[source]
}

func (s *memStore) subscribeCount(source models.SourceName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[source]
}

func (s *memStore) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedCount
}

type memSub struct {
	store     *memStore
	events    chan models.RawEvent
	fail      chan error
	closeOnce sync.Once
}

func (m *memSub) Next(ctx context.Context) (models.RawEvent, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case err := <-m.fail:
		return models.RawEvent{}, err
	case <-ctx.Done():
		return models.RawEvent{}, ctx.Err()
	}
}

func (m *memSub) Close() error {
	m.closeOnce.Do(func() {
		m.store.mu.Lock()
		m.store.closedCount++
		m.store.mu.Unlock()
	})
	return nil
}

// collector is an IEventProcessor that records what it sees.
type collector struct {
	mu     sync.Mutex
	events []models.RawEvent
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) Process(_ context.Context, raw models.RawEvent) (models.Envelope, error) {
	c.mu.Lock()
	c.events = append(c.events, raw)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil, nil
}
