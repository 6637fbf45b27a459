package datasource

import (
	"context"
	"errors"
	"testing"
	"time"

	"smartgrid-relay/src/models"
)

type fixedTicks map[string]int64

func (f fixedTicks) Last(stream string) (int64, bool) {
	v, ok := f[stream]
	return v, ok
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_ProcessesEverySource(t *testing.T) {
	store := newMemStore()
	proc := newCollector()
	m := NewMultiSourceManager(store, models.AllSources, proc, ManagerOptions{Ticks: fixedTicks{"combined_ticks": 4}}, nil, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	for _, src := range models.AllSources {
		store.sub(src).events <- models.RawEvent{OperationKind: models.OperationInsert, Document: map[string]interface{}{}}
	}
	for range models.AllSources {
		select {
		case <-proc.seen:
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not see every source")
		}
	}

	states := m.States()
	if len(states) != 3 {
		t.Fatalf("States len = %d", len(states))
	}
	for _, s := range states {
		if !s.Active || s.State != models.WatcherWatching {
			t.Errorf("source %s not watching: %+v", s.Name, s)
		}
	}
	if states[0].LastTick == nil || *states[0].LastTick != 4 {
		t.Errorf("combined_ticks last tick = %v, want 4", states[0].LastTick)
	}
}

func TestManager_FailsWhenNothingSubscribes(t *testing.T) {
	store := newMemStore()
	for _, src := range models.AllSources {
		store.failures[src] = 1
	}
	m := NewMultiSourceManager(store, models.AllSources, newCollector(), ManagerOptions{}, nil, nil)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected startup failure")
	}
}

func TestManager_PartialStartupKeepsServing(t *testing.T) {
	store := newMemStore()
	store.failures[models.SourceDeviceMessage] = 1
	m := NewMultiSourceManager(store, models.AllSources, newCollector(), ManagerOptions{}, nil, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	w, err := m.GetWatcher(models.SourceDeviceMessage)
	if err != nil {
		t.Fatal(err)
	}
	if w.State() != models.WatcherError {
		t.Errorf("device watcher state = %s, want error", w.State())
	}
	if st := m.States()[1]; st.Active || st.LastErr == "" {
		t.Errorf("device source should be inactive with an error: %+v", st)
	}
}

func TestManager_RestartsFailedWatcher(t *testing.T) {
	store := newMemStore()
	m := NewMultiSourceManager(store, []models.SourceName{models.SourceCombinedTicks}, newCollector(),
		ManagerOptions{RestartDelay: 10 * time.Millisecond}, nil, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	first, _ := m.GetWatcher(models.SourceCombinedTicks)
	store.sub(models.SourceCombinedTicks).fail <- errors.New("oplog cursor lost")

	eventually(t, func() bool { return store.subscribeCount(models.SourceCombinedTicks) == 2 }, "watcher was not restarted")

	second, _ := m.GetWatcher(models.SourceCombinedTicks)
	if second == first {
		t.Fatal("restart must use a new watcher instance")
	}
	if first.State() != models.WatcherError {
		t.Errorf("failed watcher state = %s, want error", first.State())
	}
	eventually(t, func() bool { return second.State() == models.WatcherWatching }, "restarted watcher not watching")
}

func TestManager_StopClosesSubscriptions(t *testing.T) {
	store := newMemStore()
	m := NewMultiSourceManager(store, models.AllSources, newCollector(), ManagerOptions{RestartDelay: time.Second}, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start must fail while running")
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if store.closed() != 3 {
		t.Errorf("closed %d subscriptions, want 3", store.closed())
	}
	for _, s := range m.States() {
		if s.State != models.WatcherStopped {
			t.Errorf("%s state = %s, want stopped", s.Name, s.State)
		}
	}
}
