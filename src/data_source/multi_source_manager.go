package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
)

// ManagerOptions tune the MultiSourceManager.
type ManagerOptions struct {
	// Buffer is the size of each per-source event channel.
	Buffer int
	// RestartDelay re-subscribes a failed source after this delay; 0 disables restarts.
	RestartDelay time.Duration
	// Ticks, if set, reports the last forwarded tick per source.
	Ticks interfaces.ITickReader
}

// MultiSourceManager runs one watcher and one processing goroutine per source.
type MultiSourceManager struct {
	store     interfaces.IFeedStore
	sources   []models.SourceName
	processor interfaces.IEventProcessor
	opts      ManagerOptions
	errs      *helpers.ErrorHandler
	Logger    *logger.Logger

	mu         sync.RWMutex
	watchers   map[models.SourceName]*Watcher
	ctx        context.Context    // Lifecycle context (derived)
	cancelFunc context.CancelFunc // To stop all sources
	wg         sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewMultiSourceManager(store interfaces.IFeedStore, sources []models.SourceName, processor interfaces.IEventProcessor, opts ManagerOptions, errs *helpers.ErrorHandler, log *logger.Logger) *MultiSourceManager {
	if log == nil {
		log = logger.NewLogger(nil, "MultiSourceManager")
	}
	if errs == nil {
		errs = helpers.NewErrorHandler(log)
	}
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	return &MultiSourceManager{
		store:     store,
		sources:   append([]models.SourceName(nil), sources...),
		processor: processor,
		opts:      opts,
		errs:      errs,
		Logger:    log,
		watchers:  make(map[models.SourceName]*Watcher),
	}
}

// -----------------------------------------------------------------------------

// Start subscribes every source. It fails only when no source at all could
// be subscribed; sources that failed are restarted later if restarts are on.
func (m *MultiSourceManager) Start(parentCtx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return fmt.Errorf("MultiSourceManager is already running")
	}
	if len(m.sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	// Derive a context so we can stop the manager independently if needed
	ctx, cancel := context.WithCancel(parentCtx)
	m.ctx = ctx
	m.cancelFunc = cancel

	started := 0
	var lastErr error
	for _, source := range m.sources {
		out := make(chan models.RawEvent, m.opts.Buffer)
		m.wg.Add(1)
		go m.consume(ctx, source, out)

		w := NewWatcher(source, m.store, m.errs, m.Logger)
		m.watchers[source] = w
		if err := m.startWatcher(ctx, w, out); err != nil {
			lastErr = err
		} else {
			started++
		}

		if m.opts.RestartDelay > 0 {
			m.wg.Add(1)
			go m.supervise(ctx, source, w, out)
		}
	}

	if started == 0 {
		cancel()
		m.ctx = nil
		m.cancelFunc = nil
		return fmt.Errorf("no upstream subscription could be opened: %w", lastErr)
	}

	m.Logger.Info("Watching %d/%d sources", started, len(m.sources))
	return nil
}

// -----------------------------------------------------------------------------

// Stop stops all sources by cancelling the internal context and waits for
// every watcher to close its subscription.
func (m *MultiSourceManager) Stop() error {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return nil // Already stopped
	}

	m.Logger.Info("Stopping MultiSourceManager...")
	m.cancelFunc()
	m.cancelFunc = nil
	m.ctx = nil
	m.mu.Unlock()

	m.wg.Wait()
	m.Logger.Info("MultiSourceManager Stopped.")
	return nil
}

// -----------------------------------------------------------------------------

// GetWatcher retrieves the current watcher of a source
func (m *MultiSourceManager) GetWatcher(name models.SourceName) (*Watcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.watchers[name]
	if !exists {
		return nil, fmt.Errorf("source %s not found", name)
	}
	return w, nil
}

// -----------------------------------------------------------------------------

// States reports every configured source in configuration order.
func (m *MultiSourceManager) States() []models.MSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.MSource, 0, len(m.sources))
	for _, name := range m.sources {
		src := models.MSource{Name: name, State: models.WatcherIdle}
		if w, ok := m.watchers[name]; ok {
			src.State = w.State()
			if err := w.Err(); err != nil {
				src.LastErr = err.Error()
			}
		}
		src.Active = src.State == models.WatcherWatching
		if m.opts.Ticks != nil {
			if tick, ok := m.opts.Ticks.Last(string(name)); ok {
				t := tick
				src.LastTick = &t
			}
		}
		out = append(out, src)
	}
	return out
}

// -----------------------------------------------------------------------------

func (m *MultiSourceManager) startWatcher(ctx context.Context, w *Watcher, out chan<- models.RawEvent) error {
	m.wg.Add(1)
	if err := w.Start(ctx, out, &m.wg); err != nil {
		m.wg.Done()
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

// consume feeds one source's events to the processor, in arrival order.
func (m *MultiSourceManager) consume(ctx context.Context, source models.SourceName, in <-chan models.RawEvent) {
	defer m.wg.Done()
	for {
		select {
		case event := <-in:
			// Errors are reported to the error sink by the processor.
			_, _ = m.processor.Process(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// -----------------------------------------------------------------------------

// supervise replaces a watcher that ended in Error with a fresh one.
func (m *MultiSourceManager) supervise(ctx context.Context, source models.SourceName, w *Watcher, out chan<- models.RawEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil || w.State() != models.WatcherError {
			return
		}

		m.Logger.Warning("Source %s failed (%v); restarting in %v", source, w.Err(), m.opts.RestartDelay)
		select {
		case <-time.After(m.opts.RestartDelay):
		case <-ctx.Done():
			return
		}

		next := NewWatcher(source, m.store, m.errs, m.Logger)
		m.mu.Lock()
		m.watchers[source] = next
		m.mu.Unlock()
		if err := m.startWatcher(ctx, next, out); err == nil {
			m.Logger.Info("Source %s restarted", source)
		}
		w = next
	}
}
