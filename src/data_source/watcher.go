package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
)

// Watcher follows one source of a feed store. It runs at most once: after it
// reaches Error or Stopped a new Watcher is needed.
type Watcher struct {
	source models.SourceName
	store  interfaces.IFeedStore
	Logger *logger.Logger
	errs   *helpers.ErrorHandler

	mu     sync.Mutex
	state  models.WatcherState
	err    error
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// -----------------------------------------------------------------------------

func NewWatcher(source models.SourceName, store interfaces.IFeedStore, errs *helpers.ErrorHandler, l *logger.Logger) *Watcher {
	if l == nil {
		l = logger.NewLogger(nil, "Watcher")
	}
	if errs == nil {
		errs = helpers.NewErrorHandler(l)
	}
	return &Watcher{
		source: source,
		store:  store,
		Logger: l.Named(fmt.Sprintf("Watcher-%s", source)),
		errs:   errs,
		state:  models.WatcherIdle,
		done:   make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------

func (w *Watcher) Name() models.SourceName {
	return w.source
}

// -----------------------------------------------------------------------------

// Start opens the subscription and hands it to a goroutine that forwards
// events to outputChan. The caller must wg.Add(1) beforehand; the watcher
// calls wg.Done() when it ends, unless Start itself returns an error.
func (w *Watcher) Start(ctx context.Context, outputChan chan<- models.RawEvent, wg *sync.WaitGroup) error {
	w.mu.Lock()
	if w.state != models.WatcherIdle {
		w.mu.Unlock()
		return fmt.Errorf("watcher %s already started (state %s)", w.source, w.state)
	}

	sub, err := w.store.Subscribe(ctx, w.source)
	if err != nil {
		subErr := helpers.NewUpstreamSubscriptionError(w.source, err)
		w.state = models.WatcherError
		w.err = subErr
		w.mu.Unlock()
		w.errs.Handle(subErr, "watcher start")
		w.closeDone()
		return subErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = models.WatcherWatching
	w.mu.Unlock()

	w.Logger.Info("Watching %s", w.source)
	go w.runLoop(runCtx, sub, outputChan, wg)
	return nil
}

// -----------------------------------------------------------------------------

func (w *Watcher) runLoop(ctx context.Context, sub interfaces.ISubscription, out chan<- models.RawEvent, wg *sync.WaitGroup) {
	defer func() {
		if err := sub.Close(); err != nil {
			w.Logger.Warning("Closing subscription: %v", err)
		}
		w.closeDone()
		if wg != nil {
			wg.Done()
		}
	}()

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				w.finish(models.WatcherStopped, nil)
				return
			}
			subErr := helpers.NewUpstreamSubscriptionError(w.source, err)
			w.finish(models.WatcherError, subErr)
			w.errs.Handle(subErr, "watcher")
			return
		}

		if event.Source == "" {
			event.Source = w.source
		}
		if event.ReceivedAt.IsZero() {
			event.ReceivedAt = time.Now().UTC()
		}

		select {
		case out <- event:
		case <-ctx.Done():
			w.finish(models.WatcherStopped, nil)
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Stop ends the watcher. Stopping an idle watcher moves it straight to Stopped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	if w.state == models.WatcherIdle {
		w.state = models.WatcherStopped
		w.mu.Unlock()
		w.closeDone()
		return nil
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// -----------------------------------------------------------------------------

func (w *Watcher) State() models.WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the watcher has ended for good.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// -----------------------------------------------------------------------------

func (w *Watcher) finish(state models.WatcherState, err error) {
	w.mu.Lock()
	w.state = state
	w.err = err
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	if state == models.WatcherStopped {
		w.Logger.Info("Stopped watching %s", w.source)
	}
}

func (w *Watcher) closeDone() {
	w.doneOnce.Do(func() { close(w.done) })
}
