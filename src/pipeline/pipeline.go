package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------

// Pipeline turns raw upstream changes into cached, broadcast envelopes.
// Process may be called concurrently for different sources; calls for the
// same source must be serialized by the caller.
type Pipeline struct {
	Dedup *Deduplicator
	Cache *Cache

	hub    interfaces.IDataExchanger
	mirror interfaces.ILatestMirror
	errs   *helpers.ErrorHandler
	logger *logger.Logger
	now    func() time.Time

	tsMu   sync.Mutex
	lastTs map[string]time.Time

	accepted   atomic.Uint64
	suppressed atomic.Uint64
	malformed  atomic.Uint64
	ignored    atomic.Uint64
	broadcasts atomic.Uint64
}

// -----------------------------------------------------------------------------

// NewPipeline wires the pipeline to its fanout. mirror may be nil.
func NewPipeline(hub interfaces.IDataExchanger, mirror interfaces.ILatestMirror, errs *helpers.ErrorHandler, l *logger.Logger) *Pipeline {
	if l == nil {
		l = logger.NewLogger(nil, "Pipeline")
	}
	if errs == nil {
		errs = helpers.NewErrorHandler(l)
	}
	return &Pipeline{
		Dedup:  NewDeduplicator(),
		Cache:  NewCache(),
		hub:    hub,
		mirror: mirror,
		errs:   errs,
		logger: l,
		now:    time.Now,
		lastTs: make(map[string]time.Time),
	}
}

// SetClock replaces the arrival-time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// -----------------------------------------------------------------------------

// Process handles one raw event end to end. It returns the envelope it
// broadcast, or nil when the event was ignored or suppressed. Malformed
// events are reported to the error sink and returned as errors.
func (p *Pipeline) Process(ctx context.Context, raw models.RawEvent) (models.Envelope, error) {
	if raw.OperationKind != models.OperationInsert {
		p.ignored.Add(1)
		return nil, nil
	}

	arrival := raw.ReceivedAt
	if arrival.IsZero() {
		arrival = p.now()
	}

	env, err := Normalize(raw.Source, raw.Document, arrival)
	if err != nil {
		p.malformed.Add(1)
		p.errs.Handle(err, "pipeline "+string(raw.Source))
		return nil, err
	}

	tick, hasTick := env.TickValue()
	if !p.Dedup.Accept(env.Stream(), tick, hasTick) {
		p.suppressed.Add(1)
		p.logger.Debug("Suppressed repeated tick %d on %s", tick, env.Stream())
		return nil, nil
	}

	env = p.clamp(env)
	p.store(env)
	p.accepted.Add(1)

	if p.hub != nil {
		p.hub.Broadcast(env)
		p.broadcasts.Add(1)
	}
	p.mirrorSave(ctx, env)

	return env, nil
}

// -----------------------------------------------------------------------------

// Seed primes the dedup state and the cache from a stored document without
// broadcasting it.
func (p *Pipeline) Seed(source models.SourceName, doc map[string]interface{}) error {
	env, err := Normalize(source, doc, p.now())
	if err != nil {
		return err
	}
	tick, hasTick := env.TickValue()
	p.Dedup.Accept(env.Stream(), tick, hasTick)
	p.store(p.clamp(env))
	return nil
}

// -----------------------------------------------------------------------------

// SeedFromMirror loads the mirrored envelopes into the cache and primes the
// deduplicator and timestamp floor with them. Streams the cache already holds
// are left alone. The source alias of device streams keeps the newest reading.
func (p *Pipeline) SeedFromMirror(ctx context.Context) (int, error) {
	if p.mirror == nil {
		return 0, nil
	}
	payloads, err := p.mirror.Load(ctx)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for stream, payload := range payloads {
		if _, ok := p.Cache.Get(stream); ok {
			continue
		}
		env, err := Decode(payload)
		if err != nil {
			p.logger.Warning("Skipping mirrored entry %s: %v", stream, err)
			continue
		}
		tick, hasTick := env.TickValue()
		p.Dedup.Accept(env.Stream(), tick, hasTick)
		env = p.clamp(env)
		p.Cache.Put(env.Stream(), env)
		p.putAlias(env, true)
		seeded++
	}
	return seeded, nil
}

// -----------------------------------------------------------------------------

// Metrics returns the pipeline counters. Viewer figures are filled by the hub owner.
func (p *Pipeline) Metrics() models.MPipelineMetrics {
	return models.MPipelineMetrics{
		Accepted:   p.accepted.Load(),
		Suppressed: p.suppressed.Load(),
		Malformed:  p.malformed.Load(),
		Ignored:    p.ignored.Load(),
		Broadcasts: p.broadcasts.Load(),
	}
}

// -----------------------------------------------------------------------------

// clamp keeps timestamps non-decreasing per stream.
func (p *Pipeline) clamp(env models.Envelope) models.Envelope {
	p.tsMu.Lock()
	defer p.tsMu.Unlock()

	stream := env.Stream()
	if last, ok := p.lastTs[stream]; ok && env.At().Before(last) {
		env = env.WithTimestamp(last)
	}
	p.lastTs[stream] = env.At()
	return env
}

// store writes the envelope under its stream and, for per-device streams,
// under the source name as well.
func (p *Pipeline) store(env models.Envelope) {
	p.Cache.Put(env.Stream(), env)
	p.putAlias(env, false)
}

// putAlias writes a per-device envelope under its source name. With
// newestOnly set an existing alias with a later timestamp wins.
func (p *Pipeline) putAlias(env models.Envelope, newestOnly bool) {
	source := string(env.Kind())
	if source == env.Stream() {
		return
	}
	if newestOnly {
		if cur, ok := p.Cache.Get(source); ok && cur.At().After(env.At()) {
			return
		}
	}
	p.Cache.Put(source, env)
}

// Last reports the newest tick known for a stream or a source name. A source
// name answers with the tick of its most recent reading from any device.
func (p *Pipeline) Last(key string) (int64, bool) {
	if env, ok := p.Cache.Get(key); ok {
		if tick, has := env.TickValue(); has {
			return tick, true
		}
	}
	return p.Dedup.Last(key)
}

func (p *Pipeline) mirrorSave(ctx context.Context, env models.Envelope) {
	if p.mirror == nil {
		return
	}
	payload, err := Encode(env)
	if err != nil {
		p.errs.Handle(err, "mirror encode")
		return
	}
	if err := p.mirror.Save(ctx, env.Stream(), payload); err != nil {
		p.errs.Handle(helpers.NewDatabaseError("mirror save failed", err), "mirror")
	}
}
