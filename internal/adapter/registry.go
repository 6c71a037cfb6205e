package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope        = "devpeek/adapter"
	spanRefresh      = "adapter.refresh"
	metricUpdates    = "devpeek.adapter.updates"
	metricUnchanged  = "devpeek.adapter.unchanged"
	metricErrors     = "devpeek.adapter.errors"
	attrAdapter      = "adapter.name"
	attrAdapterCount = "adapter.count"

	// DefaultPollInterval is how often poll-only adapters are re-read.
	DefaultPollInterval = 500 * time.Millisecond
)

// Entry is the mirrored snapshot of one adapter. Revision changes exactly
// when the registry replaces the entry, so callers can use it the way a UI
// uses reference identity to skip re-rendering.
type Entry struct {
	Value     any
	Revision  uint64
	UpdatedAt time.Time
}

// Option configures a [Registry].
type Option func(*Registry)

// WithPollInterval overrides [DefaultPollInterval]. Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithClock overrides the clock used to stamp [Entry.UpdatedAt].
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// generation holds the subscriptions and poll loops installed for one
// adapter list. A generation is torn down exactly once.
//
// busy counts poll loops that are reading an adapter or updating the mirror.
// A loop that is running listeners is not busy, so a listener may tear down
// its own generation. Guarded by Registry.mu; idle is signalled when busy
// drops to zero.
type generation struct {
	cancel  context.CancelFunc
	unsubs  []func()
	stopped bool
	busy    int
	idle    *sync.Cond
}

// Registry keeps an in-memory mirror of a list of adapters. Create one with
// [NewRegistry], then call [Registry.Start] and, when done, [Registry.Stop].
type Registry struct {
	// lifecycle serialises Start, Stop and SetAdapters.
	lifecycle sync.Mutex

	mu        sync.Mutex
	adapters  []Adapter
	entries   map[string]Entry
	revision  uint64
	gen       *generation
	listeners map[int]func()
	nextID    int

	pollInterval time.Duration
	now          func() time.Time
	log          *slog.Logger

	// OTel instruments; no-ops when telemetry is disabled.
	tracer       trace.Tracer
	cntUpdates   metric.Int64Counter
	cntUnchanged metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewRegistry creates a Registry for adapters. Nothing is read until Start.
func NewRegistry(adapters []Adapter, logger *slog.Logger, opts ...Option) *Registry {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	r := &Registry{
		adapters:     append([]Adapter(nil), adapters...),
		entries:      make(map[string]Entry),
		listeners:    make(map[int]func()),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		log:          logger,

		tracer:       otel.Tracer(otelScope),
		cntUpdates:   mustCounter(metricUpdates, "Number of mirrored adapter entries replaced"),
		cntUnchanged: mustCounter(metricUnchanged, "Number of change signals whose value was deep-equal to the mirror"),
		cntErrors:    mustCounter(metricErrors, "Number of adapter read or subscribe failures"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start seeds every adapter once and then installs one subscription (push
// adapters) or one poll loop (all others) per adapter. Poll loops also stop
// when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	r.mu.Lock()
	running := r.gen != nil
	adapters := r.adapters
	r.mu.Unlock()
	if running {
		r.lifecycle.Unlock()
		return errors.New("adapter registry already started")
	}

	r.install(ctx, adapters)
	r.lifecycle.Unlock()

	r.emit()
	return nil
}

// Run starts the registry, blocks until ctx is cancelled, then stops it.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return ctx.Err()
}

// Stop tears down every subscription and poll loop. After Stop returns no
// adapter is read by a poll loop and the mirror is frozen; a poll loop that
// is still running listeners finishes them and exits. Calling Stop on a
// registry that is not running is a no-op.
func (r *Registry) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.teardown()
}

// SetAdapters replaces the adapter list. Every call is treated as a change:
// the current subscriptions and poll loops are torn down and, if the
// registry was running, the new list is seeded and subscribed. The mirror is
// rebuilt from scratch, so entries of removed adapters disappear.
func (r *Registry) SetAdapters(ctx context.Context, adapters []Adapter) {
	r.lifecycle.Lock()
	r.mu.Lock()
	running := r.gen != nil
	r.adapters = append([]Adapter(nil), adapters...)
	r.mu.Unlock()

	if !running {
		r.lifecycle.Unlock()
		return
	}
	r.teardown()
	r.install(ctx, adapters)
	r.lifecycle.Unlock()

	r.emit()
}

// Refresh re-reads every adapter and replaces every entry, even when the
// value is unchanged. Adapters whose read fails keep their previous entry;
// their errors are joined into the returned error.
func (r *Registry) Refresh(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, spanRefresh)
	defer span.End()

	r.mu.Lock()
	adapters := r.adapters
	r.mu.Unlock()

	values, errs := r.readAll(adapters)

	r.mu.Lock()
	next := make(map[string]Entry, len(values))
	for name, e := range r.entries {
		// Failed reads keep their old entry.
		if _, failed := errs[name]; failed {
			next[name] = e
		}
	}
	for _, a := range adapters {
		v, ok := values[a.Name()]
		if !ok {
			continue
		}
		next[a.Name()] = r.newEntryLocked(v)
	}
	r.entries = next
	r.mu.Unlock()

	r.cntUpdates.Add(ctx, int64(len(values)))
	span.SetAttributes(attribute.Int(attrAdapterCount, len(adapters)))
	r.emit()

	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, 0, len(errs))
	for _, name := range sortedKeys(errs) {
		joined = append(joined, errs[name])
	}
	err := errors.Join(joined...)
	span.RecordError(err)
	return err
}

// States returns a copy of the mirrored values keyed by adapter name.
func (r *Registry) States() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.Value
	}
	return out
}

// Entries returns a copy of the mirrored entries keyed by adapter name.
func (r *Registry) Entries() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for name, e := range r.entries {
		out[name] = e
	}
	return out
}

// Names returns the mirrored adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.entries)
}

// OnChange registers fn to be called after the mirror changes. fn runs on
// the goroutine that made the change, with no registry lock held: the caller
// of Start, SetAdapters or Refresh, a poll loop, or the adapter's own notify
// goroutine. fn may call any Registry method. From a push notification,
// Stop and SetAdapters deadlock if that adapter's unsubscribe waits for its
// notify goroutine to return. The returned function removes the listener.
func (r *Registry) OnChange(fn func()) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// --- internals ---------------------------------------------------------------

// install seeds the mirror from adapters and binds each adapter. The caller
// must hold r.lifecycle, no generation may be live, and the caller emits
// once r.lifecycle is released.
func (r *Registry) install(ctx context.Context, adapters []Adapter) {
	values, errs := r.readAll(adapters)
	for name, err := range errs {
		r.log.Error("seeding adapter failed", "adapter", name, "error", err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	g := &generation{cancel: cancel, idle: sync.NewCond(&r.mu)}

	r.mu.Lock()
	r.gen = g
	r.entries = make(map[string]Entry, len(values))
	for _, a := range adapters {
		if v, ok := values[a.Name()]; ok {
			r.entries[a.Name()] = r.newEntryLocked(v)
		}
	}
	r.mu.Unlock()

	for _, a := range adapters {
		r.bind(genCtx, g, a)
	}
	r.log.Debug("adapter registry started", "adapters", len(adapters), "poll_interval", r.pollInterval)
}

// bind installs exactly one subscription or poll loop for a.
func (r *Registry) bind(ctx context.Context, g *generation, a Adapter) {
	if s, ok := a.(Subscriber); ok {
		unsub, err := s.Subscribe(func() { r.sync(ctx, g, a) })
		if err == nil {
			if unsub != nil {
				r.mu.Lock()
				g.unsubs = append(g.unsubs, unsub)
				r.mu.Unlock()
			}
			return
		}
		r.cntErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrAdapter, a.Name())))
		r.log.Warn("subscribe failed, falling back to polling",
			"adapter", a.Name(),
			"error", fmt.Errorf("%w: %w", ErrAdapterSubscribe, err),
		)
	}

	go func() {
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.enter(g) {
					return
				}
				changed := r.update(ctx, g, a)
				r.leave(g)
				if changed {
					r.emit()
				}
			}
		}
	}()
}

// enter marks a poll loop of g busy. It reports false once g is torn down.
func (r *Registry) enter(g *generation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.stopped {
		return false
	}
	g.busy++
	return true
}

func (r *Registry) leave(g *generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.busy--
	if g.busy == 0 {
		g.idle.Broadcast()
	}
}

// sync is the push path: update, then notify listeners on the caller's
// goroutine.
func (r *Registry) sync(ctx context.Context, g *generation, a Adapter) {
	if r.update(ctx, g, a) {
		r.emit()
	}
}

// update is the change path shared by push callbacks and poll ticks: read,
// compare with the mirror, and replace the entry only if the value differs.
// It reports whether the entry was replaced.
func (r *Registry) update(ctx context.Context, g *generation, a Adapter) bool {
	name := a.Name()
	v, err := a.State()
	if err != nil {
		r.cntErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrAdapter, name)))
		r.log.Error("reading adapter state", "adapter", name, "error", fmt.Errorf("%w: %w", ErrAdapterRead, err))
		return false
	}

	r.mu.Lock()
	if g.stopped || r.gen != g {
		r.mu.Unlock()
		return false
	}
	if cur, ok := r.entries[name]; ok && reflect.DeepEqual(cur.Value, v) {
		r.mu.Unlock()
		r.cntUnchanged.Add(ctx, 1, metric.WithAttributes(attribute.String(attrAdapter, name)))
		return false
	}
	r.entries[name] = r.newEntryLocked(v)
	r.mu.Unlock()

	r.cntUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String(attrAdapter, name)))
	r.log.Debug("adapter state changed", "adapter", name)
	return true
}

// teardown cancels the live generation, if any: every unsubscribe function
// runs once and no poll loop is busy when teardown returns.
func (r *Registry) teardown() {
	r.mu.Lock()
	g := r.gen
	if g == nil {
		r.mu.Unlock()
		return
	}
	g.stopped = true
	r.gen = nil
	unsubs := g.unsubs
	g.unsubs = nil
	r.mu.Unlock()

	g.cancel()
	for _, unsub := range unsubs {
		unsub()
	}

	r.mu.Lock()
	for g.busy > 0 {
		g.idle.Wait()
	}
	r.mu.Unlock()
	r.log.Debug("adapter registry stopped", "subscriptions", len(unsubs))
}

// readAll calls State on every adapter without holding any lock. Later
// adapters overwrite earlier ones with the same name.
func (r *Registry) readAll(adapters []Adapter) (map[string]any, map[string]error) {
	values := make(map[string]any, len(adapters))
	errs := make(map[string]error)
	seen := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		name := a.Name()
		if seen[name] {
			r.log.Warn("duplicate adapter name, entries will overwrite each other", "adapter", name)
		}
		seen[name] = true

		v, err := a.State()
		if err != nil {
			r.cntErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrAdapter, name)))
			errs[name] = fmt.Errorf("%w: %s: %w", ErrAdapterRead, name, err)
			delete(values, name)
			continue
		}
		delete(errs, name)
		values[name] = v
	}
	return values, errs
}

func (r *Registry) newEntryLocked(v any) Entry {
	r.revision++
	return Entry{Value: v, Revision: r.revision, UpdatedAt: r.now()}
}

func (r *Registry) emit() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
