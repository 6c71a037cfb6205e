package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/devpeek/internal/model"
)

const (
	otelScope       = "devpeek/storage"
	spanRefresh     = "storage.refresh"
	metricRefreshes = "devpeek.storage.refreshes"
	metricMutations = "devpeek.storage.mutations"

	triggerStart    = "start"
	triggerNative   = "native"
	triggerBus      = "bus"
	triggerMutation = "mutation"
	triggerManual   = "manual"
)

// MirrorOption configures a [Mirror].
type MirrorOption func(*Mirror)

// WithPersistent enables or disables enumeration of the persistent store.
func WithPersistent(enabled bool) MirrorOption {
	return func(m *Mirror) { m.enabled[model.KindPersistent] = enabled }
}

// WithSession enables or disables enumeration of the session store.
func WithSession(enabled bool) MirrorOption {
	return func(m *Mirror) { m.enabled[model.KindSession] = enabled }
}

// WithChangeSource subscribes the mirror to a native cross-process change
// notification while it is running. It may be given once per store.
func WithChangeSource(src ChangeSource) MirrorOption {
	return func(m *Mirror) { m.sources = append(m.sources, src) }
}

// Mirror keeps an eventually-consistent item list of a persistent and a
// session store. Create one with [NewMirror] and start it with [Mirror.Start].
type Mirror struct {
	id      string
	stores  map[model.Kind]KeyValueStore
	enabled map[model.Kind]bool
	bus     *Bus
	sources []ChangeSource
	log     *slog.Logger

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex
	cancels   []func()

	// refreshMu serialises enumerate-and-store so the last enumeration wins.
	refreshMu sync.Mutex

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	items     []model.StorageItem
	listeners map[int]func()
	nextID    int

	tracer       trace.Tracer
	cntRefreshes metric.Int64Counter
	cntMutations metric.Int64Counter
}

// NewMirror creates a Mirror over the two stores. Either store may be nil;
// operations on a missing store return [ErrStoreUnavailable]. bus may be nil
// for a mirror that neither informs nor hears other mirrors.
func NewMirror(persistent, session KeyValueStore, bus *Bus, logger *slog.Logger, opts ...MirrorOption) *Mirror {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	m := &Mirror{
		id:      uuid.NewString(),
		stores:  make(map[model.Kind]KeyValueStore, 2),
		enabled: map[model.Kind]bool{model.KindPersistent: true, model.KindSession: true},
		bus:     bus,
		log:     logger,
		ctx:     context.Background(),

		listeners: make(map[int]func()),

		tracer:       otel.Tracer(otelScope),
		cntRefreshes: mustCounter(metricRefreshes, "Number of full storage enumerations"),
		cntMutations: mustCounter(metricMutations, "Number of storage mutations made through the mirror"),
	}
	if persistent != nil {
		m.stores[model.KindPersistent] = persistent
	}
	if session != nil {
		m.stores[model.KindSession] = session
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start enumerates both stores once and subscribes to the bus and to the
// native change source. Starting a running mirror is a no-op.
func (m *Mirror) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.refresh(ctx, triggerStart); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	if m.bus != nil {
		m.cancels = append(m.cancels, m.bus.Subscribe(m.handleChange))
	}
	for _, src := range m.sources {
		cancel, err := src.Subscribe(func() {
			if err := m.refresh(m.runCtx(), triggerNative); err != nil {
				m.log.Error("refreshing after native change", "error", err)
			}
		})
		if err != nil {
			m.stopLocked()
			return fmt.Errorf("subscribing to native storage changes: %w", err)
		}
		m.cancels = append(m.cancels, cancel)
	}
	m.log.Debug("storage mirror started", "mirror", m.id, "items", len(m.Snapshot()))
	return nil
}

// Stop removes the bus and native subscriptions. After Stop returns no
// notification refreshes the mirror; explicit calls still work.
func (m *Mirror) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
}

func (m *Mirror) stopLocked() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

// Items enumerates the enabled stores, persistent entries first. Keys that
// disappear between listing and reading are skipped.
func (m *Mirror) Items(ctx context.Context) ([]model.StorageItem, error) {
	var items []model.StorageItem
	for _, kind := range model.Kinds {
		store, ok := m.stores[kind]
		if !ok || !m.enabled[kind] {
			continue
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s keys: %w", kind, err)
		}
		for _, key := range keys {
			value, ok, err := store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("reading %s item %q: %w", kind, key, err)
			}
			if !ok {
				continue
			}
			items = append(items, model.StorageItem{Key: key, Value: value, Kind: kind})
		}
	}
	return items, nil
}

// Snapshot returns a copy of the mirrored items.
func (m *Mirror) Snapshot() []model.StorageItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.StorageItem(nil), m.items...)
}

// Find returns the mirrored item for key in kind.
func (m *Mirror) Find(kind model.Kind, key string) (model.StorageItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Kind == kind && item.Key == key {
			return item, true
		}
	}
	return model.StorageItem{}, false
}

// Refresh re-enumerates both stores unconditionally.
func (m *Mirror) Refresh(ctx context.Context) error {
	return m.refresh(ctx, triggerManual)
}

// ParseValue interprets item's raw value; see [model.ParseValue].
func (m *Mirror) ParseValue(item model.StorageItem) any {
	return model.ParseValue(item)
}

// OnChange registers fn to be called after every refresh. fn runs on the
// goroutine that caused the refresh, with no mirror lock held, so it may call
// Refresh, Set, Remove or Clear. Calling Stop from fn is safe for bus and
// explicit refreshes; from a native change it deadlocks if the source's
// cancel waits for its delivery goroutine. The
// returned function removes the listener.
func (m *Mirror) OnChange(fn func()) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set writes value under key in the store of the given kind.
func (m *Mirror) Set(ctx context.Context, key, value string, kind model.Kind) error {
	store, err := m.store(kind)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("setting %s item %q: %w", kind, key, err)
	}
	return m.afterMutation(ctx, Change{Origin: m.id, Kind: kind, Op: OpSet, Key: key})
}

// Remove deletes key from the store of the given kind.
func (m *Mirror) Remove(ctx context.Context, key string, kind model.Kind) error {
	store, err := m.store(kind)
	if err != nil {
		return err
	}
	if err := store.Remove(ctx, key); err != nil {
		return fmt.Errorf("removing %s item %q: %w", kind, key, err)
	}
	return m.afterMutation(ctx, Change{Origin: m.id, Kind: kind, Op: OpRemove, Key: key})
}

// Clear deletes every entry of the given kind. The other store is untouched.
func (m *Mirror) Clear(ctx context.Context, kind model.Kind) error {
	store, err := m.store(kind)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing %s storage: %w", kind, err)
	}
	return m.afterMutation(ctx, Change{Origin: m.id, Kind: kind, Op: OpClear})
}

// --- internals ---------------------------------------------------------------

func (m *Mirror) store(kind model.Kind) (KeyValueStore, error) {
	store, ok := m.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStoreUnavailable, kind)
	}
	return store, nil
}

// afterMutation refreshes this mirror and informs every other mirror on the
// bus. The bus message goes out even if the local refresh failed, since the
// store itself did change.
func (m *Mirror) afterMutation(ctx context.Context, c Change) error {
	m.cntMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("storage.kind", string(c.Kind)),
		attribute.String("storage.op", string(c.Op)),
	))
	m.log.Debug("storage mutated", "mirror", m.id, "kind", c.Kind, "op", c.Op, "key", c.Key)

	err := m.refresh(ctx, triggerMutation)
	if m.bus != nil {
		m.bus.Publish(c)
	}
	if err != nil {
		return fmt.Errorf("refreshing after %s: %w", c.Op, err)
	}
	return nil
}

func (m *Mirror) handleChange(c Change) {
	if c.Origin == m.id {
		return
	}
	if err := m.refresh(m.runCtx(), triggerBus); err != nil {
		m.log.Error("refreshing after bus change", "origin", c.Origin, "error", err)
	}
}

func (m *Mirror) runCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Mirror) refresh(ctx context.Context, trigger string) error {
	ctx, span := m.tracer.Start(ctx, spanRefresh, trace.WithAttributes(attribute.String("storage.trigger", trigger)))
	defer span.End()

	m.refreshMu.Lock()
	items, err := m.Items(ctx)
	if err != nil {
		m.refreshMu.Unlock()
		span.RecordError(err)
		return err
	}

	m.mu.Lock()
	// Notifications that raced with Stop are dropped.
	if (trigger == triggerNative || trigger == triggerBus) && !m.running {
		m.mu.Unlock()
		m.refreshMu.Unlock()
		return nil
	}
	m.items = items
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	// Listeners may refresh or mutate this mirror again.
	m.refreshMu.Unlock()

	m.cntRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("storage.trigger", trigger)))
	span.SetAttributes(attribute.Int("storage.items", len(items)))
	for _, fn := range fns {
		fn()
	}
	return nil
}

// IsUnavailable reports whether err came from targeting a missing store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
