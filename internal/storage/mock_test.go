package storage

import (
	"context"
	"sort"
	"sync"
)

// --- In-memory store -----------------------------------------------------------

// MemoryStore is an in-process KeyValueStore for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Keys returns the keys in sorted order.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	return nil
}

// --- Store that can be told to fail -------------------------------------------

type failingStore struct {
	*MemoryStore

	mu      sync.Mutex
	failSet error
	failKey error
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: NewMemoryStore()}
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	err := s.failSet
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *failingStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	err := s.failKey
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Keys(ctx)
}

// --- Store whose key listing races with a delete -----------------------------

// vanishingStore lists a phantom key that Get no longer finds, the way a
// key can disappear between key(i) and getItem under concurrent mutation.
type vanishingStore struct {
	*MemoryStore
	phantom string
}

func (s *vanishingStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.MemoryStore.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return append(keys, s.phantom), nil
}

// --- Fake native change source ------------------------------------------------

type fakeSource struct {
	mu      sync.Mutex
	fns     map[int]func()
	next    int
	cancels int
}

func newFakeSource() *fakeSource {
	return &fakeSource{fns: make(map[int]func())}
}

func (f *fakeSource) Subscribe(fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.fns[id]; ok {
			delete(f.fns, id)
			f.cancels++
		}
	}, nil
}

// fire simulates a write from another process.
func (f *fakeSource) fire() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}
