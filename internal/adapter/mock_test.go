package adapter

import (
	"sync"
)

// --- Mock poll-only adapter ---------------------------------------------------

type mockAdapter struct {
	mu    sync.Mutex
	name  string
	value any
	err   error
	reads int
}

func newMockAdapter(name string, value any) *mockAdapter {
	return &mockAdapter{name: name, value: value}
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) State() (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	return m.value, nil
}

func (m *mockAdapter) set(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
}

func (m *mockAdapter) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockAdapter) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// --- Mock push adapter --------------------------------------------------------

type mockPushAdapter struct {
	*mockAdapter

	subMu        sync.Mutex
	notify       []func()
	subscribes   int
	unsubscribes int
	subErr       error
	nilUnsub     bool
}

func newMockPushAdapter(name string, value any) *mockPushAdapter {
	return &mockPushAdapter{mockAdapter: newMockAdapter(name, value)}
}

func (m *mockPushAdapter) Subscribe(notify func()) (func(), error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subErr != nil {
		return nil, m.subErr
	}
	m.subscribes++
	m.notify = append(m.notify, notify)
	if m.nilUnsub {
		return nil, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			m.unsubscribes++
		})
	}, nil
}

// trigger fires every callback ever registered, including torn-down ones, so
// tests can check that stale callbacks are ignored.
func (m *mockPushAdapter) trigger() {
	m.subMu.Lock()
	fns := append([]func(){}, m.notify...)
	m.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *mockPushAdapter) counts() (subscribes, unsubscribes int) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.subscribes, m.unsubscribes
}

// setAndTrigger updates the value and notifies, like a store dispatch.
func (m *mockPushAdapter) setAndTrigger(v any) {
	m.set(v)
	m.trigger()
}
