package homeassistant

import (
	"context"
	"errors"
	"io"
	"sync"

	haclient "github.com/mkelcik/go-ha-client/v2"
)

// --- Mock REST client ---------------------------------------------------------

type mockREST struct {
	mu       sync.Mutex
	payloads map[string]string // entity ID -> raw service response
	failures int               // calls that fail before succeeding
	calls    int
	bodies   []string
}

func newMockREST() *mockREST {
	return &mockREST{payloads: make(map[string]string)}
}

func (m *mockREST) Ping(_ context.Context) error { return nil }

func (m *mockREST) CallServiceWithResponse(_ context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	b, _ := io.ReadAll(body)
	m.bodies = append(m.bodies, domain+"."+service+" "+string(b))
	if m.failures > 0 {
		m.failures--
		return haclient.ServiceCallResponse{}, errors.New("connection refused")
	}
	var resp haclient.ServiceCallResponse
	fillResponse(&resp.ServiceResponse, m.payloads)
	return resp, nil
}

// fillResponse copies raw JSON payloads into a service response map.
func fillResponse[M ~map[string]V, V ~[]byte](dst *M, src map[string]string) {
	*dst = make(M, len(src))
	for id, raw := range src {
		(*dst)[id] = V(raw)
	}
}

func (m *mockREST) set(entityID, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[entityID] = raw
}

func (m *mockREST) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Mock change feed ---------------------------------------------------------

type mockFeed struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	watchers   []func(string)
	stopped    int
	closed     bool
	dropped    chan struct{}
}

func (f *mockFeed) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *mockFeed) Watch(ctx context.Context, fn func(string)) error {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	if f.dropped == nil {
		f.dropped = make(chan struct{})
	}
	dropped := f.dropped
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
		return ctx.Err()
	case <-dropped:
		return errors.New("subscription events channel closed")
	}
}

// drop ends every running Watch the way a closed event stream does.
func (f *mockFeed) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped != nil {
		close(f.dropped)
	}
	f.dropped = nil
	f.watchers = nil
}

// failConnect makes later Connect calls fail with err, or succeed when nil.
func (f *mockFeed) failConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *mockFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// emit delivers a state_changed event for entityID to every watcher.
func (f *mockFeed) emit(entityID string) {
	f.mu.Lock()
	fns := append([]func(string){}, f.watchers...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(entityID)
	}
}

func (f *mockFeed) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *mockFeed) counts() (connects, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.stopped
}
