// Package adapter mirrors the live state of external state sources.
//
// A state source is anything that can hand out a synchronous snapshot of its
// current value ([Adapter]). Sources that can also announce changes implement
// [Subscriber] and are mirrored push-style; all others are polled on a fixed
// interval. The [Registry] keeps the mirrored map, suppresses updates whose
// value is deep-equal to what is already mirrored, and offers a forced
// [Registry.Refresh] that bypasses that check.
package adapter

import (
	"errors"
	"strings"
)

var (
	// ErrAdapterRead wraps failures returned by [Adapter.State].
	ErrAdapterRead = errors.New("adapter state read failed")

	// ErrAdapterSubscribe wraps failures returned by [Subscriber.Subscribe].
	// The affected adapter falls back to polling.
	ErrAdapterSubscribe = errors.New("adapter subscribe failed")
)

// Adapter is a named state source with a synchronous snapshot accessor.
// Names should be unique within one registry; duplicates share a single
// mirrored entry and overwrite each other.
type Adapter interface {
	Name() string
	State() (any, error)
}

// Subscriber is the optional push capability of an [Adapter]. notify signals
// "state may have changed, read it again". The returned unsubscribe function
// may be nil.
type Subscriber interface {
	Subscribe(notify func()) (unsubscribe func(), err error)
}

// Mode is the synchronisation strategy chosen for an adapter at registration.
type Mode int

const (
	// ModePoll re-reads the adapter on a fixed interval.
	ModePoll Mode = iota
	// ModePush re-reads the adapter whenever it calls its notify callback.
	ModePush
)

// String returns the human-readable label for the mode.
func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "poll"
}

// ModeOf reports which strategy the registry uses for a.
func ModeOf(a Adapter) Mode {
	if _, ok := a.(Subscriber); ok {
		return ModePush
	}
	return ModePoll
}

// Func builds an adapter from plain functions. A nil subscribe yields a
// poll-only adapter; otherwise the adapter is push-capable and subscribe is
// expected to return an unsubscribe function (or nil).
func Func(name string, get func() (any, error), subscribe func(notify func()) func()) Adapter {
	base := funcAdapter{name: name, get: get}
	if subscribe == nil {
		return base
	}
	return funcSubscriber{funcAdapter: base, subscribe: subscribe}
}

type funcAdapter struct {
	name string
	get  func() (any, error)
}

func (f funcAdapter) Name() string        { return f.name }
func (f funcAdapter) State() (any, error) { return f.get() }

type funcSubscriber struct {
	funcAdapter
	subscribe func(notify func()) func()
}

func (f funcSubscriber) Subscribe(notify func()) (func(), error) {
	return f.subscribe(notify), nil
}

// FilterNames returns the names containing filter, compared case-insensitively.
// An empty filter returns names unchanged.
func FilterNames(names []string, filter string) []string {
	if filter == "" {
		return names
	}
	needle := strings.ToLower(filter)
	var out []string
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), needle) {
			out = append(out, n)
		}
	}
	return out
}
