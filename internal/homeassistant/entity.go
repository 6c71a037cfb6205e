package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/devpeek/internal/retry"
)

const (
	domainTodo      = "todo"
	serviceGetItems = "get_items"

	statusCompleted = "completed"
	dateLayout      = "2006-01-02"

	// readTimeout bounds one State call including retries.
	readTimeout = 5 * time.Second
)

// TodoItem is one item of a todo entity as mirrored by devpeek.
type TodoItem struct {
	UID         string     `json:"uid"`
	Summary     string     `json:"summary"`
	Completed   bool       `json:"completed"`
	Description string     `json:"description,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
}

// haTodoItem is the JSON shape of one item returned by todo.get_items.
type haTodoItem struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"`
}

type haItemsResponse struct {
	Items []haTodoItem `json:"items"`
}

// Entity is a state source for one todo entity, e.g. "todo.shopping". Its
// snapshot is the entity's item list.
type Entity struct {
	name     string
	entityID string
	client   *Client
}

// NewEntity creates an Entity adapter named name.
func (c *Client) NewEntity(name, entityID string) *Entity {
	return &Entity{name: name, entityID: entityID, client: c}
}

// Name returns the adapter name.
func (e *Entity) Name() string { return e.name }

// State fetches the entity's items.
func (e *Entity) State() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"entity_id": e.entityID})
	if err != nil {
		return nil, fmt.Errorf("encode get_items request: %w", err)
	}

	var raw json.RawMessage
	err = retry.Do(ctx, retry.Default, func() error {
		resp, callErr := e.client.rest.CallServiceWithResponse(ctx, domainTodo, serviceGetItems, bytes.NewReader(body))
		if callErr != nil {
			return callErr
		}
		r, ok := resp.ServiceResponse[e.entityID]
		if !ok {
			return retry.Permanent(fmt.Errorf("no service response for entity %s", e.entityID))
		}
		raw = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get items for %s: %w", e.entityID, err)
	}
	return parseItems(raw, e.entityID)
}

// Subscribe calls notify whenever Home Assistant reports a state change of
// this entity. It fails with [ErrNoFeed] when the client has no WebSocket.
// If the feed later closes, the subscription reconnects and calls notify
// once so that changes missed in between are read.
func (e *Entity) Subscribe(notify func()) (func(), error) {
	if e.client.feed == nil {
		return nil, ErrNoFeed
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), readTimeout)
	err := e.client.connect(connectCtx)
	cancelConnect()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.watch(ctx, notify)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// watch runs the change feed until ctx is done, reconnecting after it
// closes.
func (e *Entity) watch(ctx context.Context, notify func()) {
	for {
		err := e.client.feed.Watch(ctx, func(id string) {
			if id == e.entityID {
				notify()
			}
		})
		if ctx.Err() != nil {
			return
		}
		e.client.log.Warn("HA change feed stopped, reconnecting",
			"entity_id", e.entityID, "error", err, "delay", e.client.resubscribeDelay)
		e.client.disconnected()

		if !e.reconnect(ctx) {
			return
		}
		notify()
	}
}

// reconnect retries connect every resubscribeDelay until it succeeds or ctx
// is done.
func (e *Entity) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.client.resubscribeDelay):
		}

		connectCtx, cancel := context.WithTimeout(ctx, readTimeout)
		err := e.client.connect(connectCtx)
		cancel()
		if err == nil {
			return true
		}
		e.client.log.Warn("HA reconnect failed", "entity_id", e.entityID, "error", err)
	}
}

func parseItems(raw json.RawMessage, entityID string) ([]TodoItem, error) {
	var resp haItemsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse items response for %s: %w", entityID, err)
	}
	items := make([]TodoItem, 0, len(resp.Items))
	for _, h := range resp.Items {
		items = append(items, toTodoItem(h))
	}
	return items, nil
}

func toTodoItem(h haTodoItem) TodoItem {
	item := TodoItem{
		UID:         h.UID,
		Summary:     h.Summary,
		Completed:   h.Status == statusCompleted,
		Description: h.Description,
	}
	if h.Due != "" {
		if t, err := parseDue(h.Due); err == nil {
			item.Due = &t
		}
	}
	return item
}

// parseDue accepts a date ("2006-01-02") or an RFC 3339 timestamp.
func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
