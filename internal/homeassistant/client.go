// Package homeassistant mirrors Home Assistant todo entities as devpeek state
// sources. Reads go through the REST service API (todo.get_items); the
// WebSocket state_changed stream tells the registry when to read again.
package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	haclient "github.com/mkelcik/go-ha-client/v2"
)

// resubscribeDelay is the pause before re-entering a change feed that closed.
const resubscribeDelay = 5 * time.Second

// ErrNoFeed is returned by [Entity.Subscribe] when the client has no
// WebSocket feed. The registry then polls the entity instead.
var ErrNoFeed = errors.New("home assistant change feed not configured")

// RESTClient is the subset of [haclient.Client] methods used here. Defining
// it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	CallServiceWithResponse(ctx context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error)
}

// ChangeFeed delivers the entity ID of every state_changed event.
type ChangeFeed interface {
	Connect(ctx context.Context) error
	// Watch blocks, calling fn per event, until ctx is done or the stream
	// closes.
	Watch(ctx context.Context, fn func(entityID string)) error
	Close() error
}

// Client is shared by every [Entity] of one Home Assistant instance.
type Client struct {
	rest RESTClient
	feed ChangeFeed
	log  *slog.Logger

	connectMu sync.Mutex
	connected bool

	resubscribeDelay time.Duration
}

// NewClient creates a Client backed by real HA REST and WebSocket clients.
// The WebSocket reconnects without limit.
func NewClient(haURL, token string, logger *slog.Logger) (*Client, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	ws := rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0),
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)

	return &Client{
		rest:             rest,
		feed:             &wsFeed{ws: ws, log: logger},
		log:              logger,
		resubscribeDelay: resubscribeDelay,
	}, nil
}

// NewClientWith creates a Client over caller-supplied transports. feed may be
// nil, which makes every entity poll-only.
func NewClientWith(rest RESTClient, feed ChangeFeed, logger *slog.Logger) *Client {
	return &Client{rest: rest, feed: feed, log: logger, resubscribeDelay: resubscribeDelay}
}

// Ping validates the connection and token.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rest.Ping(ctx); err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() error {
	if c.feed == nil {
		return nil
	}
	return c.feed.Close()
}

// connect opens the WebSocket once; later calls are no-ops until
// [Client.disconnected] is called.
func (c *Client) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.feed.Connect(ctx); err != nil {
		return fmt.Errorf("connect HA WebSocket: %w", err)
	}
	c.connected = true
	return nil
}

// disconnected marks the WebSocket as needing a new Connect.
func (c *Client) disconnected() {
	c.connectMu.Lock()
	c.connected = false
	c.connectMu.Unlock()
}

// wsFeed adapts [haclient.WSClient] to [ChangeFeed].
type wsFeed struct {
	ws  *haclient.WSClient
	log *slog.Logger
}

func (f *wsFeed) Connect(ctx context.Context) error { return f.ws.Connect(ctx) }
func (f *wsFeed) Close() error                      { return f.ws.Close() }

func (f *wsFeed) Watch(ctx context.Context, fn func(entityID string)) error {
	sub, err := f.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("subscription events channel closed")
			}
			data, isStateChanged, err := ev.StateChanged()
			if err != nil {
				f.log.Debug("failed to parse state_changed event", "error", err)
				continue
			}
			if isStateChanged {
				fn(data.EntityID)
			}
		case err, ok := <-sub.Errors():
			if !ok {
				return errors.New("subscription errors channel closed")
			}
			// Auto-reconnect restores the subscription.
			f.log.Error("subscription error", "error", err)
		}
	}
}
