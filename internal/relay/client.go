// Package relay is the websocket transport to a single Nostr relay. It
// implements the transport collaborator consumed by the sync services:
// publishing events, opening and closing REQ subscriptions, one-shot profile
// fetches, and a read loop that hands every raw relay message to a sink.
//
// Writes are serialized by one mutex, as gorilla/websocket allows a single
// concurrent writer. Reads happen only in Listen.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-nostrchat/internal/codec"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// Maximum message size accepted from the relay.
	maxMessageSize = 1 << 20

	// DefaultTemporaryTTL bounds how long a one-shot subscription waits for
	// EOSE before it is closed by the next TemporarySubscribe.
	DefaultTemporaryTTL = 30 * time.Second
)

// ErrNotConnected is returned by writes before Connect or after Close.
var ErrNotConnected = errors.New("relay not connected")

type tempSub struct {
	pubkey string
	opened time.Time
}

// Client is a websocket connection to one relay.
type Client struct {
	URL         string
	DialTimeout time.Duration
	Log         zerolog.Logger

	// TemporaryTTL overrides DefaultTemporaryTTL when > 0.
	TemporaryTTL time.Duration

	now func() time.Time

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu    sync.Mutex
	subs  map[string]struct{} // long-lived subscription ids
	temps map[string]tempSub  // one-shot subscription id -> request

	connected atomic.Bool
}

// New returns an unconnected client for url.
func New(url string, dialTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		URL:         url,
		DialTimeout: dialTimeout,
		Log:         log.With().Str("component", "relay").Str("relay", url).Logger(),
		now:         time.Now,
		subs:        make(map[string]struct{}),
		temps:       make(map[string]tempSub),
	}
}

// Connect dials the relay.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.DialTimeout,
	}
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(ctx, c.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	c.Log.Info().Msg("connected to relay")
	return nil
}

// Connected reports whether the connection is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Close closes the connection. Subscriptions are forgotten.
func (c *Client) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()
	c.connected.Store(false)

	c.mu.Lock()
	c.subs = make(map[string]struct{})
	c.temps = make(map[string]tempSub)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Listen reads relay messages and hands each one to sink until ctx ends or
// the connection fails. EOSE for a one-shot subscription closes it.
func (c *Client) Listen(ctx context.Context, sink func([]byte)) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Log.Warn().Err(err).Msg("relay connection lost")
			}
			return err
		}
		c.observe(ctx, raw)
		sink(raw)
	}
}

// observe handles the control messages that concern subscription state.
func (c *Client) observe(ctx context.Context, raw []byte) {
	msg, err := codec.Decode(raw)
	if err != nil {
		return
	}
	switch msg.Label {
	case codec.LabelEOSE:
		if c.forgetTemporary(msg.SubscriptionID) {
			if err := c.closeSub(ctx, msg.SubscriptionID); err != nil {
				c.Log.Debug().Err(err).Str("sub", msg.SubscriptionID).Msg("close one-shot subscription")
			}
		}
	case codec.LabelClosed:
		c.forgetTemporary(msg.SubscriptionID)
		c.mu.Lock()
		delete(c.subs, msg.SubscriptionID)
		c.mu.Unlock()
		c.Log.Warn().Str("sub", msg.SubscriptionID).Str("reason", msg.Text).Msg("relay closed subscription")
	case codec.LabelNotice:
		c.Log.Info().Str("notice", msg.Text).Msg("relay notice")
	}
}

func (c *Client) forgetTemporary(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.temps[id]; !ok {
		return false
	}
	delete(c.temps, id)
	return true
}

// Publish sends ["EVENT", ev].
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	msg, err := codec.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Subscribe opens a long-lived subscription watching publicKeys from since.
func (c *Client) Subscribe(ctx context.Context, publicKeys []string, since int64) error {
	id := "dms-" + uuid.NewString()
	msg, err := codec.EncodeReq(id, codec.SubscriptionFilters(publicKeys, since))
	if err != nil {
		return err
	}
	if err := c.write(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[id] = struct{}{}
	c.mu.Unlock()
	c.Log.Debug().Str("sub", id).Int("pubkeys", len(publicKeys)).Int64("since", since).Msg("subscribed")
	return nil
}

// UnsubscribeAll closes every long-lived subscription. One-shot
// subscriptions close themselves on EOSE.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.closeSub(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// TemporarySubscribe requests pubkey's latest profile. The subscription is
// closed when the relay signals EOSE. One-shot subscriptions left unanswered
// for longer than the TTL are closed first.
func (c *Client) TemporarySubscribe(ctx context.Context, pubkey string) error {
	c.sweepTemporary(ctx)

	id := "profile-" + uuid.NewString()
	msg, err := codec.EncodeReq(id, []nostr.Filter{codec.ProfileFilter(pubkey)})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.temps[id] = tempSub{pubkey: pubkey, opened: c.now()}
	c.mu.Unlock()
	if err := c.write(ctx, msg); err != nil {
		c.forgetTemporary(id)
		return err
	}
	return nil
}

// sweepTemporary closes one-shot subscriptions older than the TTL.
func (c *Client) sweepTemporary(ctx context.Context) {
	ttl := c.TemporaryTTL
	if ttl <= 0 {
		ttl = DefaultTemporaryTTL
	}
	now := c.now()

	var stale []string
	c.mu.Lock()
	for id, t := range c.temps {
		if now.Sub(t.opened) >= ttl {
			stale = append(stale, id)
			delete(c.temps, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if err := c.closeSub(ctx, id); err != nil {
			c.Log.Debug().Err(err).Str("sub", id).Msg("close stale one-shot subscription")
			continue
		}
		c.Log.Debug().Str("sub", id).Msg("one-shot subscription expired without EOSE")
	}
}

// Subscriptions returns the number of open long-lived and one-shot
// subscriptions.
func (c *Client) Subscriptions() (long, temporary int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs), len(c.temps)
}

func (c *Client) closeSub(ctx context.Context, id string) error {
	msg, err := codec.EncodeClose(id)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
