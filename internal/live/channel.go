// Package live maintains the websocket stream of prediction events. Events are
// decoded and handed to a Handler in arrival order on the read goroutine.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/telemetry"
	"github.com/yourorg/pickup-eta/internal/types"
)

// ErrNotConnected is returned by Send while the stream is down.
var ErrNotConnected = errors.New("live channel not connected")

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ctx context.Context, ev types.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev types.Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev types.Event) { f(ctx, ev) }

// Options configures a Channel.
type Options struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions returns production timings for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// Channel is one logical stream carrying events for all subscribed vendors.
type Channel struct {
	opts    Options
	handler Handler
	metrics *telemetry.Metrics
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]struct{}

	writeMu   sync.Mutex
	connected atomic.Bool
}

// New creates a Channel; call Run to connect.
func New(opts Options, h Handler) *Channel {
	return &Channel{
		opts:    opts,
		handler: h,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		subs: make(map[string]struct{}),
	}
}

// WithMetrics records connection state and event counts.
func (c *Channel) WithMetrics(m *telemetry.Metrics) *Channel {
	c.metrics = m
	return c
}

// Connected reports whether the stream is currently up.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Subscriptions returns the subscribed vendor ids in sorted order.
func (c *Channel) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds a vendor. While disconnected the subscription is remembered
// and sent on the next connect.
func (c *Channel) Subscribe(vendorID string) error {
	c.mu.Lock()
	c.subs[vendorID] = struct{}{}
	c.mu.Unlock()

	err := c.Send(types.EventSubscribeVendor, types.VendorRef{VendorID: vendorID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe removes a vendor.
func (c *Channel) Unsubscribe(vendorID string) error {
	c.mu.Lock()
	delete(c.subs, vendorID)
	c.mu.Unlock()

	err := c.Send(types.EventUnsubscribeVendor, types.VendorRef{VendorID: vendorID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send writes one envelope to the stream.
func (c *Channel) Send(t types.EventType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := types.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.write(conn, env)
}

func (c *Channel) write(conn *websocket.Conn, env types.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Run connects and reads until ctx is done, reconnecting with exponential
// backoff. While disconnected cached predictions only age out by TTL.
func (c *Channel) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"url":   c.opts.URL,
			"retry": wait.String(),
		}).WithError(err).Warn("Live channel disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *Channel) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()
	c.setConnected(true)
	logrus.WithFields(logrus.Fields{
		"url":           c.opts.URL,
		"subscriptions": len(subs),
	}).Info("Live channel connected")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setConnected(false)
		_ = conn.Close()
	}()

	sort.Strings(subs)
	for _, id := range subs {
		env, _ := types.NewEnvelope(types.EventSubscribeVendor, types.VendorRef{VendorID: id})
		if err := c.write(conn, env); err != nil {
			return true, err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

// keepalive pings the server and closes the connection when ctx ends so the
// blocked read returns.
func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		case <-tick:
			timeout := c.opts.WriteTimeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				logrus.WithError(err).Debug("Live channel ping failed")
			}
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logrus.WithError(err).Warn("Dropping malformed live frame")
		return
	}
	ev, err := types.Decode(env, time.Now())
	if err != nil {
		logrus.WithField("type", env.Type).WithError(err).Warn("Dropping undecodable live event")
		return
	}
	c.metrics.LiveEvent(string(ev.Type()))
	c.handler.HandleEvent(ctx, ev)
}

func (c *Channel) setConnected(v bool) {
	c.connected.Store(v)
	c.metrics.LiveConnected(v)
}
