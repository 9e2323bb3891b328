// Package wsfanout is the WebSocket north-bound adapter: each
// connected client keeps its own ClientSubscription filter, a per-
// (client,tag) rate limit, and an optional batched-delivery mode,
// fed from the bus and written to the client's gorilla/websocket
// connection.
package wsfanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/fanout/template"
	"github.com/edgegw/gateway/internal/frame"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHeartbeatInterval is how often the server pings a client.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how long a client has to Pong before
	// it is considered dead and disconnected.
	DefaultHeartbeatTimeout = 90 * time.Second
)

// Message is the JSON object delivered to a WebSocket client for one
// frame: sent alone in immediate mode, or as an element of a JSON array
// (one array per batch) in batched mode.
type Message struct {
	Tag       string    `json:"tag"`
	Value     string    `json:"value"`
	Quality   string    `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

func toMessage(f frame.Frame) Message {
	q := "good"
	switch f.Quality {
	case frame.QualityUncertain:
		q = "uncertain"
	case frame.QualityBad:
		q = "bad"
	}
	return Message{Tag: f.Tag, Value: f.Value.String(), Quality: q, Timestamp: f.Timestamp}
}

// ClientSubscription is one connected client's filter plus its delivery
// mode settings.
type ClientSubscription struct {
	Filter       bus.Filter
	BatchSize    int           // 0 or 1 means immediate delivery
	BatchTimeout time.Duration // flush partial batch after this long
	RateLimit    time.Duration // minimum spacing between deliveries of the same tag, 0 disables
}

// Client is one connected WebSocket consumer.
type Client struct {
	id   string
	conn *websocket.Conn
	sub  ClientSubscription
	busC *bus.Subscription

	writeMu   sync.Mutex
	lastSeen  map[string]time.Time // per-tag last-delivered time, for RateLimit
	lastSeenM sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Manager tracks every connected Client keyed by client id.
type Manager struct {
	b *bus.Bus

	mu      sync.Mutex
	clients map[string]*Client
}

func NewManager(b *bus.Bus) *Manager {
	return &Manager{b: b, clients: make(map[string]*Client)}
}

// Register attaches a new WebSocket connection under clientID with sub.
func (m *Manager) Register(clientID string, conn *websocket.Conn, sub ClientSubscription) *Client {
	c := &Client{
		id: clientID, conn: conn, sub: sub,
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	c.busC = m.b.Subscribe("wsfanout:"+clientID, sub.Filter, 1024)

	m.mu.Lock()
	m.clients[clientID] = c
	m.mu.Unlock()
	return c
}

// Unregister removes and tears down a client.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if ok {
		c.close(m.b)
	}
}

// Count reports how many clients are currently connected.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (c *Client) close(b *bus.Bus) {
	c.closeOnce.Do(func() {
		b.Unsubscribe(c.busC.ID)
		close(c.done)
		_ = c.conn.Close()
	})
}

// Pump runs the client's send loop (rate limiting, batching, heartbeat)
// until ctx is cancelled or the connection dies. It is meant to run in
// its own goroutine per client.
func (c *Client) Pump(ctx context.Context, hbInterval, hbTimeout time.Duration) error {
	if hbInterval <= 0 {
		hbInterval = DefaultHeartbeatInterval
	}
	if hbTimeout <= 0 {
		hbTimeout = DefaultHeartbeatTimeout
	}

	pongDeadline := make(chan struct{}, 1)
	c.conn.SetPongHandler(func(string) error {
		select {
		case pongDeadline <- struct{}{}:
		default:
		}
		return nil
	})

	hb := time.NewTicker(hbInterval)
	defer hb.Stop()
	watchdog := time.NewTimer(hbTimeout)
	defer watchdog.Stop()

	batch := make([]Message, 0, max(c.sub.BatchSize, 1))
	var flushTimer *time.Timer
	var flushC <-chan time.Time
	if c.sub.BatchSize > 1 && c.sub.BatchTimeout > 0 {
		flushTimer = time.NewTimer(c.sub.BatchTimeout)
		flushC = flushTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-hb.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		case <-watchdog.C:
			return errHeartbeatTimeout
		case <-pongDeadline:
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(hbTimeout)
		case f, ok := <-c.busC.Ch:
			if !ok {
				return nil
			}
			if c.rateLimited(f.Tag) {
				continue
			}
			msg := toMessage(f)
			if c.sub.BatchSize <= 1 {
				if err := c.writeJSON(msg); err != nil {
					return err
				}
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= c.sub.BatchSize {
				if err := c.writeJSON(batch); err != nil {
					return err
				}
				batch = batch[:0]
				if flushTimer != nil {
					flushTimer.Reset(c.sub.BatchTimeout)
				}
			}
		case <-flushC:
			if len(batch) > 0 {
				if err := c.writeJSON(batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			flushTimer.Reset(c.sub.BatchTimeout)
		}
	}
}

var errHeartbeatTimeout = &heartbeatError{}

type heartbeatError struct{}

func (*heartbeatError) Error() string { return "wsfanout: client missed heartbeat deadline" }

// rateLimited reports whether tag was delivered to this client more
// recently than sub.RateLimit allows, updating the watermark as a side
// effect when the delivery is admitted.
func (c *Client) rateLimited(tag string) bool {
	if c.sub.RateLimit <= 0 {
		return false
	}
	now := time.Now()
	c.lastSeenM.Lock()
	defer c.lastSeenM.Unlock()
	last, ok := c.lastSeen[tag]
	if ok && now.Sub(last) < c.sub.RateLimit {
		return true
	}
	c.lastSeen[tag] = now
	return false
}

func (c *Client) writeJSON(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RenderDebugLine formats a one-line human-readable rendering of a
// frame.
func RenderDebugLine(f frame.Frame) string {
	return template.Render("{{timestamp}} {{tag}} = {{value}}{{unit}}", template.FromFrame(f))
}
