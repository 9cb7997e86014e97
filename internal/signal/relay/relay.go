// Package relay implements signal.Channel on top of the external signaling
// relay: a WebSocket server that forwards envelopes between named endpoints
// and resolves the job-dispatch race (first-write-wins at the relay). The
// relay itself is not part of this repo; this is the client side only.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/fieldside/fieldside/internal/signal"
)

var log = logging.Logger("relay")

const (
	writeTimeout   = 10 * time.Second
	redialMin      = time.Second
	redialMax      = 30 * time.Second
	pingInterval   = 25 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// hello is the first frame on every connection. It binds the socket to the
// local endpoint ids and pool memberships so the relay can route to us.
type hello struct {
	Token     string   `json:"token"`
	Endpoints []string `json:"endpoints"`
	Pools     []string `json:"pools,omitempty"`
}

// Options configure a relay connection.
type Options struct {
	// URL of the relay websocket, e.g. wss://relay.example.org/signal.
	URL string
	// Token is the bearer token from the auth subsystem.
	Token string
	// Endpoints are the local endpoint ids this client receives for.
	Endpoints []string
	// Pools are dispatch pools to join (experts only).
	Pools []string
}

// Client is a relay-backed Channel. It dials once, then keeps the socket
// alive with ping/pong and redials with backoff after any read failure.
// Listeners registered via Subscribe survive reconnects untouched.
type Client struct {
	opts Options
	out  *signal.Dispatcher

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the relay and completes the hello handshake. The returned
// Client is ready for Publish/Subscribe; reconnection runs in the
// background for the life of the client.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("relay: empty URL")
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		out:    signal.NewDispatcher(),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := c.dialOnce(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	go c.pingLoop()
	return c, nil
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, hdr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	h := hello{Token: c.opts.Token, Endpoints: c.opts.Endpoints, Pools: c.opts.Pools}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(&h); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: hello: %w", err)
	}
	log.Infof("connected to relay %s as %v", c.opts.URL, c.opts.Endpoints)
	return conn, nil
}

// readLoop drains one socket until it fails, then hands off to redial.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			log.Warnf("relay read: %v — reconnecting", err)
			conn.Close()
			c.redial()
			return
		}
		if !c.localRecipient(env.To) {
			// Relay misroute or stale pool membership. Not ours — drop.
			log.Debugf("ignoring envelope for %s (not a local id)", env.To)
			continue
		}
		c.out.Deliver(&env)
	}
}

func (c *Client) localRecipient(to string) bool {
	for _, id := range c.opts.Endpoints {
		if id == to {
			return true
		}
	}
	for _, p := range c.opts.Pools {
		if p == to {
			return true
		}
	}
	return false
}

// redial re-establishes the socket with exponential backoff. Subscriptions
// are untouched; the relay re-learns our routing from the fresh hello.
func (c *Client) redial() {
	backoff := redialMin
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		conn, err := c.dialOnce(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			go c.readLoop(conn)
			return
		}
		log.Warnf("relay redial: %v (next attempt in %s)", err, backoff)
		if backoff *= 2; backoff > redialMax {
			backoff = redialMax
		}
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			conn := c.conn
			if conn != nil {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.mu.Unlock()
		}
	}
}

// Publish implements signal.Channel.
func (c *Client) Publish(ctx context.Context, env *signal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("relay: publish %s: %w", env.Kind, err)
	}
	return nil
}

// Subscribe implements signal.Channel.
func (c *Client) Subscribe(kinds ...signal.Kind) (<-chan *signal.Envelope, func()) {
	return c.out.Subscribe(kinds...)
}

// Close implements signal.Channel.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.out.Close()
	return nil
}
