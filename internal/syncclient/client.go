package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/debounce"
	"github.com/roach88/notesync/internal/protocol"
	"github.com/roach88/notesync/internal/replica"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second

	outboundBuffer = 1024
	writeTimeout   = 10 * time.Second
)

// RefusedError reports that the relay refused the join. Retrying with the
// same parameters cannot succeed, so Run returns it.
type RefusedError struct {
	Message string
}

func (e *RefusedError) Error() string {
	return "relay refused connection: " + e.Message
}

// Options configures a Client.
type Options struct {
	// Session is empty for the global room, "new" to create a session, or
	// a join code.
	Session     string
	WorkspaceID string

	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Clock      debounce.Clock
	Logger     *slog.Logger

	// OnControl receives every control message from the relay.
	OnControl func(protocol.ControlMessage)
	// OnConnect runs after each successful connection and state push.
	OnConnect func(ctx context.Context)
}

// Client keeps one replica connected to a relay room.
type Client struct {
	base string
	rep  *replica.Replica
	opts Options
	log  *slog.Logger

	out    chan []byte
	resync chan struct{}
	dirty  atomic.Bool

	mu      sync.Mutex
	session string
}

// New creates a client for rep against the relay at relayURL
// (http, https, ws or wss).
func New(relayURL string, rep *replica.Replica, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	if opts.Clock == nil {
		opts.Clock = debounce.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:    strings.TrimRight(relayURL, "/"),
		rep:     rep,
		opts:    opts,
		log:     opts.Logger.With("component", "syncclient", "doc", rep.Name()),
		out:     make(chan []byte, outboundBuffer),
		resync:  make(chan struct{}, 1),
		session: opts.Session,
	}
}

// Session returns the session the client joins: empty, "new" before the
// relay assigned a code, or the join code.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// URL returns the websocket URL of the client's room.
func (c *Client) URL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u = u.JoinPath("sync", c.rep.Name())
	q := u.Query()
	if s := c.Session(); s != "" {
		q.Set("session", s)
		if s == "new" && c.opts.WorkspaceID != "" {
			q.Set("workspace", c.opts.WorkspaceID)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run drives the replica's update queue and keeps the connection alive,
// reconnecting with exponential backoff, until ctx is done. It returns nil
// on cancellation and a *RefusedError when the relay refuses the join.
func (c *Client) Run(ctx context.Context) error {
	unobserve := c.rep.Observe(c.forward)
	defer unobserve()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.rep.Run(gctx) })
	g.Go(func() error {
		err := c.connectLoop(gctx)
		if err == nil {
			err = gctx.Err()
		}
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// forward queues locally originated updates for the relay. Overflow falls
// back to a full state push.
func (c *Client) forward(ev crdt.Event) {
	if ev.Origin != crdt.OriginLocal {
		return
	}
	select {
	case c.out <- ev.Update:
	default:
		c.dirty.Store(true)
		select {
		case c.resync <- struct{}{}:
		default:
		}
	}
}

func (c *Client) connectLoop(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var refused *RefusedError
		if errors.As(err, &refused) {
			return err
		}
		if connected {
			backoff = c.opts.MinBackoff
		}
		c.log.Warn("relay connection lost", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-c.opts.Clock.After(backoff):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	target, err := c.URL()
	if err != nil {
		return false, &RefusedError{Message: err.Error()}
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, target, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	// Everything queued so far is contained in the full state.
	c.drainOutbound()
	c.dirty.Store(false)
	if !c.rep.Doc().Empty() {
		if err := writeBinary(conn, c.rep.EncodeState()); err != nil {
			return true, fmt.Errorf("push state: %w", err)
		}
	}
	c.log.Info("connected to relay", "url", target)
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(connCtx)
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writeLoop(connCtx, conn) }()

	readErr := c.readLoop(conn)
	cancel()
	if err := <-writeErr; err != nil && readErr == nil {
		return true, err
	}
	return true, readErr
}

func (c *Client) drainOutbound() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-c.out:
			if err := writeBinary(conn, update); err != nil {
				return fmt.Errorf("send update: %w", err)
			}
		case <-c.resync:
			if !c.dirty.Swap(false) {
				continue
			}
			c.drainOutbound()
			if err := writeBinary(conn, c.rep.EncodeState()); err != nil {
				return fmt.Errorf("resync: %w", err)
			}
		}
	}
}

func writeBinary(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if !c.rep.Enqueue(data, crdt.OriginRemote) {
				return errors.New("replica closed")
			}
		case websocket.TextMessage:
			msg, err := protocol.DecodeControl(data)
			if err != nil {
				c.log.Warn("malformed control message", "error", err)
				continue
			}
			if err := c.handleControl(msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleControl(msg protocol.ControlMessage) error {
	switch m := msg.(type) {
	case protocol.SessionCreated:
		// Reconnects rejoin the same session instead of creating another.
		c.mu.Lock()
		c.session = m.JoinCode
		c.mu.Unlock()
		c.log.Info("session created", "join_code", m.JoinCode)
	case protocol.SessionJoined:
		c.log.Info("session joined", "join_code", m.JoinCode)
	case protocol.PeerJoined:
		c.log.Debug("peer joined", "guest", m.GuestID, "peers", m.PeerCount)
	case protocol.PeerLeft:
		c.log.Debug("peer left", "guest", m.GuestID, "peers", m.PeerCount)
	case protocol.Error:
		if c.opts.OnControl != nil {
			c.opts.OnControl(msg)
		}
		return &RefusedError{Message: m.Message}
	}
	if c.opts.OnControl != nil {
		c.opts.OnControl(msg)
	}
	return nil
}
