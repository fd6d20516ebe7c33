// Package zk adapts a ZooKeeper ensemble to coord.Client.
//
// Contender nodes are created in protected mode, so a create that loses its
// connection is recovered by the library instead of leaving an unknown
// node behind. The protected prefix goes before the node name and the
// sequence suffix stays last, which is all the locker parses.
package zk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
)

const eventBuffer = 64

// Client is a ZooKeeper session.
type Client struct {
	conn   *zk.Conn
	acl    []zk.ACL
	logger *slog.Logger

	mu     sync.Mutex
	state  coord.State
	closed bool
	events chan coord.Event

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var _ coord.Client = (*Client)(nil)

// Option customises Dial.
type Option func(*Client)

// WithLogger routes both adapter and library logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithACL sets the ACL of created nodes. Defaults to world:anyone all.
func WithACL(acl []zk.ACL) Option {
	return func(c *Client) { c.acl = acl }
}

type printer struct{ logger *slog.Logger }

func (p printer) Printf(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...), "component", "zk")
}

// Dial connects to the ensemble and waits until a session is established
// or ctx ends.
func Dial(ctx context.Context, servers []string, sessionTimeout time.Duration, opts ...Option) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("coord/zk: no servers")
	}
	c := &Client{
		acl:    zk.WorldACL(zk.PermAll),
		logger: slog.Default(),
		state:  coord.StateConnecting,
		events: make(chan coord.Event, eventBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(printer{c.logger}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
	}
	c.conn = conn
	go c.pump(events)

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		conn.Close()
		return nil, coord.ErrSessionExpired
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// pump turns library session events into coord events.
func (c *Client) pump(src <-chan zk.Event) {
	defer c.finish()
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			state, known := translateState(ev.State)
			if !known {
				continue
			}
			if state == coord.StateConnected {
				c.readyOnce.Do(func() { close(c.ready) })
			}
			if c.transition(state) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// transition records state and reports whether the session is over.
func (c *Client) transition(state coord.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.state == state {
		return false
	}
	c.state = state
	ev := coord.Event{Type: coord.EventSession, State: state}
	if state == coord.StateExpired {
		ev.Err = coord.ErrSessionExpired
		c.logger.Warn("zookeeper session expired")
	}
	select {
	case c.events <- ev:
	default:
	}
	return state == coord.StateExpired
}

func (c *Client) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func translateState(s zk.State) (coord.State, bool) {
	switch s {
	case zk.StateHasSession:
		return coord.StateConnected, true
	case zk.StateDisconnected, zk.StateConnecting:
		return coord.StateDisconnected, true
	case zk.StateExpired:
		return coord.StateExpired, true
	default:
		return coord.StateUnknown, false
	}
}

// mapErr translates library errors to coord errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return coord.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return coord.ErrNodeExists
	case errors.Is(err, zk.ErrNotEmpty):
		return coord.ErrNotEmpty
	case errors.Is(err, zk.ErrSessionExpired):
		return coord.ErrSessionExpired
	case errors.Is(err, zk.ErrClosing):
		return coord.ErrClosed
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
	}
	return err
}

// The library calls carry their own request timeout and do not take a
// context; ctx is checked before each one.
func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed && c.state == coord.StateExpired:
		return coord.ErrSessionExpired
	case c.closed:
		return coord.ErrClosed
	}
	return nil
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, p string, data []byte, flags coord.CreateFlags) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	if err := c.check(ctx); err != nil {
		return "", err
	}
	var (
		name string
		err  error
	)
	if flags&(coord.FlagEphemeral|coord.FlagSequence) == coord.FlagEphemeral|coord.FlagSequence {
		name, err = c.conn.CreateProtectedEphemeralSequential(p, data, c.acl)
	} else {
		var zflags int32
		if flags&coord.FlagEphemeral != 0 {
			zflags |= zk.FlagEphemeral
		}
		if flags&coord.FlagSequence != 0 {
			zflags |= zk.FlagSequence
		}
		name, err = c.conn.Create(p, data, zflags, c.acl)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", p, mapErr(err))
	}
	return name, nil
}

// Delete implements coord.Client.
func (c *Client) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := c.conn.Delete(p, -1); err != nil {
		return fmt.Errorf("delete %s: %w", p, mapErr(err))
	}
	return nil
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, parent string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	names, _, err := c.conn.Children(parent)
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", parent, mapErr(err))
	}
	return names, nil
}

// EnsurePath implements coord.Client.
func (c *Client) EnsurePath(ctx context.Context, p string) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	for _, dir := range append(coord.Parents(p), p) {
		if err := c.check(ctx); err != nil {
			return err
		}
		_, err := c.conn.Create(dir, nil, 0, c.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("ensure %s: %w", dir, mapErr(err))
		}
	}
	return nil
}

// ExistsW implements coord.Client. Data changes re-arm the library watch so
// the returned channel only reports deletion or the end of watching.
func (c *Client) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	if err := c.check(ctx); err != nil {
		return false, nil, err
	}
	// A watch armed on a missing node waits for its creation, and
	// sequential names never come back, so check without a watch first.
	ok, _, err := c.conn.Exists(p)
	if err != nil {
		return false, nil, fmt.Errorf("exists %s: %w", p, mapErr(err))
	}
	if !ok {
		return false, nil, nil
	}
	ok, _, src, err := c.conn.ExistsW(p)
	if err != nil {
		return false, nil, fmt.Errorf("exists %s: %w", p, mapErr(err))
	}
	if !ok {
		// deleted in between; the creation watch left behind is dropped
		// with the session
		return false, nil, nil
	}
	out := make(chan coord.Event, 1)
	go c.follow(p, src, out)
	return true, out, nil
}

func (c *Client) follow(p string, src <-chan zk.Event, out chan<- coord.Event) {
	defer close(out)
	for {
		ev, ok := <-src
		if !ok {
			out <- coord.Event{Type: coord.EventNotWatching, State: c.State(), Path: p, Err: coord.ErrClosed}
			return
		}
		if translated, final := translateWatch(p, ev); final {
			out <- translated
			return
		}
		exists, _, next, err := c.conn.ExistsW(p)
		switch {
		case err != nil:
			err = mapErr(err)
			state := c.State()
			if errors.Is(err, coord.ErrSessionExpired) {
				state = coord.StateExpired
			}
			out <- coord.Event{Type: coord.EventNotWatching, State: state, Path: p, Err: err}
			return
		case !exists:
			out <- coord.Event{Type: coord.EventNodeDeleted, State: coord.StateConnected, Path: p}
			return
		}
		src = next
	}
}

// translateWatch maps one library watch event. final is false for events
// that leave the node in place.
func translateWatch(p string, ev zk.Event) (coord.Event, bool) {
	switch ev.Type {
	case zk.EventNodeDeleted:
		return coord.Event{Type: coord.EventNodeDeleted, State: coord.StateConnected, Path: p}, true
	case zk.EventNotWatching:
		err := mapErr(ev.Err)
		if err == nil {
			err = coord.ErrClosed
		}
		state := coord.StateDisconnected
		if errors.Is(err, coord.ErrSessionExpired) || ev.State == zk.StateExpired {
			state = coord.StateExpired
		}
		return coord.Event{Type: coord.EventNotWatching, State: state, Path: p, Err: err}, true
	default:
		return coord.Event{}, false
	}
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event { return c.events }

// State implements coord.Client.
func (c *Client) State() coord.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ZooKeeper session id.
func (c *Client) SessionID() int64 { return c.conn.SessionID() }

// Close ends the session. ZooKeeper drops its ephemeral nodes.
func (c *Client) Close() error {
	c.finish()
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
