// Package memory implements an in-process coordination service with the
// semantics fairlock relies on: persistent and ephemeral nodes, sequential
// naming, one-shot watches and sessions that can be expired or disconnected
// on demand. It is meant for tests, demos and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
)

// Op names a client operation for fault injection and hooks.
type Op int

const (
	OpCreate Op = iota
	OpDelete
	OpChildren
	OpExists
)

const sessionEventBuffer = 64

type node struct {
	data     []byte
	owner    int64
	children map[string]struct{}
	seq      int64
}

type watch struct {
	sess *Session
	ch   chan coord.Event
}

// Server holds the node tree shared by every Session.
type Server struct {
	mu       sync.Mutex
	nodes    map[string]*node
	watches  map[string][]*watch
	sessions map[int64]*Session
	nextID   int64
	hooks    map[Op]func(path string)
}

// NewServer returns an empty tree containing only "/".
func NewServer() *Server {
	return &Server{
		nodes:    map[string]*node{"/": {children: make(map[string]struct{})}},
		watches:  make(map[string][]*watch),
		sessions: make(map[int64]*Session),
		hooks:    make(map[Op]func(string)),
	}
}

// Connect opens a new, already connected session.
func (s *Server) Connect() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sess := &Session{
		srv:      s,
		id:       s.nextID,
		events:   make(chan coord.Event, sessionEventBuffer),
		state:    coord.StateConnected,
		failures: make(map[Op]int),
	}
	s.sessions[sess.id] = sess
	sess.emit(coord.Event{Type: coord.EventSession, State: coord.StateConnected})
	return sess
}

// Hook runs fn before every op, outside the server lock, with the path the
// op targets. Passing nil removes the hook.
func (s *Server) Hook(op Op, fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

// Exists reports whether p is present.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[p]
	return ok
}

// Children returns the sorted names under parent.
func (s *Server) Children(parent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[parent]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Owner returns the session id owning an ephemeral node, or 0.
func (s *Server) Owner(p string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[p]; ok {
		return n.owner
	}
	return 0
}

// Watchers returns how many watches are armed on p.
func (s *Server) Watchers(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[p])
}

func (s *Server) hook(op Op, p string) {
	s.mu.Lock()
	fn := s.hooks[op]
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// remove deletes p and fires its watches. Caller holds s.mu.
func (s *Server) remove(p string) {
	delete(s.nodes, p)
	if parent, ok := s.nodes[path.Dir(p)]; ok {
		delete(parent.children, path.Base(p))
	}
	for _, w := range s.watches[p] {
		w.sess.fires.Add(1)
		w.ch <- coord.Event{Type: coord.EventNodeDeleted, State: coord.StateConnected, Path: p}
		close(w.ch)
	}
	delete(s.watches, p)
}

// endSession reclaims the ephemeral nodes of sess and drops its watches.
// Caller holds s.mu.
func (s *Server) endSession(sess *Session, state coord.State) {
	var owned []string
	for p, n := range s.nodes {
		if n.owner == sess.id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.remove(p)
	}
	for p, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.sess != sess {
				kept = append(kept, w)
				continue
			}
			w.ch <- coord.Event{Type: coord.EventNotWatching, State: state, Path: p, Err: coord.ErrSessionExpired}
			close(w.ch)
		}
		if len(kept) == 0 {
			delete(s.watches, p)
		} else {
			s.watches[p] = kept
		}
	}
	delete(s.sessions, sess.id)
}

// Session is one client of a Server. It implements coord.Client.
type Session struct {
	srv    *Server
	id     int64
	events chan coord.Event
	fires  atomic.Int64

	// guarded by srv.mu
	state    coord.State
	closed   bool
	failures map[Op]int
}

var _ coord.Client = (*Session)(nil)

// ID returns the session id.
func (c *Session) ID() int64 { return c.id }

// WatchFires counts node-deleted notifications delivered to this session.
func (c *Session) WatchFires() int64 { return c.fires.Load() }

// FailNext makes the next n calls of op fail with coord.ErrConnectionLoss.
func (c *Session) FailNext(op Op, n int) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.failures[op] += n
}

// Expire ends the session as the service would after a timeout: its
// ephemeral nodes disappear and its watches stop.
func (c *Session) Expire() {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed || c.state == coord.StateExpired {
		return
	}
	c.srv.endSession(c, coord.StateExpired)
	c.state = coord.StateExpired
	c.emit(coord.Event{Type: coord.EventSession, State: coord.StateExpired, Err: coord.ErrSessionExpired})
	close(c.events)
}

// Disconnect simulates a dropped connection. Nodes and watches survive.
func (c *Session) Disconnect() {
	c.setLink(coord.StateDisconnected)
}

// Reconnect restores a disconnected session.
func (c *Session) Reconnect() {
	c.setLink(coord.StateConnected)
}

func (c *Session) setLink(state coord.State) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed || c.state == coord.StateExpired || c.state == state {
		return
	}
	c.state = state
	c.emit(coord.Event{Type: coord.EventSession, State: state})
}

// emit never blocks; a consumer that stops reading loses events.
func (c *Session) emit(ev coord.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// check runs under srv.mu.
func (c *Session) check(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case c.closed:
		return coord.ErrClosed
	case c.state == coord.StateExpired:
		return coord.ErrSessionExpired
	case c.state == coord.StateDisconnected:
		return coord.ErrConnectionLoss
	}
	if c.failures[op] > 0 {
		c.failures[op]--
		return coord.ErrConnectionLoss
	}
	return nil
}

// Create implements coord.Client.
func (c *Session) Create(ctx context.Context, p string, data []byte, flags coord.CreateFlags) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	c.srv.hook(OpCreate, p)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, OpCreate); err != nil {
		return "", err
	}
	parent, ok := c.srv.nodes[path.Dir(p)]
	if !ok {
		return "", fmt.Errorf("create %s: %w", p, coord.ErrNoNode)
	}
	if parent.owner != 0 {
		return "", fmt.Errorf("create %s: ephemeral parent cannot have children", p)
	}
	name := p
	if flags&coord.FlagSequence != 0 {
		name = p + coord.FormatSequence(parent.seq)
		parent.seq++
	}
	if _, exists := c.srv.nodes[name]; exists {
		return "", fmt.Errorf("create %s: %w", name, coord.ErrNodeExists)
	}
	n := &node{data: append([]byte(nil), data...), children: make(map[string]struct{})}
	if flags&coord.FlagEphemeral != 0 {
		n.owner = c.id
	}
	c.srv.nodes[name] = n
	parent.children[path.Base(name)] = struct{}{}
	return name, nil
}

// Delete implements coord.Client.
func (c *Session) Delete(ctx context.Context, p string) error {
	c.srv.hook(OpDelete, p)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, OpDelete); err != nil {
		return err
	}
	n, ok := c.srv.nodes[p]
	if !ok || p == "/" {
		return fmt.Errorf("delete %s: %w", p, coord.ErrNoNode)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: %w", p, coord.ErrNotEmpty)
	}
	c.srv.remove(p)
	return nil
}

// Children implements coord.Client. Names come back in map order.
func (c *Session) Children(ctx context.Context, parent string) ([]string, error) {
	c.srv.hook(OpChildren, parent)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, OpChildren); err != nil {
		return nil, err
	}
	n, ok := c.srv.nodes[parent]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", parent, coord.ErrNoNode)
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	return out, nil
}

// ExistsW implements coord.Client.
func (c *Session) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	c.srv.hook(OpExists, p)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, OpExists); err != nil {
		return false, nil, err
	}
	if _, ok := c.srv.nodes[p]; !ok {
		return false, nil, nil
	}
	w := &watch{sess: c, ch: make(chan coord.Event, 1)}
	c.srv.watches[p] = append(c.srv.watches[p], w)
	return true, w.ch, nil
}

// EnsurePath implements coord.Client.
func (c *Session) EnsurePath(ctx context.Context, p string) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, OpCreate); err != nil {
		return err
	}
	for _, dir := range append(coord.Parents(p), p) {
		if _, ok := c.srv.nodes[dir]; ok {
			continue
		}
		parent := c.srv.nodes[path.Dir(dir)]
		c.srv.nodes[dir] = &node{children: make(map[string]struct{})}
		parent.children[path.Base(dir)] = struct{}{}
	}
	return nil
}

// Events implements coord.Client.
func (c *Session) Events() <-chan coord.Event { return c.events }

// State implements coord.Client.
func (c *Session) State() coord.State {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.state
}

// Close ends the session and reclaims its ephemeral nodes.
func (c *Session) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.state != coord.StateExpired {
		c.srv.endSession(c, coord.StateExpired)
		close(c.events)
	}
	c.closed = true
	return nil
}
