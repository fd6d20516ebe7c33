// Package redis implements coord.Client on a plain Redis server.
//
// Nodes are hashes, child names live in sets and sequential names come from
// a per-parent INCR counter, all updated by Lua scripts so each operation is
// atomic. A session is a key with a TTL renewed by a heartbeat; the nodes it
// owns are listed in a set so they can be reclaimed once it is gone, either
// by the session itself, by a watcher that notices the dead owner or by an
// orphan sweep. Deletions are announced on a syncbus.Bus so watches fire
// without polling; a slower liveness poll covers lost signals.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

const (
	DefaultPrefix         = "fairlock"
	DefaultSessionTimeout = 5 * time.Second

	eventBuffer = 16
)

var ensureScript = redis.NewScript(`
local prefix = ARGV[1]
for i = 2, #ARGV, 3 do
  local p, parent, base = ARGV[i], ARGV[i+1], ARGV[i+2]
  local k = prefix .. ":node:" .. p
  if redis.call("EXISTS", k) == 0 then
    redis.call("HSET", k, "data", "", "owner", "")
    redis.call("SADD", prefix .. ":children:" .. parent, base)
  end
end
return 1
`)

var createScript = redis.NewScript(`
local prefix, p, parent, base, data, owner, seq = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7]
if parent ~= "/" then
  local pk = prefix .. ":node:" .. parent
  if redis.call("EXISTS", pk) == 0 then
    return redis.error_reply("NONODE")
  end
  local powner = redis.call("HGET", pk, "owner")
  if powner and powner ~= "" then
    return redis.error_reply("EPHEMERALPARENT")
  end
end
if owner ~= "" and redis.call("EXISTS", prefix .. ":session:" .. owner) == 0 then
  return redis.error_reply("SESSIONEXPIRED")
end
local name = p
if seq == "1" then
  local n = tostring(redis.call("INCR", prefix .. ":seq:" .. parent) - 1)
  local suffix = string.rep("0", 10 - #n) .. n
  name = p .. suffix
  base = base .. suffix
end
local k = prefix .. ":node:" .. name
if redis.call("EXISTS", k) == 1 then
  return redis.error_reply("NODEEXISTS")
end
redis.call("HSET", k, "data", data, "owner", owner)
redis.call("SADD", prefix .. ":children:" .. parent, base)
if owner ~= "" then
  redis.call("SADD", prefix .. ":owned:" .. owner, name)
end
return name
`)

var deleteScript = redis.NewScript(`
local prefix, p, parent, base = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local k = prefix .. ":node:" .. p
if redis.call("EXISTS", k) == 0 then
  return redis.error_reply("NONODE")
end
if redis.call("SCARD", prefix .. ":children:" .. p) > 0 then
  return redis.error_reply("NOTEMPTY")
end
local owner = redis.call("HGET", k, "owner")
redis.call("DEL", k, prefix .. ":seq:" .. p)
redis.call("SREM", prefix .. ":children:" .. parent, base)
if owner and owner ~= "" then
  redis.call("SREM", prefix .. ":owned:" .. owner, p)
end
return 1
`)

// reapNodeScript deletes one ephemeral node if its owner session is gone.
var reapNodeScript = redis.NewScript(`
local prefix, p, parent, base = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local k = prefix .. ":node:" .. p
local owner = redis.call("HGET", k, "owner")
if not owner or owner == "" then
  return 0
end
if redis.call("EXISTS", prefix .. ":session:" .. owner) == 1 then
  return 0
end
redis.call("DEL", k)
redis.call("SREM", prefix .. ":children:" .. parent, base)
redis.call("SREM", prefix .. ":owned:" .. owner, p)
return 1
`)

// reapSessionScript deletes every node owned by a session. Unless forced it
// does nothing while the session key is alive.
var reapSessionScript = redis.NewScript(`
local prefix, owner, force = ARGV[1], ARGV[2], ARGV[3]
local sk = prefix .. ":session:" .. owner
if force ~= "1" and redis.call("EXISTS", sk) == 1 then
  return {}
end
local ok = prefix .. ":owned:" .. owner
local paths = redis.call("SMEMBERS", ok)
local removed = {}
for _, p in ipairs(paths) do
  local k = prefix .. ":node:" .. p
  if redis.call("HGET", k, "owner") == owner then
    redis.call("DEL", k)
    local parent, base = string.match(p, "^(.*)/([^/]+)$")
    if parent == "" then
      parent = "/"
    end
    redis.call("SREM", prefix .. ":children:" .. parent, base)
    table.insert(removed, p)
  end
end
redis.call("DEL", ok, sk)
return removed
`)

// Options configures a Client.
type Options struct {
	// Prefix namespaces every key. Defaults to DefaultPrefix.
	Prefix string
	// SessionTimeout is the TTL of the session key.
	SessionTimeout time.Duration
	// PollInterval spaces the liveness checks of armed watches. Defaults to
	// half the session timeout.
	PollInterval time.Duration
	// Bus carries deletion signals. Defaults to a syncbus.RedisBus on the
	// same server.
	Bus    syncbus.Bus
	Logger *slog.Logger
}

// Client is one session on a Redis-backed tree. It implements coord.Client
// and coord.OrphanFinder.
type Client struct {
	rdb     *redis.Client
	ownsRDB bool
	bus     syncbus.Bus
	ownsBus *syncbus.RedisBus
	prefix  string
	id      string
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	state  coord.State
	closed bool
	events chan coord.Event

	endOnce sync.Once
	ended   chan struct{}
	wg      sync.WaitGroup
}

var (
	_ coord.Client       = (*Client)(nil)
	_ coord.OrphanFinder = (*Client)(nil)
)

// Dial connects to the first endpoint and opens a session.
func Dial(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("coord/redis: no endpoints")
	}
	rdb := redis.NewClient(&redis.Options{Addr: endpoints[0]})
	c, err := New(ctx, rdb, Options{SessionTimeout: sessionTimeout})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	c.ownsRDB = true
	return c, nil
}

// New opens a session on rdb. The caller keeps ownership of rdb.
func New(ctx context.Context, rdb *redis.Client, opts Options) (*Client, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = opts.SessionTimeout / 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	c := &Client{
		rdb:     rdb,
		bus:     opts.Bus,
		prefix:  opts.Prefix,
		id:      id,
		timeout: opts.SessionTimeout,
		poll:    opts.PollInterval,
		logger:  opts.Logger,
		state:   coord.StateConnecting,
		events:  make(chan coord.Event, eventBuffer),
		ended:   make(chan struct{}),
	}
	if c.bus == nil {
		c.ownsBus = syncbus.NewRedisBus(rdb)
		c.bus = c.ownsBus
	}
	if err := rdb.Set(ctx, c.sessionKey(c.id), "1", c.timeout).Err(); err != nil {
		return nil, mapErr(err)
	}
	c.setState(coord.StateConnected)
	c.wg.Add(1)
	go c.heartbeat()
	return c, nil
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

func (c *Client) nodeKey(p string) string     { return c.prefix + ":node:" + p }
func (c *Client) childrenKey(p string) string { return c.prefix + ":children:" + p }
func (c *Client) sessionKey(id string) string { return c.prefix + ":session:" + id }
func (c *Client) ownedKey(id string) string   { return c.prefix + ":owned:" + id }

func split(p string) (parent, base string) {
	return path.Dir(p), path.Base(p)
}

// mapErr translates go-redis and script errors to coord errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, redis.ErrClosed):
		return coord.ErrClosed
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		switch {
		case strings.Contains(msg, "NONODE"):
			return coord.ErrNoNode
		case strings.Contains(msg, "NODEEXISTS"):
			return coord.ErrNodeExists
		case strings.Contains(msg, "NOTEMPTY"):
			return coord.ErrNotEmpty
		case strings.Contains(msg, "SESSIONEXPIRED"):
			return coord.ErrSessionExpired
		}
		return err
	}
	return fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
}

func (c *Client) emit(ev coord.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

func (c *Client) emitLocked(ev coord.Event) {
	if c.closed || c.state == coord.StateExpired && ev.State != coord.StateExpired {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Client) setState(s coord.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == s || c.state == coord.StateExpired {
		return
	}
	c.state = s
	c.emitLocked(coord.Event{Type: coord.EventSession, State: s})
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return coord.ErrClosed
	case c.state == coord.StateExpired:
		return coord.ErrSessionExpired
	}
	return nil
}

func (c *Client) heartbeat() {
	defer c.wg.Done()
	interval := c.timeout / 3
	if interval <= 0 {
		interval = c.timeout
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := c.rdb.PExpire(ctx, c.sessionKey(c.id), c.timeout).Result()
			cancel()
			switch {
			case err != nil:
				c.logger.Warn("session heartbeat failed", "session", c.id, "error", err)
				c.setState(coord.StateDisconnected)
			case !ok:
				c.expire()
				return
			default:
				c.setState(coord.StateConnected)
			}
		case <-c.ended:
			return
		}
	}
}

// expire handles a session key that vanished: the session is over and its
// nodes are reclaimed.
func (c *Client) expire() {
	c.mu.Lock()
	if c.closed || c.state == coord.StateExpired {
		c.mu.Unlock()
		return
	}
	c.state = coord.StateExpired
	c.emitLocked(coord.Event{Type: coord.EventSession, State: coord.StateExpired, Err: coord.ErrSessionExpired})
	close(c.events)
	c.mu.Unlock()
	c.logger.Warn("session expired", "session", c.id)
	c.end()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.reapSession(ctx, c.id, true)
}

func (c *Client) end() {
	c.endOnce.Do(func() { close(c.ended) })
}

func (c *Client) reapSession(ctx context.Context, id string, force bool) []string {
	flag := "0"
	if force {
		flag = "1"
	}
	removed, err := reapSessionScript.Run(ctx, c.rdb, nil, c.prefix, id, flag).StringSlice()
	if err != nil {
		c.logger.Warn("reclaiming session nodes failed", "session", id, "error", err)
		return nil
	}
	c.announce(ctx, removed...)
	return removed
}

func (c *Client) announce(ctx context.Context, paths ...string) {
	for _, p := range paths {
		if err := c.bus.Publish(ctx, syncbus.DeletedKey(p)); err != nil {
			c.logger.Warn("deletion signal not published", "path", p, "error", err)
		}
	}
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, p string, data []byte, flags coord.CreateFlags) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	if err := c.check(ctx); err != nil {
		return "", err
	}
	parent, base := split(p)
	owner, seq := "", "0"
	if flags&coord.FlagEphemeral != 0 {
		owner = c.id
	}
	if flags&coord.FlagSequence != 0 {
		seq = "1"
	}
	name, err := createScript.Run(ctx, c.rdb, nil, c.prefix, p, parent, base, string(data), owner, seq).Text()
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, coord.ErrSessionExpired) {
			go c.expire()
		}
		if coord.IsTransient(err) && owner != "" && len(data) > 0 {
			if found, ok := c.recoverCreate(ctx, parent, base, string(data)); ok {
				return found, nil
			}
		}
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return name, nil
}

// recoverCreate looks for an ephemeral node the script may have created
// before its reply was lost. Nodes are matched on parent, name and data,
// so callers that want recovery pass data unique to the request. When the
// lookup itself fails a background sweep deletes the node once Redis is
// reachable again.
func (c *Client) recoverCreate(ctx context.Context, parent, base, data string) (string, bool) {
	found, err := c.findOwned(ctx, parent, base, data)
	if err != nil {
		c.logger.Warn("create outcome unknown, sweeping in background", "parent", parent, "error", err)
		c.wg.Add(1)
		go c.sweepCreate(parent, base, data)
		return "", false
	}
	if found == "" {
		return "", false
	}
	c.logger.Info("recovered node after lost create reply", "path", found)
	return found, true
}

func (c *Client) findOwned(ctx context.Context, parent, base, data string) (string, error) {
	owned, err := c.rdb.SMembers(ctx, c.ownedKey(c.id)).Result()
	if err != nil {
		return "", mapErr(err)
	}
	for _, p := range owned {
		dir, name := split(p)
		if dir != parent || !strings.HasPrefix(name, base) {
			continue
		}
		got, err := c.rdb.HGet(ctx, c.nodeKey(p), "data").Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return "", mapErr(err)
		case got == data:
			return p, nil
		}
	}
	return "", nil
}

// sweepCreate retries the lookup of a node whose create reply was lost and
// deletes it, until it succeeds or the session ends.
func (c *Client) sweepCreate(parent, base, data string) {
	defer c.wg.Done()
	interval := c.timeout / 3
	if interval <= 0 {
		interval = c.timeout
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			found, err := c.findOwned(ctx, parent, base, data)
			if err == nil && found != "" {
				dir, name := split(found)
				err = mapErr(deleteScript.Run(ctx, c.rdb, nil, c.prefix, found, dir, name).Err())
				if errors.Is(err, coord.ErrNoNode) {
					err = nil
				}
				if err == nil {
					c.logger.Info("removed node left by lost create reply", "path", found)
					c.announce(ctx, found)
				}
			}
			cancel()
			if err == nil {
				return
			}
		case <-c.ended:
			return
		}
	}
}

// Delete implements coord.Client.
func (c *Client) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("delete %s: %w", p, coord.ErrNoNode)
	}
	parent, base := split(p)
	if err := deleteScript.Run(ctx, c.rdb, nil, c.prefix, p, parent, base).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", p, mapErr(err))
	}
	c.announce(ctx, p)
	return nil
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, parent string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	pipe := c.rdb.Pipeline()
	exists := pipe.Exists(ctx, c.nodeKey(parent))
	members := pipe.SMembers(ctx, c.childrenKey(parent))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("children %s: %w", parent, mapErr(err))
	}
	if parent != "/" && exists.Val() == 0 {
		return nil, fmt.Errorf("children %s: %w", parent, coord.ErrNoNode)
	}
	return members.Val(), nil
}

// EnsurePath implements coord.Client.
func (c *Client) EnsurePath(ctx context.Context, p string) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	if err := c.check(ctx); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	args := []any{c.prefix}
	for _, dir := range append(coord.Parents(p), p) {
		parent, base := split(dir)
		args = append(args, dir, parent, base)
	}
	if err := ensureScript.Run(ctx, c.rdb, nil, args...).Err(); err != nil {
		return fmt.Errorf("ensure %s: %w", p, mapErr(err))
	}
	return nil
}

// ExistsW implements coord.Client. The watch subscribes to the deletion
// signal before checking the node, so a delete in between is not missed.
func (c *Client) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	if err := c.check(ctx); err != nil {
		return false, nil, err
	}
	key := syncbus.DeletedKey(p)
	subCtx, cancel := context.WithCancel(context.Background())
	sig, err := c.bus.Subscribe(subCtx, key)
	if err != nil {
		cancel()
		return false, nil, fmt.Errorf("exists %s: %w", p, mapErr(err))
	}
	n, err := c.rdb.Exists(ctx, c.nodeKey(p)).Result()
	if err != nil || n == 0 {
		cancel()
		if err != nil {
			return false, nil, fmt.Errorf("exists %s: %w", p, mapErr(err))
		}
		return false, nil, nil
	}
	out := make(chan coord.Event, 1)
	c.wg.Add(1)
	go c.runWatch(p, sig, cancel, out)
	return true, out, nil
}

func (c *Client) runWatch(p string, sig chan struct{}, cancel context.CancelFunc, out chan coord.Event) {
	defer c.wg.Done()
	defer close(out)
	defer cancel()
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case _, ok := <-sig:
			if !ok {
				// the bus dropped us; keep going on the poll alone
				sig = nil
				continue
			}
			if c.gone(p) {
				out <- coord.Event{Type: coord.EventNodeDeleted, State: coord.StateConnected, Path: p}
				return
			}
		case <-t.C:
			c.reapNode(p)
			if c.gone(p) {
				out <- coord.Event{Type: coord.EventNodeDeleted, State: coord.StateConnected, Path: p}
				return
			}
		case <-c.ended:
			c.mu.Lock()
			state := c.state
			c.mu.Unlock()
			err := coord.ErrSessionExpired
			if state != coord.StateExpired {
				err = coord.ErrClosed
				state = coord.StateExpired
			}
			out <- coord.Event{Type: coord.EventNotWatching, State: state, Path: p, Err: err}
			return
		}
	}
}

// gone reports a node as deleted only on a definite answer.
func (c *Client) gone(p string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.poll)
	defer cancel()
	n, err := c.rdb.Exists(ctx, c.nodeKey(p)).Result()
	return err == nil && n == 0
}

// reapNode removes p when its owner session has died.
func (c *Client) reapNode(p string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.poll)
	defer cancel()
	parent, base := split(p)
	n, err := reapNodeScript.Run(ctx, c.rdb, nil, c.prefix, p, parent, base).Int()
	if err == nil && n == 1 {
		c.logger.Info("reaped node of dead session", "path", p)
		c.announce(ctx, p)
	}
}

// Orphans implements coord.OrphanFinder.
func (c *Client) Orphans(ctx context.Context) ([]coord.Orphan, error) {
	var out []coord.Orphan
	pattern := c.ownedKey("*")
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, c.ownedKey(""))
		alive, err := c.rdb.Exists(ctx, c.sessionKey(id)).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		if alive == 1 {
			continue
		}
		paths, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, p := range paths {
			out = append(out, coord.Orphan{Path: p, Session: id})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// Reap implements coord.OrphanFinder. Live sessions are left alone.
func (c *Client) Reap(ctx context.Context, o coord.Orphan) error {
	parent, base := split(o.Path)
	n, err := reapNodeScript.Run(ctx, c.rdb, nil, c.prefix, o.Path, parent, base).Int()
	if err != nil {
		return mapErr(err)
	}
	if n == 1 {
		c.announce(ctx, o.Path)
	}
	// drop the bookkeeping of a dead session once nothing is left
	if left, err := c.rdb.SCard(ctx, c.ownedKey(o.Session)).Result(); err == nil && left == 0 {
		c.rdb.Del(ctx, c.ownedKey(o.Session))
	}
	return nil
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event { return c.events }

// State implements coord.Client.
func (c *Client) State() coord.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close ends the session, deleting its ephemeral nodes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasExpired := c.state == coord.StateExpired
	c.closed = true
	if !wasExpired {
		close(c.events)
	}
	c.mu.Unlock()

	c.end()
	if !wasExpired {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		c.reapSession(ctx, c.id, true)
		cancel()
	}
	c.wg.Wait()
	if c.ownsBus != nil {
		_ = c.ownsBus.Close()
	}
	if c.ownsRDB {
		return c.rdb.Close()
	}
	return nil
}
