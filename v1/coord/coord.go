// Package coord defines the contract fairlock expects from a hierarchical
// coordination service: a tree of nodes with ephemeral, sequentially named
// children and one-shot watches. Backends live in the subpackages memory,
// redis and zk.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// SequenceWidth is the number of digits the service appends to sequential
// node names.
const SequenceWidth = 10

var (
	ErrNoNode         = errors.New("coord: node does not exist")
	ErrNodeExists     = errors.New("coord: node already exists")
	ErrNotEmpty       = errors.New("coord: node has children")
	ErrSessionExpired = errors.New("coord: session expired")
	ErrClosed         = errors.New("coord: client closed")

	// ErrConnectionLoss is transient: the outcome of the request is unknown
	// and it may be retried once the connection recovers.
	ErrConnectionLoss = errors.New("coord: connection loss")
)

// IsTransient reports whether err is worth retrying on the same session.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLoss)
}

// EventType discriminates Event.
type EventType int

const (
	// EventSession carries a change of the session state.
	EventSession EventType = iota + 1
	// EventNodeDeleted fires a watch armed on Path.
	EventNodeDeleted
	// EventNotWatching tells the holder of a watch that it will never fire,
	// because the session expired or the watch was dropped.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventSession:
		return "session"
	case EventNodeDeleted:
		return "node-deleted"
	case EventNotWatching:
		return "not-watching"
	default:
		return "unknown"
	}
}

// State is the state of a client session.
type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is the single notification type delivered by a Client, both on the
// session channel and on watch channels.
type Event struct {
	Type  EventType
	State State
	Path  string
	Err   error
}

func (e Event) String() string {
	if e.Path == "" {
		return fmt.Sprintf("%s(%s)", e.Type, e.State)
	}
	return fmt.Sprintf("%s(%s %s)", e.Type, e.State, e.Path)
}

// CreateFlags selects node semantics on Create.
type CreateFlags int

const (
	FlagEphemeral CreateFlags = 1 << iota
	FlagSequence
)

// Client is a session with a coordination service.
//
// Events returns the session event stream. It has a single consumer; a
// Client must not be shared by two components that both read it.
//
// ExistsW arms a one-shot watch when the node is present. The returned
// channel receives exactly one Event and is then closed. When the node is
// absent the channel is nil and no watch is armed.
type Client interface {
	Create(ctx context.Context, path string, data []byte, flags CreateFlags) (string, error)
	Delete(ctx context.Context, path string) error
	Children(ctx context.Context, parent string) ([]string, error)
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)
	EnsurePath(ctx context.Context, path string) error
	Events() <-chan Event
	State() State
	Close() error
}

// FormatSequence renders n the way sequential node names are suffixed.
func FormatSequence(n int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}

// ParseSequence extracts the service-assigned suffix from a node name.
func ParseSequence(name string) (int64, bool) {
	if len(name) < SequenceWidth {
		return 0, false
	}
	n, err := strconv.ParseInt(name[len(name)-SequenceWidth:], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Join builds a child path.
func Join(parent, name string) string {
	return path.Join(parent, name)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// ValidatePath checks that p is absolute and clean.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("coord: path %q must be absolute", p)
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return fmt.Errorf("coord: path %q is not clean", p)
	}
	return nil
}

// Parents lists the ancestors of p from the root down, excluding "/" and p.
func Parents(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

// Orphan is a contender node whose owning session no longer exists.
type Orphan struct {
	Path    string
	Session string
}

// OrphanFinder is implemented by backends that cannot reclaim ephemeral
// nodes on their own and need an external sweep.
type OrphanFinder interface {
	Orphans(ctx context.Context) ([]Orphan, error)
	Reap(ctx context.Context, o Orphan) error
}
