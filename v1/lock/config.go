package lock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
)

// Config holds the settings of a Locker.
type Config struct {
	// Endpoints lists the coordination service addresses. Backends that
	// dial on their own read it; the in-memory backend ignores it.
	Endpoints []string
	// SessionTimeout bounds how long the service keeps a silent session,
	// and with it the contender nodes of a crashed process.
	SessionTimeout time.Duration
	// RootPath is the persistent parent of every lock group.
	RootPath string
	// NodePrefix names contender nodes before the sequence suffix.
	NodePrefix string
	// AcquireTimeout is applied to Acquire when the context carries no
	// deadline. Zero waits forever.
	AcquireTimeout time.Duration
	// MaxRetries is the budget for transient errors while ranking, arming
	// a watch or releasing.
	MaxRetries int
	// Backoff spaces transient retries.
	Backoff BackoffFunc
	// ReleaseTimeout bounds the cleanup delete issued after a failed or
	// timed out Acquire.
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Endpoints:      []string{"127.0.0.1:2181"},
		SessionTimeout: 5 * time.Second,
		RootPath:       "/locks",
		NodePrefix:     "lock-",
		MaxRetries:     5,
		Backoff:        ExponentialBackoff(20*time.Millisecond, time.Second),
		ReleaseTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Endpoints) == 0 {
		c.Endpoints = def.Endpoints
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	if c.RootPath == "" {
		c.RootPath = def.RootPath
	}
	if c.NodePrefix == "" {
		c.NodePrefix = def.NodePrefix
	}
	if c.Backoff == nil {
		c.Backoff = def.Backoff
	}
	if c.ReleaseTimeout == 0 {
		c.ReleaseTimeout = def.ReleaseTimeout
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := coord.ValidatePath(c.RootPath); err != nil {
		return fmt.Errorf("lock: root path: %w", err)
	}
	if c.NodePrefix == "" || strings.Contains(c.NodePrefix, "/") {
		return fmt.Errorf("lock: invalid node prefix %q", c.NodePrefix)
	}
	if c.SessionTimeout <= 0 {
		return errors.New("lock: session timeout must be positive")
	}
	if c.AcquireTimeout < 0 {
		return errors.New("lock: acquire timeout must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("lock: max retries must not be negative")
	}
	if c.ReleaseTimeout <= 0 {
		return errors.New("lock: release timeout must be positive")
	}
	if c.Backoff == nil {
		return errors.New("lock: backoff is required")
	}
	return nil
}

// String renders the configuration as an aligned, human readable summary.
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-18s: %s\n", name, value))
	}

	addSection("Coordination")
	addField("Endpoints", strings.Join(c.Endpoints, ","))
	addField("Session Timeout", c.SessionTimeout.String())

	addSection("Lock")
	addField("Root Path", c.RootPath)
	addField("Node Prefix", c.NodePrefix)
	if c.AcquireTimeout > 0 {
		addField("Acquire Timeout", c.AcquireTimeout.String())
	} else {
		addField("Acquire Timeout", "none")
	}
	addField("Release Timeout", c.ReleaseTimeout.String())
	addField("Max Retries", strconv.Itoa(c.MaxRetries))

	return sb.String()
}
