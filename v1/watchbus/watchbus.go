// Package watchbus carries lock state transitions to observers. A Locker
// publishes one LockEvent per transition on the key of its resource; HTTP
// handlers stream them to clients over SSE or WebSocket.
package watchbus

import (
	"context"
	"encoding/json"
	"time"
)

const keyPrefix = "lock:"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// LockEvent describes one state transition of a lock attempt.
type LockEvent struct {
	Resource string `json:"resource"`
	Path     string `json:"path,omitempty"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	At       int64  `json:"at"`
}

// Key returns the bus key events for resource are published on.
func Key(resource string) string {
	return keyPrefix + resource
}

// PublishEvent encodes ev and publishes it on the key of its resource.
func PublishEvent(ctx context.Context, bus WatchBus, ev LockEvent) error {
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, Key(ev.Resource), data)
}

// DecodeEvent is the inverse of the encoding used by PublishEvent.
func DecodeEvent(data []byte) (LockEvent, error) {
	var ev LockEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
