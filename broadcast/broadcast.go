// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package broadcast pushes session events to other participants.

Delivery is fire-and-forget and explicitly decoupled from write
correctness: a dropped or delayed event leaves other viewers briefly
stale, never wrong. Implementations therefore log and count failures
instead of returning them.
*/
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/danielhkuo/facilitator/metrics"
)

// Event is one session-scoped notification.
type Event struct {
	SessionID  string         `json:"session_id"`
	ActivityID string         `json:"activity_id,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink delivers events to a session's viewers.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event. The default when no broadcast backend is
// configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Redis publishes events to a per-session pub/sub channel.
type Redis struct {
	client *backend.Client
	prefix string
}

type Option func(*Redis)

// WithPrefix sets the channel prefix for session events.
func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// New creates a Redis sink for the given address.
func New(address string, opts ...Option) *Redis {
	client := backend.NewClient(&backend.Options{Addr: address})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a Redis sink from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Redis {
	r := &Redis{
		client: client,
		prefix: "session:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel carrying a session's events.
func (r *Redis) Channel(sessionID string) string {
	return r.prefix + sessionID
}

func (r *Redis) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.BroadcastsDropped.Inc()
		slog.Warn("failed to encode broadcast event", "error", err, "type", ev.Type)
		return
	}
	if err := r.client.Publish(ctx, r.Channel(ev.SessionID), data).Err(); err != nil {
		metrics.BroadcastsDropped.Inc()
		slog.Warn("failed to publish broadcast event",
			"error", err,
			"session_id", ev.SessionID,
			"type", ev.Type,
		)
	}
}
