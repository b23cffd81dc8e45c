// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package metrics holds process-wide counters. Exposition (an HTTP
// /metrics endpoint) is the embedding server's job; this package only
// registers collectors on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IdempotentReplays counts write requests answered from a stored
	// response snapshot instead of re-executing.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facilitator_idempotent_replays_total",
		Help: "Write requests served from a completed idempotency record.",
	})

	// AutosaveTicks counts draft snapshots written by the autosave
	// scheduler.
	AutosaveTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facilitator_autosave_ticks_total",
		Help: "Autosave snapshots persisted across all activities.",
	})

	// BroadcastsDropped counts session events that failed to publish.
	// Broadcast is fire-and-forget, so drops are counted, not surfaced.
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facilitator_broadcasts_dropped_total",
		Help: "Session broadcast events that could not be published.",
	})
)
