// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package autosave runs one cancellable periodic snapshot loop per open
activity. Re-opening an activity replaces (cancel-then-restart) any
prior loop for the same id, so there is never more than one concurrent
autosave per activity. Cancellation exits between ticks without writing
a partial snapshot.
*/
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/danielhkuo/facilitator/metrics"
)

// SnapshotFunc persists one draft snapshot for an activity. Errors are
// logged and the loop keeps ticking; a single failed save must not kill
// autosave for the rest of the activity.
type SnapshotFunc func(ctx context.Context) error

// Scheduler owns the in-flight autosave loops, keyed by activity id.
type Scheduler struct {
	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{loops: make(map[string]*loop)}
}

// Start begins a periodic snapshot loop for the activity, replacing any
// existing loop for the same id.
func (s *Scheduler) Start(activityID string, interval time.Duration, save SnapshotFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.loops[activityID]; ok {
		prev.cancel()
		<-prev.done
	}
	s.loops[activityID] = l
	s.mu.Unlock()

	go s.run(ctx, l, activityID, interval, save)
}

func (s *Scheduler) run(ctx context.Context, l *loop, activityID string, interval time.Duration, save SnapshotFunc) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := save(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("autosave snapshot failed", "error", err, "activity_id", activityID)
				continue
			}
			metrics.AutosaveTicks.Inc()
		}
	}
}

// Stop cancels the activity's loop, if any, and waits for it to exit.
func (s *Scheduler) Stop(activityID string) {
	s.mu.Lock()
	l, ok := s.loops[activityID]
	if ok {
		delete(s.loops, activityID)
	}
	s.mu.Unlock()

	if ok {
		l.cancel()
		<-l.done
	}
}

// StopAll cancels every loop. Called on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*loop)
	s.mu.Unlock()

	for _, l := range loops {
		l.cancel()
		<-l.done
	}
}

// Running reports whether the activity currently has a loop.
func (s *Scheduler) Running(activityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[activityID]
	return ok
}
