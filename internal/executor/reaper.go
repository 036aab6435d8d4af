package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Sentdex/SentboxFusion/internal/container"
	"github.com/Sentdex/SentboxFusion/internal/filecache"
	"github.com/Sentdex/SentboxFusion/internal/metrics"
	"github.com/Sentdex/SentboxFusion/internal/session"
)

// Reaper sweeps the registry for idle sessions past their TTL and
// reclaims everything hanging off them. It never preempts an in-flight
// execute: a held session lock means skip and retry next sweep.
type Reaper struct {
	sessions   *session.Registry
	containers *container.Manager
	cache      filecache.Cache
	interval   time.Duration
	log        *slog.Logger

	sweeping atomic.Bool
	now      func() time.Time
}

func NewReaper(sessions *session.Registry, containers *container.Manager, cache filecache.Cache, interval time.Duration, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		sessions:   sessions,
		containers: containers,
		cache:      cache,
		interval:   interval,
		log:        log,
		now:        time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		r.trigger(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.trigger(ctx)
			}
		}
	}()
}

// trigger starts one sweep unless the previous one is still running; a
// slow backend must not stack sweeps on top of each other.
func (r *Reaper) trigger(ctx context.Context) {
	if !r.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.sweeping.Store(false)
		r.Sweep(ctx)
	}()
}

// Sweep inspects every registered session once.
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.sessions.List(ctx)
	if err != nil {
		r.log.Warn("reaper list failed", "error", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.reapIfExpired(ctx, id)
	}
}

func (r *Reaper) reapIfExpired(ctx context.Context, id string) {
	sess, err := r.sessions.Peek(ctx, id)
	if err != nil {
		// concurrently deleted or backend hiccup; next sweep decides
		return
	}
	if !sess.Expired(r.now()) {
		return
	}

	acquired, err := r.sessions.TryWithLock(ctx, id, func(ctx context.Context) error {
		// re-check under the lock: an execute may have touched it while
		// we were waiting our turn in the sweep
		current, err := r.sessions.Peek(ctx, id)
		if err != nil {
			return nil
		}
		if !current.Expired(r.now()) {
			return nil
		}

		r.containers.Release(ctx, current.ID)
		if err := r.cache.Purge(ctx, current.ID); err != nil {
			r.log.Warn("reaper cache purge failed", "session_id", current.ID, "error", err)
		}

		current.State = session.StateTerminated
		if err := r.sessions.Save(ctx, current); err != nil {
			r.log.Warn("reaper terminate mark failed", "session_id", current.ID, "error", err)
		}
		if err := r.sessions.Delete(ctx, current.ID); err != nil {
			return err
		}
		metrics.ActiveSessions.Dec()
		metrics.SessionsReaped.Inc()
		r.log.Info("session reaped", "session_id", current.ID,
			"idle", r.now().Sub(current.LastUsedAt), "ttl", current.TTL)
		return nil
	})
	if err != nil {
		r.log.Warn("reap failed", "session_id", id, "error", err)
	}
	if !acquired {
		r.log.Debug("session busy, deferring reap", "session_id", id)
	}
}
