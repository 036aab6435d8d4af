package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentdex/SentboxFusion/internal/metrics"
)

// Manager owns every live sandbox container and the binding from session
// id to container. Nothing else starts or stops containers, which is
// what makes the at-most-one-container-per-session invariant enforceable
// in one place. Callers hold the session's registry lock across Acquire
// and Release; the internal mutex only guards the binding map itself.
type Manager struct {
	engine        Engine
	log           *slog.Logger
	launchRetries int
	launchBackoff time.Duration
	launchTimeout time.Duration
	stopGrace     time.Duration

	mu    sync.Mutex
	bound map[string]*Container
}

type ManagerConfig struct {
	LaunchRetries int
	LaunchBackoff time.Duration
	LaunchTimeout time.Duration
	StopGrace     time.Duration
}

func NewManager(engine Engine, cfg ManagerConfig, log *slog.Logger) *Manager {
	if cfg.LaunchRetries <= 0 {
		cfg.LaunchRetries = 3
	}
	if cfg.LaunchBackoff <= 0 {
		cfg.LaunchBackoff = time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 20 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Manager{
		engine:        engine,
		log:           log,
		launchRetries: cfg.LaunchRetries,
		launchBackoff: cfg.LaunchBackoff,
		launchTimeout: cfg.LaunchTimeout,
		stopGrace:     cfg.StopGrace,
		bound:         make(map[string]*Container),
	}
}

// Bound reports the container currently bound to the session, if any.
func (m *Manager) Bound(sessionID string) (*Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bound[sessionID]
	return c, ok
}

// Acquire returns a container running the requested language for the
// session. fresh reports whether the container was just launched and
// therefore needs its filesystem rehydrated from the cache. A
// same-language live container is returned untouched; a different
// language triggers the swap protocol: stop the old one, then launch.
func (m *Manager) Acquire(ctx context.Context, sessionID, language string) (c *Container, fresh bool, err error) {
	if current, ok := m.Bound(sessionID); ok {
		if current.Language == language {
			return current, false, nil
		}
		m.log.Info("stopping container for language switch",
			"session_id", sessionID, "container_id", current.ID,
			"from", current.Language, "to", language)
		m.stop(ctx, sessionID, current)
	}

	launched, err := m.launch(ctx, language)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	m.bound[sessionID] = launched
	m.mu.Unlock()

	m.log.Info("container bound", "session_id", sessionID,
		"container_id", launched.ID, "language", language)
	return launched, true, nil
}

// Release stops the session's container, if any. Best-effort: stop
// failures are logged and the binding is cleared regardless, leaving the
// actual resource to the engine's host-level garbage collection.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	current, ok := m.Bound(sessionID)
	if !ok {
		return
	}
	m.stop(ctx, sessionID, current)
}

// Shutdown releases every bound container. Called once on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bound))
	for sessionID := range m.bound {
		ids = append(ids, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range ids {
		m.Release(ctx, sessionID)
	}
}

func (m *Manager) stop(ctx context.Context, sessionID string, c *Container) {
	if err := m.engine.Stop(ctx, c, m.stopGrace); err != nil {
		m.log.Warn("container stop failed, abandoning to engine GC",
			"session_id", sessionID, "container_id", c.ID, "error", err)
	}
	m.mu.Lock()
	delete(m.bound, sessionID)
	m.mu.Unlock()
}

func (m *Manager) launch(ctx context.Context, language string) (*Container, error) {
	var lastErr error
	for attempt := 1; attempt <= m.launchRetries; attempt++ {
		launchCtx, cancel := context.WithTimeout(ctx, m.launchTimeout)
		c, err := m.engine.Start(launchCtx, language)
		cancel()
		if err == nil {
			metrics.ContainerLaunches.WithLabelValues("ok").Inc()
			return c, nil
		}
		lastErr = err
		metrics.ContainerLaunches.WithLabelValues("error").Inc()
		m.log.Warn("container launch failed", "language", language,
			"attempt", attempt, "retries", m.launchRetries, "error", err)

		if attempt == m.launchRetries {
			break
		}
		delay := time.Duration(attempt) * m.launchBackoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrProvisioning, language, m.launchRetries, lastErr)
}
