package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentdex/SentboxFusion/internal/container"
	"github.com/Sentdex/SentboxFusion/internal/filecache"
	"github.com/Sentdex/SentboxFusion/internal/metrics"
	"github.com/Sentdex/SentboxFusion/internal/session"
)

type Request struct {
	Code       string
	Language   string
	FetchFiles []string
}

type FetchStatus string

const (
	FetchOK      FetchStatus = "ok"
	FetchMissing FetchStatus = "missing"
	FetchError   FetchStatus = "error"
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Fetched  map[string]FetchStatus
}

// Service is the orchestrator's front door: it owns the end-to-end
// execute flow and the create/delete session operations, all serialized
// per session through the registry lock.
type Service struct {
	sessions   *session.Registry
	containers *container.Manager
	cache      filecache.Cache
	engine     container.Engine
	log        *slog.Logger

	execTimeout time.Duration
	defaultTTL  time.Duration
	maxTTL      time.Duration
}

type ServiceConfig struct {
	ExecTimeout time.Duration
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
}

func NewService(sessions *session.Registry, containers *container.Manager, cache filecache.Cache, engine container.Engine, cfg ServiceConfig, log *slog.Logger) *Service {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	return &Service{
		sessions:    sessions,
		containers:  containers,
		cache:       cache,
		engine:      engine,
		log:         log,
		execTimeout: cfg.ExecTimeout,
		defaultTTL:  cfg.DefaultTTL,
		maxTTL:      cfg.MaxTTL,
	}
}

// CreateSession registers a session with no container. The TTL is
// clamped into [1s, MaxTTL], defaulting when the caller omits it.
func (s *Service) CreateSession(ctx context.Context, language string, ttl time.Duration) (session.Session, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	sess, err := s.sessions.Create(ctx, language, ttl)
	if err != nil {
		return session.Session{}, err
	}
	metrics.ActiveSessions.Inc()
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (session.Session, error) {
	return s.sessions.Get(ctx, id)
}

// Execute runs one request end to end under the session lock: resolve
// the effective language, acquire a matching container, rehydrate the
// cache into it if it is fresh, run the code, capture requested files
// back into the cache, then touch the session.
func (s *Service) Execute(ctx context.Context, id string, req Request) (Result, error) {
	var result Result

	err := s.sessions.WithLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			return err
		}

		language := sess.Language
		if req.Language != "" {
			normalized, ok := session.NormalizeLanguage(req.Language)
			if !ok {
				return fmt.Errorf("%w: %q", session.ErrInvalidLanguage, req.Language)
			}
			language = normalized
		}

		// A switch tears the old container down inside Acquire; record
		// the transient state first so interleavings stay auditable.
		if current, ok := s.containers.Bound(sess.ID); ok && current.Language != language {
			sess.State = session.StateSwitching
			if err := s.sessions.Save(ctx, sess); err != nil {
				return fmt.Errorf("mark switching: %w", err)
			}
			metrics.LanguageSwitches.Inc()
		}

		c, fresh, err := s.containers.Acquire(ctx, sess.ID, language)
		if err != nil {
			// leave the session recoverable: no container, back to created
			sess.State = session.StateCreated
			sess.ContainerID = ""
			if saveErr := s.sessions.Save(ctx, sess); saveErr != nil {
				s.log.Error("failed to reset session after launch failure",
					"session_id", sess.ID, "error", saveErr)
			}
			return err
		}

		if fresh {
			if err := s.restore(ctx, sess.ID, c); err != nil {
				// an unhydrated container must not survive: a later
				// execute would see it live, skip restoration, and run
				// without the cached files
				s.containers.Release(ctx, sess.ID)
				sess.State = session.StateCreated
				sess.ContainerID = ""
				if saveErr := s.sessions.Save(ctx, sess); saveErr != nil {
					s.log.Error("failed to reset session after restore failure",
						"session_id", sess.ID, "error", saveErr)
				}
				return err
			}
		}

		runResult, err := s.engine.Run(ctx, c, req.Code, s.execTimeout)
		if err != nil {
			metrics.Executions.WithLabelValues(language, "error").Inc()
			// the container stays bound and hydrated; record that so the
			// session state does not keep claiming a switch in progress
			sess.Language = language
			sess.State = session.StateRunning
			sess.ContainerID = c.ID
			if saveErr := s.sessions.Save(ctx, sess); saveErr != nil {
				s.log.Error("failed to update session after run failure",
					"session_id", sess.ID, "error", saveErr)
			}
			return fmt.Errorf("run code: %w", err)
		}

		result = Result{
			Stdout:   runResult.Stdout,
			Stderr:   runResult.Stderr,
			ExitCode: runResult.ExitCode,
			TimedOut: runResult.TimedOut,
			Duration: runResult.Duration,
			Fetched:  s.fetchFiles(ctx, sess.ID, c, req.FetchFiles),
		}

		status := "ok"
		if runResult.TimedOut {
			status = "timeout"
		} else if runResult.ExitCode != 0 {
			status = "nonzero_exit"
		}
		metrics.Executions.WithLabelValues(language, status).Inc()

		sess.Language = language
		sess.State = session.StateRunning
		sess.ContainerID = c.ID
		sess.Touch(time.Now().UTC())
		return s.sessions.Save(ctx, sess)
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// restore writes every cached file into a fresh container before code
// runs. A failed write fails the execute: running against a container
// silently missing promised state would break the session illusion.
func (s *Service) restore(ctx context.Context, sessionID string, c *container.Container) error {
	entries, err := s.cache.GetAll(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.engine.WriteFile(ctx, c, entry.Path, entry.Data); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
	}
	if len(entries) > 0 {
		s.log.Debug("restored cached files", "session_id", sessionID,
			"container_id", c.ID, "files", len(entries))
	}
	return nil
}

// fetchFiles captures requested files into the cache, itemizing per-file
// outcomes instead of failing the execute.
func (s *Service) fetchFiles(ctx context.Context, sessionID string, c *container.Container, paths []string) map[string]FetchStatus {
	if len(paths) == 0 {
		return map[string]FetchStatus{}
	}

	fetched := make(map[string]FetchStatus, len(paths))
	for _, path := range paths {
		data, err := s.engine.ReadFile(ctx, c, path)
		if err != nil {
			if errors.Is(err, container.ErrFileNotFound) {
				fetched[path] = FetchMissing
			} else {
				s.log.Warn("fetch read failed", "session_id", sessionID, "path", path, "error", err)
				fetched[path] = FetchError
			}
			metrics.FetchFailures.Inc()
			continue
		}
		if err := s.cache.Put(ctx, sessionID, path, data); err != nil {
			s.log.Warn("fetch cache write failed", "session_id", sessionID, "path", path, "error", err)
			fetched[path] = FetchError
			metrics.FetchFailures.Inc()
			continue
		}
		fetched[path] = FetchOK
	}
	return fetched
}

// DeleteSession tears a session down: stop its container, purge its
// cache, remove the record. Serialized behind any in-flight execute via
// the same lock; works on expired sessions too.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.Peek(ctx, id); err != nil {
		return err
	}

	return s.sessions.WithRawLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.sessions.Peek(ctx, id)
		if err != nil {
			return err
		}

		s.containers.Release(ctx, sess.ID)
		if err := s.cache.Purge(ctx, sess.ID); err != nil {
			s.log.Warn("cache purge failed", "session_id", sess.ID, "error", err)
		}
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		metrics.ActiveSessions.Dec()
		s.log.Info("session deleted", "session_id", sess.ID)
		return nil
	})
}
