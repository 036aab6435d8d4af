package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Registry owns every session record and the per-session locks that
// serialize work on them. Execute, language switches, explicit deletion
// and reaper-driven expiry all go through WithLock or TryWithLock; there
// is no other path that mutates a session.
type Registry struct {
	store    Store
	locks    *lockTable
	lockWait time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewRegistry(store Store, lockWait time.Duration, log *slog.Logger) *Registry {
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Registry{
		store:    store,
		locks:    newLockTable(),
		lockWait: lockWait,
		log:      log,
		now:      time.Now,
	}
}

// Create registers a session with no container bound yet.
func (r *Registry) Create(ctx context.Context, language string, ttl time.Duration) (Session, error) {
	normalized, ok := NormalizeLanguage(language)
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidLanguage, language)
	}

	now := r.now().UTC()
	sess := Session{
		ID:         uuid.New().String(),
		Language:   normalized,
		TTL:        ttl,
		CreatedAt:  now,
		LastUsedAt: now,
		State:      StateCreated,
	}

	if err := r.store.Save(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	r.log.Info("session created", "session_id", sess.ID, "language", sess.Language, "ttl", sess.TTL)
	return sess, nil
}

// Get returns the session, applying the TTL lazily: an expired record
// fails with ErrSessionExpired on access even before the reaper collects
// it. The record itself is left in place so the reaper can still tear
// down the container and cache hanging off it.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Expired(r.now()) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return sess, nil
}

// Peek returns the raw record without the expiry check. Used by the
// reaper and by deletion, which must operate on expired sessions too.
func (r *Registry) Peek(ctx context.Context, id string) (Session, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) Save(ctx context.Context, sess Session) error {
	return r.store.Save(ctx, sess)
}

// Touch refreshes LastUsedAt. Callers invoke it after every successful
// execute so the idle clock restarts.
func (r *Registry) Touch(ctx context.Context, id string) error {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Touch(r.now().UTC())
	return r.store.Save(ctx, sess)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]string, error) {
	return r.store.List(ctx)
}

// WithLock runs fn holding the session's exclusive lock. The session is
// resolved first so locking an unknown or expired id fails fast instead
// of queueing. Contention past the configured wait bound fails ErrBusy
// with no side effects.
func (r *Registry) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	unlock, err := r.locks.acquire(ctx, id, r.lockWait)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(ctx)
}

// WithRawLock is WithLock without the expiry pre-check: deletion must be
// able to lock a session that has already expired.
func (r *Registry) WithRawLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if _, err := r.Peek(ctx, id); err != nil {
		return err
	}

	unlock, err := r.locks.acquire(ctx, id, r.lockWait)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(ctx)
}

// TryWithLock is the non-blocking variant for the reaper: it never waits
// on a held lock, and it does not pre-check expiry since the reaper works
// on exactly the sessions Get refuses.
func (r *Registry) TryWithLock(ctx context.Context, id string, fn func(ctx context.Context) error) (bool, error) {
	unlock, err := r.locks.acquire(ctx, id, 0)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return false, nil
		}
		return false, err
	}
	defer unlock()

	return true, fn(ctx)
}
