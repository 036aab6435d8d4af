// Package filecache persists session-scoped files independently of any
// container. It is the single source of truth for what survives container
// swaps: a file is in here iff some prior execute named it in
// fetch_files, and a fresh container is hydrated from exactly this set.
package filecache

import (
	"context"
	"fmt"
	"sync"
)

type Entry struct {
	Path string
	Data []byte
}

// Cache is the backend-agnostic contract. GetAll returns entries in
// first-insertion order of each path; restoration does not care, but
// deterministic order keeps tests honest. Failures are scoped to single
// paths via WriteError/ReadError so one bad file never poisons the rest
// of a session's cache.
type Cache interface {
	Put(ctx context.Context, sessionID, path string, data []byte) error
	GetAll(ctx context.Context, sessionID string) ([]Entry, error)
	Purge(ctx context.Context, sessionID string) error
}

// WriteError marks a failed write of one path; other cached files for
// the session remain valid.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cache write: %v", e.Err)
	}
	return fmt.Sprintf("cache write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cache read: %v", e.Err)
	}
	return fmt.Sprintf("cache read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Memory keeps everything in process. Suitable for a single orchestrator
// instance; state is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	order []string
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memorySession)}
}

func (m *Memory) Put(_ context.Context, sessionID, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &memorySession{files: make(map[string][]byte)}
		m.sessions[sessionID] = sess
	}
	if _, exists := sess.files[path]; !exists {
		sess.order = append(sess.order, path)
	}
	sess.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetAll(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	entries := make([]Entry, 0, len(sess.order))
	for _, path := range sess.order {
		entries = append(entries, Entry{
			Path: path,
			Data: append([]byte(nil), sess.files[path]...),
		})
	}
	return entries, nil
}

func (m *Memory) Purge(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
