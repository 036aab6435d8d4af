package container

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	cleanupQueueSize   = 128
	cleanupMaxAttempts = 5
)

type cleanupRequest struct {
	path    string
	attempt int
}

// cleanup schedules removal of a container workdir. Removal happens off
// the request path; a full queue degrades to a one-off goroutine rather
// than blocking a stop.
func (e *DockerEngine) cleanup(path string) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" || cleanPath == e.cfg.WorkdirRoot {
		return
	}

	req := cleanupRequest{path: cleanPath, attempt: 1}
	if ok := e.enqueueCleanup(req); !ok {
		go e.processCleanup(req)
	}
}

func (e *DockerEngine) startCleanupWorker() {
	go func() {
		for req := range e.cleanupQ {
			e.processCleanup(req)
		}
	}()
}

func (e *DockerEngine) enqueueCleanup(req cleanupRequest) bool {
	if e.cleanupQ == nil {
		return false
	}
	select {
	case e.cleanupQ <- req:
		return true
	default:
		return false
	}
}

func (e *DockerEngine) processCleanup(req cleanupRequest) {
	if req.path == "" {
		return
	}

	err := os.RemoveAll(req.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		e.log.Debug("removed workdir", "path", req.path)
		return
	}

	if req.attempt >= cleanupMaxAttempts {
		e.log.Error("giving up on workdir cleanup",
			"path", req.path, "attempts", req.attempt, "error", err)
		return
	}

	delay := time.Duration(req.attempt) * time.Second
	e.log.Warn("workdir cleanup retry", "path", req.path,
		"delay", delay, "attempt", req.attempt+1, "max", cleanupMaxAttempts)
	time.Sleep(delay)
	req.attempt++
	if ok := e.enqueueCleanup(req); !ok {
		go e.processCleanup(req)
	}
}

// purgeOrphanedWorkdirs sweeps workdirs left behind by a previous process
// whose containers are gone.
func (e *DockerEngine) purgeOrphanedWorkdirs() {
	entries, err := os.ReadDir(e.cfg.WorkdirRoot)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.log.Warn("failed to scan workdir root", "path", e.cfg.WorkdirRoot, "error", err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	e.log.Info("purging orphaned workdirs", "count", len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		req := cleanupRequest{
			path:    filepath.Join(e.cfg.WorkdirRoot, entry.Name()),
			attempt: 1,
		}
		if ok := e.enqueueCleanup(req); !ok {
			go e.processCleanup(req)
		}
	}
}
