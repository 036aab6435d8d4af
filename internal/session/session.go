package session

import (
	"errors"
	"strings"
	"time"
)

// State tracks where a session is in its container lifecycle. Transitions
// are serialized per session id through the registry lock, so observers
// never see two of them interleave.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateSwitching  State = "switching"
	StateTerminated State = "terminated"
)

// Session is the authoritative record for one logical session. The
// container referenced by ContainerID is owned by the lifecycle manager;
// the registry only carries the opaque id.
type Session struct {
	ID          string        `json:"id"`
	Language    string        `json:"language"`
	TTL         time.Duration `json:"ttl"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUsedAt  time.Time     `json:"lastUsedAt"`
	State       State         `json:"state"`
	ContainerID string        `json:"containerId,omitempty"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastUsedAt) > s.TTL
}

func (s *Session) Touch(now time.Time) {
	s.LastUsedAt = now
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidLanguage = errors.New("unsupported language")

	// ErrBusy means the per-session lock stayed contended past the
	// configured wait bound. Callers should retry; no state changed.
	ErrBusy = errors.New("session busy")
)

var supportedLanguages = map[string]struct{}{
	"python": {},
	"bash":   {},
	"pybash": {},
}

// NormalizeLanguage lowercases and trims a runtime identifier and reports
// whether it names a supported runtime.
func NormalizeLanguage(raw string) (string, bool) {
	language := strings.ToLower(strings.TrimSpace(raw))
	_, ok := supportedLanguages[language]
	return language, ok
}
