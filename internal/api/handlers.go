package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Sentdex/SentboxFusion/internal/container"
	"github.com/Sentdex/SentboxFusion/internal/executor"
	"github.com/Sentdex/SentboxFusion/internal/session"
)

// Orchestrator is the surface the transport layer consumes; implemented
// by executor.Service.
type Orchestrator interface {
	CreateSession(ctx context.Context, language string, ttl time.Duration) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	Execute(ctx context.Context, id string, req executor.Request) (executor.Result, error)
	DeleteSession(ctx context.Context, id string) error
}

type Handler struct {
	orchestrator Orchestrator
}

func NewHandler(orchestrator Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

type CreateSessionRequest struct {
	Language string `json:"language"`
	TTL      string `json:"ttl,omitempty"`
}

type SessionResponse struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	TTL        string    `json:"ttl"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

type ExecuteRequest struct {
	Code       string   `json:"code"`
	Language   string   `json:"language,omitempty"`
	FetchFiles []string `json:"fetch_files,omitempty"`
}

type ExecuteResponse struct {
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	ExitCode int               `json:"exitCode"`
	TimedOut bool              `json:"timedOut"`
	Duration time.Duration     `json:"duration"`
	Fetched  map[string]string `json:"fetched"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var payload CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if strings.TrimSpace(payload.Language) == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	ttl, err := parseTTL(payload.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.orchestrator.CreateSession(r.Context(), payload.Language, ttl)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.orchestrator.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var payload ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if strings.TrimSpace(payload.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := h.orchestrator.Execute(r.Context(), id, executor.Request{
		Code:       payload.Code,
		Language:   payload.Language,
		FetchFiles: payload.FetchFiles,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	fetched := make(map[string]string, len(result.Fetched))
	for path, status := range result.Fetched {
		fetched[path] = string(status)
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
		Duration: result.Duration,
		Fetched:  fetched,
	})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.orchestrator.DeleteSession(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func sessionResponse(sess session.Session) SessionResponse {
	return SessionResponse{
		ID:         sess.ID,
		Language:   sess.Language,
		TTL:        sess.TTL.String(),
		State:      string(sess.State),
		CreatedAt:  sess.CreatedAt,
		LastUsedAt: sess.LastUsedAt,
	}
}

func parseTTL(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl value")
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be greater than zero")
	}
	return d, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidLanguage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusGone, "session expired")
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "session busy, retry later")
	case errors.Is(err, container.ErrProvisioning):
		writeError(w, http.StatusServiceUnavailable, "container provisioning failed, retry later")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
