// ABOUTME: Session record service mapping connection keys to resumable MCP sessions
// ABOUTME: Sole owner of session record writes; callers never touch the store directly

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
)

// Endpoint identifies where a session lives.
type Endpoint struct {
	URL string
	Pod string
}

// Service reads and writes session records.
type Service struct {
	store  store.SessionStore
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a session service.
func NewService(s store.SessionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "sessions"),
	}
}

// Lookup returns the stored record for key, or nil when there is none.
func (s *Service) Lookup(ctx context.Context, key toolcall.ConnectionKey) (*store.SessionRecord, error) {
	rec, err := s.store.GetSessionRecord(ctx, key.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session for %s: %w", key, err)
	}
	return rec, nil
}

// Save upserts the record for key after a successful connect. Concurrent
// saves for the same key are last-write-wins.
func (s *Service) Save(ctx context.Context, key toolcall.ConnectionKey, sessionID string, ep Endpoint) error {
	now := s.now()
	rec := &store.SessionRecord{
		ConnectionKey: key.String(),
		AgentID:       key.AgentID,
		AssignmentID:  key.AssignmentID,
		ServerID:      key.ServerID,
		SessionID:     sessionID,
		EndpointURL:   ep.URL,
		EndpointPod:   ep.Pod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.UpsertSessionRecord(ctx, rec); err != nil {
		return fmt.Errorf("saving session for %s: %w", key, err)
	}
	s.logger.Debug("session saved", "connection_key", key.String(), "session_id", sessionID)
	return nil
}

// Invalidate deletes the record for key. A missing record is not an error.
func (s *Service) Invalidate(ctx context.Context, key toolcall.ConnectionKey) error {
	err := s.store.DeleteSessionRecord(ctx, key.String())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting session for %s: %w", key, err)
	}
	s.logger.Debug("session invalidated", "connection_key", key.String())
	return nil
}

// Prune deletes records not updated within maxAge.
func (s *Service) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	n, err := s.store.DeleteSessionRecordsBefore(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned stale sessions", "count", n, "max_age", maxAge)
	}
	return n, nil
}
