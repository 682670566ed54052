package collab

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/assessor/model"
)

// SessionStore persists shared sessions, their participant lists and their
// activity logs.
type SessionStore interface {
	CreateSession(ctx context.Context, session model.SharedSession) error
	GetSession(ctx context.Context, id string) (model.SharedSession, error)
	UpdateParticipants(ctx context.Context, id string, participants []model.ParticipantSnapshot) error
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	LogActivity(ctx context.Context, activity model.SessionActivity) error
	// ListActivity returns the newest activity first. limit <= 0 returns
	// everything retained.
	ListActivity(ctx context.Context, sessionID string, limit int) ([]model.SessionActivity, error)
}

func sessionNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("collaboration session %q not found", id))
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]model.SharedSession
	activity   map[string][]model.SessionActivity // key: session ID, oldest first
	maxHistory int
}

// NewMemorySessionStore creates an in-memory store keeping at most
// maxHistory activity entries per session (0 keeps everything).
func NewMemorySessionStore(maxHistory int) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:   make(map[string]model.SharedSession),
		activity:   make(map[string][]model.SessionActivity),
		maxHistory: maxHistory,
	}
}

// CreateSession stores a new session.
func (s *MemorySessionStore) CreateSession(_ context.Context, session model.SharedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("collaboration session %q already exists", session.ID))
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession returns a session by ID.
func (s *MemorySessionStore) GetSession(_ context.Context, id string) (model.SharedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return model.SharedSession{}, sessionNotFound(id)
	}
	return copySession(session), nil
}

// UpdateParticipants replaces the participant list of a session.
func (s *MemorySessionStore) UpdateParticipants(_ context.Context, id string, participants []model.ParticipantSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return sessionNotFound(id)
	}
	session.Participants = slices.Clone(participants)
	s.sessions[id] = session
	return nil
}

// EndSession marks a session ended and clears its participants.
func (s *MemorySessionStore) EndSession(_ context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return sessionNotFound(id)
	}
	session.Status = model.SessionStatusEnded
	session.EndedAt = &endedAt
	session.Participants = nil
	s.sessions[id] = session
	return nil
}

// LogActivity appends an activity entry.
func (s *MemorySessionStore) LogActivity(_ context.Context, activity model.SessionActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.activity[activity.SessionID], activity)
	if s.maxHistory > 0 && len(entries) > s.maxHistory {
		entries = entries[len(entries)-s.maxHistory:]
	}
	s.activity[activity.SessionID] = entries
	return nil
}

// ListActivity returns the newest activity first.
func (s *MemorySessionStore) ListActivity(_ context.Context, sessionID string, limit int) ([]model.SessionActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.activity[sessionID]
	out := make([]model.SessionActivity, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func copySession(s model.SharedSession) model.SharedSession {
	s.Collaborators = maps.Clone(s.Collaborators)
	s.Participants = slices.Clone(s.Participants)
	return s
}
