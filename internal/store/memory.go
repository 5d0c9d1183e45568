package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory session record store with the same behavior as
// PostgresStore, used by tests and local development without a database.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]*EditingSession
	participants map[string]*Participant
	order        []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*EditingSession),
		participants: make(map[string]*Participant),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertSession(ctx context.Context, session EditingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) InsertParticipant(ctx context.Context, participant Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := participant
	s.participants[participant.ID] = &copied
	s.order = append(s.order, participant.ID)
	return nil
}

func (s *MemoryStore) GetActiveSessionByStatement(ctx context.Context, statementID string) (*EditingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.StatementID == statementID && session.IsActive {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetActiveSessionByCode(ctx context.Context, code string) (*EditingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if strings.EqualFold(session.SessionCode, code) && session.IsActive {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetLiveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Newest live row wins, matching the ORDER BY joined_at DESC lookup.
	for i := len(s.order) - 1; i >= 0; i-- {
		p := s.participants[s.order[i]]
		if p.SessionID == sessionID && p.UserID == userID && p.LeftAt == nil {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CountLiveParticipants(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.LeftAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateParticipantStatus(ctx context.Context, participantID string, status ParticipantStatus, leftAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		p.Status = status
		p.LeftAt = leftAt
	}
	return nil
}

func (s *MemoryStore) SetParticipantLeft(ctx context.Context, participantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok && p.LeftAt == nil {
		p.LeftAt = &at
	}
	return nil
}

func (s *MemoryStore) UpdateWorkspaceState(ctx context.Context, sessionID string, state WorkspaceState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.WorkspaceState = state
		session.UpdatedAt = at
		session.LastActivityAt = at
	}
	return nil
}

func (s *MemoryStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.LastActivityAt = at
	}
	return nil
}

func (s *MemoryStore) DeactivateSession(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.IsActive = false
		session.UpdatedAt = at
	}
	return nil
}

// Session returns a copy of a session row for test assertions.
func (s *MemoryStore) Session(id string) (EditingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		return *session, true
	}
	return EditingSession{}, false
}

// Participants returns copies of all rows for a session, oldest first.
func (s *MemoryStore) Participants(sessionID string) []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Participant
	for _, id := range s.order {
		if p := s.participants[id]; p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	return out
}
