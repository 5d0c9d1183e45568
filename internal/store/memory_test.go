package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedSession(t *testing.T, s *MemoryStore, id, statementID, code string) EditingSession {
	t.Helper()
	session := EditingSession{
		ID:          id,
		StatementID: statementID,
		HostUserID:  "u-host",
		HostName:    "Jordan Reyes",
		SessionCode: code,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := s.InsertSession(context.Background(), session); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return session
}

func TestActiveSessionLookups(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedSession(t, s, "s-1", "stmt-1", "AbC123")

	byStatement, err := s.GetActiveSessionByStatement(ctx, "stmt-1")
	if err != nil {
		t.Fatalf("lookup by statement: %v", err)
	}
	if byStatement.ID != "s-1" {
		t.Errorf("expected s-1, got %s", byStatement.ID)
	}

	// Code lookups are case-insensitive.
	byCode, err := s.GetActiveSessionByCode(ctx, "ABC123")
	if err != nil {
		t.Fatalf("lookup by code: %v", err)
	}
	if byCode.ID != "s-1" {
		t.Errorf("expected s-1, got %s", byCode.ID)
	}

	if _, err := s.GetActiveSessionByStatement(ctx, "stmt-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeactivateSession(ctx, "s-1", time.Now()); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := s.GetActiveSessionByStatement(ctx, "stmt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after deactivation, got %v", err)
	}
}

func TestLiveParticipantPrefersNewestRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedSession(t, s, "s-1", "stmt-1", "ABC123")

	first := Participant{ID: "p-1", SessionID: "s-1", UserID: "u-guest", Status: ParticipantPending, JoinedAt: time.Now()}
	if err := s.InsertParticipant(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	left := time.Now()
	if err := s.UpdateParticipantStatus(ctx, "p-1", ParticipantRejected, &left); err != nil {
		t.Fatalf("reject first: %v", err)
	}

	second := Participant{ID: "p-2", SessionID: "s-1", UserID: "u-guest", Status: ParticipantPending, JoinedAt: time.Now()}
	if err := s.InsertParticipant(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	live, err := s.GetLiveParticipant(ctx, "s-1", "u-guest")
	if err != nil {
		t.Fatalf("live lookup: %v", err)
	}
	if live.ID != "p-2" {
		t.Errorf("expected the fresh row p-2, got %s", live.ID)
	}

	count, err := s.CountLiveParticipants(ctx, "s-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 live participant, got %d", count)
	}
}

func TestSetParticipantLeftOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedSession(t, s, "s-1", "stmt-1", "ABC123")
	if err := s.InsertParticipant(ctx, Participant{ID: "p-1", SessionID: "s-1", UserID: "u-1", JoinedAt: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := time.Now()
	if err := s.SetParticipantLeft(ctx, "p-1", first); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := s.SetParticipantLeft(ctx, "p-1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second leave: %v", err)
	}

	rows := s.Participants("s-1")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].LeftAt == nil || !rows[0].LeftAt.Equal(first) {
		t.Errorf("left_at should keep its first value, got %v", rows[0].LeftAt)
	}
}

func TestWorkspaceStateCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedSession(t, s, "s-1", "stmt-1", "ABC123")

	cursor := 7
	at := time.Now()
	state := WorkspaceState{DraftText: "Hello", CursorPosition: &cursor, LastEditedBy: "u-guest"}
	if err := s.UpdateWorkspaceState(ctx, "s-1", state, at); err != nil {
		t.Fatalf("update state: %v", err)
	}

	session, ok := s.Session("s-1")
	if !ok {
		t.Fatal("session missing")
	}
	if session.WorkspaceState.DraftText != "Hello" || session.WorkspaceState.LastEditedBy != "u-guest" {
		t.Errorf("state not persisted: %+v", session.WorkspaceState)
	}
	if !session.LastActivityAt.Equal(at) {
		t.Errorf("last activity not refreshed: %v", session.LastActivityAt)
	}

	later := at.Add(time.Minute)
	if err := s.TouchActivity(ctx, "s-1", later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	session, _ = s.Session("s-1")
	if !session.LastActivityAt.Equal(later) {
		t.Errorf("touch did not refresh activity: %v", session.LastActivityAt)
	}
}
