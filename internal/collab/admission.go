package collab

import (
	"context"
	"errors"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/channel"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

// Store is the durable session record store consumed by this package.
// *store.PostgresStore and *store.MemoryStore both satisfy it.
type Store interface {
	InsertSession(ctx context.Context, session store.EditingSession) error
	InsertParticipant(ctx context.Context, participant store.Participant) error
	GetActiveSessionByStatement(ctx context.Context, statementID string) (*store.EditingSession, error)
	GetActiveSessionByCode(ctx context.Context, code string) (*store.EditingSession, error)
	GetLiveParticipant(ctx context.Context, sessionID, userID string) (*store.Participant, error)
	CountLiveParticipants(ctx context.Context, sessionID string) (int, error)
	UpdateParticipantStatus(ctx context.Context, participantID string, status store.ParticipantStatus, leftAt *time.Time) error
	SetParticipantLeft(ctx context.Context, participantID string, at time.Time) error
	UpdateWorkspaceState(ctx context.Context, sessionID string, state store.WorkspaceState, at time.Time) error
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error
	DeactivateSession(ctx context.Context, sessionID string, at time.Time) error
}

// Transport is the realtime channel consumed by this package;
// *channel.RedisChannel satisfies it.
type Transport interface {
	Subscribe(ctx context.Context, code string) (*channel.Subscription, error)
	Send(ctx context.Context, code string, msg channel.Message) error
	Track(ctx context.Context, code string, entry channel.PresenceEntry) error
	Untrack(ctx context.Context, code, userID string) error
	ClearPresence(ctx context.Context, code string) error
}

// AdmissionController gates session creation and joining. It enforces the
// at-most-one-active-session-per-statement invariant with a check before any
// insert; the store's partial unique index closes the remaining window.
type AdmissionController struct {
	store Store
}

func NewAdmissionController(st Store) *AdmissionController {
	return &AdmissionController{store: st}
}

// CheckActive reports the active session for a statement, or nil when the
// caller is free to create one. A store failure is never treated as "no
// active session"; it surfaces as a retryable error instead.
func (a *AdmissionController) CheckActive(ctx context.Context, statementID, callerID string) (*store.ActiveSessionInfo, error) {
	session, err := a.store.GetActiveSessionByStatement(ctx, statementID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, collabError(CodeStoreUnavailable, "check active session: %v", err)
	}
	count, err := a.store.CountLiveParticipants(ctx, session.ID)
	if err != nil {
		return nil, collabError(CodeStoreUnavailable, "count participants: %v", err)
	}
	return &store.ActiveSessionInfo{
		SessionID:        session.ID,
		SessionCode:      session.SessionCode,
		HostUserID:       session.HostUserID,
		HostDisplayName:  session.HostName,
		IsOwnSession:     session.HostUserID == callerID,
		ParticipantCount: count,
		WorkspaceState:   session.WorkspaceState,
	}, nil
}
