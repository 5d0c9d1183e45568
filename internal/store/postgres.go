package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by point lookups when no matching row exists.
var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertSession(ctx context.Context, session EditingSession) error {
	state, err := json.Marshal(session.WorkspaceState)
	if err != nil {
		return fmt.Errorf("marshal workspace state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO editing_sessions (id, statement_id, host_user_id, host_name, session_code, workspace_state, is_active, created_at, updated_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7, $7)
	`, session.ID, session.StatementID, session.HostUserID, session.HostName, session.SessionCode, state, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert editing session: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, participant Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_participants (id, session_id, user_id, is_host, status, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, participant.ID, participant.SessionID, participant.UserID, participant.IsHost, participant.Status, participant.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

const sessionColumns = `id, statement_id, host_user_id, host_name, session_code, workspace_state, is_active, created_at, updated_at, last_activity_at`

func (s *PostgresStore) scanSession(row *sql.Row) (*EditingSession, error) {
	var session EditingSession
	var state []byte
	err := row.Scan(&session.ID, &session.StatementID, &session.HostUserID, &session.HostName,
		&session.SessionCode, &state, &session.IsActive, &session.CreatedAt, &session.UpdatedAt, &session.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan editing session: %w", err)
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &session.WorkspaceState); err != nil {
			return nil, fmt.Errorf("unmarshal workspace state: %w", err)
		}
	}
	return &session, nil
}

func (s *PostgresStore) GetActiveSessionByStatement(ctx context.Context, statementID string) (*EditingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM editing_sessions
		WHERE statement_id = $1 AND is_active = TRUE
	`, statementID)
	return s.scanSession(row)
}

func (s *PostgresStore) GetActiveSessionByCode(ctx context.Context, code string) (*EditingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM editing_sessions
		WHERE UPPER(session_code) = UPPER($1) AND is_active = TRUE
	`, code)
	return s.scanSession(row)
}

func (s *PostgresStore) GetLiveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, is_host, status, joined_at, left_at
		FROM session_participants
		WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL
		ORDER BY joined_at DESC
		LIMIT 1
	`, sessionID, userID)
	var p Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.IsHost, &p.Status, &p.JoinedAt, &p.LeftAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CountLiveParticipants(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_participants
		WHERE session_id = $1 AND left_at IS NULL
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateParticipantStatus(ctx context.Context, participantID string, status ParticipantStatus, leftAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_participants SET status = $2, left_at = $3 WHERE id = $1
	`, participantID, status, leftAt)
	if err != nil {
		return fmt.Errorf("update participant status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetParticipantLeft(ctx context.Context, participantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_participants SET left_at = $2 WHERE id = $1 AND left_at IS NULL
	`, participantID, at)
	if err != nil {
		return fmt.Errorf("set participant left: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkspaceState(ctx context.Context, sessionID string, state WorkspaceState, at time.Time) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workspace state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE editing_sessions SET workspace_state = $2, updated_at = $3, last_activity_at = $3 WHERE id = $1
	`, sessionID, payload, at)
	if err != nil {
		return fmt.Errorf("update workspace state: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE editing_sessions SET last_activity_at = $2 WHERE id = $1
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE editing_sessions SET is_active = FALSE, updated_at = $2 WHERE id = $1
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}
