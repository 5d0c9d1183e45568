package store

import "time"

// WorkspaceState is the shared draft content synchronized across participants.
// It is persisted as a JSON column on the session row and carried verbatim in
// state_update broadcasts.
type WorkspaceState struct {
	DraftText      string `json:"draftText"`
	CursorPosition *int   `json:"cursorPosition,omitempty"`
	LastEditedBy   string `json:"lastEditedBy,omitempty"`
}

// EditingSession is the durable record of one live editing engagement for a
// statement. At most one active row may exist per statement.
type EditingSession struct {
	ID             string
	StatementID    string
	HostUserID     string
	HostName       string
	SessionCode    string
	WorkspaceState WorkspaceState
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantApproved ParticipantStatus = "approved"
	ParticipantRejected ParticipantStatus = "rejected"
)

// Participant tracks one user's association with a session. A user accumulates
// a new row per rejoin after leaving or rejection; the row with left_at NULL is
// the live one.
type Participant struct {
	ID        string
	SessionID string
	UserID    string
	IsHost    bool
	Status    ParticipantStatus
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// ActiveSessionInfo is what the admission check returns for an existing
// active session.
type ActiveSessionInfo struct {
	SessionID        string
	SessionCode      string
	HostUserID       string
	HostDisplayName  string
	IsOwnSession     bool
	ParticipantCount int
	WorkspaceState   WorkspaceState
}
