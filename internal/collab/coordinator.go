// Package collab implements the collaborative editing session protocol:
// host-gated admission, presence tracking, and ephemeral workspace-state
// synchronization layered over a durable session record.
package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/channel"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/util"
)

type State string

const (
	StateIdle             State = "idle"
	StateChecking         State = "checking"
	StateHosting          State = "hosting"
	StateAwaitingApproval State = "awaiting-approval"
	StateInSession        State = "in-session"
	StateEnded            State = "ended"
)

type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Identity is the already-resolved caller: authentication happens upstream.
type Identity struct {
	UserID   string
	FullName string
	Rank     string
}

// Collaborator is one approved participant currently online.
type Collaborator struct {
	UserID   string `json:"userId"`
	FullName string `json:"fullName"`
	Rank     string `json:"rank"`
	IsHost   bool   `json:"isHost"`
}

// PendingJoin is a join request awaiting the host's decision.
type PendingJoin struct {
	ParticipantID string    `json:"participantId"`
	UserID        string    `json:"userId"`
	FullName      string    `json:"fullName"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// Snapshot is the read-only view of a coordinator instance.
type Snapshot struct {
	State           State                   `json:"state"`
	Role            Role                    `json:"role"`
	SessionID       string                  `json:"sessionId,omitempty"`
	SessionCode     string                  `json:"sessionCode,omitempty"`
	JoinStatus      store.ParticipantStatus `json:"joinStatus,omitempty"`
	WorkspaceState  store.WorkspaceState    `json:"workspaceState"`
	Collaborators   []Collaborator          `json:"collaborators"`
	PendingRequests []PendingJoin           `json:"pendingRequests"`
	LastError       *Error                  `json:"lastError,omitempty"`
}

type Options struct {
	HeartbeatInterval time.Duration
	SessionCodeLength int
}

// Coordinator owns one participant's side of a session: creation,
// subscription, heartbeat, teardown. All transitions, whether they originate
// from caller commands or transport events, are serialized through one
// mutex-guarded reducer so the state machine is testable without a live
// transport.
type Coordinator struct {
	store     Store
	transport Transport
	admission *AdmissionController
	identity  Identity
	opts      Options

	mu            sync.Mutex
	state         State
	role          Role
	sessionID     string
	sessionCode   string
	statementID   string
	participantID string
	joinStatus    store.ParticipantStatus
	workspace     store.WorkspaceState
	collaborators []Collaborator
	pending       []PendingJoin
	lastErr       *Error
	sub           *channel.Subscription
	heartbeat     chan struct{}
	onChange      func(Snapshot)
}

func NewCoordinator(st Store, transport Transport, identity Identity, opts Options) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Minute
	}
	if opts.SessionCodeLength <= 0 {
		opts.SessionCodeLength = 6
	}
	return &Coordinator{
		store:     st,
		transport: transport,
		admission: NewAdmissionController(st),
		identity:  identity,
		opts:      opts,
		state:     StateIdle,
	}
}

// OnChange registers a callback invoked with a fresh snapshot after every
// transition. Set it before the first command; it runs outside the lock.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:          c.state,
		Role:           c.role,
		SessionID:      c.sessionID,
		SessionCode:    c.sessionCode,
		JoinStatus:     c.joinStatus,
		WorkspaceState: c.workspace,
		LastError:      c.lastErr,
	}
	snap.Collaborators = append([]Collaborator(nil), c.collaborators...)
	snap.PendingRequests = append([]PendingJoin(nil), c.pending...)
	return snap
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fn := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// CheckActiveSession exposes the admission check without mutating anything.
func (c *Coordinator) CheckActiveSession(ctx context.Context, statementID string) (*store.ActiveSessionInfo, error) {
	if c.identity.UserID == "" {
		return nil, collabError(CodeUnauthenticated, "no caller identity")
	}
	return c.admission.CheckActive(ctx, statementID, c.identity.UserID)
}

// StartEditing creates a session for a statement, or reattaches to the
// caller's own active one. It returns the shareable session code. No channel
// is opened before the durable insert succeeds, so a store failure leaves no
// orphaned subscription.
func (c *Coordinator) StartEditing(ctx context.Context, statementID string, initial *store.WorkspaceState) (string, error) {
	if c.identity.UserID == "" {
		return "", c.fail(collabError(CodeUnauthenticated, "no caller identity"))
	}
	c.mu.Lock()
	if c.state == StateHosting || c.state == StateInSession || c.state == StateAwaitingApproval {
		code := c.sessionCode
		c.mu.Unlock()
		return code, collabError(CodeTerminal, "already in a session")
	}
	c.state = StateChecking
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()

	info, err := c.admission.CheckActive(ctx, statementID, c.identity.UserID)
	if err != nil {
		var cErr *Error
		if !errors.As(err, &cErr) {
			cErr = collabError(CodeStoreUnavailable, "check active session: %v", err)
		}
		return "", c.failIdle(cErr)
	}

	if info != nil && !info.IsOwnSession {
		return "", c.failIdle(collabError(CodeConflict, "%s is already editing this statement", info.HostDisplayName))
	}

	now := time.Now()
	if info != nil {
		// Host reconnecting to its own live session.
		return c.rejoinAsHost(ctx, statementID, info, initial)
	}

	session := store.EditingSession{
		ID:          util.NewID(),
		StatementID: statementID,
		HostUserID:  c.identity.UserID,
		HostName:    c.identity.FullName,
		SessionCode: util.NewSessionCode(c.opts.SessionCodeLength),
		WorkspaceState: store.WorkspaceState{
			LastEditedBy: c.identity.UserID,
		},
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if initial != nil {
		session.WorkspaceState.DraftText = initial.DraftText
		session.WorkspaceState.CursorPosition = initial.CursorPosition
	}
	if err := c.store.InsertSession(ctx, session); err != nil {
		return "", c.failIdle(collabError(CodeStoreUnavailable, "create session: %v", err))
	}

	participant := store.Participant{
		ID:        util.NewID(),
		SessionID: session.ID,
		UserID:    c.identity.UserID,
		IsHost:    true,
		Status:    store.ParticipantApproved,
		JoinedAt:  now,
	}
	if err := c.store.InsertParticipant(ctx, participant); err != nil {
		return "", c.failIdle(collabError(CodeStoreUnavailable, "create host participant: %v", err))
	}

	if err := c.attach(ctx, session.SessionCode, store.ParticipantApproved, true); err != nil {
		// The durable row survives; a later StartEditing reattaches to it.
		return "", c.failIdle(collabError(CodeChannelUnavailable, "open channel: %v", err))
	}

	c.mu.Lock()
	c.state = StateHosting
	c.role = RoleHost
	c.sessionID = session.ID
	c.sessionCode = session.SessionCode
	c.statementID = statementID
	c.participantID = participant.ID
	c.joinStatus = store.ParticipantApproved
	c.workspace = session.WorkspaceState
	c.mu.Unlock()
	c.notify()
	return session.SessionCode, nil
}

func (c *Coordinator) rejoinAsHost(ctx context.Context, statementID string, info *store.ActiveSessionInfo, initial *store.WorkspaceState) (string, error) {
	participantID := ""
	if p, err := c.store.GetLiveParticipant(ctx, info.SessionID, c.identity.UserID); err == nil {
		participantID = p.ID
	} else if errors.Is(err, store.ErrNotFound) {
		// The host row was closed out somewhere along the way; open a new one.
		participant := store.Participant{
			ID:        util.NewID(),
			SessionID: info.SessionID,
			UserID:    c.identity.UserID,
			IsHost:    true,
			Status:    store.ParticipantApproved,
			JoinedAt:  time.Now(),
		}
		if insertErr := c.store.InsertParticipant(ctx, participant); insertErr != nil {
			return "", c.failIdle(collabError(CodeStoreUnavailable, "reopen host participant: %v", insertErr))
		}
		participantID = participant.ID
	} else {
		return "", c.failIdle(collabError(CodeStoreUnavailable, "look up host participant: %v", err))
	}

	workspace := info.WorkspaceState
	if initial != nil {
		// Unsynced local edits from before the reconnect win locally.
		workspace.DraftText = initial.DraftText
		workspace.CursorPosition = initial.CursorPosition
		workspace.LastEditedBy = c.identity.UserID
	}

	if err := c.attach(ctx, info.SessionCode, store.ParticipantApproved, true); err != nil {
		return "", c.failIdle(collabError(CodeChannelUnavailable, "open channel: %v", err))
	}

	c.mu.Lock()
	c.state = StateHosting
	c.role = RoleHost
	c.sessionID = info.SessionID
	c.sessionCode = info.SessionCode
	c.statementID = statementID
	c.participantID = participantID
	c.joinStatus = store.ParticipantApproved
	c.workspace = workspace
	c.mu.Unlock()
	c.notify()
	return info.SessionCode, nil
}

// RequestToJoin enters a session by its shareable code. An already-approved
// live participant reattaches immediately; everyone else lands in
// awaiting-approval until the host decides.
func (c *Coordinator) RequestToJoin(ctx context.Context, code string) error {
	if c.identity.UserID == "" {
		return c.fail(collabError(CodeUnauthenticated, "no caller identity"))
	}
	c.mu.Lock()
	if c.state == StateHosting || c.state == StateInSession || c.state == StateAwaitingApproval {
		c.mu.Unlock()
		return collabError(CodeTerminal, "already in a session")
	}
	c.state = StateChecking
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()

	session, err := c.store.GetActiveSessionByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return c.failIdle(collabError(CodeNotFound, "no active session for code %s", code))
	}
	if err != nil {
		return c.failIdle(collabError(CodeStoreUnavailable, "resolve session code: %v", err))
	}

	now := time.Now()
	existing, err := c.store.GetLiveParticipant(ctx, session.ID, c.identity.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return c.failIdle(collabError(CodeStoreUnavailable, "look up participant: %v", err))
	}

	if existing != nil && existing.Status == store.ParticipantApproved {
		// Rejoin: no new request, straight back into the session.
		if err := c.attach(ctx, session.SessionCode, store.ParticipantApproved, existing.IsHost); err != nil {
			return c.failIdle(collabError(CodeChannelUnavailable, "open channel: %v", err))
		}
		c.mu.Lock()
		c.state = StateInSession
		c.role = RoleGuest
		if existing.IsHost {
			c.role = RoleHost
		}
		c.sessionID = session.ID
		c.sessionCode = session.SessionCode
		c.statementID = session.StatementID
		c.participantID = existing.ID
		c.joinStatus = store.ParticipantApproved
		c.workspace = session.WorkspaceState
		c.mu.Unlock()
		c.notify()
		return nil
	}

	participantID := ""
	if existing != nil {
		// A pending row from a previous attempt is reused as-is.
		participantID = existing.ID
	} else {
		participant := store.Participant{
			ID:        util.NewID(),
			SessionID: session.ID,
			UserID:    c.identity.UserID,
			Status:    store.ParticipantPending,
			JoinedAt:  now,
		}
		if err := c.store.InsertParticipant(ctx, participant); err != nil {
			return c.failIdle(collabError(CodeStoreUnavailable, "create participant: %v", err))
		}
		participantID = participant.ID
	}

	if err := c.attach(ctx, session.SessionCode, store.ParticipantPending, false); err != nil {
		return c.failIdle(collabError(CodeChannelUnavailable, "open channel: %v", err))
	}

	c.mu.Lock()
	c.state = StateAwaitingApproval
	c.role = RoleGuest
	c.sessionID = session.ID
	c.sessionCode = session.SessionCode
	c.statementID = session.StatementID
	c.participantID = participantID
	c.joinStatus = store.ParticipantPending
	c.workspace = session.WorkspaceState
	c.mu.Unlock()

	if err := c.transport.Send(ctx, session.SessionCode, channel.JoinRequest{
		ParticipantID: participantID,
		UserID:        c.identity.UserID,
		FullName:      c.identity.FullName,
		RequestedAt:   now,
	}); err != nil {
		// Still subscribed; a retry re-broadcasts and the host dedupes.
		return c.fail(collabError(CodeChannelUnavailable, "broadcast join request: %v", err))
	}
	c.notify()
	return nil
}

// attach subscribes to the session topic, announces presence, and starts the
// heartbeat. Called only after every durable write has succeeded.
func (c *Coordinator) attach(ctx context.Context, code string, status store.ParticipantStatus, isHost bool) error {
	sub, err := c.transport.Subscribe(ctx, code)
	if err != nil {
		return err
	}
	if err := c.transport.Track(ctx, code, channel.PresenceEntry{
		UserID:   c.identity.UserID,
		FullName: c.identity.FullName,
		Rank:     c.identity.Rank,
		IsHost:   isHost,
		Status:   status,
	}); err != nil {
		log.Printf("collab: presence track failed: %v", err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.sub = sub
	c.heartbeat = stop
	c.mu.Unlock()

	go c.run(sub)
	go c.heartbeatLoop(stop)
	return nil
}

func (c *Coordinator) run(sub *channel.Subscription) {
	for msg := range sub.Events() {
		c.dispatch(msg)
	}
}

// dispatch applies one transport event through the reducer, then runs any
// side effects outside the lock.
func (c *Coordinator) dispatch(msg channel.Message) {
	c.mu.Lock()
	effects := c.applyLocked(msg)
	c.mu.Unlock()
	for _, effect := range effects {
		effect()
	}
	c.notify()
}

// LeaveSession records the caller's departure. A host leaving ends the whole
// session. Safe to call repeatedly or after the channel is gone.
func (c *Coordinator) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	if c.sessionID == "" || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	sessionID := c.sessionID
	code := c.sessionCode
	participantID := c.participantID
	isHost := c.role == RoleHost
	c.mu.Unlock()

	now := time.Now()
	if err := c.store.SetParticipantLeft(ctx, participantID, now); err != nil {
		log.Printf("collab: record departure failed: %v", err)
	}
	if isHost {
		if err := c.store.DeactivateSession(ctx, sessionID, now); err != nil {
			return c.fail(collabError(CodeStoreUnavailable, "end session: %v", err))
		}
		if err := c.transport.Send(ctx, code, channel.SessionEnded{EndedBy: c.identity.UserID}); err != nil {
			log.Printf("collab: session_ended broadcast failed: %v", err)
		}
		if err := c.transport.ClearPresence(ctx, code); err != nil {
			log.Printf("collab: clear presence failed: %v", err)
		}
	} else {
		if err := c.transport.Untrack(ctx, code, c.identity.UserID); err != nil {
			log.Printf("collab: presence untrack failed: %v", err)
		}
	}
	c.teardown()
	c.notify()
	return nil
}

// EndSession is the host's explicit termination. A non-host call is a no-op.
// Calling it twice produces no second session_ended broadcast.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.mu.Lock()
	if c.role != RoleHost || c.sessionID == "" || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	sessionID := c.sessionID
	code := c.sessionCode
	c.mu.Unlock()

	if err := c.store.DeactivateSession(ctx, sessionID, time.Now()); err != nil {
		return c.fail(collabError(CodeStoreUnavailable, "end session: %v", err))
	}
	if err := c.transport.Send(ctx, code, channel.SessionEnded{EndedBy: c.identity.UserID}); err != nil {
		log.Printf("collab: session_ended broadcast failed: %v", err)
	}
	if err := c.transport.ClearPresence(ctx, code); err != nil {
		log.Printf("collab: clear presence failed: %v", err)
	}
	c.teardown()
	c.notify()
	return nil
}

// Close tears down the local instance without durable writes: timers stop,
// the subscription closes, presence is withdrawn. The session itself stays
// alive so the peer can reattach.
func (c *Coordinator) Close() {
	c.mu.Lock()
	code := c.sessionCode
	active := c.sessionID != "" && c.state != StateEnded
	c.mu.Unlock()
	if active {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.transport.Untrack(ctx, code, c.identity.UserID); err != nil {
			log.Printf("collab: presence untrack failed: %v", err)
		}
		cancel()
	}
	c.teardown()
}

// teardown clears all local session state and stops background work. Every
// exit path funnels through here; it is idempotent.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	sub := c.sub
	stop := c.heartbeat
	c.sub = nil
	c.heartbeat = nil
	c.state = StateEnded
	c.collaborators = nil
	c.pending = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if sub != nil {
		_ = sub.Close()
	}
}

func (c *Coordinator) fail(err *Error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
	return err
}

// failIdle records the error and drops back to idle so the caller can retry.
func (c *Coordinator) failIdle(err *Error) error {
	c.mu.Lock()
	c.lastErr = err
	c.state = StateIdle
	c.mu.Unlock()
	c.notify()
	return err
}
