package collab

import (
	"context"
	"log"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/channel"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

// StatePatch is a partial workspace update; nil fields are left alone.
type StatePatch struct {
	DraftText      *string `json:"draftText,omitempty"`
	CursorPosition *int    `json:"cursorPosition,omitempty"`
}

// BroadcastState merges a patch over the local workspace state, stamps the
// caller as last editor, and fans the result out to every subscriber. The
// local copy updates immediately; the durable checkpoint is fire-and-forget.
func (c *Coordinator) BroadcastState(ctx context.Context, patch StatePatch) error {
	c.mu.Lock()
	if c.state != StateHosting && c.state != StateInSession {
		c.mu.Unlock()
		return collabError(CodeTerminal, "not in a session")
	}
	merged := c.workspace
	if patch.DraftText != nil {
		merged.DraftText = *patch.DraftText
	}
	if patch.CursorPosition != nil {
		merged.CursorPosition = patch.CursorPosition
	}
	merged.LastEditedBy = c.identity.UserID
	c.workspace = merged
	sessionID := c.sessionID
	code := c.sessionCode
	c.mu.Unlock()

	if err := c.transport.Send(ctx, code, channel.StateUpdate{State: merged}); err != nil {
		return c.fail(collabError(CodeChannelUnavailable, "broadcast state: %v", err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.UpdateWorkspaceState(ctx, sessionID, merged, time.Now()); err != nil {
			// Durability is secondary; the broadcast already carried the state.
			log.Printf("collab: state checkpoint failed: %v", err)
		}
	}()
	c.notify()
	return nil
}

// UpdateActivity touches last_activity_at without broadcasting, keeping an
// idle session from looking stale. Failures are logged and swallowed.
func (c *Coordinator) UpdateActivity(ctx context.Context) {
	c.mu.Lock()
	sessionID := c.sessionID
	active := c.state == StateHosting || c.state == StateInSession
	c.mu.Unlock()
	if !active {
		return
	}
	if err := c.store.TouchActivity(ctx, sessionID, time.Now()); err != nil {
		log.Printf("collab: activity touch failed: %v", err)
	}
}

// heartbeatLoop refreshes the activity timestamp and this client's presence
// deadline at a fixed interval until teardown.
func (c *Coordinator) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		sessionID := c.sessionID
		code := c.sessionCode
		status := c.joinStatus
		isHost := c.role == RoleHost
		active := c.state == StateHosting || c.state == StateInSession || c.state == StateAwaitingApproval
		c.mu.Unlock()
		if !active {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.store.TouchActivity(ctx, sessionID, time.Now()); err != nil {
			log.Printf("collab: heartbeat touch failed: %v", err)
		}
		if status == "" {
			status = store.ParticipantPending
		}
		if err := c.transport.Track(ctx, code, channel.PresenceEntry{
			UserID:   c.identity.UserID,
			FullName: c.identity.FullName,
			Rank:     c.identity.Rank,
			IsHost:   isHost,
			Status:   status,
		}); err != nil {
			log.Printf("collab: heartbeat presence refresh failed: %v", err)
		}
		cancel()
	}
}
