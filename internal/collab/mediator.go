package collab

import (
	"context"
	"log"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/channel"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

// applyLocked is the state-machine reducer: one transport event in, local
// state mutated, side effects returned to run outside the lock. The switch is
// exhaustive over the message union; events this peer has no business with
// fall through untouched.
func (c *Coordinator) applyLocked(msg channel.Message) []func() {
	// Events still buffered at teardown must not resurrect an ended instance.
	if c.state == StateEnded {
		return nil
	}
	var effects []func()
	switch m := msg.(type) {
	case channel.PresenceSync:
		// Only approved entries (and the host) are "online"; pending peers
		// surface solely through the host's join-request list.
		collaborators := make([]Collaborator, 0, len(m.Entries))
		for _, entry := range m.Entries {
			if entry.Status != store.ParticipantApproved && !entry.IsHost {
				continue
			}
			collaborators = append(collaborators, Collaborator{
				UserID:   entry.UserID,
				FullName: entry.FullName,
				Rank:     entry.Rank,
				IsHost:   entry.IsHost,
			})
		}
		c.collaborators = collaborators

	case channel.JoinRequest:
		if c.role != RoleHost {
			return nil
		}
		// Reconnects re-broadcast their request; keep one entry per
		// participant id.
		for _, pending := range c.pending {
			if pending.ParticipantID == m.ParticipantID {
				return nil
			}
		}
		c.pending = append(c.pending, PendingJoin{
			ParticipantID: m.ParticipantID,
			UserID:        m.UserID,
			FullName:      m.FullName,
			RequestedAt:   m.RequestedAt,
		})

	case channel.JoinApproved:
		c.removePendingLocked(m.ParticipantID)
		if m.ParticipantID == c.participantID && c.state == StateAwaitingApproval {
			c.joinStatus = store.ParticipantApproved
			c.state = StateInSession
			code := c.sessionCode
			identity := c.identity
			transport := c.transport
			effects = append(effects, func() {
				// Re-announce presence so peers see this client as online.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := transport.Track(ctx, code, channel.PresenceEntry{
					UserID:   identity.UserID,
					FullName: identity.FullName,
					Rank:     identity.Rank,
					Status:   store.ParticipantApproved,
				}); err != nil {
					log.Printf("collab: presence re-track failed: %v", err)
				}
			})
		}

	case channel.JoinRejected:
		c.removePendingLocked(m.ParticipantID)
		if m.ParticipantID == c.participantID && c.state == StateAwaitingApproval {
			c.joinStatus = store.ParticipantRejected
			effects = append(effects, c.teardown)
		}

	case channel.SessionEnded:
		effects = append(effects, c.teardown)

	case channel.StateUpdate:
		// Last broadcast wins, wholesale; no field-level merge. A guest still
		// awaiting approval applies broadcasts too, so it enters the session
		// with the current draft rather than the stale durable row.
		if c.state == StateHosting || c.state == StateInSession || c.state == StateAwaitingApproval {
			c.workspace = m.State
		}
	}
	return effects
}

func (c *Coordinator) removePendingLocked(participantID string) {
	for i, pending := range c.pending {
		if pending.ParticipantID == participantID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// ApproveJoinRequest admits a pending participant. Host-only; the broadcast,
// not the durable write, is what the guest reacts to. Safe to call twice for
// the same participant (both writes land on the same terminal value).
func (c *Coordinator) ApproveJoinRequest(ctx context.Context, participantID string) error {
	c.mu.Lock()
	if c.role != RoleHost || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	code := c.sessionCode
	c.mu.Unlock()

	if err := c.store.UpdateParticipantStatus(ctx, participantID, store.ParticipantApproved, nil); err != nil {
		return c.fail(collabError(CodeStoreUnavailable, "approve participant: %v", err))
	}
	if err := c.transport.Send(ctx, code, channel.JoinApproved{ParticipantID: participantID}); err != nil {
		return c.fail(collabError(CodeChannelUnavailable, "broadcast approval: %v", err))
	}
	c.mu.Lock()
	c.removePendingLocked(participantID)
	c.mu.Unlock()
	c.notify()
	return nil
}

// RejectJoinRequest turns a pending participant away. Terminal for that row;
// a later retry by the same user starts over with a fresh one.
func (c *Coordinator) RejectJoinRequest(ctx context.Context, participantID string) error {
	c.mu.Lock()
	if c.role != RoleHost || c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	code := c.sessionCode
	c.mu.Unlock()

	now := time.Now()
	if err := c.store.UpdateParticipantStatus(ctx, participantID, store.ParticipantRejected, &now); err != nil {
		return c.fail(collabError(CodeStoreUnavailable, "reject participant: %v", err))
	}
	if err := c.transport.Send(ctx, code, channel.JoinRejected{ParticipantID: participantID}); err != nil {
		return c.fail(collabError(CodeChannelUnavailable, "broadcast rejection: %v", err))
	}
	c.mu.Lock()
	c.removePendingLocked(participantID)
	c.mu.Unlock()
	c.notify()
	return nil
}
