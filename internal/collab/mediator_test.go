package collab

import (
	"testing"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/channel"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

// Reducer tests drive applyLocked directly: transitions are serialized and
// testable without a live transport.

func testCoordinator() *Coordinator {
	return NewCoordinator(store.NewMemoryStore(), nil, Identity{UserID: "u-me", FullName: "Robin Vale", Rank: "TSgt"}, Options{})
}

func TestReducerPresenceFiltersPending(t *testing.T) {
	c := testCoordinator()
	c.state = StateInSession

	c.applyLocked(channel.PresenceSync{Entries: []channel.PresenceEntry{
		{UserID: "u-host", FullName: "Jordan Reyes", IsHost: true, Status: store.ParticipantApproved},
		{UserID: "u-ok", FullName: "Casey Lin", Status: store.ParticipantApproved},
		{UserID: "u-wait", FullName: "Sam Okafor", Status: store.ParticipantPending},
	}})

	if len(c.collaborators) != 2 {
		t.Fatalf("expected 2 online collaborators, got %d", len(c.collaborators))
	}
	for _, collaborator := range c.collaborators {
		if collaborator.UserID == "u-wait" {
			t.Error("pending entry leaked into the online list")
		}
	}
}

func TestReducerJoinRequestsHostOnlyAndDeduped(t *testing.T) {
	c := testCoordinator()
	c.state = StateInSession
	c.role = RoleGuest

	request := channel.JoinRequest{ParticipantID: "p-1", UserID: "u-new", FullName: "New Person", RequestedAt: time.Now()}
	c.applyLocked(request)
	if len(c.pending) != 0 {
		t.Fatal("a guest must ignore join requests")
	}

	c.role = RoleHost
	c.state = StateHosting
	c.applyLocked(request)
	c.applyLocked(request) // reconnect re-broadcast
	if len(c.pending) != 1 {
		t.Fatalf("expected 1 deduped request, got %d", len(c.pending))
	}
	if c.pending[0].ParticipantID != "p-1" || c.pending[0].UserID != "u-new" {
		t.Errorf("unexpected pending entry: %+v", c.pending[0])
	}
}

func TestReducerApprovalIsForMeOnly(t *testing.T) {
	c := testCoordinator()
	c.state = StateAwaitingApproval
	c.participantID = "p-mine"
	c.joinStatus = store.ParticipantPending

	c.applyLocked(channel.JoinApproved{ParticipantID: "p-other"})
	if c.state != StateAwaitingApproval || c.joinStatus != store.ParticipantPending {
		t.Error("approval for another participant must not move this one")
	}

	effects := c.applyLocked(channel.JoinApproved{ParticipantID: "p-mine"})
	if c.state != StateInSession || c.joinStatus != store.ParticipantApproved {
		t.Errorf("expected in-session approved, got state=%s status=%s", c.state, c.joinStatus)
	}
	if len(effects) == 0 {
		t.Error("approval should schedule a presence re-track effect")
	}
}

func TestReducerStatusIsTerminal(t *testing.T) {
	c := testCoordinator()
	c.state = StateInSession
	c.participantID = "p-mine"
	c.joinStatus = store.ParticipantApproved

	// A stray rejection after approval must not reverse the terminal status.
	c.applyLocked(channel.JoinRejected{ParticipantID: "p-mine"})
	if c.joinStatus != store.ParticipantApproved || c.state != StateInSession {
		t.Errorf("approved is terminal, got state=%s status=%s", c.state, c.joinStatus)
	}
}

func TestReducerRejectionEndsPendingGuest(t *testing.T) {
	c := testCoordinator()
	c.state = StateAwaitingApproval
	c.participantID = "p-mine"
	c.joinStatus = store.ParticipantPending

	effects := c.applyLocked(channel.JoinRejected{ParticipantID: "p-mine"})
	if c.joinStatus != store.ParticipantRejected {
		t.Errorf("expected rejected, got %s", c.joinStatus)
	}
	for _, effect := range effects {
		effect()
	}
	if c.state != StateEnded {
		t.Errorf("rejection should end the local instance, got %s", c.state)
	}
}

func TestReducerSessionEndedClearsEverything(t *testing.T) {
	c := testCoordinator()
	c.state = StateInSession
	c.collaborators = []Collaborator{{UserID: "u-host"}}
	c.pending = []PendingJoin{{ParticipantID: "p-1"}}

	effects := c.applyLocked(channel.SessionEnded{EndedBy: "u-host"})
	for _, effect := range effects {
		effect()
	}
	if c.state != StateEnded {
		t.Errorf("expected ended, got %s", c.state)
	}
	if len(c.collaborators) != 0 || len(c.pending) != 0 {
		t.Error("teardown must clear presence and pending state")
	}

	// Receiving it again after teardown is a no-op.
	if effects := c.applyLocked(channel.SessionEnded{EndedBy: "u-host"}); len(effects) != 0 {
		t.Error("session_ended after teardown should do nothing")
	}
}

func TestReducerStateUpdateLastBroadcastWins(t *testing.T) {
	c := testCoordinator()
	c.state = StateInSession
	c.workspace = store.WorkspaceState{DraftText: "old", LastEditedBy: "u-me"}

	c.applyLocked(channel.StateUpdate{State: store.WorkspaceState{DraftText: "first", LastEditedBy: "u-a"}})
	c.applyLocked(channel.StateUpdate{State: store.WorkspaceState{DraftText: "second", LastEditedBy: "u-b"}})

	if c.workspace.DraftText != "second" || c.workspace.LastEditedBy != "u-b" {
		t.Errorf("last broadcast must win wholesale, got %+v", c.workspace)
	}

	// A peer outside the session ignores stray updates.
	c.state = StateEnded
	c.applyLocked(channel.StateUpdate{State: store.WorkspaceState{DraftText: "late"}})
	if c.workspace.DraftText != "second" {
		t.Error("updates after teardown must be ignored")
	}
}

func TestReducerStateUpdateReachesWaitingGuest(t *testing.T) {
	c := testCoordinator()
	c.state = StateAwaitingApproval
	c.participantID = "p-mine"
	c.joinStatus = store.ParticipantPending

	c.applyLocked(channel.StateUpdate{State: store.WorkspaceState{DraftText: "live draft", LastEditedBy: "u-host"}})
	if c.workspace.DraftText != "live draft" || c.workspace.LastEditedBy != "u-host" {
		t.Errorf("a guest awaiting approval must track broadcasts, got %+v", c.workspace)
	}
}

func TestReducerIgnoresBufferedEventsAfterEnd(t *testing.T) {
	c := testCoordinator()
	c.state = StateEnded
	c.role = RoleHost

	c.applyLocked(channel.PresenceSync{Entries: []channel.PresenceEntry{
		{UserID: "u-host", FullName: "Jordan Reyes", IsHost: true, Status: store.ParticipantApproved},
	}})
	if len(c.collaborators) != 0 {
		t.Error("a buffered presence event must not repopulate an ended instance")
	}

	c.applyLocked(channel.JoinRequest{ParticipantID: "p-1", UserID: "u-new", FullName: "New Person", RequestedAt: time.Now()})
	if len(c.pending) != 0 {
		t.Error("a buffered join request must not land on an ended instance")
	}
}
