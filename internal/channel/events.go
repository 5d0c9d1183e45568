// Package channel provides the realtime transport for collaborative editing
// sessions: per-session broadcast topics and an ephemeral presence registry,
// both backed by Redis.
package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

// Message is the tagged union of everything that can arrive on a session
// topic. Receivers switch exhaustively on the concrete type.
type Message interface {
	event() string
}

const (
	eventJoinRequest  = "join_request"
	eventJoinApproved = "join_approved"
	eventJoinRejected = "join_rejected"
	eventStateUpdate  = "state_update"
	eventSessionEnded = "session_ended"
	eventPresence     = "presence"
)

// JoinRequest announces that a user wants to enter the session. Only the host
// acts on it.
type JoinRequest struct {
	ParticipantID string    `json:"participantId"`
	UserID        string    `json:"userId"`
	FullName      string    `json:"fullName"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func (JoinRequest) event() string { return eventJoinRequest }

// JoinApproved is addressed to one pending participant by id.
type JoinApproved struct {
	ParticipantID string `json:"participantId"`
}

func (JoinApproved) event() string { return eventJoinApproved }

// JoinRejected is addressed to one pending participant by id.
type JoinRejected struct {
	ParticipantID string `json:"participantId"`
}

func (JoinRejected) event() string { return eventJoinRejected }

// StateUpdate carries the full workspace state; receivers adopt it wholesale
// (last broadcast wins).
type StateUpdate struct {
	State store.WorkspaceState `json:"state"`
}

func (StateUpdate) event() string { return eventStateUpdate }

// SessionEnded tears the session down for every subscriber.
type SessionEnded struct {
	EndedBy string `json:"endedBy"`
}

func (SessionEnded) event() string { return eventSessionEnded }

// PresenceEntry is one announced client in a session's ephemeral registry.
type PresenceEntry struct {
	UserID    string                  `json:"userId"`
	FullName  string                  `json:"fullName"`
	Rank      string                  `json:"rank"`
	IsHost    bool                    `json:"isHost"`
	Status    store.ParticipantStatus `json:"status"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

// PresenceSync delivers the rebuilt presence registry after any track or
// untrack. It is synthesized locally from a snapshot read, never sent as a
// payload itself.
type PresenceSync struct {
	Entries []PresenceEntry
}

func (PresenceSync) event() string { return eventPresence }

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(msg Message) ([]byte, error) {
	var payload json.RawMessage
	switch msg.(type) {
	case PresenceSync:
		// Presence changes are signaled by event name alone; subscribers
		// re-read the registry.
	default:
		encoded, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msg.event(), err)
		}
		payload = encoded
	}
	data, err := json.Marshal(envelope{Event: msg.event(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msg.event(), err)
	}
	return data, nil
}

// decode returns (nil, nil) for events this client does not understand;
// unknown broadcasts are dropped, not fatal.
func decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Event {
	case eventJoinRequest:
		var msg JoinRequest
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal join_request: %w", err)
		}
		return msg, nil
	case eventJoinApproved:
		var msg JoinApproved
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal join_approved: %w", err)
		}
		return msg, nil
	case eventJoinRejected:
		var msg JoinRejected
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal join_rejected: %w", err)
		}
		return msg, nil
	case eventStateUpdate:
		var msg StateUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal state_update: %w", err)
		}
		return msg, nil
	case eventSessionEnded:
		var msg SessionEnded
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal session_ended: %w", err)
		}
		return msg, nil
	case eventPresence:
		return PresenceSync{}, nil
	default:
		return nil, nil
	}
}
