package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

func setupTestChannel(t *testing.T) *RedisChannel {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisChannelWithClient(client, time.Minute)
}

func waitMessage(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before message arrived")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSendDeliversToAllSubscribers(t *testing.T) {
	c := setupTestChannel(t)
	ctx := context.Background()

	first, err := c.Subscribe(ctx, "ABC123")
	if err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	defer first.Close()
	second, err := c.Subscribe(ctx, "abc123") // codes are case-insensitive
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}
	defer second.Close()

	sent := JoinRequest{
		ParticipantID: "p-1",
		UserID:        "u-1",
		FullName:      "Alex Kim",
		RequestedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := c.Send(ctx, "ABC123", sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, sub := range []*Subscription{first, second} {
		msg := waitMessage(t, sub)
		got, ok := msg.(JoinRequest)
		if !ok {
			t.Fatalf("expected JoinRequest, got %T", msg)
		}
		if got.ParticipantID != sent.ParticipantID || got.UserID != sent.UserID || got.FullName != sent.FullName {
			t.Errorf("join request mismatch: got %+v want %+v", got, sent)
		}
	}
}

func TestStateUpdateRoundTrip(t *testing.T) {
	c := setupTestChannel(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "CODE99")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	cursor := 42
	if err := c.Send(ctx, "CODE99", StateUpdate{State: store.WorkspaceState{
		DraftText:      "Led 12-member team",
		CursorPosition: &cursor,
		LastEditedBy:   "u-host",
	}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := waitMessage(t, sub)
	got, ok := msg.(StateUpdate)
	if !ok {
		t.Fatalf("expected StateUpdate, got %T", msg)
	}
	if got.State.DraftText != "Led 12-member team" {
		t.Errorf("draft text mismatch: %q", got.State.DraftText)
	}
	if got.State.CursorPosition == nil || *got.State.CursorPosition != 42 {
		t.Errorf("cursor position mismatch: %v", got.State.CursorPosition)
	}
	if got.State.LastEditedBy != "u-host" {
		t.Errorf("last edited by mismatch: %q", got.State.LastEditedBy)
	}
}

func TestTrackPublishesPresenceSync(t *testing.T) {
	c := setupTestChannel(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "XYZ789")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := c.Track(ctx, "XYZ789", PresenceEntry{
		UserID:   "u-host",
		FullName: "Jordan Reyes",
		Rank:     "MSgt",
		IsHost:   true,
		Status:   store.ParticipantApproved,
	}); err != nil {
		t.Fatalf("track: %v", err)
	}

	msg := waitMessage(t, sub)
	sync, ok := msg.(PresenceSync)
	if !ok {
		t.Fatalf("expected PresenceSync, got %T", msg)
	}
	if len(sync.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sync.Entries))
	}
	entry := sync.Entries[0]
	if entry.UserID != "u-host" || !entry.IsHost || entry.Rank != "MSgt" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.ExpiresAt.IsZero() {
		t.Error("expected a liveness deadline on the tracked entry")
	}

	if err := c.Untrack(ctx, "XYZ789", "u-host"); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	msg = waitMessage(t, sub)
	sync, ok = msg.(PresenceSync)
	if !ok {
		t.Fatalf("expected PresenceSync, got %T", msg)
	}
	if len(sync.Entries) != 0 {
		t.Errorf("expected empty registry after untrack, got %d entries", len(sync.Entries))
	}
}

func TestPresenceSnapshotSkipsExpiredEntries(t *testing.T) {
	c := setupTestChannel(t)
	ctx := context.Background()

	stale, err := json.Marshal(PresenceEntry{
		UserID:    "u-gone",
		FullName:  "Long Gone",
		Status:    store.ParticipantApproved,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.client.HSet(ctx, presenceKey("DEAD42"), "u-gone", stale).Err(); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	entries, err := c.PresenceSnapshot(ctx, "DEAD42")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected stale entry to be dropped, got %d entries", len(entries))
	}
}

func TestUnknownEventsAreDropped(t *testing.T) {
	c := setupTestChannel(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "MIX001")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := c.client.Publish(ctx, topicKey("MIX001"), `{"event":"mystery","payload":{}}`).Err(); err != nil {
		t.Fatalf("publish unknown: %v", err)
	}
	if err := c.Send(ctx, "MIX001", SessionEnded{EndedBy: "u-host"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := waitMessage(t, sub)
	ended, ok := msg.(SessionEnded)
	if !ok {
		t.Fatalf("expected the unknown event to be skipped, got %T", msg)
	}
	if ended.EndedBy != "u-host" {
		t.Errorf("unexpected payload: %+v", ended)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	c := setupTestChannel(t)
	sub, err := c.Subscribe(context.Background(), "BYE123")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected events channel to be closed")
		}
	case <-time.After(3 * time.Second):
		t.Error("events channel did not close")
	}
}
