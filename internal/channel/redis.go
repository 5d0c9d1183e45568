package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel implements the realtime transport on Redis: one pub/sub topic
// per session code plus a hash holding the presence registry.
type RedisChannel struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(redisURL string, presenceTTL time.Duration) (*RedisChannel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisChannel{client: client, presenceTTL: presenceTTL}, nil
}

// NewRedisChannelWithClient wraps an existing client, used by tests.
func NewRedisChannelWithClient(client *redis.Client, presenceTTL time.Duration) *RedisChannel {
	return &RedisChannel{client: client, presenceTTL: presenceTTL}
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}

func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func topicKey(code string) string {
	return "collab:topic:" + strings.ToUpper(code)
}

func presenceKey(code string) string {
	return "collab:presence:" + strings.ToUpper(code)
}

// Subscription pumps decoded messages from one session topic. Close is
// idempotent; the Events channel is closed once the pump drains.
type Subscription struct {
	events chan Message
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *Subscription) Events() <-chan Message { return s.events }

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe opens the session topic and starts the message pump. Presence
// pings are expanded into full registry snapshots before delivery, so
// consumers only ever see typed messages.
func (c *RedisChannel) Subscribe(ctx context.Context, code string) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, topicKey(code))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topicKey(code), err)
	}

	sub := &Subscription{
		events: make(chan Message, 64),
		pubsub: pubsub,
	}
	go func() {
		defer close(sub.events)
		for raw := range pubsub.Channel() {
			msg, err := decode([]byte(raw.Payload))
			if err != nil {
				log.Printf("channel: dropping malformed broadcast on %s: %v", raw.Channel, err)
				continue
			}
			if msg == nil {
				continue
			}
			if _, ok := msg.(PresenceSync); ok {
				entries, err := c.PresenceSnapshot(context.Background(), code)
				if err != nil {
					log.Printf("channel: presence snapshot failed on %s: %v", raw.Channel, err)
					continue
				}
				msg = PresenceSync{Entries: entries}
			}
			select {
			case sub.events <- msg:
			default:
				// Slow consumer; drop rather than stall the pump. The
				// transport promises best-effort delivery only.
			}
		}
	}()
	return sub, nil
}

// Send broadcasts one message to every current subscriber of the session
// topic. Messages sent while a peer is disconnected are lost to that peer.
func (c *RedisChannel) Send(ctx context.Context, code string, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, topicKey(code), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.event(), err)
	}
	return nil
}

// Track announces or refreshes this client's presence entry and pings every
// subscriber to re-sync.
func (c *RedisChannel) Track(ctx context.Context, code string, entry PresenceEntry) error {
	entry.ExpiresAt = time.Now().Add(c.presenceTTL)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	key := presenceKey(code)
	if err := c.client.HSet(ctx, key, entry.UserID, data).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	// Keep the registry itself from outliving an abandoned session.
	_ = c.client.Expire(ctx, key, 2*c.presenceTTL).Err()
	return c.Send(ctx, code, PresenceSync{})
}

// Untrack withdraws this client's presence entry.
func (c *RedisChannel) Untrack(ctx context.Context, code, userID string) error {
	if err := c.client.HDel(ctx, presenceKey(code), userID).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return c.Send(ctx, code, PresenceSync{})
}

// PresenceSnapshot reads the current registry, dropping entries whose
// liveness deadline has passed (a crashed peer never untracks itself).
func (c *RedisChannel) PresenceSnapshot(ctx context.Context, code string) ([]PresenceEntry, error) {
	raw, err := c.client.HGetAll(ctx, presenceKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	now := time.Now()
	entries := make([]PresenceEntry, 0, len(raw))
	for _, data := range raw {
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(now) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

// ClearPresence drops the whole registry, used when a session ends.
func (c *RedisChannel) ClearPresence(ctx context.Context, code string) error {
	if err := c.client.Del(ctx, presenceKey(code)).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}
