package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrDuplicateID is returned by Append when a message with the same id
	// already exists; the stored message is never overwritten.
	ErrDuplicateID = errors.New("store: duplicate message id")
	// ErrNotFound is returned by id-keyed operations when no message with
	// that id exists.
	ErrNotFound = errors.New("store: message not found")
)

const (
	seqKey    = "relay:seq"
	indexKey  = "relay:msg:index"
	msgPrefix = "relay:msg:"
)

// Message is a durable chat message. Exactly one of Recipient (private) or
// Group is set. ID is caller-generated and immutable; Time is the
// display-formatted timestamp supplied by the sender.
type Message struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Recipient string `json:"recipient,omitempty"`
	Group     string `json:"group,omitempty"`
	Body      string `json:"body"`
	Time      string `json:"time"`
}

// record is the persisted form: the wire message plus its insertion order,
// which never leaves the store.
type record struct {
	Message
	Seq int64 `json:"seq"`
}

// RedisStore keeps the message log in Redis: one SETNX-guarded JSON record
// per message and a sorted set mapping insertion order to id so scans come
// back oldest first.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Append persists msg under its caller-supplied id. A colliding id fails
// with ErrDuplicateID and leaves the existing message untouched.
func (s *RedisStore) Append(ctx context.Context, msg Message) error {
	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("append %q: next seq: %w", msg.ID, err)
	}
	data, err := json.Marshal(record{Message: msg, Seq: seq})
	if err != nil {
		return fmt.Errorf("append %q: marshal: %w", msg.ID, err)
	}
	created, err := s.client.SetNX(ctx, msgPrefix+msg.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("append %q: %w", msg.ID, err)
	}
	if !created {
		return fmt.Errorf("append %q: %w", msg.ID, ErrDuplicateID)
	}
	if err := s.client.ZAdd(ctx, indexKey, &redis.Z{Score: float64(seq), Member: msg.ID}).Err(); err != nil {
		return fmt.Errorf("append %q: index: %w", msg.ID, err)
	}
	return nil
}

// UpdateBody replaces the body of the message with the given id, keeping
// every other field and its insertion order.
func (s *RedisStore) UpdateBody(ctx context.Context, id, body string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	rec.Body = body
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("update %q: marshal: %w", id, err)
	}
	if err := s.client.Set(ctx, msgPrefix+id, data, 0).Err(); err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	return nil
}

// Delete removes the message permanently; there is no tombstone.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, msgPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	if removed == 0 {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	if err := s.client.ZRem(ctx, indexKey, id).Err(); err != nil {
		return fmt.Errorf("delete %q: index: %w", id, err)
	}
	return nil
}

// FindPrivateHistory returns the conversation between two usernames in
// either direction, oldest first.
func (s *RedisStore) FindPrivateHistory(ctx context.Context, userA, userB string) ([]Message, error) {
	return s.scan(ctx, func(m Message) bool {
		return (m.Author == userA && m.Recipient == userB) ||
			(m.Author == userB && m.Recipient == userA)
	})
}

// FindUserHistory returns every message the username authored or received,
// unfiltered by counterpart, oldest first. Used for replay at login.
func (s *RedisStore) FindUserHistory(ctx context.Context, username string) ([]Message, error) {
	return s.scan(ctx, func(m Message) bool {
		return m.Author == username || m.Recipient == username
	})
}

// FindAllGroupMessages returns every group message across all groups,
// oldest first. Per-group filtering is the consumer's responsibility.
func (s *RedisStore) FindAllGroupMessages(ctx context.Context) ([]Message, error) {
	return s.scan(ctx, func(m Message) bool {
		return m.Group != ""
	})
}

func (s *RedisStore) get(ctx context.Context, id string) (record, error) {
	var rec record
	data, err := s.client.Get(ctx, msgPrefix+id).Result()
	if err == redis.Nil {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal: %w", err)
	}
	return rec, nil
}

// scan walks the insertion-order index and keeps messages matching the
// predicate.
func (s *RedisStore) scan(ctx context.Context, keep func(Message) bool) ([]Message, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	out := make([]Message, 0)
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = msgPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			// deleted between index read and fetch
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("scan unmarshal: %w", err)
		}
		if keep(rec.Message) {
			out = append(out, rec.Message)
		}
	}
	return out, nil
}
