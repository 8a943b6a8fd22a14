package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *store.RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "could not start miniredis")
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	messages := store.NewRedisStore(client)
	return NewHub(testLogger(), messages, NewPresence(), NewGroups(), 16), messages
}

// connect registers a session without a transport; its queued frames are
// read straight off the send channel.
func connect(h *Hub) *Session {
	s := newSession(h, nil)
	h.register(s)
	return s
}

func dispatch(t *testing.T, h *Hub, s *Session, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h.Dispatch(s, Envelope{Event: event, Data: raw})
}

func login(t *testing.T, h *Hub, s *Session, username string) {
	t.Helper()
	dispatch(t, h, s, EventLogin, username)
}

// drain empties the session's queue and returns everything that was in it.
func drain(s *Session) []Envelope {
	var out []Envelope
	for {
		select {
		case frame := <-s.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				panic(err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventsNamed(envs []Envelope, name string) []Envelope {
	var out []Envelope
	for _, env := range envs {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func TestLoginBroadcastsDedupedOnlineUsers(t *testing.T) {
	h, _ := newTestHub(t)
	a, b, c := connect(h), connect(h), connect(h)

	login(t, h, a, "alice")
	login(t, h, b, "alice") // same person, second device
	login(t, h, c, "bob")

	for _, s := range []*Session{a, b, c} {
		online := eventsNamed(drain(s), EventOnlineUsers)
		require.NotEmpty(t, online)
		var users []string
		require.NoError(t, json.Unmarshal(online[len(online)-1].Data, &users))
		assert.Equal(t, []string{"alice", "bob"}, users)
	}
}

func TestLoginDeliversHistories(t *testing.T) {
	h, messages := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, messages.Append(ctx, store.Message{ID: "1", Author: "bob", Recipient: "alice", Body: "hi"}))
	require.NoError(t, messages.Append(ctx, store.Message{ID: "2", Author: "carol", Group: "Study", Body: "anyone?"}))
	require.NoError(t, messages.Append(ctx, store.Message{ID: "3", Author: "bob", Recipient: "carol", Body: "not hers"}))

	a := connect(h)
	login(t, h, a, "alice")

	envs := drain(a)
	require.Len(t, envs, 3)
	assert.Equal(t, EventOnlineUsers, envs[0].Event)
	assert.Equal(t, EventMessageHistory, envs[1].Event)
	assert.Equal(t, EventGroupHistory, envs[2].Event)

	var history []store.Message
	require.NoError(t, json.Unmarshal(envs[1].Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "1", history[0].ID)

	var groupHistory []store.Message
	require.NoError(t, json.Unmarshal(envs[2].Data, &groupHistory))
	require.Len(t, groupHistory, 1)
	assert.Equal(t, "2", groupHistory[0].ID)
}

func TestPrivateMessageRouting(t *testing.T) {
	h, _ := newTestHub(t)
	a, b, c := connect(h), connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	login(t, h, c, "carol")
	for _, s := range []*Session{a, b, c} {
		drain(s)
	}

	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "bob", Body: "hi"})

	for _, s := range []*Session{a, b} {
		received := eventsNamed(drain(s), EventReceiveMessage)
		require.Len(t, received, 1)
		var msg store.Message
		require.NoError(t, json.Unmarshal(received[0].Data, &msg))
		assert.Equal(t, store.Message{ID: "1", Author: "alice", Recipient: "bob", Body: "hi"}, msg)
	}
	assert.Empty(t, drain(c), "uninvolved connection must receive nothing")
}

func TestSelfSendDefaultsRecipientToAuthor(t *testing.T) {
	h, messages := newTestHub(t)
	a := connect(h)
	login(t, h, a, "alice")
	drain(a)

	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Body: "note to self"})

	received := eventsNamed(drain(a), EventReceiveMessage)
	require.Len(t, received, 1)
	var msg store.Message
	require.NoError(t, json.Unmarshal(received[0].Data, &msg))
	assert.Equal(t, "alice", msg.Recipient)

	stored, err := messages.FindPrivateHistory(context.Background(), "alice", "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].Recipient)
}

func TestDuplicateMessageIDNotBroadcast(t *testing.T) {
	h, messages := newTestHub(t)
	a := connect(h)
	login(t, h, a, "alice")
	drain(a)

	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "alice", Body: "first"})
	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "alice", Body: "second"})

	received := eventsNamed(drain(a), EventReceiveMessage)
	assert.Len(t, received, 1, "the colliding send must not be broadcast")

	stored, err := messages.FindPrivateHistory(context.Background(), "alice", "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "first", stored[0].Body)
}

func TestGroupMessageRouting(t *testing.T) {
	h, _ := newTestHub(t)
	a, b, c := connect(h), connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	login(t, h, c, "carol")
	dispatch(t, h, a, EventJoinGroup, "Study")
	dispatch(t, h, b, EventJoinGroup, "Study")
	dispatch(t, h, c, EventJoinGroup, "Chill")
	for _, s := range []*Session{a, b, c} {
		drain(s)
	}

	dispatch(t, h, a, EventSendGroupMessage, store.Message{ID: "1", Author: "alice", Group: "Study", Body: "hello group"})

	for _, s := range []*Session{a, b} {
		received := eventsNamed(drain(s), EventReceiveGroupMessage)
		require.Len(t, received, 1)
		var msg store.Message
		require.NoError(t, json.Unmarshal(received[0].Data, &msg))
		assert.Equal(t, "Study", msg.Group)
	}
	assert.Empty(t, eventsNamed(drain(c), EventReceiveGroupMessage))
}

func TestEditBroadcastsToAllAndIsIdempotent(t *testing.T) {
	h, messages := newTestHub(t)
	a, b := connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "alice", Body: "typo"})
	for _, s := range []*Session{a, b} {
		drain(s)
	}

	edit := EditPayload{ID: "1", Body: "fixed", Requester: "alice"}
	dispatch(t, h, a, EventEditMessage, edit)
	dispatch(t, h, a, EventEditMessage, edit)

	// edits go to everyone, conversation member or not, once per edit
	for _, s := range []*Session{a, b} {
		edited := eventsNamed(drain(s), EventMessageEdited)
		require.Len(t, edited, 2)
		var got EditPayload
		require.NoError(t, json.Unmarshal(edited[0].Data, &got))
		assert.Equal(t, edit, got)
	}

	stored, err := messages.FindPrivateHistory(context.Background(), "alice", "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "fixed", stored[0].Body)
}

func TestDeleteBroadcastsToAll(t *testing.T) {
	h, messages := newTestHub(t)
	a, b := connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	dispatch(t, h, a, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "alice", Body: "gone soon"})
	for _, s := range []*Session{a, b} {
		drain(s)
	}

	dispatch(t, h, b, EventDeleteMessage, "1") // no ownership check, bob may delete alice's message

	for _, s := range []*Session{a, b} {
		deleted := eventsNamed(drain(s), EventMessageDeleted)
		require.Len(t, deleted, 1)
		var id string
		require.NoError(t, json.Unmarshal(deleted[0].Data, &id))
		assert.Equal(t, "1", id)
	}

	stored, err := messages.FindPrivateHistory(context.Background(), "alice", "alice")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestEditDeleteOfMissingIDProducesNoBroadcast(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	for _, s := range []*Session{a, b} {
		drain(s)
	}

	dispatch(t, h, a, EventEditMessage, EditPayload{ID: "missing", Body: "nope"})
	dispatch(t, h, a, EventDeleteMessage, "missing")

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
}

func TestTypingExcludesSender(t *testing.T) {
	h, _ := newTestHub(t)
	a, b, c := connect(h), connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	login(t, h, c, "carol")
	for _, s := range []*Session{a, b, c} {
		drain(s)
	}

	dispatch(t, h, a, EventTyping, "alice")

	assert.Empty(t, eventsNamed(drain(a), EventTyping))
	for _, s := range []*Session{b, c} {
		typing := eventsNamed(drain(s), EventTyping)
		require.Len(t, typing, 1)
		var username string
		require.NoError(t, json.Unmarshal(typing[0].Data, &username))
		assert.Equal(t, "alice", username)
	}
}

func TestDisconnectCleansUpAndReBroadcastsPresence(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := connect(h), connect(h)
	login(t, h, a, "alice")
	login(t, h, b, "bob")
	dispatch(t, h, a, EventJoinGroup, "Study")
	for _, s := range []*Session{a, b} {
		drain(s)
	}

	h.Disconnect(a)

	assert.Empty(t, h.groups.MembersOf("Study"))
	assert.Equal(t, []string{"bob"}, h.presence.Usernames())

	online := eventsNamed(drain(b), EventOnlineUsers)
	require.Len(t, online, 1)
	var users []string
	require.NoError(t, json.Unmarshal(online[0].Data, &users))
	assert.Equal(t, []string{"bob"}, users)

	h.Disconnect(a) // second disconnect of the same session is a no-op
	assert.Empty(t, drain(b))
}

func TestMultiDeviceDelivery(t *testing.T) {
	h, _ := newTestHub(t)
	a1, a2, b := connect(h), connect(h), connect(h)
	login(t, h, a1, "alice")
	login(t, h, a2, "alice")
	login(t, h, b, "bob")
	for _, s := range []*Session{a1, a2, b} {
		drain(s)
	}

	dispatch(t, h, a1, EventSendMessage, store.Message{ID: "1", Author: "alice", Recipient: "bob", Body: "hi"})

	// both of alice's tabs and bob see the message exactly once
	for _, s := range []*Session{a1, a2, b} {
		assert.Len(t, eventsNamed(drain(s), EventReceiveMessage), 1)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(h)
	login(t, h, a, "alice")
	drain(a)

	h.Dispatch(a, Envelope{Event: "no_such_event", Data: json.RawMessage(`{}`)})
	assert.Empty(t, drain(a))
}
