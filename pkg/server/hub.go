package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chat-relay/pkg/store"
)

// MessageStore is the durable log the hub writes to before broadcasting.
type MessageStore interface {
	Append(ctx context.Context, msg store.Message) error
	UpdateBody(ctx context.Context, id, body string) error
	Delete(ctx context.Context, id string) error
	FindUserHistory(ctx context.Context, username string) ([]store.Message, error)
	FindAllGroupMessages(ctx context.Context) ([]store.Message, error)
}

// Hub is the routing engine: it owns the live session set, the presence
// table and the group registry, and decides which sessions receive each
// outbound event. Inbound events reach it through a dispatch table keyed
// by event name.
type Hub struct {
	log      *slog.Logger
	store    MessageStore
	presence *Presence
	groups   *Groups

	mu       sync.RWMutex
	sessions map[string]*Session

	sendBuffer int

	// rebroadcast picks the audience for edit/delete events. The default
	// is every live session; a conversation-aware policy can replace it
	// without touching the handlers.
	rebroadcast func() []*Session

	handlers map[string]func(*Session, json.RawMessage)
}

func NewHub(log *slog.Logger, messages MessageStore, presence *Presence, groups *Groups, sendBuffer int) *Hub {
	h := &Hub{
		log:        log,
		store:      messages,
		presence:   presence,
		groups:     groups,
		sessions:   make(map[string]*Session),
		sendBuffer: sendBuffer,
	}
	h.rebroadcast = h.allSessions
	h.handlers = map[string]func(*Session, json.RawMessage){
		EventLogin:            h.handleLogin,
		EventJoinGroup:        h.handleJoinGroup,
		EventSendMessage:      h.handleSendMessage,
		EventSendGroupMessage: h.handleSendGroupMessage,
		EventEditMessage:      h.handleEditMessage,
		EventDeleteMessage:    h.handleDeleteMessage,
		EventTyping:           h.handleTyping,
	}
	return h
}

// Attach wraps an accepted websocket in a session and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn) *Session {
	s := newSession(h, conn)
	h.register(s)
	go s.writePump()
	go s.readPump()
	h.log.Info("session connected", "session", s.ID)
	return s
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Disconnect is the single cleanup path: drop the session, clear its
// presence and group entries, and tell everyone left who is still online.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	h.mu.Unlock()

	h.presence.Remove(s.ID)
	h.groups.Leave(s.ID)
	s.close()
	h.log.Info("session disconnected", "session", s.ID, "username", s.Username)
	h.broadcastPresence()
}

// Dispatch routes one inbound frame to its handler. Handlers run on the
// session's read loop, so a connection's events apply in arrival order.
func (h *Hub) Dispatch(s *Session, env Envelope) {
	handler, ok := h.handlers[env.Event]
	if !ok {
		h.log.Warn("unknown event", "event", env.Event, "session", s.ID)
		return
	}
	handler(s, env.Data)
}

func (h *Hub) handleLogin(s *Session, data json.RawMessage) {
	var username string
	if err := json.Unmarshal(data, &username); err != nil || username == "" {
		h.log.Warn("bad login payload", "session", s.ID, "error", err)
		return
	}
	s.Username = username
	h.presence.Set(s.ID, username)
	h.log.Info("logged in", "session", s.ID, "username", username)
	h.broadcastPresence()

	ctx := context.Background()
	history, err := h.store.FindUserHistory(ctx, username)
	if err != nil {
		h.log.Error("load message history", "username", username, "error", err)
	} else {
		s.Deliver(EventMessageHistory, history)
	}
	groupHistory, err := h.store.FindAllGroupMessages(ctx)
	if err != nil {
		h.log.Error("load group history", "username", username, "error", err)
	} else {
		s.Deliver(EventGroupHistory, groupHistory)
	}
}

func (h *Hub) handleJoinGroup(s *Session, data json.RawMessage) {
	var groupName string
	if err := json.Unmarshal(data, &groupName); err != nil || groupName == "" {
		h.log.Warn("bad join_group payload", "session", s.ID, "error", err)
		return
	}
	h.groups.Join(groupName, s.ID)
	h.log.Info("joined group", "session", s.ID, "username", s.Username, "group", groupName)
}

func (h *Hub) handleSendMessage(s *Session, data json.RawMessage) {
	var msg store.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("bad send_message payload", "session", s.ID, "error", err)
		return
	}
	if msg.Recipient == "" {
		// no counterpart chosen: a private note to self
		msg.Recipient = msg.Author
	}
	if err := h.store.Append(context.Background(), msg); err != nil {
		// never broadcast a message the store did not take
		h.log.Error("store message", "id", msg.ID, "error", err)
		return
	}
	targets := append(h.presence.ConnectionsFor(msg.Author), h.presence.ConnectionsFor(msg.Recipient)...)
	for _, peer := range h.sessionsByID(lo.Uniq(targets)) {
		peer.Deliver(EventReceiveMessage, msg)
	}
}

func (h *Hub) handleSendGroupMessage(s *Session, data json.RawMessage) {
	var msg store.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("bad send_group_message payload", "session", s.ID, "error", err)
		return
	}
	if err := h.store.Append(context.Background(), msg); err != nil {
		h.log.Error("store group message", "id", msg.ID, "group", msg.Group, "error", err)
		return
	}
	for _, member := range h.sessionsByID(h.groups.MembersOf(msg.Group)) {
		member.Deliver(EventReceiveGroupMessage, msg)
	}
}

func (h *Hub) handleEditMessage(s *Session, data json.RawMessage) {
	var edit EditPayload
	if err := json.Unmarshal(data, &edit); err != nil {
		h.log.Warn("bad edit_message payload", "session", s.ID, "error", err)
		return
	}
	if err := h.store.UpdateBody(context.Background(), edit.ID, edit.Body); err != nil {
		// logged only; the requester gets no error and no broadcast goes out
		h.log.Warn("edit failed", "id", edit.ID, "requester", edit.Requester, "error", err)
		return
	}
	for _, peer := range h.rebroadcast() {
		peer.Deliver(EventMessageEdited, edit)
	}
}

func (h *Hub) handleDeleteMessage(s *Session, data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		h.log.Warn("bad delete_message payload", "session", s.ID, "error", err)
		return
	}
	if err := h.store.Delete(context.Background(), id); err != nil {
		h.log.Warn("delete failed", "id", id, "error", err)
		return
	}
	for _, peer := range h.rebroadcast() {
		peer.Deliver(EventMessageDeleted, id)
	}
}

func (h *Hub) handleTyping(s *Session, data json.RawMessage) {
	var username string
	if err := json.Unmarshal(data, &username); err != nil {
		h.log.Warn("bad typing payload", "session", s.ID, "error", err)
		return
	}
	for _, peer := range h.allSessions() {
		if peer.ID == s.ID {
			continue
		}
		peer.Deliver(EventTyping, username)
	}
}

// broadcastPresence sends the deduplicated online username set to every
// live session.
func (h *Hub) broadcastPresence() {
	users := h.presence.Usernames()
	for _, peer := range h.allSessions() {
		peer.Deliver(EventOnlineUsers, users)
	}
}

func (h *Hub) allSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) sessionsByID(ids []string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}
