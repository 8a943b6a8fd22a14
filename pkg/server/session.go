package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Session is one live connection: the websocket it arrived on, the
// username bound at login, and a buffered outbound queue drained by its
// write pump. Username is written only by the session's own read loop;
// routing decisions read usernames from the presence table instead.
type Session struct {
	ID       string
	Username string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:   xid.New().String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.sendBuffer),
		log:  hub.log,
	}
}

// Deliver queues an outbound event for this session. A full queue drops
// the frame rather than blocking the broadcaster; the durable record will
// still replay on the next login.
func (s *Session) Deliver(event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		s.log.Error("encode outbound event", "event", event, "session", s.ID, "error", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		s.log.Warn("send queue full, dropping frame", "event", event, "session", s.ID)
	}
}

// readPump decodes inbound frames and hands them to the hub one at a time,
// which keeps events from the same connection strictly in order. A read
// error is the disconnect signal.
func (s *Session) readPump() {
	defer s.hub.Disconnect(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug("connection closed", "session", s.ID, "error", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed frame", "session", s.ID, "error", err)
			continue
		}
		s.hub.Dispatch(s, env)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for frame := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.log.Debug("write failed", "session", s.ID, "error", err)
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
}
