package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server accepts websocket connections over HTTP and hands each one to the
// hub. Origin checks belong to the deployment's edge, not the relay.
type Server struct {
	hub        *Hub
	log        *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(address string, hub *Hub, log *slog.Logger) *Server {
	s := &Server{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: address, Handler: mux}
	return s
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.hub.Attach(conn)
}

// Handler exposes the HTTP handler, mainly so tests can mount it on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
