package ws

import (
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"pairchat/internal/auth"
)

type Server struct {
	auth     *auth.AuthService
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.AuthService, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// token reads the bearer token from the header, the cookie or, since
// browsers cannot set headers on websocket requests, the query string.
func token(r *http.Request) string {
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	err = s.hub.Serve(r.Context(), conn, userID)
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Printf("websocket connection of %s timed out", userID)
	case err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		log.Printf("websocket connection of %s ended: %v", userID, err)
	}
}
