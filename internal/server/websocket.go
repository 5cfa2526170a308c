package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/coderun/internal/protocol"
	"github.com/michaelbrown/coderun/internal/session"
)

const (
	// maxMessageBytes bounds one inbound message, which carries whole programs.
	maxMessageBytes = 1 << 20
	writeTimeout    = 10 * time.Second
)

// wsConn adapts a websocket connection to session.Conn. Output and status
// messages are written from execution goroutines, so writes are serialized.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	wc := &wsConn{conn: conn}
	sess := session.New(s.env, wc)
	log := s.log.WithField("session", sess.ID)

	s.sessions.Add(sess, wc)
	log.Infof("Session opened from %s", r.RemoteAddr)

	// Removing the session terminates any active run and removes its workspace.
	defer func() {
		s.sessions.Remove(sess.ID)
		log.Info("Session closed")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("websocket read error: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		sess.OnMessage(data)
	}
}
