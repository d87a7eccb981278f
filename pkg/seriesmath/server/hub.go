package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client is one websocket subscriber. Only its handler goroutine writes to
// conn; broadcasts go through send.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// sameOrigin accepts requests without an Origin header and requests whose
// origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ClientCount returns the number of connected websocket subscribers.
func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// reserve claims a subscriber slot for an upgrade in progress. Connected and
// upgrading subscribers together never exceed MaxClients.
func (s *Server) reserve() bool {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	if len(s.clients)+s.upgrading >= s.opts.MaxClients {
		return false
	}
	s.upgrading++
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clientsMutex.Lock()
		s.upgrading--
		s.clientsMutex.Unlock()
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.clientsMutex.Lock()
	s.upgrading--
	s.clients[c] = struct{}{}
	s.clientsMutex.Unlock()

	defer s.removeClient(c)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reading is required to notice disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read failed", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMutex.Lock()
	delete(s.clients, c)
	s.clientsMutex.Unlock()
}

// broadcastMessage queues msg for every subscriber. A subscriber whose queue
// is full is disconnected.
func (s *Server) broadcastMessage(msg message) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshaling websocket message", slog.Any("error", err))
		return
	}

	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(s.clients, c)
		}
	}
}
