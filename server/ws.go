package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portalis/dirimport/progress"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host tooling traffic, not a browser application
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is the message shape the duplex transport accepts from the peer
type wsCommand struct {
	Type string `json:"type"`
}

// wsAdapter delivers events over a WebSocket connection. The duplex-socket
// kind: the peer can also send ping and cancel commands back.
type wsAdapter struct {
	conn *websocket.Conn

	mu     sync.Mutex // Serializes writes from Deliver, pings, and pong replies
	closed chan struct{}
	once   sync.Once
}

func newWSAdapter(conn *websocket.Conn) *wsAdapter {
	return &wsAdapter{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (a *wsAdapter) Kind() progress.ChannelKind {
	return progress.KindDuplexSocket
}

func (a *wsAdapter) Deliver(ev progress.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(ev)
}

func (a *wsAdapter) writeControl(messageType int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(messageType, nil)
}

func (a *wsAdapter) writeJSON(v interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(v)
}

func (a *wsAdapter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// handleWebSocket attaches the caller to a session as a duplex-socket
// observer. Events flow out through the broker's drain goroutine; ping and
// cancel commands flow back in on this handler's read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			"session_id", shortID(sess.ID),
			"error", err,
		)
		return
	}

	obsID := observerID(r)
	adapter := newWSAdapter(conn)
	sess.Broker().Attach(obsID, adapter)

	s.logger.Debugw("WebSocket observer attached",
		"session_id", shortID(sess.ID),
		"observer_id", shortID(obsID),
	)

	// Ping ticker keeps the connection alive through idle stretches
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-adapter.closed:
				return
			case <-s.ctx.Done():
				sess.Broker().Detach(obsID)
				return
			case <-ticker.C:
				if err := adapter.writeControl(websocket.PingMessage); err != nil {
					sess.Broker().Detach(obsID)
					return
				}
			}
		}
	}()

	// Read loop, on the handler goroutine. Exits when the peer goes away or
	// the adapter is closed after the terminal event.
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			sess.Broker().Detach(obsID)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch cmd.Type {
		case "ping":
			adapter.writeJSON(map[string]string{"type": "pong"})
		case "cancel":
			if err := s.registry.Cancel(sess.ID); err != nil {
				adapter.writeJSON(map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			adapter.writeJSON(map[string]string{"type": "cancel_accepted"})
		}
	}
}
