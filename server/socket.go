package server

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/progress"
)

// attachWait bounds how long a raw socket client gets to send its attach line
const attachWait = 10 * time.Second

// attachRequest is the single JSON line a raw socket client sends after
// connecting to pick the session it wants to observe
type attachRequest struct {
	SessionID  string `json:"session_id"`
	ObserverID string `json:"observer_id,omitempty"`
}

// socketAdapter delivers events as newline-delimited JSON over a plain TCP
// connection. The raw-socket kind: no HTTP framing, the last push transport
// before an observer is down to polling.
type socketAdapter struct {
	conn net.Conn

	mu     sync.Mutex
	enc    *json.Encoder
	closed chan struct{}
	once   sync.Once
}

func newSocketAdapter(conn net.Conn) *socketAdapter {
	return &socketAdapter{
		conn:   conn,
		enc:    json.NewEncoder(conn),
		closed: make(chan struct{}),
	}
}

func (a *socketAdapter) Kind() progress.ChannelKind {
	return progress.KindRawSocket
}

func (a *socketAdapter) Deliver(ev progress.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.enc.Encode(ev)
}

func (a *socketAdapter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// startSocketListener binds the raw TCP transport and accepts connections
// until shutdown
func (s *Server) startSocketListener() error {
	ln, err := net.Listen("tcp", s.cfg.Server.SocketAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind raw socket listener on %s", s.cfg.Server.SocketAddr)
	}
	s.socketLn = ln
	s.logger.Infow("Raw socket listening", "addr", s.cfg.Server.SocketAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return // Listener closed during shutdown
				default:
				}
				s.logger.Warnw("Raw socket accept failed", "error", err)
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveSocketConn(conn)
			}()
		}
	}()
	return nil
}

// serveSocketConn handles one raw socket observer: read the attach line,
// hook the connection into the session's broker, then hold it open until
// the terminal event or disconnect.
func (s *Server) serveSocketConn(conn net.Conn) {
	req, err := readAttachRequest(conn)
	if err != nil {
		json.NewEncoder(conn).Encode(map[string]string{"error": err.Error()})
		conn.Close()
		return
	}

	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		json.NewEncoder(conn).Encode(map[string]string{"error": err.Error()})
		conn.Close()
		return
	}

	obsID := req.ObserverID
	if obsID == "" {
		obsID = uuid.NewString()
	}

	adapter := newSocketAdapter(conn)
	sess.Broker().Attach(obsID, adapter)

	s.logger.Debugw("Raw socket observer attached",
		"session_id", shortID(sess.ID),
		"observer_id", shortID(obsID),
		"remote", conn.RemoteAddr().String(),
	)

	// Block until the drain goroutine closes the adapter, or shutdown.
	// Reading in the background doubles as disconnect detection: the peer
	// sends nothing after the attach line, so a read return means the
	// connection is gone.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Time{})
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-adapter.closed:
	case <-readDone:
		sess.Broker().Detach(obsID)
	case <-s.ctx.Done():
		sess.Broker().Detach(obsID)
	}
}

// readAttachRequest reads and validates the one-line attach request
func readAttachRequest(conn net.Conn) (*attachRequest, error) {
	conn.SetReadDeadline(time.Now().Add(attachWait))
	defer conn.SetReadDeadline(time.Time{})

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrap(err, "failed to read attach request")
	}

	var req attachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, errors.Wrap(err, "attach request is not valid JSON")
	}
	if req.SessionID == "" {
		return nil, errors.New("attach request is missing session_id")
	}
	return &req, nil
}
