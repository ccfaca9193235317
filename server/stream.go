package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portalis/dirimport/progress"
)

// streamAdapter delivers events over a server-sent-events response. It is
// the highest-preference channel kind: one-way push with HTTP framing.
type streamAdapter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newStreamAdapter(w http.ResponseWriter, flusher http.Flusher) *streamAdapter {
	return &streamAdapter{
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		closed:  make(chan struct{}),
	}
}

func (a *streamAdapter) Kind() progress.ChannelKind {
	return progress.KindPrimaryStream
}

func (a *streamAdapter) Deliver(ev progress.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// A client that stops reading must fail the write, not block the drain
	// goroutine forever; the failure counts as a strike like any other
	a.rc.SetWriteDeadline(time.Now().Add(writeWait))

	if _, err := a.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := a.w.Write(payload); err != nil {
		return err
	}
	if _, err := a.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	a.flusher.Flush()
	return nil
}

func (a *streamAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

// handleEvents attaches the caller to a session as a primary-stream
// observer. The response stays open until the session's terminal event has
// been delivered, the client goes away, or the channel dies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by this connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	observerID := observerID(r)
	adapter := newStreamAdapter(w, flusher)
	sess.Broker().Attach(observerID, adapter)

	s.logger.Debugw("Stream observer attached",
		"session_id", shortID(sess.ID),
		"observer_id", shortID(observerID),
	)

	// The drain goroutine closes the adapter after the terminal event or
	// once the channel is dropped; the client disconnect arrives via the
	// request context
	select {
	case <-adapter.closed:
	case <-r.Context().Done():
		sess.Broker().Detach(observerID)
		<-adapter.closed // The writer must not be touched once this handler returns
	case <-s.ctx.Done():
		sess.Broker().Detach(observerID)
		<-adapter.closed
	}
}

// observerID takes the caller-supplied observer identity, or mints one.
// Reusing an observer id across transports is how a degraded client
// re-attaches on a lower-preference kind without duplicate fan-out.
func observerID(r *http.Request) string {
	if id := r.URL.Query().Get("observer"); id != "" {
		return id
	}
	return uuid.NewString()
}
