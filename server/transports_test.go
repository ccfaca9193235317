package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalis/dirimport/progress"
	"github.com/portalis/dirimport/session"
)

func TestEventStreamReplaysFullLog(t *testing.T) {
	_, ts := testServer(t, &gatedDirectory{})

	snap := postCSV(t, ts, "username\nuser1\nuser2\nuser3\n")
	waitForStatus(t, ts, snap.ID, session.StatusCompleted)

	// Late attach to a terminal session replays the whole log and then the
	// server closes the stream after the terminal event
	resp, err := http.Get(ts.URL + "/api/imports/" + snap.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []progress.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 4, "three progress events plus the terminal event")
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence, "replay must be gapless and ordered")
		assert.Equal(t, snap.ID, ev.SessionID)
	}
	assert.Equal(t, progress.KindCompleted, events[3].Kind)
	assert.Equal(t, 3, events[3].Counts.Processed)
}

func TestEventStreamLiveSession(t *testing.T) {
	dir := &gatedDirectory{gate: make(chan struct{})}
	_, ts := testServer(t, dir)

	snap := postCSV(t, ts, "username\nuser1\nuser2\n")
	waitForStatus(t, ts, snap.ID, session.StatusRunning)

	resp, err := http.Get(ts.URL + "/api/imports/" + snap.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	close(dir.gate)

	var kinds []progress.Kind
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		kinds = append(kinds, ev.Kind)
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, progress.KindCompleted, kinds[len(kinds)-1])
}

func TestWebSocketDeliversEvents(t *testing.T) {
	_, ts := testServer(t, &gatedDirectory{})

	snap := postCSV(t, ts, "username\nuser1\nuser2\n")
	waitForStatus(t, ts, snap.ID, session.StatusCompleted)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/imports/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []progress.Event
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev progress.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break // Server closes the connection after the terminal event
		}
		events = append(events, ev)
		if ev.Kind.Terminal() {
			break
		}
	}

	require.Len(t, events, 3)
	assert.Equal(t, progress.KindCompleted, events[2].Kind)
	assert.Equal(t, 2, events[2].Counts.Succeeded)
}

func TestWebSocketPingCommand(t *testing.T) {
	dir := &gatedDirectory{gate: make(chan struct{})}
	_, ts := testServer(t, dir)

	snap := postCSV(t, ts, "username\nuser1\n")
	waitForStatus(t, ts, snap.ID, session.StatusRunning)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/imports/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	// The pong reply shares the stream with progress events
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	sawPong := false
	for i := 0; i < 5 && !sawPong; i++ {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "pong" {
			sawPong = true
		}
	}
	assert.True(t, sawPong)

	close(dir.gate)
	waitForStatus(t, ts, snap.ID, session.StatusCompleted)
}

func TestWebSocketCancelCommand(t *testing.T) {
	dir := &gatedDirectory{gate: make(chan struct{})}
	_, ts := testServer(t, dir)

	snap := postCSV(t, ts, "username\nuser1\nuser2\nuser3\n")
	waitForStatus(t, ts, snap.ID, session.StatusRunning)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/imports/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))

	// Wait for the acknowledgement so the cancellation is in place before
	// the in-flight record is released
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "cancel_accepted", ack["type"])

	close(dir.gate)
	final := waitForStatus(t, ts, snap.ID, session.StatusCancelled)
	assert.Less(t, final.Counts.Processed, final.Counts.Total)
}

func TestRawSocketAttachAndReplay(t *testing.T) {
	srv, ts := testServer(t, &gatedDirectory{})
	srv.cfg.Server.SocketAddr = "127.0.0.1:0"
	require.NoError(t, srv.startSocketListener())
	defer srv.socketLn.Close()

	snap := postCSV(t, ts, "username\nuser1\nuser2\n")
	waitForStatus(t, ts, snap.ID, session.StatusCompleted)

	conn, err := net.Dial("tcp", srv.socketLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	attach, err := json.Marshal(map[string]string{"session_id": snap.ID})
	require.NoError(t, err)
	_, err = conn.Write(append(attach, '\n'))
	require.NoError(t, err)

	var events []progress.Event
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	dec := json.NewDecoder(conn)
	for {
		var ev progress.Event
		if err := dec.Decode(&ev); err != nil {
			break // Server closes after the terminal event
		}
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, progress.KindCompleted, events[2].Kind)
}

func TestRawSocketUnknownSession(t *testing.T) {
	srv, _ := testServer(t, &gatedDirectory{})
	srv.cfg.Server.SocketAddr = "127.0.0.1:0"
	require.NoError(t, srv.startSocketListener())
	defer srv.socketLn.Close()

	conn, err := net.Dial("tcp", srv.socketLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"session_id":"no-such-id"}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out map[string]string
	require.NoError(t, json.NewDecoder(conn).Decode(&out))
	assert.Contains(t, out["error"], "no-such-id")
}
