package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nomo-app/backend/internal/progression"
)

type staticSource struct{ snap progression.Snapshot }

func (s staticSource) Snapshot() progression.Snapshot { return s.snap }

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side and client-side connections. The caller must close the
// server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

// readMsg reads one envelope and decodes its payload into payload.
func readMsg(t *testing.T, conn *websocket.Conn, payload any) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw struct {
		Type    MessageType     `json:"type"`
		Seq     uint64          `json:"seq"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if payload != nil {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			t.Fatalf("decode payload %s: %v", raw.Payload, err)
		}
	}
	return WSMessage{Type: raw.Type, Seq: raw.Seq}
}

func TestAddClient_SendsSnapshot(t *testing.T) {
	b := NewBroadcaster(staticSource{progression.Snapshot{TotalExperience: 42, CurrentLevel: 2}}, time.Hour, 0)
	defer b.Stop()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	var p SnapshotPayload
	msg := readMsg(t, clientConn, &p)
	if msg.Type != MsgSnapshot || msg.Seq != 1 {
		t.Errorf("message = %s seq %d, want snapshot seq 1", msg.Type, msg.Seq)
	}
	if p.Progress.TotalExperience != 42 || p.Progress.CurrentLevel != 2 {
		t.Errorf("snapshot = %+v", p.Progress)
	}
}

func TestHandleEvent_AwardImmediateProgressCoalesced(t *testing.T) {
	b := NewBroadcaster(staticSource{}, 50*time.Millisecond, 0)
	defer b.Stop()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	readMsg(t, clientConn, nil) // initial snapshot

	b.HandleEvent(progression.Event{
		Type:     progression.EventAward,
		Snapshot: progression.Snapshot{TotalExperience: 25},
		Award:    &progression.AwardResult{XPGained: 25, NewLevel: 1, LeveledUp: true},
	})
	b.HandleEvent(progression.Event{
		Type:     progression.EventWorldSwitched,
		Snapshot: progression.Snapshot{TotalExperience: 25, ActiveWorldID: "meadow"},
	})

	var award AwardPayload
	if msg := readMsg(t, clientConn, &award); msg.Type != MsgAward {
		t.Fatalf("first message = %s, want award", msg.Type)
	}
	if award.Award.XPGained != 25 || !award.Award.LeveledUp {
		t.Errorf("award = %+v", award.Award)
	}

	var prog ProgressPayload
	if msg := readMsg(t, clientConn, &prog); msg.Type != MsgProgress {
		t.Fatalf("second message = %s, want progress", msg.Type)
	}
	if prog.Cause != progression.EventWorldSwitched || prog.Progress.ActiveWorldID != "meadow" {
		t.Errorf("coalesced progress = %+v, want latest", prog)
	}

	// Nothing else was queued: the two snapshots collapsed into one.
	clientConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := clientConn.ReadMessage(); err == nil {
		t.Errorf("unexpected extra message: %s", data)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(staticSource{}, time.Hour, maxConns)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		srv, conn, cc := dialTestWS(t)
		defer srv.Close()
		defer cc.Close()
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	srv, conn, cc := dialTestWS(t)
	defer srv.Close()
	defer cc.Close()
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after rejection, got %d", maxConns, got)
	}

	b.RemoveClient(clients[0])
	if _, err := b.AddClient(conn); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
}

func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	clientConn.Close()

	b := NewBroadcaster(staticSource{}, time.Hour, 0)
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{conn: serverConn, b: b, send: make(chan []byte, 64)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	b := NewBroadcaster(staticSource{}, time.Hour, 0)
	defer b.Stop()

	// No writePump: the buffer fills and the next broadcast evicts.
	c := &client{b: b, send: make(chan []byte, 1)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	b.broadcast(MsgProgress, ProgressPayload{})
	if b.ClientCount() != 1 {
		t.Fatal("client dropped before its buffer was full")
	}
	b.broadcast(MsgProgress, ProgressPayload{})
	if b.ClientCount() != 0 {
		t.Error("slow client not dropped")
	}
}

func TestBroadcaster_SequenceNumbersIncrease(t *testing.T) {
	b := NewBroadcaster(staticSource{}, time.Hour, 0)
	var last uint64
	for i := 0; i < 5; i++ {
		data, err := b.encode(MsgProgress, nil)
		if err != nil {
			t.Fatal(err)
		}
		var msg WSMessage
		json.Unmarshal(data, &msg)
		if msg.Seq != last+1 {
			t.Errorf("seq = %d, want %d", msg.Seq, last+1)
		}
		last = msg.Seq
	}
}

func TestStop_DiscardsPendingFlush(t *testing.T) {
	b := NewBroadcaster(staticSource{}, 20*time.Millisecond, 0)
	b.QueueProgress(progression.Snapshot{}, progression.EventReset)
	b.Stop()
	b.QueueProgress(progression.Snapshot{}, progression.EventReset)

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.pending != nil || b.flushTimer != nil {
		t.Error("stopped broadcaster still has pending work")
	}
}
