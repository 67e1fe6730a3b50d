package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nomo-app/backend/internal/progression"
)

var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 10 * time.Second

// SnapshotSource provides the state sent to newly connected clients.
type SnapshotSource interface {
	Snapshot() progression.Snapshot
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans engine events out to websocket clients. Awards are sent
// as they happen; progress snapshots are coalesced per throttle window.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	source   SnapshotSource
	throttle time.Duration
	seq      atomic.Uint64

	flushMu    sync.Mutex
	pending    *ProgressPayload
	flushTimer *time.Timer
	stopped    bool
}

// NewBroadcaster creates a broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(source SnapshotSource, throttle time.Duration, maxConns int) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		source:   source,
		throttle: throttle,
	}
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, 64)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	data, err := b.encode(MsgSnapshot, SnapshotPayload{Progress: b.source.Snapshot()})
	if err != nil {
		return c, nil
	}
	b.mu.RLock()
	if b.clients[c] {
		select {
		case c.send <- data:
		default:
			// Client too slow, drop the snapshot
		}
	}
	b.mu.RUnlock()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// HandleEvent is registered with Engine.Subscribe.
func (b *Broadcaster) HandleEvent(ev progression.Event) {
	if ev.Type == progression.EventAward && ev.Award != nil {
		b.broadcast(MsgAward, AwardPayload{Award: *ev.Award, Progress: ev.Snapshot})
	}
	b.QueueProgress(ev.Snapshot, ev.Type)
}

// QueueProgress schedules snap for the next flush, replacing any snapshot
// already waiting.
func (b *Broadcaster) QueueProgress(snap progression.Snapshot, cause progression.EventType) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pending = &ProgressPayload{Progress: snap, Cause: cause}
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	pending := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if pending == nil {
		return
	}
	b.broadcast(MsgProgress, *pending)
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
	}
	return data, err
}

func (b *Broadcaster) broadcast(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		log.Printf("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop cancels any pending flush and disconnects every client.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.pending = nil
	b.flushMu.Unlock()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}
