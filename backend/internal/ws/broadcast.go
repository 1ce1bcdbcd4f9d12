package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the event stream is
// at its client limit.
var ErrTooManyConnections = errors.New("too many event stream connections")

// SessionLister is the read side of the registry the event stream needs.
type SessionLister interface {
	List() []*session.Info
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Keep draining so RemoveClient's close(send) ends the loop.
			for range c.send {
			}
			return
		}
	}
}

// Broadcaster streams session lifecycle events to websocket clients: a
// snapshot on connect and periodically, plus every registry event as it
// happens. Clients that cannot keep up are disconnected.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	sessions SessionLister
	maxConns int
	privacy  atomic.Pointer[session.PrivacyFilter]
	logger   *slog.Logger

	snapshotTicker *time.Ticker
	unsubscribe    func()
	stop           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewBroadcaster starts forwarding events from bus. A maxConns of 0 means
// unlimited. Stop releases the goroutines it starts.
func NewBroadcaster(sessions SessionLister, bus *session.Bus, snapshotInterval time.Duration, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		sessions:       sessions,
		maxConns:       maxConns,
		logger:         logger.With("component", "events"),
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	b.privacy.Store(&session.PrivacyFilter{})

	events, unsub := bus.Subscribe()
	b.unsubscribe = unsub
	b.wg.Add(2)
	go b.eventLoop(events)
	go b.snapshotLoop()
	return b
}

// SetPrivacy replaces the filter applied to everything sent to clients.
func (b *Broadcaster) SetPrivacy(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.privacy.Store(f)
}

// FilterSessions applies the current privacy filter to a session list.
func (b *Broadcaster) FilterSessions(sessions []*session.Info) []*session.Info {
	f := b.privacy.Load()
	if f.IsNoop() {
		return sessions
	}
	return f.FilterSlice(sessions)
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	snapshot, err := json.Marshal(b.snapshot())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	c.send <- snapshot
	b.mu.Unlock()

	go c.writePump()
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

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the event and snapshot loops and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()
		b.unsubscribe()
		b.wg.Wait()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) snapshot() WSMessage {
	return WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Sessions: b.FilterSessions(b.sessions.List())},
	}
}

func (b *Broadcaster) eventLoop(events <-chan session.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg, ok := b.filterEvent(ev); ok {
				b.broadcast(msg)
			}
		}
	}
}

// filterEvent hides events for sessions the privacy filter excludes and
// masks the rest. Exit and delete events carry only an ID and always pass.
func (b *Broadcaster) filterEvent(ev session.Event) (WSMessage, bool) {
	if ev.Session != nil {
		f := b.privacy.Load()
		if !f.IsAllowed(ev.Session.Cwd) {
			return WSMessage{}, false
		}
		ev.Session = f.Apply(ev.Session)
	}
	return eventMessage(ev), true
}

func (b *Broadcaster) snapshotLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", "err", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
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
		b.logger.Warn("event client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		b.RemoveClient(c)
	}
}
