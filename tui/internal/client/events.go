package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// EventClient follows the server's session lifecycle stream and turns it
// into Bubble Tea messages.
type EventClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewEventClient creates a client for the given /ws/events URL.
func NewEventClient(url string, header http.Header) *EventClient {
	return &EventClient{url: url, header: header, dialer: websocket.DefaultDialer}
}

// --- Bubble Tea messages ---

// EventsConnectedMsg is sent when the event stream connects.
type EventsConnectedMsg struct{}

// EventsDisconnectedMsg is sent when the connection drops.
type EventsDisconnectedMsg struct{ Err error }

// SnapshotMsg delivers the full session list.
type SnapshotMsg struct{ Sessions []*SessionInfo }

// SessionCreatedMsg and SessionUpdatedMsg carry the session's new state.
type SessionCreatedMsg struct{ Session *SessionInfo }

type SessionUpdatedMsg struct{ Session *SessionInfo }

// SessionExitedMsg is sent when a session's process exits on its own.
type SessionExitedMsg struct {
	ID       string
	ExitCode int
}

// SessionDeletedMsg is sent when a session is removed.
type SessionDeletedMsg struct{ ID string }

// EventErrorMsg wraps a server-side error.
type EventErrorMsg struct{ Raw json.RawMessage }

// Listen returns a Bubble Tea command that connects, retrying with
// exponential backoff until it succeeds or ctx is cancelled.
func (c *EventClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
			if err == nil {
				c.mu.Lock()
				if c.pingCtx != nil {
					c.pingCtx()
				}
				pingCtx, pingCancel := context.WithCancel(ctx)
				c.conn = conn
				c.pingCtx = pingCancel
				c.mu.Unlock()

				go c.pingLoop(pingCtx, conn)
				return EventsConnectedMsg{}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads the next event. Issue it
// again after every message it yields; it should be started after
// EventsConnectedMsg.
func (c *EventClient) ReadLoop() tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return EventsDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return EventsDisconnectedMsg{Err: err}
			}

			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if teaMsg := dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// Close drops the current connection.
func (c *EventClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
		c.pingCtx = nil
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *EventClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func dispatch(msg WSMessage) tea.Msg {
	switch msg.Type {
	case MsgSnapshot:
		var p SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SnapshotMsg{Sessions: p.Sessions}
		}
	case MsgCreated:
		var p SessionPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.Session != nil {
			return SessionCreatedMsg{Session: p.Session}
		}
	case MsgUpdated:
		var p SessionPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.Session != nil {
			return SessionUpdatedMsg{Session: p.Session}
		}
	case MsgExited:
		var p ExitedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SessionExitedMsg{ID: p.ID, ExitCode: p.ExitCode}
		}
	case MsgDeleted:
		var p DeletedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SessionDeletedMsg{ID: p.ID}
		}
	case MsgError:
		return EventErrorMsg{Raw: msg.Payload}
	}
	return nil
}
