package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/config"
	"github.com/termhub/termhub/backend/internal/session"
)

type staticLister []*session.Info

func (l staticLister) List() []*session.Info { return l }

func newTestBroadcaster(t *testing.T, sessions []*session.Info, filter *session.PrivacyFilter) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(staticLister(sessions), session.NewBus(), time.Hour, 0, discardLogger)
	b.SetPrivacy(filter)
	t.Cleanup(b.Stop)
	return b
}

// assertSessionIDs checks that the result slice contains exactly the expected
// session IDs, in order.
func assertSessionIDs(t *testing.T, result []*session.Info, expected ...string) {
	t.Helper()
	if len(result) != len(expected) {
		t.Fatalf("expected %d sessions, got %d", len(expected), len(result))
	}
	for i, id := range expected {
		if result[i].ID != id {
			t.Errorf("result[%d]: expected %s, got %s", i, id, result[i].ID)
		}
	}
}

func TestFilterSessions_NoFilter(t *testing.T) {
	b := newTestBroadcaster(t, nil, nil)

	sessions := []*session.Info{
		{ID: "s1", Cwd: "/home/user/project-a", PID: 100},
		{ID: "s2", Cwd: "/home/user/project-b", PID: 200},
	}

	result := b.FilterSessions(sessions)
	assertSessionIDs(t, result, "s1", "s2")
	if result[0].PID != 100 {
		t.Error("default filter should not mask PID")
	}
}

func TestFilterSessions_PathFiltering(t *testing.T) {
	tests := []struct {
		name     string
		filter   *session.PrivacyFilter
		sessions []*session.Info
		wantIDs  []string
	}{
		{
			name:   "BlockedPaths",
			filter: &session.PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			sessions: []*session.Info{
				{ID: "s1", Cwd: "/home/user/project"},
				{ID: "s2", Cwd: "/tmp/scratch"},
				{ID: "s3", Cwd: "/tmp/other"},
			},
			wantIDs: []string{"s1"},
		},
		{
			name:   "AllowedPaths",
			filter: &session.PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			sessions: []*session.Info{
				{ID: "s1", Cwd: "/home/user/work/project-a"},
				{ID: "s2", Cwd: "/home/user/personal/diary"},
				{ID: "s3", Cwd: "/other/path"},
			},
			wantIDs: []string{"s1"},
		},
		{
			name: "AllowAndBlock",
			filter: &session.PrivacyFilter{
				AllowedPaths: []string{"/home/user/*"},
				BlockedPaths: []string{"/home/user/secret"},
			},
			sessions: []*session.Info{
				{ID: "s1", Cwd: "/home/user/project"},
				{ID: "s2", Cwd: "/home/user/secret"},
				{ID: "s3", Cwd: "/other/place"},
			},
			wantIDs: []string{"s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroadcaster(t, nil, tt.filter)
			assertSessionIDs(t, b.FilterSessions(tt.sessions), tt.wantIDs...)
		})
	}
}

func TestFilterSessions_Masking(t *testing.T) {
	b := newTestBroadcaster(t, nil, &session.PrivacyFilter{
		MaskWorkingDirs: true,
		MaskPIDs:        true,
	})

	original := []*session.Info{{ID: "s1", Cwd: "/home/user/projects/myapp", PID: 12345}}
	result := b.FilterSessions(original)
	if len(result) != 1 {
		t.Fatalf("expected 1 session, got %d", len(result))
	}
	if result[0].Cwd != "myapp" {
		t.Errorf("Cwd should be masked to basename, got %q", result[0].Cwd)
	}
	if result[0].PID != 0 {
		t.Errorf("PID should be masked to 0, got %d", result[0].PID)
	}
	if result[0].ID != "s1" {
		t.Errorf("ID must survive masking, got %q", result[0].ID)
	}
	if original[0].Cwd != "/home/user/projects/myapp" || original[0].PID != 12345 {
		t.Error("input slice element was mutated")
	}
}

func TestSetPrivacy(t *testing.T) {
	b := newTestBroadcaster(t, nil, nil)

	sessions := []*session.Info{
		{ID: "s1", Cwd: "/tmp/scratch"},
		{ID: "s2", Cwd: "/home/user/project"},
	}

	assertSessionIDs(t, b.FilterSessions(sessions), "s1", "s2")

	b.SetPrivacy(&session.PrivacyFilter{BlockedPaths: []string{"/tmp/*"}})
	assertSessionIDs(t, b.FilterSessions(sessions), "s2")

	b.SetPrivacy(&session.PrivacyFilter{BlockedPaths: []string{"/home/*"}})
	assertSessionIDs(t, b.FilterSessions(sessions), "s1")

	b.SetPrivacy(nil)
	assertSessionIDs(t, b.FilterSessions(sessions), "s1", "s2")
}

func TestFilterEvent(t *testing.T) {
	b := newTestBroadcaster(t, nil, &session.PrivacyFilter{
		BlockedPaths:    []string{"/tmp/*"},
		MaskWorkingDirs: true,
	})

	if _, ok := b.filterEvent(session.Event{
		Type:    session.EventCreated,
		ID:      "s1",
		Session: &session.Info{ID: "s1", Cwd: "/tmp/scratch"},
	}); ok {
		t.Error("created event for a blocked session should be hidden")
	}

	msg, ok := b.filterEvent(session.Event{
		Type:    session.EventUpdated,
		ID:      "s2",
		Session: &session.Info{ID: "s2", Cwd: "/home/user/project"},
	})
	if !ok {
		t.Fatal("updated event for an allowed session was hidden")
	}
	payload, _ := msg.Payload.(SessionPayload)
	if msg.Type != MsgUpdated || payload.Session.Cwd != "project" {
		t.Errorf("message = %+v, want masked updated payload", msg)
	}

	msg, ok = b.filterEvent(session.Event{Type: session.EventExited, ID: "s1", ExitCode: 3})
	if !ok || msg.Type != MsgExited {
		t.Fatalf("exited event = %+v, %v", msg, ok)
	}
	if p := msg.Payload.(ExitedPayload); p.ID != "s1" || p.ExitCode != 3 {
		t.Errorf("exited payload = %+v", p)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(staticLister(nil), session.NewBus(), time.Hour, maxConns, discardLogger)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		serverConn, _, cleanup := dialPair(t)
		defer cleanup()

		c, err := b.AddClient(serverConn)
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	serverConn, _, cleanup := dialPair(t)
	defer cleanup()
	if _, err := b.AddClient(serverConn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}

	b.RemoveClient(clients[0])
	b.RemoveClient(clients[0])

	serverConn2, _, cleanup2 := dialPair(t)
	defer cleanup2()
	if _, err := b.AddClient(serverConn2); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	b := NewBroadcaster(staticLister(nil), session.NewBus(), time.Hour, 0, discardLogger)
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{
		conn: serverConn,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	eventually(t, "client not removed after write error", func() bool {
		return b.ClientCount() == 0
	})
}

func readEvent(t *testing.T, conn *websocket.Conn) (MessageType, json.RawMessage) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return msg.Type, msg.Payload
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Privacy.MaskPIDs = true
	})
	existing, err := env.registry.Create(context.Background(), session.CreateInput{Title: "existing"})
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t, "/ws/events")

	typ, raw := readEvent(t, conn)
	if typ != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", typ)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatal(err)
	}
	assertSessionIDs(t, snap.Sessions, existing.ID)
	if snap.Sessions[0].PID != 0 {
		t.Errorf("snapshot PID = %d, want masked", snap.Sessions[0].PID)
	}

	eventually(t, "event client never registered", func() bool {
		return env.broadcaster.ClientCount() == 1
	})

	created, err := env.registry.Create(context.Background(), session.CreateInput{Title: "second"})
	if err != nil {
		t.Fatal(err)
	}
	var sp SessionPayload
	decode(t, readEventOfType(t, conn, MsgCreated, created.ID), &sp)
	if sp.Session.PID != 0 {
		t.Errorf("created PID = %d, want masked", sp.Session.PID)
	}

	env.spawner.last().exit(7)
	var ep ExitedPayload
	decode(t, readEventOfType(t, conn, MsgExited, created.ID), &ep)
	if ep.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", ep.ExitCode)
	}

	env.registry.Remove(existing.ID)
	readEventOfType(t, conn, MsgDeleted, existing.ID)
}

// readEventOfType skips messages until one of type want concerning id
// arrives. Events published before the client connected may still be in
// flight, as may periodic snapshots.
func readEventOfType(t *testing.T, conn *websocket.Conn, want MessageType, id string) json.RawMessage {
	t.Helper()
	for {
		typ, raw := readEvent(t, conn)
		if typ != want {
			continue
		}
		var probe struct {
			ID      string `json:"id"`
			Session *struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		decode(t, raw, &probe)
		if probe.ID == id || (probe.Session != nil && probe.Session.ID == id) {
			return raw
		}
	}
}

func decode(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func TestEventStreamRejectsOverLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Events.MaxClients = 1
	})

	first := env.dial(t, "/ws/events")
	if typ, _ := readEvent(t, first); typ != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", typ)
	}

	second := env.dial(t, "/ws/events")
	if ce := readClose(t, second); ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseTryAgainLater)
	}
}
