package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/config"
	"github.com/termhub/termhub/backend/internal/ptyproc"
	"github.com/termhub/termhub/backend/internal/session"
)

type fakeProcess struct {
	pid int

	mu     sync.Mutex
	h      ptyproc.Handlers
	writes [][]byte
	sizes  [][2]int
	kills  int
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, bytes.Clone(data))
	return len(data), nil
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	return nil
}

func (p *fakeProcess) Run(h ptyproc.Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.h = h
}

func (p *fakeProcess) emit(data []byte) {
	p.mu.Lock()
	h := p.h
	p.mu.Unlock()
	h.OnOutput(data)
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	h := p.h
	p.mu.Unlock()
	h.OnExit(code)
}

func (p *fakeProcess) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(bytes.Join(p.writes, nil))
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *fakeProcess) resizes() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.sizes...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(opts ptyproc.Options) (ptyproc.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 2000 + len(s.procs)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testEnv is a full server over httptest backed by fake processes.
type testEnv struct {
	registry    *session.Registry
	spawner     *fakeSpawner
	broadcaster *Broadcaster
	server      *Server
	http        *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg, err := config.LoadOrDefault(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Sessions.Shell = "/bin/sh"
	cfg.Sessions.DefaultCwd = "/home/user/project"
	if mutate != nil {
		mutate(cfg)
	}

	ids := 0
	var idMu sync.Mutex
	sp := &fakeSpawner{}
	reg := session.NewRegistry(session.Options{
		Spawner: sp,
		Launch:  cfg.LaunchDefaults(),
		Limits:  cfg.Sessions.Limits(),
		Logger:  discardLogger,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("s%d", ids)
		},
	})
	b := NewBroadcaster(reg, reg.Bus(), cfg.Events.SnapshotInterval, cfg.Events.MaxClients, discardLogger)
	srv := NewServer(cfg, reg, b, discardLogger)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		reg.Shutdown()
		b.Stop()
		hs.Close()
	})
	return &testEnv{registry: reg, spawner: sp, broadcaster: b, server: srv, http: hs}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialPair returns both ends of a websocket connection. The caller owns
// both connections.
func dialPair(t *testing.T) (server, client *websocket.Conn, cleanup func()) {
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
		return serverConn, clientConn, func() {
			clientConn.Close()
			serverConn.Close()
			srv.Close()
		}
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

// readBinary reads frames until want bytes of binary data have arrived.
func readBinary(t *testing.T, conn *websocket.Conn, want int) []byte {
	t.Helper()
	var got []byte
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < want {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %q: %v", got, err)
		}
		if mt == websocket.BinaryMessage {
			got = append(got, data...)
		}
	}
	return got
}

// readClose reads until the peer closes and returns the close error.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error %v, want a close frame", err)
		}
		return ce
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
