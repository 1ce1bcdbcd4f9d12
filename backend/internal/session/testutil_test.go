package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/termhub/termhub/backend/internal/ptyproc"
)

// fakeProcess is a ptyproc.Process whose output and exit are driven by the
// test. emit and exit call the registered handlers synchronously.
type fakeProcess struct {
	pid int

	mu      sync.Mutex
	h       ptyproc.Handlers
	writes  [][]byte
	sizes   []Size
	kills   int
	killErr error
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
	p.sizes = append(p.sizes, Size{Cols: cols, Rows: rows})
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	return p.killErr
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

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *fakeProcess) resizes() []Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Size(nil), p.sizes...)
}

func (p *fakeProcess) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// fakeSpawner hands out fakeProcesses and records the options it saw.
type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	opts    []ptyproc.Options
	procs   []*fakeProcess
	nextPID int
}

func (s *fakeSpawner) Spawn(opts ptyproc.Options) (ptyproc.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	p := &fakeProcess{pid: 1000 + s.nextPID}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

// fakeSubscriber records everything sent to it. failSend makes every Send
// fail; failAfter makes Send fail once that many sends succeeded.
type fakeSubscriber struct {
	mu        sync.Mutex
	chunks    [][]byte
	failSend  bool
	failAfter int
	dead      bool
	closes    int
}

var errUnwritable = errors.New("transport not writable")

func (s *fakeSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend || (s.failAfter > 0 && len(s.chunks) >= s.failAfter) {
		return errUnwritable
	}
	s.chunks = append(s.chunks, bytes.Clone(data))
	return nil
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSubscriber) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && s.closes == 0
}

func (s *fakeSubscriber) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

func (s *fakeSubscriber) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *fakeSubscriber) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSubscriber) setDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func newTestRegistry(t *testing.T, limits Limits) (*Registry, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	r := NewRegistry(Options{
		Spawner: sp,
		Launch:  ptyproc.LaunchDefaults{Shell: "/bin/bash", Cwd: "/work"},
		Limits:  limits,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:   sequentialIDs(),
	})
	t.Cleanup(r.Shutdown)
	return r, sp
}

// fakeReplayer is a fakeSubscriber that also takes the backlog through
// Replay. failReplay makes Replay fail.
type fakeReplayer struct {
	*fakeSubscriber
	replays    [][][]byte
	failReplay bool
}

func (s *fakeReplayer) Replay(chunks [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReplay {
		return errUnwritable
	}
	s.replays = append(s.replays, chunks)
	return nil
}

func (s *fakeReplayer) replayed() [][][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][][]byte(nil), s.replays...)
}
