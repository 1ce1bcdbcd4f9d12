package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termhub/termhub/backend/internal/ptyproc"
)

var (
	// ErrSessionNotFound is returned by Connect for an unknown or already
	// exited session. The caller must close the transport it offered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed is returned by Create after Shutdown.
	ErrRegistryClosed = errors.New("registry shut down")

	// ErrInvalidBufferSize is returned by Create when the requested buffer
	// ceiling is negative or above Limits.MaxBufferSize.
	ErrInvalidBufferSize = errors.New("invalid buffer size")
)

const (
	defaultBufferSize     = 2 * 1024 * 1024
	defaultFlushChunkSize = 64 * 1024
	defaultMaxBufferSize  = 64 * 1024 * 1024
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Options configures a Registry. Zero fields select defaults: a real pty
// spawner, a fresh Bus, slog.Default and uuid identifiers.
type Options struct {
	Spawner ptyproc.Spawner
	Launch  ptyproc.LaunchDefaults
	Limits  Limits
	Bus     *Bus
	Logger  *slog.Logger
	NewID   func() string
}

// Registry tracks every live session and is the only code that touches
// their processes. All methods are safe for concurrent use. Calls naming
// an unknown session are no-ops, since control calls routinely race with
// teardown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*activeSession
	closed   bool

	limitsMu sync.RWMutex
	limits   Limits

	spawner ptyproc.Spawner
	launch  ptyproc.LaunchDefaults
	bus     *Bus
	logger  *slog.Logger
	newID   func() string
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions: make(map[string]*activeSession),
		spawner:  opts.Spawner,
		launch:   opts.Launch,
		bus:      opts.Bus,
		logger:   opts.Logger,
		newID:    opts.NewID,
	}
	if r.spawner == nil {
		r.spawner = ptyproc.PTYSpawner{}
	}
	if r.bus == nil {
		r.bus = NewBus()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	r.logger = r.logger.With("component", "registry")
	r.SetLimits(opts.Limits)
	return r
}

// Bus returns the bus lifecycle events are published on.
func (r *Registry) Bus() *Bus { return r.bus }

// SetLimits replaces the buffer limits used for sessions created from now
// on. Non-positive values keep the current setting.
func (r *Registry) SetLimits(l Limits) {
	r.limitsMu.Lock()
	defer r.limitsMu.Unlock()
	if l.BufferSize > 0 {
		r.limits.BufferSize = l.BufferSize
	}
	if l.FlushChunkSize > 0 {
		r.limits.FlushChunkSize = l.FlushChunkSize
	}
	if l.MaxBufferSize > 0 {
		r.limits.MaxBufferSize = l.MaxBufferSize
	}
	if r.limits.BufferSize <= 0 {
		r.limits.BufferSize = defaultBufferSize
	}
	if r.limits.FlushChunkSize <= 0 {
		r.limits.FlushChunkSize = defaultFlushChunkSize
	}
	if r.limits.MaxBufferSize <= 0 {
		r.limits.MaxBufferSize = defaultMaxBufferSize
	}
	r.limits.MaxBufferSize = max(r.limits.MaxBufferSize, r.limits.BufferSize)
}

// Limits returns the limits applied to new sessions.
func (r *Registry) Limits() Limits {
	r.limitsMu.RLock()
	defer r.limitsMu.RUnlock()
	return r.limits
}

// Create spawns a process and registers it as a new session. A spawn
// failure is returned as is (a *ptyproc.SpawnError) and leaves nothing
// registered. A BufferSize outside [0, MaxBufferSize] fails with
// ErrInvalidBufferSize before anything is spawned.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limits := r.Limits()
	if in.BufferSize < 0 || in.BufferSize > limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidBufferSize, in.BufferSize, limits.MaxBufferSize)
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	opts := ptyproc.ResolveLaunch(ptyproc.LaunchRequest{
		Mode:    ptyproc.ParseMode(in.Mode),
		Command: in.Command,
		Args:    in.Args,
		Cwd:     in.Cwd,
		Env:     in.Env,
	}, r.launch)

	size := Size{Cols: defaultCols, Rows: defaultRows}
	if in.Size != nil && in.Size.Valid() {
		size = *in.Size
	}
	opts.Cols, opts.Rows = size.Cols, size.Rows

	proc, err := r.spawner.Spawn(opts)
	if err != nil {
		r.logger.Warn("spawn failed", "command", opts.Command, "err", err)
		return nil, err
	}

	bufferSize := limits.BufferSize
	if in.BufferSize > 0 {
		bufferSize = in.BufferSize
	}
	title := in.Title
	if title == "" {
		title = filepath.Base(opts.Command)
	}

	s := &activeSession{
		info: &Info{
			ID:        r.newID(),
			Title:     title,
			Command:   opts.Command,
			Args:      opts.Args,
			Cwd:       opts.Cwd,
			Status:    StatusRunning,
			PID:       proc.Pid(),
			Cols:      size.Cols,
			Rows:      size.Rows,
			CreatedAt: time.Now(),
		},
		proc:       proc,
		buffer:     NewOutputBuffer(bufferSize),
		subs:       make(map[Subscriber]struct{}),
		flushChunk: limits.FlushChunkSize,
	}
	id := s.info.ID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = proc.Kill()
		return nil, ErrRegistryClosed
	}
	r.sessions[id] = s
	r.mu.Unlock()

	proc.Run(ptyproc.Handlers{
		OnOutput: s.handleOutput,
		OnExit:   func(code int) { r.handleExit(s, code) },
	})

	info := s.snapshot()
	r.bus.Publish(Event{Type: EventCreated, ID: id, Session: info.clone()})
	r.logger.Info("session created", "session", id, "command", opts.Command, "pid", info.PID)
	return info, nil
}

// List returns a snapshot of every registered session, oldest first.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	sessions := make([]*activeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	result := make([]*Info, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) Get(id string) (*Info, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return s.snapshot(), true
}

// Update changes the title and/or size of a session and publishes an
// updated event. It reports false for an unknown session.
func (r *Registry) Update(id string, in UpdateInput) (*Info, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	if in.Title != nil {
		s.info.Title = *in.Title
	}
	if in.Size != nil {
		s.resizeLocked(*in.Size, r.logger)
	}
	info := s.info.clone()
	s.mu.Unlock()

	r.bus.Publish(Event{Type: EventUpdated, ID: id, Session: info.clone()})
	return info, true
}

// Remove kills the session's process, closes its subscribers and forgets
// it. Kill failures are ignored: the process may already be gone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	running, subs := s.terminate(nil)
	if running {
		_ = s.proc.Kill()
	}
	closeAll(subs)

	r.bus.Publish(Event{Type: EventDeleted, ID: id})
	r.logger.Info("session removed", "session", id, "subscribers", len(subs))
}

// Resize applies a new terminal size and publishes an updated event when
// the size changed. Ignored unless the session is running.
func (r *Registry) Resize(id string, cols, rows int) {
	s, ok := r.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	changed := s.resizeLocked(Size{Cols: cols, Rows: rows}, r.logger)
	info := s.info.clone()
	s.mu.Unlock()
	if changed {
		r.bus.Publish(Event{Type: EventUpdated, ID: id, Session: info})
	}
}

// Write delivers input to the session's process. Ignored unless the
// session is running.
func (r *Registry) Write(id string, data []byte) {
	if len(data) == 0 {
		return
	}
	s, ok := r.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	running := s.info.Status == StatusRunning
	s.mu.Unlock()
	if !running {
		return
	}
	if _, err := s.proc.Write(data); err != nil {
		r.logger.Debug("write to process failed", "session", id, "err", err)
	}
}

// Connect attaches sub to a session. Output buffered while nobody was
// attached is flushed to sub before Connect returns and is then discarded.
// For an unknown session Connect returns ErrSessionNotFound and the caller
// must close the transport itself.
//
// Subscribers are used as map keys and must be comparable.
func (r *Registry) Connect(id string, sub Subscriber) (*Bridge, error) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status != StatusRunning {
		return nil, ErrSessionNotFound
	}
	s.subs[sub] = struct{}{}
	s.flushLocked(sub)

	r.logger.Debug("subscriber attached", "session", id, "subscribers", len(s.subs))
	return &Bridge{registry: r, id: id, sub: sub}, nil
}

func (r *Registry) disconnect(id string, sub Subscriber) {
	s, ok := r.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subs, sub)
	remaining := len(s.subs)
	s.mu.Unlock()
	r.logger.Debug("subscriber detached", "session", id, "subscribers", remaining)
}

// SubscriberCount reports how many subscribers are attached to a session.
func (r *Registry) SubscriberCount(id string) int {
	s, ok := r.lookup(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Shutdown kills every process and closes every subscriber, then clears
// the registry. Create fails afterwards. Calling Shutdown again is a no-op.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*activeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		running, subs := s.terminate(nil)
		if running {
			_ = s.proc.Kill()
		}
		closeAll(subs)
	}

	r.mu.Lock()
	r.sessions = make(map[string]*activeSession)
	r.mu.Unlock()

	r.logger.Info("registry shut down", "sessions", len(sessions))
}

// handleExit runs when a process exits on its own. Only the first
// notification for a session has any effect.
func (r *Registry) handleExit(s *activeSession, code int) {
	running, subs := s.terminate(&code)
	if !running {
		return
	}
	closeAll(subs)

	id := s.id()
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.bus.Publish(Event{Type: EventExited, ID: id, ExitCode: code})
	r.logger.Info("session exited", "session", id, "exitCode", code)
}

func (r *Registry) lookup(id string) (*activeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func closeAll(subs []Subscriber) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}
