package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Reconnector.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	// StateClosed means the server ended the session; no reconnect follows.
	StateClosed
	// StateDisposed means Disconnect was called.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// DefaultSchedule is the delay before each reconnect attempt. The last
// entry repeats.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// DefaultSettleDelay is how long geometry is left to settle after a
// keyboard or orientation change before the new size is sent.
const DefaultSettleDelay = 150 * time.Millisecond

// Renderer displays a session's output and reports the terminal size.
type Renderer interface {
	WriteBytes(data []byte)
	WriteText(text string)
	Size() (cols, rows int)
}

// Hooks are optional notifications about the connection. They are called
// without internal locks held and may call back into the Reconnector.
type Hooks struct {
	// OnReconnecting fires when a reconnect has been scheduled. attempt
	// counts from 1 since the last successful open.
	OnReconnecting func(attempt int, delay time.Duration)
	// OnReconnected fires on every successful open after the first.
	OnReconnected func()
	// OnSessionEnded fires when the server closes the stream normally.
	OnSessionEnded func()
}

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Options configure a Reconnector. Zero values select defaults.
type Options struct {
	URL         string
	Header      http.Header
	Dialer      *websocket.Dialer
	Schedule    []time.Duration
	SettleDelay time.Duration

	PingInterval time.Duration
	PongTimeout  time.Duration

	// AfterFunc schedules f to run after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Reconnector keeps a terminal attached to one remote session across
// network interruptions. Output goes to the Renderer; input is sent only
// while the connection is open and is dropped otherwise.
type Reconnector struct {
	opts     Options
	renderer Renderer
	hooks    Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	attempt    int
	everOpened bool
	// gen identifies the current connection attempt. Callbacks carrying an
	// older generation are ignored.
	gen      uint64
	conn     *websocket.Conn
	retry    Timer
	settle   Timer
	cleanups []func()

	writeMu sync.Mutex
}

func NewReconnector(opts Options, renderer Renderer, hooks Hooks) *Reconnector {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultSchedule
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = pongTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		opts:     opts,
		renderer: renderer,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start makes the first connection attempt. Later calls do nothing.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return
	}
	gen := r.beginAttemptLocked()
	r.mu.Unlock()
	go r.connect(gen)
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Send forwards input to the session while the connection is open.
func (r *Reconnector) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	conn := r.openConn()
	if conn == nil {
		return
	}
	r.write(conn, websocket.BinaryMessage, data)
}

// Resize sends the renderer's current size to the session.
func (r *Reconnector) Resize() {
	conn := r.openConn()
	if conn == nil {
		return
	}
	cols, rows := r.renderer.Size()
	if cols <= 0 || rows <= 0 {
		return
	}
	data, err := json.Marshal(resizeControl{Type: "resize", Cols: cols, Rows: rows})
	if err != nil {
		return
	}
	r.write(conn, websocket.TextMessage, data)
}

// KeyboardChanged reports that an on-screen keyboard appeared or went
// away. The resize is sent once the layout has settled.
func (r *Reconnector) KeyboardChanged(visible bool) {
	r.resizeAfterSettle()
}

// OrientationChanged reports a device rotation. The resize is sent once
// the layout has settled.
func (r *Reconnector) OrientationChanged() {
	r.resizeAfterSettle()
}

func (r *Reconnector) resizeAfterSettle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return
	}
	if r.settle != nil {
		r.settle.Stop()
	}
	r.settle = r.opts.AfterFunc(r.opts.SettleDelay, r.Resize)
}

// NetworkRestored reports that host connectivity came back. Unless the
// connection is open or finished, any pending attempt is cancelled and a
// new one starts immediately with the backoff reset.
func (r *Reconnector) NetworkRestored() {
	r.mu.Lock()
	switch r.state {
	case StateOpen, StateClosed, StateDisposed, StateIdle:
		r.mu.Unlock()
		return
	}
	r.attempt = 0
	gen := r.beginAttemptLocked()
	r.mu.Unlock()
	go r.connect(gen)
}

// AddCleanup registers f to run on Disconnect, typically to unregister a
// platform listener. After Disconnect, f runs immediately.
func (r *Reconnector) AddCleanup(f func()) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		f()
		return
	}
	r.cleanups = append(r.cleanups, f)
	r.mu.Unlock()
}

// Disconnect tears the Reconnector down for good: timers stop, cleanups
// run, and an open connection is closed with a normal closure. Safe to call
// from any state and more than once.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}
	r.state = StateDisposed
	r.gen++
	r.stopTimersLocked()
	conn := r.conn
	r.conn = nil
	cleanups := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()

	r.cancel()
	for _, f := range cleanups {
		f()
	}
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeTimeout))
		r.writeMu.Unlock()
		conn.Close()
	}
}

// beginAttemptLocked starts a new generation for a connection attempt,
// cancelling any pending retry.
func (r *Reconnector) beginAttemptLocked() uint64 {
	r.gen++
	r.state = StateConnecting
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	return r.gen
}

func (r *Reconnector) stopTimersLocked() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	if r.settle != nil {
		r.settle.Stop()
		r.settle = nil
	}
}

func (r *Reconnector) openConn() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOpen {
		return nil
	}
	return r.conn
}

func (r *Reconnector) write(conn *websocket.Conn, messageType int, data []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	// A failed write surfaces as a read error on the same connection.
	_ = conn.WriteMessage(messageType, data)
}

func (r *Reconnector) connect(gen uint64) {
	cols, rows := r.renderer.Size()
	target, err := withSize(r.opts.URL, cols, rows)
	var conn *websocket.Conn
	if err == nil {
		conn, _, err = r.opts.Dialer.DialContext(r.ctx, target, r.opts.Header)
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		attempt, delay := r.scheduleLocked()
		r.mu.Unlock()
		r.notifyReconnecting(attempt, delay)
		return
	}
	r.conn = conn
	r.state = StateOpen
	r.attempt = 0
	reconnected := r.everOpened
	r.everOpened = true
	r.mu.Unlock()

	done := make(chan struct{})
	go r.pingLoop(conn, done)
	if reconnected && r.hooks.OnReconnected != nil {
		r.hooks.OnReconnected()
	}
	r.readLoop(gen, conn, done)
}

// scheduleLocked arms the single retry slot with the next backoff delay.
func (r *Reconnector) scheduleLocked() (int, time.Duration) {
	schedule := r.opts.Schedule
	delay := schedule[min(r.attempt, len(schedule)-1)]
	r.attempt++
	r.state = StateReconnecting
	if r.retry != nil {
		r.retry.Stop()
	}
	gen := r.gen
	r.retry = r.opts.AfterFunc(delay, func() { r.fireRetry(gen) })
	return r.attempt, delay
}

func (r *Reconnector) fireRetry(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != StateReconnecting {
		r.mu.Unlock()
		return
	}
	next := r.beginAttemptLocked()
	r.mu.Unlock()
	r.connect(next)
}

func (r *Reconnector) notifyReconnecting(attempt int, delay time.Duration) {
	if r.hooks.OnReconnecting != nil {
		r.hooks.OnReconnecting(attempt, delay)
	}
}

func (r *Reconnector) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	pongTimeout := r.opts.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			r.handleClose(gen, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch mt {
		case websocket.BinaryMessage:
			r.renderer.WriteBytes(data)
		case websocket.TextMessage:
			if len(data) > 0 {
				r.renderer.WriteText(string(data))
			}
		}
	}
}

func (r *Reconnector) handleClose(gen uint64, conn *websocket.Conn, err error) {
	conn.Close()

	r.mu.Lock()
	if gen != r.gen || r.state != StateOpen {
		r.mu.Unlock()
		return
	}
	r.conn = nil

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		r.state = StateClosed
		r.stopTimersLocked()
		r.mu.Unlock()
		if r.hooks.OnSessionEnded != nil {
			r.hooks.OnSessionEnded()
		}
		return
	}

	attempt, delay := r.scheduleLocked()
	r.mu.Unlock()
	r.notifyReconnecting(attempt, delay)
}

func (r *Reconnector) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
