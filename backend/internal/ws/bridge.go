package ws

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/backend/internal/session"
)

// maxInboundMessage caps a single frame from a terminal client. Pastes
// larger than this are split by well-behaved clients.
const maxInboundMessage = 1 << 20

var errSendQueueFull = errors.New("send queue full")

// BridgeOptions tune a terminal socket.
type BridgeOptions struct {
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o BridgeOptions) withDefaults() BridgeOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// wsSubscriber adapts a websocket connection to session.Subscriber. Output
// is queued and written by writePump, so Send never blocks the session.
// The backlog flushed on attach goes through replay instead of the send
// queue, so its size is bounded only by the session's buffer ceiling.
type wsSubscriber struct {
	conn   *websocket.Conn
	opts   BridgeOptions
	logger *slog.Logger

	replayMu sync.Mutex
	replay   [][]byte
	wake     chan struct{}

	send      chan []byte
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	// overflowed is set when the queue filled up; the socket is then closed
	// with a retryable code instead of a normal closure.
	overflowed atomic.Bool
	// closeCode and closeReason override the close frame; written before
	// done is closed.
	closeCode   int
	closeReason string
}

func newWSSubscriber(conn *websocket.Conn, opts BridgeOptions, logger *slog.Logger) *wsSubscriber {
	opts = opts.withDefaults()
	s := &wsSubscriber{
		conn:     conn,
		opts:     opts,
		logger:   logger,
		send:     make(chan []byte, opts.SendQueue),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSubscriber) Send(data []byte) error {
	if s.closed.Load() {
		return session.ErrSubscriberClosed
	}
	select {
	case s.send <- bytes.Clone(data):
		return nil
	default:
		s.overflowed.Store(true)
		return errSendQueueFull
	}
}

// Replay hands the attach backlog to the write pump, which writes it before
// anything passed to Send.
func (s *wsSubscriber) Replay(chunks [][]byte) error {
	if s.closed.Load() {
		return session.ErrSubscriberClosed
	}
	s.replayMu.Lock()
	s.replay = append(s.replay, chunks...)
	s.replayMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *wsSubscriber) Alive() bool {
	return !s.closed.Load()
}

// Close stops the write pump. Output already queued is written first, then
// a close frame: 1000 when the session ended, 1013 when this subscriber
// could not keep up.
func (s *wsSubscriber) Close() error {
	s.shutdown(0, "")
	return nil
}

// closeWithReason closes the subscriber with an explicit close frame.
func (s *wsSubscriber) closeWithReason(code int, reason string) {
	s.shutdown(code, reason)
}

func (s *wsSubscriber) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode, s.closeReason = code, reason
		s.closed.Store(true)
		close(s.done)
	})
}

// wait blocks until the write pump has finished with the connection.
func (s *wsSubscriber) wait() {
	<-s.pumpDone
}

func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.pumpDone)
	}()

	for {
		select {
		case <-s.wake:
			if err := s.writeReplay(); err != nil {
				s.logger.Debug("terminal replay failed", "err", err)
				s.closed.Store(true)
				return
			}

		case msg := <-s.send:
			// Live output queued while the wake signal was pending must
			// not overtake the backlog.
			if err := s.writeReplay(); err != nil {
				s.closed.Store(true)
				return
			}
			if err := s.write(websocket.BinaryMessage, msg); err != nil {
				s.logger.Debug("terminal write failed", "err", err)
				s.closed.Store(true)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closed.Store(true)
				return
			}

		case <-s.done:
			if err := s.writeReplay(); err != nil {
				return
			}
			s.drain()
			code, reason := websocket.CloseNormalClosure, "session ended"
			switch {
			case s.closeCode != 0:
				code, reason = s.closeCode, s.closeReason
			case s.overflowed.Load():
				code, reason = websocket.CloseTryAgainLater, "subscriber too slow"
			}
			s.closeWith(code, reason)
			return
		}
	}
}

func (s *wsSubscriber) writeReplay() error {
	s.replayMu.Lock()
	chunks := s.replay
	s.replay = nil
	s.replayMu.Unlock()
	for _, chunk := range chunks {
		if err := s.write(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *wsSubscriber) drain() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.BinaryMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSubscriber) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsSubscriber) closeWith(code int, reason string) {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// pump reads frames from a terminal client until the connection fails.
// Binary frames and unrecognised text frames are input; resize control
// frames resize the session.
func pump(conn *websocket.Conn, bridge *session.Bridge, pongWait time.Duration) {
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.BinaryMessage:
			bridge.HandleMessage(data)
		case websocket.TextMessage:
			if ctl, ok := parseControl(data); ok {
				bridge.HandleResize(ctl.Cols, ctl.Rows)
				continue
			}
			bridge.HandleMessage(data)
		}
	}
}
