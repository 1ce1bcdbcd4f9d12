package session

import (
	"log/slog"
	"sync"

	"github.com/termhub/termhub/backend/internal/ptyproc"
)

// activeSession is the registry's private state for one session. mu
// serialises the subscriber set, the buffer and status transitions, so the
// broadcast-or-buffer decision for a chunk is atomic with respect to
// Connect.
type activeSession struct {
	mu         sync.Mutex
	info       *Info
	proc       ptyproc.Process
	buffer     *OutputBuffer
	subs       map[Subscriber]struct{}
	flushChunk int
}

func (s *activeSession) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ID
}

func (s *activeSession) snapshot() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.clone()
}

// handleOutput delivers one chunk of process output. With subscribers
// attached the chunk goes to each of them and is not buffered; with none,
// or when every delivery failed, it is appended to the buffer. Subscribers
// that are dead or refuse the chunk are dropped. data is shared between
// subscribers and must not be modified by them.
func (s *activeSession) handleOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status != StatusRunning {
		return
	}
	if s.broadcastLocked(data) == 0 {
		s.buffer.Write(data)
	}
}

func (s *activeSession) broadcastLocked(data []byte) int {
	delivered := 0
	for sub := range s.subs {
		if !sub.Alive() || sub.Send(data) != nil {
			delete(s.subs, sub)
			_ = sub.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// flushLocked replays the buffer to sub in bounded chunks and empties it.
// A Replayer takes the whole backlog at once. If sub fails part way, it is
// dropped and the undelivered tail is kept for the next subscriber.
func (s *activeSession) flushLocked(sub Subscriber) {
	if s.buffer.Len() == 0 {
		return
	}
	pending := s.buffer.Bytes()
	s.buffer.Reset()

	chunk := s.flushChunk
	if chunk <= 0 {
		chunk = len(pending)
	}
	if rp, ok := sub.(Replayer); ok {
		chunks := make([][]byte, 0, (len(pending)+chunk-1)/chunk)
		for off := 0; off < len(pending); off += chunk {
			chunks = append(chunks, pending[off:min(off+chunk, len(pending))])
		}
		if err := rp.Replay(chunks); err != nil {
			delete(s.subs, sub)
			_ = sub.Close()
			s.buffer.Write(pending)
		}
		return
	}
	for off := 0; off < len(pending); off += chunk {
		end := min(off+chunk, len(pending))
		if err := sub.Send(pending[off:end]); err != nil {
			delete(s.subs, sub)
			_ = sub.Close()
			s.buffer.Write(pending[off:])
			return
		}
	}
}

// resizeLocked reports whether the recorded size changed.
func (s *activeSession) resizeLocked(size Size, logger *slog.Logger) bool {
	if s.info.Status != StatusRunning || !size.Valid() {
		return false
	}
	if err := s.proc.Resize(size.Cols, size.Rows); err != nil {
		logger.Debug("resize failed", "session", s.info.ID, "err", err)
		return false
	}
	if s.info.Cols == size.Cols && s.info.Rows == size.Rows {
		return false
	}
	s.info.Cols, s.info.Rows = size.Cols, size.Rows
	return true
}

// terminate moves the session to exited and detaches every subscriber. It
// reports whether the session was still running, so exactly one caller
// performs the teardown side effects.
func (s *activeSession) terminate(exitCode *int) (bool, []Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status != StatusRunning {
		return false, nil
	}
	s.info.Status = StatusExited
	if exitCode != nil {
		code := *exitCode
		s.info.ExitCode = &code
	}
	subs := make([]Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[Subscriber]struct{})
	s.buffer.Reset()
	return true, subs
}
