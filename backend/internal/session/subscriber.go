package session

import "errors"

// ErrSubscriberClosed is returned by Send on a subscriber whose transport
// has gone away.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is a transport entitled to receive a session's output.
//
// Send must not block: a transport that cannot accept data right away
// returns an error and is dropped by the registry. Close must be safe to
// call more than once.
type Subscriber interface {
	Send(data []byte) error
	Close() error
	Alive() bool
}

// Replayer is implemented by subscribers that take the buffered backlog in
// one call, apart from their live queue. Chunks are owned by the callee and
// must be delivered in order before any data passed to Send afterwards.
type Replayer interface {
	Replay(chunks [][]byte) error
}

// Bridge connects one subscriber's inbound side back to its session.
type Bridge struct {
	registry *Registry
	id       string
	sub      Subscriber
}

// HandleMessage forwards inbound transport data to the session's process.
func (b *Bridge) HandleMessage(data []byte) {
	b.registry.Write(b.id, data)
}

// HandleResize applies a resize control message from the transport.
func (b *Bridge) HandleResize(cols, rows int) {
	b.registry.Resize(b.id, cols, rows)
}

// HandleClose detaches the subscriber. The session keeps running.
func (b *Bridge) HandleClose() {
	b.registry.disconnect(b.id, b.sub)
}

// SessionID returns the session this bridge is attached to.
func (b *Bridge) SessionID() string { return b.id }
