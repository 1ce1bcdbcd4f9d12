package session

// OutputBuffer is a bounded circular byte buffer holding the most recent
// output of a session. When full, new writes overwrite the oldest bytes.
//
// OutputBuffer is not safe for concurrent use; the owning session
// serialises access.
type OutputBuffer struct {
	data     []byte
	capacity int
	// start is the index of the oldest retained byte.
	start  int
	length int
}

// NewOutputBuffer creates an empty buffer holding at most capacity bytes.
// Storage is allocated lazily so idle sessions cost nothing.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{capacity: capacity}
}

// Write appends p, evicting the oldest bytes beyond the capacity. A write
// larger than the capacity keeps only its trailing capacity bytes.
func (b *OutputBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.data == nil {
		b.data = make([]byte, b.capacity)
	}
	if len(p) >= b.capacity {
		copy(b.data, p[len(p)-b.capacity:])
		b.start = 0
		b.length = b.capacity
		return
	}

	end := (b.start + b.length) % b.capacity
	n := copy(b.data[end:], p)
	copy(b.data, p[n:])

	b.length += len(p)
	if b.length > b.capacity {
		overflow := b.length - b.capacity
		b.start = (b.start + overflow) % b.capacity
		b.length = b.capacity
	}
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (b *OutputBuffer) Bytes() []byte {
	if b.length == 0 {
		return nil
	}
	out := make([]byte, b.length)
	n := copy(out, b.data[b.start:min(b.start+b.length, b.capacity)])
	copy(out[n:], b.data[:b.length-n])
	return out
}

// Len reports the number of buffered bytes.
func (b *OutputBuffer) Len() int { return b.length }

// Cap reports the buffer ceiling.
func (b *OutputBuffer) Cap() int { return b.capacity }

// Reset empties the buffer and releases its storage.
func (b *OutputBuffer) Reset() {
	b.data = nil
	b.start = 0
	b.length = 0
}
