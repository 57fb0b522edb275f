package results

import (
	"sync"
	"time"
)

// Result is one message received on the results channel.
type Result struct {
	// Topic the result arrived on.
	Topic string `json:"topic"`

	// Payload is the raw message body.
	Payload []byte `json:"payload"`

	// ReceivedAt is when the coordinator buffered the result.
	ReceivedAt time.Time `json:"received_at"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() Result {
	clone := Result{
		Topic:      r.Topic,
		ReceivedAt: r.ReceivedAt,
	}

	if r.Payload != nil {
		clone.Payload = make([]byte, len(r.Payload))
		copy(clone.Payload, r.Payload)
	}

	return clone
}

// Buffer is an append-only result sequence with a handed-out cursor.
// It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Result
	sent    int
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a result to the end of the buffer.
func (b *Buffer) Append(r Result) {
	stored := r.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, stored)
}

// Get returns a copy of the buffer contents and marks them as handed out.
func (b *Buffer) Get() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Result, len(b.entries))
	for i := range b.entries {
		out[i] = b.entries[i].Clone()
	}
	b.sent = len(b.entries)
	return out
}

// Clear removes the entries handed out by the last Get and resets the
// cursor. It returns the number of entries removed.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.sent
	remaining := make([]Result, len(b.entries)-n)
	copy(remaining, b.entries[n:])
	b.entries = remaining
	b.sent = 0
	return n
}

// Len returns the number of buffered results.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Pending returns the number of results not yet handed out by Get.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) - b.sent
}
