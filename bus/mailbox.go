package bus

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

// mailbox is an unbounded FIFO in front of a subscription channel. push
// never blocks and never drops, so a slow consumer cannot lose a status or
// a last-will. A pump goroutine moves messages to out in push order.
type mailbox struct {
	out chan *Message

	mu      sync.Mutex
	pending *queue.Queue
	closed  bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newMailbox(size int) *mailbox {
	m := &mailbox{
		out:     make(chan *Message, size),
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.pump()
	return m
}

// push queues msg. It reports false once the mailbox is closed.
func (m *mailbox) push(msg *Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending.Enqueue(msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// backlog returns the number of messages not yet moved to out.
func (m *mailbox) backlog() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

func (m *mailbox) pump() {
	defer close(m.stopped)
	defer close(m.out)

	for {
		m.mu.Lock()
		if m.pending.Len() == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.pending.Dequeue().(*Message)
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}

// close discards the backlog and closes out once the pump has stopped.
// Messages already in out stay readable.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.stopped
		return
	}
	m.closed = true
	m.pending = queue.New()
	m.mu.Unlock()

	close(m.done)
	<-m.stopped
}
