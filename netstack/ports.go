package netstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/romshark/e1000net/mem"
)

// datagram is a queued UDP datagram. page holds the whole frame; the
// payload is page.Buf[off:off+len].
type datagram struct {
	page    mem.Page
	off     int
	len     int
	srcIP   uint32
	srcPort uint16
}

func (d datagram) payload() []byte { return d.page.Buf[d.off : d.off+d.len] }

// portQueue is a bounded FIFO of datagrams for one bound port.
type portQueue struct {
	port  uint16
	buf   []datagram
	head  int
	count int
	// ready is signaled on every enqueue. Its locker is registry.mu.
	ready sync.Cond
}

func (q *portQueue) push(d datagram) {
	q.buf[(q.head+q.count)%len(q.buf)] = d
	q.count++
}

func (q *portQueue) pop() datagram {
	d := q.buf[q.head]
	q.buf[q.head] = datagram{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return d
}

type enqueueResult int8

const (
	enqueued enqueueResult = iota
	noPort
	queueFull
)

// registry maps bound ports to their queues. mu protects the queue list
// and every queue's contents.
type registry struct {
	mu     sync.Mutex
	cap    int
	queues []*portQueue // newest first
	closed bool
}

func (r *registry) init(capacity int) { r.cap = capacity }

// lookup must be called with mu held. A port bound twice resolves to the
// most recent binding.
func (r *registry) lookup(port uint16) *portQueue {
	for _, q := range r.queues {
		if q.port == port {
			return q
		}
	}
	return nil
}

func (r *registry) bind(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	q := &portQueue{port: port, buf: make([]datagram, r.cap)}
	q.ready.L = &r.mu
	r.queues = append([]*portQueue{q}, r.queues...)
	return nil
}

func (r *registry) enqueue(port uint16, d datagram) enqueueResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.lookup(port)
	switch {
	case q == nil || r.closed:
		return noPort
	case q.count >= len(q.buf):
		return queueFull
	}
	q.push(d)
	// Waiters may have been woken for cancellation, wake them all.
	q.ready.Broadcast()
	return enqueued
}

// dequeue blocks until port's queue is non-empty and pops its head.
// It returns ctx.Err() when ctx is done first.
func (r *registry) dequeue(ctx context.Context, port uint16) (datagram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.lookup(port)
	if q == nil {
		return datagram{}, fmt.Errorf("%w: %d", ErrNotBound, port)
	}
	if q.count == 0 {
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			q.ready.Broadcast()
		})
		defer stop()
	}
	for q.count == 0 {
		if r.closed {
			return datagram{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return datagram{}, err
		}
		q.ready.Wait()
	}
	return q.pop(), nil
}

// close empties every queue, returning the datagrams, and wakes all
// waiters.
func (r *registry) close() []datagram {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var out []datagram
	for _, q := range r.queues {
		for q.count > 0 {
			out = append(out, q.pop())
		}
		q.ready.Broadcast()
	}
	return out
}

// Bind creates a queue for port. Binding a port again adds another queue
// that shadows the previous one.
func (s *Stack) Bind(port uint16) error {
	if err := s.ports.bind(port); err != nil {
		return err
	}
	s.log.WithField("port", port).Debug("bound")
	return nil
}

// Unbind does nothing: queues live as long as the Stack, and datagrams to
// the port keep being queued.
func (s *Stack) Unbind(port uint16) error { return nil }

// Recv blocks until a datagram arrives on port, copies up to len(buf)
// payload bytes into buf and returns the count with the datagram's source
// address and port. A larger payload is truncated silently.
//
// Recv fails with ErrNotBound when port was never bound, and with
// ctx.Err() when ctx is done while waiting.
func (s *Stack) Recv(
	ctx context.Context, port uint16, buf []byte,
) (n int, srcIP uint32, srcPort uint16, err error) {
	d, err := s.ports.dequeue(ctx, port)
	if err != nil {
		return 0, 0, 0, err
	}
	n = copy(buf, d.payload())
	s.alloc.FreePage(d.page)
	return n, d.srcIP, d.srcPort, nil
}
