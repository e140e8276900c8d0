package transport

import (
	"sync"

	"github.com/edwingeng/deque/v2"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
)

// Call is one request in flight on a Conn. Reply records are queued on the
// call as the connection's reader parses them; the caller drains them with
// Next without blocking, or waits on Done.
type Call struct {
	Request protocol.Request

	mu        sync.Mutex
	records   *deque.Deque[protocol.Record]
	finished  bool
	abandoned bool

	readable chan struct{}
	sent     chan struct{}
	done     chan struct{}
	sentOnce sync.Once
	doneOnce sync.Once
}

func newCall(r protocol.Request) *Call {
	return &Call{
		Request:  r,
		records:  deque.NewDeque[protocol.Record](),
		readable: make(chan struct{}, 1),
		sent:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Readable is signalled every time new records are queued or the call ends.
// A receive may be spurious; callers re-check with Next.
func (c *Call) Readable() <-chan struct{} {
	return c.readable
}

// Written is closed once the request bytes are handed to the socket.
func (c *Call) Written() <-chan struct{} {
	return c.sent
}

// Done is closed after the terminal record has been queued.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// IsWritten reports whether the request has left the write queue.
func (c *Call) IsWritten() bool {
	select {
	case <-c.sent:
		return true
	default:
		return false
	}
}

// Next pops the oldest queued record. ok is false when nothing is queued;
// finished then tells whether more records can still arrive.
func (c *Call) Next() (r protocol.Record, ok bool, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records.Len() == 0 {
		return r, false, c.finished
	}
	return c.records.PopFront(), true, false
}

// Wait blocks until the call ends and returns every queued record.
func (c *Call) Wait() []protocol.Record {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Record, 0, c.records.Len())
	for c.records.Len() > 0 {
		out = append(out, c.records.PopFront())
	}
	return out
}

// Abandon drops queued records and makes the reader discard the rest.
// The reader still consumes them off the wire, so the connection stays in
// step for the next request.
func (c *Call) Abandon() {
	c.mu.Lock()
	c.abandoned = true
	for c.records.Len() > 0 {
		c.records.PopFront()
	}
	c.mu.Unlock()
}

func (c *Call) push(r protocol.Record) {
	c.mu.Lock()
	if !c.abandoned && !c.finished {
		c.records.PushBack(r)
	}
	c.mu.Unlock()
	c.signal()
}

// finish queues the terminal record and closes Done.
func (c *Call) finish(r protocol.Record) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if !c.abandoned {
		c.records.PushBack(r)
	}
	c.finished = true
	c.mu.Unlock()
	c.markWritten()
	c.doneOnce.Do(func() { close(c.done) })
	c.signal()
}

func (c *Call) fail(code protocol.Code, err error) {
	c.finish(protocol.Record{Code: code, Line: err.Error()})
}

func (c *Call) markWritten() {
	c.sentOnce.Do(func() { close(c.sent) })
}

func (c *Call) signal() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}
