package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
)

const (
	DefaultDialTimeout    = time.Second
	DefaultMaxOutstanding = 1024
)

var (
	ErrConnectionOverloaded = errors.New("connection overloaded")
	ErrConnectionReset      = errors.New("connection reset")
	ErrClosed               = errors.New("connection closed")
)

var crlf = []byte("\r\n")

// Endpoint is a configured server address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type Options struct {
	TCPNoDelay bool
	// BufferRequests keeps noreply requests in the write buffer until a
	// request that expects a reply is written, or the connection closes.
	BufferRequests bool
	DialTimeout    time.Duration
	// MaxOutstanding bounds queued plus unanswered requests.
	MaxOutstanding int
	Logger         *slog.Logger
}

// Conn is a single pipelined text-protocol connection. Requests are written
// in order by one writer goroutine; replies are matched to requests in FIFO
// order by one reader goroutine.
type Conn struct {
	Endpoint
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	nc      net.Conn
	rw      *bufio.ReadWriter
	gen     int
	pending *deque.Deque[*Call]
	closing bool

	outbox     chan *Call
	writerDone chan struct{}
}

// Dial opens a connection to ep. A failed first connect is logged and retried
// when the next request is written.
func Dial(ep Endpoint, opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.MaxOutstanding <= 0 {
		opts.MaxOutstanding = DefaultMaxOutstanding
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Conn{
		Endpoint:   ep,
		opts:       opts,
		log:        opts.Logger.With("server", ep.String()),
		pending:    deque.NewDeque[*Call](),
		outbox:     make(chan *Call, opts.MaxOutstanding),
		writerDone: make(chan struct{}),
	}
	if nc, err := c.dial(); err != nil {
		c.log.Warn("initial connect failed", "error", err)
	} else {
		c.mu.Lock()
		c.installLocked(nc)
		c.mu.Unlock()
	}
	go c.writeLoop()
	return c
}

func (c *Conn) dial() (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	nc, err := d.Dial("tcp", c.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s - %w", c.Endpoint, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(c.opts.TCPNoDelay); err != nil {
			c.log.Debug("set tcp nodelay", "error", err)
		}
	}
	return nc, nil
}

// installLocked makes nc the live socket and starts its reader.
func (c *Conn) installLocked(nc net.Conn) {
	c.nc = nc
	c.rw = bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	c.gen++
	go c.listen(c.gen, c.rw.Reader)
}

// Connected reports whether the connection currently has a live socket.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && !c.closing
}

// Writable reports whether Dispatch would accept another request now: the
// connection is open and below MaxOutstanding. A down socket still counts as
// writable since the writer redials it.
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing && c.pending.Len()+len(c.outbox) < c.opts.MaxOutstanding
}

// Dispatch queues r for writing and returns immediately.
func (c *Conn) Dispatch(r protocol.Request) *Call {
	call := newCall(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		call.fail(protocol.CodeConnectionFailure, ErrClosed)
		return call
	}
	if c.pending.Len()+len(c.outbox) >= c.opts.MaxOutstanding {
		call.fail(protocol.CodeConnectionFailure, ErrConnectionOverloaded)
		return call
	}
	select {
	case c.outbox <- call:
	default:
		call.fail(protocol.CodeConnectionFailure, ErrConnectionOverloaded)
	}
	return call
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for call := range c.outbox {
		c.write(call)
	}
}

// writer returns the buffered writer of the live socket and its generation,
// redialing first when the connection is down. Only the writer goroutine
// calls it, so the socket it returns is only written from there.
func (c *Conn) writer() (*bufio.Writer, int, error) {
	c.mu.Lock()
	if c.nc != nil {
		w, gen := c.rw.Writer, c.gen
		c.mu.Unlock()
		return w, gen, nil
	}
	c.mu.Unlock()

	nc, err := c.dial()
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		_ = nc.Close()
	} else {
		c.installLocked(nc)
	}
	return c.rw.Writer, c.gen, nil
}

// write sends one request. mu is never held across the dial or the socket
// write, so the reader keeps draining replies while a write is blocked.
func (c *Conn) write(call *Call) {
	w, gen, err := c.writer()
	if err != nil {
		call.fail(protocol.CodeConnectionFailure, err)
		return
	}
	if !call.Request.NoReply {
		c.mu.Lock()
		if gen != c.gen || c.nc == nil {
			c.mu.Unlock()
			call.fail(protocol.CodeConnectionFailure, ErrConnectionReset)
			return
		}
		// registered before the bytes leave so the reader always finds it
		c.pending.PushFront(call)
		c.mu.Unlock()
	}
	_, err = w.Write(call.Request.Payload)
	if err == nil && (!call.Request.NoReply || !c.opts.BufferRequests) {
		err = w.Flush()
	}
	if err != nil {
		if call.Request.NoReply {
			call.fail(protocol.CodeWriteFailure, err)
		}
		c.mu.Lock()
		if gen == c.gen && c.nc != nil {
			c.resetLocked(fmt.Errorf("write failed: %w", err))
		}
		c.mu.Unlock()
		return
	}
	call.markWritten()
	if call.Request.NoReply {
		call.finish(protocol.Record{Code: protocol.CodeActionQueued})
	}
}

func (c *Conn) resetLocked(cause error) {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc, c.rw = nil, nil
	for c.pending.Len() > 0 {
		c.pending.PopBack().fail(protocol.CodeConnectionFailure, fmt.Errorf("%w: %v", ErrConnectionReset, cause))
	}
}

func (c *Conn) nextPending(gen int) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.pending.Len() == 0 {
		return nil
	}
	return c.pending.PopBack()
}

// lost tears down generation gen after a read failure. current is the call
// the reader had taken off the queue, if any.
func (c *Conn) lost(gen int, current *Call, cause error) {
	if current != nil {
		current.fail(protocol.CodeConnectionFailure, fmt.Errorf("%w: %v", ErrConnectionReset, cause))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.nc == nil {
		return
	}
	if !c.closing {
		c.log.Warn("connection lost", "error", cause)
	}
	c.resetLocked(cause)
}

func (c *Conn) listen(gen int, reader *bufio.Reader) {
	var current *Call
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.lost(gen, current, fmt.Errorf("error reading from server: %w", err))
			return
		}
		if current == nil {
			if current = c.nextPending(gen); current == nil {
				c.lost(gen, nil, fmt.Errorf("no pending request for reply %q", bytes.TrimRight(line, "\r\n")))
				return
			}
		}
		finished, err := c.handle(current, line, reader)
		if err != nil {
			c.lost(gen, current, err)
			return
		}
		if finished {
			current = nil
		}
	}
}

// handle feeds one reply line (plus any data block) to call and reports
// whether the call is complete.
func (c *Conn) handle(call *Call, line []byte, reader *bufio.Reader) (bool, error) {
	code := protocol.StatusCode(line)
	if code == protocol.CodeUnknownRead {
		return false, fmt.Errorf("unexpected reply %q", bytes.TrimRight(line, "\r\n"))
	}
	switch call.Request.Kind {
	case protocol.KindRetrieve:
		switch code {
		case protocol.CodeValue:
			r, size, err := protocol.ParseValueHeader(line)
			if err != nil {
				return false, err
			}
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(reader, buf); err != nil {
				return false, fmt.Errorf("fatal connection error reading value: %w", err)
			}
			if !bytes.HasSuffix(buf, crlf) {
				return false, fmt.Errorf("value for %q not terminated by CRLF", r.Key)
			}
			r.Value = buf[:size]
			call.push(r)
			return false, nil
		case protocol.CodeEnd:
			call.finish(protocol.Record{Code: protocol.CodeEnd})
			return true, nil
		}
	case protocol.KindStats:
		switch code {
		case protocol.CodeStat:
			r, err := protocol.ParseStat(line)
			if err != nil {
				return false, err
			}
			call.push(r)
			return false, nil
		case protocol.CodeEnd:
			call.finish(protocol.Record{Code: protocol.CodeEnd})
			return true, nil
		}
	case protocol.KindArith:
		if code == protocol.CodeSuccess {
			call.finish(protocol.Record{Code: code, Value: bytes.TrimRight(line, "\r\n")})
			return true, nil
		}
	}
	call.finish(protocol.Record{Code: code, Line: string(bytes.TrimRight(line, "\r\n"))})
	return true, nil
}

// Close flushes queued requests, closes the socket and fails any request
// still waiting for a reply.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closing = true
	close(c.outbox)
	c.mu.Unlock()

	<-c.writerDone

	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	var err error
	if rw != nil {
		err = rw.Flush()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		if cerr := c.nc.Close(); err == nil {
			err = cerr
		}
	}
	c.nc, c.rw = nil, nil
	for c.pending.Len() > 0 {
		c.pending.PopBack().fail(protocol.CodeConnectionFailure, ErrClosed)
	}
	return err
}
