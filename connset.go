package client

import (
	"errors"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
	"github.com/jsp-lqk/memcached-dispatch/internal/transport"
)

// connSet owns one connection per configured server, indexed like the
// server list.
type connSet struct {
	conns []*transport.Conn
}

func openConnSet(eps []transport.Endpoint, opts transport.Options) *connSet {
	s := &connSet{conns: make([]*transport.Conn, len(eps))}
	for i, ep := range eps {
		s.conns[i] = transport.Dial(ep, opts)
	}
	return s
}

func (s *connSet) send(i int, r protocol.Request) *transport.Call {
	return s.conns[i].Dispatch(r)
}

// receive blocks until call ends and returns its records.
func (s *connSet) receive(call *transport.Call) []protocol.Record {
	return call.Wait()
}

func (s *connSet) readinessHandle(i int, call *transport.Call) Handle {
	return Handle{Server: i, ch: call.Readable()}
}

func (s *connSet) writeHandle(i int, call *transport.Call) Handle {
	return Handle{Server: i, ch: call.Written()}
}

func (s *connSet) isWritable(i int) bool {
	return s.conns[i].Writable()
}

func (s *connSet) endpoints() []transport.Endpoint {
	eps := make([]transport.Endpoint, len(s.conns))
	for i, c := range s.conns {
		eps[i] = c.Endpoint
	}
	return eps
}

func (s *connSet) close() error {
	var errs []error
	for _, c := range s.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
