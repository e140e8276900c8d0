package client

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
	"github.com/jsp-lqk/memcached-dispatch/internal/transport"
)

// SessionState tracks a multi-get from dispatch to completion.
type SessionState int

const (
	Idle SessionState = iota
	Dispatching
	Draining
	Complete
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// MultiGetSession is the state of one in-flight multi-get. It belongs to the
// goroutine that called BeginGetMulti.
type MultiGetSession struct {
	client *Client
	state  SessionState

	// pending holds the namespaced keys each server has not returned yet.
	pending map[int][]string
	calls   map[int]*transport.Call
	results map[string][]byte
	errs    map[string]error
	// servers is the sorted list of servers still producing results.
	servers []int
}

// BeginGetMulti sends one pipelined get per server that owns at least one
// of keys and returns without waiting for any reply. Invalid keys, and keys
// owned by a connection that is closed or at its outstanding limit, are
// recorded as per-key errors and do not stop the others.
func (c *Client) BeginGetMulti(keys []string) (*MultiGetSession, error) {
	if err := c.guard("get_multi"); err != nil {
		return nil, err
	}
	s := &MultiGetSession{
		client:  c,
		pending: make(map[int][]string),
		calls:   make(map[int]*transport.Call),
		results: make(map[string][]byte),
		errs:    make(map[string]error),
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		nk, err := c.nsKey("get_multi", k)
		if err != nil {
			s.errs[k] = err
			continue
		}
		i := c.router.Route(nk)
		s.pending[i] = append(s.pending[i], nk)
	}

	servers := maps.Keys(s.pending)
	slices.Sort(servers)
	for _, i := range servers {
		if !c.conns.isWritable(i) {
			s.failPending(i, protocol.Record{Code: protocol.CodeConnectionFailure, Line: "connection not accepting requests"})
			continue
		}
		s.calls[i] = c.conns.send(i, protocol.Retrieval("get", s.pending[i]))
		s.servers = append(s.servers, i)
	}
	if len(s.servers) == 0 {
		s.state = Complete
	} else {
		s.state = Dispatching
	}
	return s, nil
}

// ContinueGetMulti consumes whatever replies have already arrived, without
// blocking, and returns every result gathered so far. readSet and writeSet
// are the handles to wait on (see Wait) before the next call; the session is
// complete when both are empty. Keys missing on the server are left out of
// the results.
func (c *Client) ContinueGetMulti(s *MultiGetSession) (results map[string][]byte, readSet, writeSet []Handle, err error) {
	if err := c.guard("get_multi"); err != nil {
		return nil, nil, nil, err
	}
	if s.client != c {
		return nil, nil, nil, &OpError{Op: "get_multi", Outcome: ClientError, Detail: "session belongs to another client"}
	}
	active := s.servers[:0]
	for _, i := range s.servers {
		call := s.calls[i]
		if !call.IsWritten() {
			writeSet = append(writeSet, c.conns.writeHandle(i, call))
			active = append(active, i)
			continue
		}
		if s.drain(i, call) {
			delete(s.calls, i)
			continue
		}
		readSet = append(readSet, c.conns.readinessHandle(i, call))
		active = append(active, i)
	}
	s.servers = active

	switch {
	case len(s.servers) == 0:
		s.state = Complete
	case len(writeSet) == 0:
		s.state = Draining
	}
	return maps.Clone(s.results), readSet, writeSet, nil
}

// drain reads every queued record for server i and reports whether the
// server is done.
func (s *MultiGetSession) drain(i int, call *transport.Call) bool {
	ns := len(s.client.cfg.Namespace)
	for {
		rec, ok, finished := call.Next()
		if !ok {
			if finished {
				s.failPending(i, protocol.Record{Code: protocol.CodeUnknownRead, Line: "reply ended early"})
			}
			return finished
		}
		switch rec.Code {
		case protocol.CodeValue:
			if len(rec.Key) < ns {
				continue
			}
			key := rec.Key[ns:]
			if _, dup := s.results[key]; !dup {
				s.results[key] = rec.Value
			}
			s.pending[i] = slices.DeleteFunc(s.pending[i], func(k string) bool { return k == rec.Key })
		case protocol.CodeEnd:
			delete(s.pending, i)
			return true
		default:
			s.failPending(i, rec)
			return true
		}
	}
}

// failPending records rec's outcome against every key server i still owes.
func (s *MultiGetSession) failPending(i int, rec protocol.Record) {
	ns := len(s.client.cfg.Namespace)
	o := classify(rec.Code)
	if o.OK() {
		o = ProtocolError
	}
	for _, nk := range s.pending[i] {
		key := nk[ns:]
		s.errs[key] = &OpError{Op: "get_multi", Key: key, Outcome: o, Detail: rec.Line}
	}
	delete(s.pending, i)
	s.client.log.Debug("multi-get server failed", "server", i, "outcome", o.String(), "detail", rec.Line)
}

func (s *MultiGetSession) State() SessionState {
	return s.state
}

// Done reports whether every server has finished.
func (s *MultiGetSession) Done() bool {
	return s.state == Complete
}

// Results returns a copy of the values gathered so far.
func (s *MultiGetSession) Results() map[string][]byte {
	return maps.Clone(s.results)
}

// Errors returns the per-key failures recorded so far.
func (s *MultiGetSession) Errors() map[string]error {
	return maps.Clone(s.errs)
}

// Err joins the per-key failures in key order, or returns nil.
func (s *MultiGetSession) Err() error {
	keys := maps.Keys(s.errs)
	slices.Sort(keys)
	errs := make([]error, len(keys))
	for i, k := range keys {
		errs[i] = s.errs[k]
	}
	return errors.Join(errs...)
}

// Abandon ends the session early. Replies still on the wire are read and
// discarded by the connection, so the next operation on it is unaffected.
// Results gathered so far stay readable.
func (s *MultiGetSession) Abandon() {
	for _, i := range s.servers {
		s.calls[i].Abandon()
		delete(s.calls, i)
		delete(s.pending, i)
	}
	s.servers = nil
	s.state = Complete
}

// GetMulti fetches keys and blocks until every server has answered or ctx is
// done. Missing keys are left out. Per-key failures are returned joined in
// the error alongside the values that were found.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	s, err := c.BeginGetMulti(keys)
	if err != nil {
		return nil, err
	}
	for {
		results, readSet, writeSet, err := c.ContinueGetMulti(s)
		if err != nil {
			s.Abandon()
			return nil, err
		}
		if len(readSet) == 0 && len(writeSet) == 0 {
			return results, s.Err()
		}
		if err := Wait(ctx, readSet, writeSet); err != nil {
			s.Abandon()
			return s.Results(), err
		}
	}
}
