package client

import (
	"errors"
	"fmt"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
)

// Outcome is the typed result of an operation.
type Outcome int

const (
	Success Outcome = iota
	// ActionQueued means the request was buffered or sent without waiting for
	// the server. It counts as success but nothing was verified.
	ActionQueued
	NotFound
	NotStored
	ConnectionFailure
	ServerError
	ClientError
	ProtocolError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ActionQueued:
		return "action queued"
	case NotFound:
		return "not found"
	case NotStored:
		return "not stored"
	case ConnectionFailure:
		return "connection failure"
	case ServerError:
		return "server error"
	case ClientError:
		return "client error"
	case ProtocolError:
		return "protocol error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// OK reports whether o lets control flow continue as a success.
func (o Outcome) OK() bool {
	return o == Success || o == ActionQueued
}

var (
	ErrNotFound          = errors.New("memcached: not found")
	ErrNotStored         = errors.New("memcached: not stored")
	ErrConnectionFailure = errors.New("memcached: connection failure")
	ErrServerError       = errors.New("memcached: server error")
	ErrClientError       = errors.New("memcached: client error")
	ErrProtocolError     = errors.New("memcached: protocol error")
	// ErrArgument is returned by New for malformed servers or namespace.
	ErrArgument = errors.New("memcached: invalid argument")
)

// Err returns the sentinel matching o, or nil for successful outcomes.
func (o Outcome) Err() error {
	switch o {
	case Success, ActionQueued:
		return nil
	case NotFound:
		return ErrNotFound
	case NotStored:
		return ErrNotStored
	case ConnectionFailure:
		return ErrConnectionFailure
	case ClientError:
		return ErrClientError
	case ProtocolError:
		return ErrProtocolError
	}
	return ErrServerError
}

// OpError describes a failed operation on one key.
type OpError struct {
	Op      string
	Key     string
	Outcome Outcome
	// Detail is the server reply line or transport message, if any.
	Detail string
}

func (e *OpError) Error() string {
	msg := "memcached: " + e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += ": " + e.Outcome.String()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *OpError) Unwrap() error {
	return e.Outcome.Err()
}

// outcomeOf returns the outcome carried by err, or ServerError when err is
// not one of ours.
func outcomeOf(err error) Outcome {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Outcome
	}
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrNotStored):
		return NotStored
	case errors.Is(err, ErrConnectionFailure):
		return ConnectionFailure
	case errors.Is(err, ErrClientError), errors.Is(err, ErrArgument):
		return ClientError
	case errors.Is(err, ErrProtocolError):
		return ProtocolError
	}
	return ServerError
}

var codeOutcomes = map[protocol.Code]Outcome{
	protocol.CodeSuccess:           Success,
	protocol.CodeStored:            Success,
	protocol.CodeDeleted:           Success,
	protocol.CodeValue:             Success,
	protocol.CodeStat:              Success,
	protocol.CodeEnd:               Success,
	protocol.CodeActionQueued:      ActionQueued,
	protocol.CodeNotFound:          NotFound,
	protocol.CodeNotStored:         NotStored,
	protocol.CodeDataExists:        NotStored,
	protocol.CodeConnectionFailure: ConnectionFailure,
	protocol.CodeWriteFailure:      ConnectionFailure,
	protocol.CodeReadFailure:       ConnectionFailure,
	protocol.CodeServerError:       ServerError,
	protocol.CodeFailure:           ServerError,
	protocol.CodeClientError:       ClientError,
	protocol.CodeBadKey:            ClientError,
	protocol.CodeProtocolError:     ProtocolError,
	protocol.CodeUnknownRead:       ProtocolError,
}

// classify translates a raw transport code. Codes missing from the table
// are server errors, never successes.
func classify(code protocol.Code) Outcome {
	if o, ok := codeOutcomes[code]; ok {
		return o
	}
	return ServerError
}
