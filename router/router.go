// Package router maps keys to server indexes.
package router

import (
	"errors"
	"fmt"
	"strings"
)

// Router picks the server index for a key. Implementations are immutable
// and deterministic for a given server list.
type Router interface {
	Route(key string) int
	Len() int
}

type Distribution int

const (
	// Consistent places DefaultReplicas points per server on a 32-bit ring.
	Consistent Distribution = iota
	// Modula uses hash(key) % len(servers).
	Modula
	// Jump uses jump consistent hashing over the key hash.
	Jump
)

var distributionNames = []string{"consistent", "modula", "jump"}

func (d Distribution) String() string {
	if d >= 0 && int(d) < len(distributionNames) {
		return distributionNames[d]
	}
	return fmt.Sprintf("distribution(%d)", int(d))
}

func ParseDistribution(name string) (Distribution, error) {
	for i, n := range distributionNames {
		if strings.EqualFold(n, name) {
			return Distribution(i), nil
		}
	}
	return 0, fmt.Errorf("unknown distribution %q", name)
}

var ErrNoServers = errors.New("no servers configured")

// New builds the router for servers. replicas only applies to Consistent;
// values <= 0 mean DefaultReplicas.
func New(d Distribution, h Hash, servers []string, replicas int) (Router, error) {
	switch {
	case len(servers) == 0:
		return nil, ErrNoServers
	case len(servers) == 1:
		return DirectRouter{}, nil
	}
	switch d {
	case Consistent:
		return NewRing(h, servers, replicas), nil
	case Modula:
		return ModulaRouter{hash: h, n: len(servers)}, nil
	case Jump:
		return JumpRouter{hash: h, n: len(servers)}, nil
	}
	return nil, fmt.Errorf("unknown distribution %d", int(d))
}

// DirectRouter sends every key to the only server.
type DirectRouter struct{}

func (DirectRouter) Route(string) int { return 0 }

func (DirectRouter) Len() int { return 1 }
