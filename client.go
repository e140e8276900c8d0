// Package client is a memcached client that spreads keys over a cluster of
// servers and exposes a caller-driven multi-get (BeginGetMulti and
// ContinueGetMulti) that never blocks while waiting for replies.
//
// A Client is not safe for concurrent use. Use Clone to get an independent
// client, with its own connections, for another goroutine.
package client

import (
	"fmt"
	"log/slog"

	"github.com/jsp-lqk/memcached-dispatch/router"
)

type clientState int

const (
	stateActive clientState = iota
	stateReleased
)

type Client struct {
	cfg    Config
	state  clientState
	conns  *connSet
	router router.Router
	log    *slog.Logger
}

// New builds a client for servers, each given as "ip:port".
func New(servers []string, opts ...Option) (*Client, error) {
	cfg := Config{Servers: servers}
	for _, o := range opts {
		o(&cfg)
	}
	return NewWithConfig(cfg)
}

func NewWithConfig(cfg Config) (*Client, error) {
	cfg.Servers = append([]string(nil), cfg.Servers...)
	eps, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	r, err := router.New(cfg.Distribution, cfg.Hash, cfg.Servers, cfg.Replicas)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArgument, err.Error())
	}
	c := &Client{
		cfg:    cfg,
		router: r,
		log:    cfg.Logger,
		conns:  openConnSet(eps, cfg.transportOptions()),
	}
	c.log.Debug("memcached client ready",
		"servers", len(eps), "hash", cfg.Hash.String(), "distribution", cfg.Distribution.String())
	return c, nil
}

func (c *Client) guard(op string) error {
	if c.state == stateReleased {
		return &OpError{Op: op, Outcome: ClientError, Detail: "instance has been explicitly released"}
	}
	return nil
}

// Config returns a copy of the configuration the client was built with. It
// touches no connection and keeps working after Close.
func (c *Client) Config() Config {
	cfg := c.cfg
	cfg.Servers = append([]string(nil), c.cfg.Servers...)
	return cfg
}

// Servers lists the servers in configured order, read back from the
// connections.
func (c *Client) Servers() ([]string, error) {
	if err := c.guard("servers"); err != nil {
		return nil, err
	}
	eps := c.conns.endpoints()
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.String()
	}
	return out, nil
}

// Clone returns an independent client with the same configuration and its
// own connections. The clone must be closed separately.
func (c *Client) Clone() (*Client, error) {
	if err := c.guard("clone"); err != nil {
		return nil, err
	}
	return NewWithConfig(c.Config())
}

// Reset replaces every connection with a fresh one, dropping anything still
// queued or unread on the old ones.
func (c *Client) Reset() error {
	if err := c.guard("reset"); err != nil {
		return err
	}
	old := c.conns
	c.conns = openConnSet(old.endpoints(), c.cfg.transportOptions())
	if err := old.close(); err != nil {
		c.log.Warn("closing connections on reset", "error", err)
	}
	return nil
}

// Close flushes buffered requests and closes every connection. Any later
// call on the client, including a second Close, fails with ErrClientError.
func (c *Client) Close() error {
	if err := c.guard("close"); err != nil {
		return err
	}
	c.state = stateReleased
	if err := c.conns.close(); err != nil {
		c.log.Warn("closing connections", "error", err)
		return fmt.Errorf("%w: %s", ErrConnectionFailure, err.Error())
	}
	return nil
}

// Unmarshal decodes a value written by Set, Add or Replace, for example one
// returned by GetMulti.
func (c *Client) Unmarshal(data []byte, v any) error {
	if err := c.guard("unmarshal"); err != nil {
		return err
	}
	return c.cfg.Serializer.Unmarshal(data, v)
}
