package client

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kelseyhightower/envconfig"

	"github.com/jsp-lqk/memcached-dispatch/internal/transport"
	"github.com/jsp-lqk/memcached-dispatch/router"
)

// Config is fixed once a Client is built. Zero values select the defaults:
// default hash, consistent distribution, every flag off, no namespace.
type Config struct {
	// Servers are "ip:port" strings; order decides server indexes.
	Servers      []string
	Hash         router.Hash
	Distribution router.Distribution
	// Replicas is the number of ring points per server for the consistent
	// distribution. Zero means router.DefaultReplicas.
	Replicas int

	// NoBlock sends mutations with noreply; they always report ActionQueued.
	NoBlock bool
	// BufferRequests keeps mutations in the write buffer until the next read
	// or Close. Mutations report ActionQueued.
	BufferRequests bool
	SupportCAS     bool
	TCPNoDelay     bool
	// Namespace is prepended to every key. It may not contain whitespace.
	Namespace string

	DialTimeout    time.Duration
	MaxOutstanding int
	Serializer     Serializer
	Logger         *slog.Logger
}

type Option func(*Config)

func WithHash(h router.Hash) Option {
	return func(c *Config) { c.Hash = h }
}

func WithDistribution(d router.Distribution) Option {
	return func(c *Config) { c.Distribution = d }
}

func WithReplicas(n int) Option {
	return func(c *Config) { c.Replicas = n }
}

func WithNoBlock(on bool) Option {
	return func(c *Config) { c.NoBlock = on }
}

func WithBufferRequests(on bool) Option {
	return func(c *Config) { c.BufferRequests = on }
}

func WithSupportCAS(on bool) Option {
	return func(c *Config) { c.SupportCAS = on }
}

func WithTCPNoDelay(on bool) Option {
	return func(c *Config) { c.TCPNoDelay = on }
}

func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

func WithMaxOutstanding(n int) Option {
	return func(c *Config) { c.MaxOutstanding = n }
}

func WithSerializer(s Serializer) Option {
	return func(c *Config) { c.Serializer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// envConfig mirrors Config for envconfig; names are prefixed with MEMCACHED_.
type envConfig struct {
	Servers        []string      `envconfig:"SERVERS" required:"true"`
	Hash           string        `envconfig:"HASH" default:"default"`
	Distribution   string        `envconfig:"DISTRIBUTION" default:"consistent"`
	Replicas       int           `envconfig:"REPLICAS"`
	NoBlock        bool          `envconfig:"NO_BLOCK"`
	BufferRequests bool          `envconfig:"BUFFER_REQUESTS"`
	SupportCAS     bool          `envconfig:"SUPPORT_CAS"`
	TCPNoDelay     bool          `envconfig:"TCP_NODELAY"`
	Namespace      string        `envconfig:"NAMESPACE"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT" default:"1s"`
	MaxOutstanding int           `envconfig:"MAX_OUTSTANDING"`
}

// ConfigFromEnv reads MEMCACHED_SERVERS (comma separated), MEMCACHED_HASH,
// MEMCACHED_DISTRIBUTION, MEMCACHED_NAMESPACE, MEMCACHED_NO_BLOCK,
// MEMCACHED_BUFFER_REQUESTS, MEMCACHED_SUPPORT_CAS, MEMCACHED_TCP_NODELAY,
// MEMCACHED_REPLICAS, MEMCACHED_DIAL_TIMEOUT and MEMCACHED_MAX_OUTSTANDING.
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	if err := envconfig.Process("memcached", &ec); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrArgument, err.Error())
	}
	h, err := router.ParseHash(ec.Hash)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrArgument, err.Error())
	}
	d, err := router.ParseDistribution(ec.Distribution)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrArgument, err.Error())
	}
	return Config{
		Servers:        ec.Servers,
		Hash:           h,
		Distribution:   d,
		Replicas:       ec.Replicas,
		NoBlock:        ec.NoBlock,
		BufferRequests: ec.BufferRequests,
		SupportCAS:     ec.SupportCAS,
		TCPNoDelay:     ec.TCPNoDelay,
		Namespace:      ec.Namespace,
		DialTimeout:    ec.DialTimeout,
		MaxOutstanding: ec.MaxOutstanding,
	}, nil
}

var serverPattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}:\d{1,5}$`)

// parseServers checks every entry is "ip:port". Hostnames are rejected.
func parseServers(servers []string) ([]transport.Endpoint, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no servers given", ErrArgument)
	}
	eps := make([]transport.Endpoint, 0, len(servers))
	for _, s := range servers {
		if !serverPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: servers must be in the format ip:port (e.g. '127.0.0.1:11211'), got %q", ErrArgument, s)
		}
		host, port, _ := strings.Cut(s, ":")
		p, err := strconv.Atoi(port)
		if err != nil || p > 65535 {
			return nil, fmt.Errorf("%w: invalid port in %q", ErrArgument, s)
		}
		eps = append(eps, transport.Endpoint{Host: host, Port: p})
	}
	return eps, nil
}

func (c *Config) validate() ([]transport.Endpoint, error) {
	eps, err := parseServers(c.Servers)
	if err != nil {
		return nil, err
	}
	if strings.ContainsFunc(c.Namespace, unicode.IsSpace) {
		return nil, fmt.Errorf("%w: invalid namespace %q", ErrArgument, c.Namespace)
	}
	if c.Serializer == nil {
		c.Serializer = GobSerializer{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return eps, nil
}

func (c *Config) transportOptions() transport.Options {
	return transport.Options{
		TCPNoDelay:     c.TCPNoDelay,
		BufferRequests: c.BufferRequests,
		DialTimeout:    c.DialTimeout,
		MaxOutstanding: c.MaxOutstanding,
		Logger:         c.Logger,
	}
}
