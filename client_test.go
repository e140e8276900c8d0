package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jsp-lqk/memcached-dispatch/internal/memtest"
	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
	"github.com/jsp-lqk/memcached-dispatch/router"
)

func startServers(t testing.TB, n int) ([]*memtest.Server, []string) {
	t.Helper()
	srvs := make([]*memtest.Server, n)
	addrs := make([]string, n)
	for i := range srvs {
		srvs[i] = memtest.Start(t)
		addrs[i] = srvs[i].Addr()
	}
	return srvs, addrs
}

func newTestClient(t *testing.T, addrs []string, opts ...Option) *Client {
	t.Helper()
	c, err := New(addrs, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidation(t *testing.T) {
	bad := [][]string{
		nil,
		{"localhost:11211"},
		{"127.0.0.1"},
		{"127.0.0.1:port"},
		{"127.0.0.1:11211", "1.2.3:11211"},
		{"127.0.0.1:99999"},
	}
	for _, servers := range bad {
		_, err := New(servers)
		assert.ErrorIs(t, err, ErrArgument, "%v", servers)
	}

	for _, ns := range []string{"has space", "tab\t", "nl\n"} {
		_, err := New([]string{"127.0.0.1:11211"}, WithNamespace(ns))
		assert.ErrorIs(t, err, ErrArgument, "%q", ns)
	}
}

func TestServersKeepConfiguredOrder(t *testing.T) {
	_, addrs := startServers(t, 3)
	c := newTestClient(t, addrs)
	got, err := c.Servers()
	require.NoError(t, err)
	assert.Equal(t, addrs, got)

	cfg := c.Config()
	assert.Equal(t, router.HashDefault, cfg.Hash)
	assert.Equal(t, router.Consistent, cfg.Distribution)
	assert.False(t, cfg.NoBlock || cfg.BufferRequests || cfg.SupportCAS || cfg.TCPNoDelay)
}

func TestSetGetRoundTrip(t *testing.T) {
	_, addrs := startServers(t, 2)
	c := newTestClient(t, addrs)

	o, err := c.Set("foo", "bar", 0)
	require.NoError(t, err)
	assert.Equal(t, Success, o)

	var s string
	require.NoError(t, c.Get("foo", &s))
	assert.Equal(t, "bar", s)

	type point struct{ X, Y int }
	_, err = c.Set("point", point{1, 2}, 60)
	require.NoError(t, err)
	var p point
	require.NoError(t, c.Get("point", &p))
	assert.Equal(t, point{1, 2}, p)

	_, err = c.SetRaw("raw", []byte("plain"), 0)
	require.NoError(t, err)
	v, err := c.GetRaw("raw")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), v)
	require.NoError(t, c.Get("raw", &s))
	assert.Equal(t, "plain", s)

	err = c.Get("missing", &s)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetRaw("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddReplaceDelete(t *testing.T) {
	_, addrs := startServers(t, 2)
	c := newTestClient(t, addrs)

	o, err := c.Add("add-1", "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, Success, o)
	o, err = c.Add("add-1", "v2", 0)
	assert.ErrorIs(t, err, ErrNotStored)
	assert.Equal(t, NotStored, o)

	var s string
	require.NoError(t, c.Get("add-1", &s))
	assert.Equal(t, "v1", s)

	o, err = c.Replace("replace-1", "v", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, NotFound, o)
	_, err = c.Set("replace-1", "old", 0)
	require.NoError(t, err)
	_, err = c.Replace("replace-1", "new", 0)
	require.NoError(t, err)
	require.NoError(t, c.Get("replace-1", &s))
	assert.Equal(t, "new", s)

	o, err = c.Delete("delete-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, NotFound, o)
	_, err = c.Set("delete-1", "x", 0)
	require.NoError(t, err)
	o, err = c.Delete("delete-1")
	require.NoError(t, err)
	assert.Equal(t, Success, o)
	assert.ErrorIs(t, c.Get("delete-1", &s), ErrNotFound)

	var oe *OpError
	_, err = c.Delete("delete-1")
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "delete", oe.Op)
	assert.Equal(t, "delete-1", oe.Key)
}

func TestTouch(t *testing.T) {
	_, addrs := startServers(t, 1)
	c := newTestClient(t, addrs)
	o, err := c.Touch("absent", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, NotFound, o)

	_, err = c.SetRaw("k", []byte("v"), 0)
	require.NoError(t, err)
	o, err = c.Touch("k", 10)
	require.NoError(t, err)
	assert.Equal(t, Success, o)
}

func TestIncrementDecrement(t *testing.T) {
	_, addrs := startServers(t, 1)
	c := newTestClient(t, addrs)

	_, err := c.SetRaw("n", []byte("5"), 0)
	require.NoError(t, err)
	n, err := c.Increment("n", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	n, err = c.Incr("n")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
	n, err = c.Decrement("n", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	n, err = c.Decr("n")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	_, err = c.Increment("absent", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Decrement("absent", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendPrepend(t *testing.T) {
	_, addrs := startServers(t, 2)
	c := newTestClient(t, addrs)

	_, err := c.SetRaw("k", []byte("start"), 0)
	require.NoError(t, err)
	o, err := c.Append("k", []byte("end"))
	require.NoError(t, err)
	assert.Equal(t, Success, o)
	v, err := c.GetRaw("k")
	require.NoError(t, err)
	assert.Equal(t, "startend", string(v))

	_, err = c.SetRaw("p", []byte("end"), 0)
	require.NoError(t, err)
	_, err = c.Prepend("p", []byte("start"))
	require.NoError(t, err)
	v, err = c.GetRaw("p")
	require.NoError(t, err)
	assert.Equal(t, "startend", string(v))

	o, err = c.Append("missing", []byte("end"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, NotFound, o)
	_, err = c.Prepend("missing", []byte("end"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetRaw("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoBlockReportsQueued(t *testing.T) {
	srvs, addrs := startServers(t, 1)
	c := newTestClient(t, addrs, WithNoBlock(true))

	o, err := c.SetRaw("k", []byte("v"), 0)
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, o)

	// failures are not observable without a round trip
	o, err = c.AddRaw("k", []byte("other"), 0)
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, o)
	o, err = c.Append("missing", []byte("end"))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, o)
	o, err = c.Delete("missing")
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, o)

	v, err := c.GetRaw("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, found := srvs[0].Peek("missing")
	assert.False(t, found)
}

func TestBufferRequestsFlushOnRead(t *testing.T) {
	srvs, addrs := startServers(t, 1)
	c := newTestClient(t, addrs, WithBufferRequests(true))

	for i := 0; i < 10; i++ {
		o, err := c.SetRaw(fmt.Sprintf("b%d", i), []byte("x"), 0)
		require.NoError(t, err)
		assert.Equal(t, ActionQueued, o)
	}
	_, found := srvs[0].Peek("b9")
	assert.False(t, found)

	v, err := c.GetRaw("b9")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)
}

func TestCAS(t *testing.T) {
	_, addrs := startServers(t, 1)

	plain := newTestClient(t, addrs)
	_, err := plain.CAS("k", 0, func(b []byte) ([]byte, error) { return b, nil })
	assert.ErrorIs(t, err, ErrClientError)

	c := newTestClient(t, addrs, WithSupportCAS(true))
	_, err = c.SetRaw("counter", []byte("1"), 0)
	require.NoError(t, err)

	o, err := c.CAS("counter", 0, func(cur []byte) ([]byte, error) {
		return append(cur, '0'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, Success, o)
	v, err := c.GetRaw("counter")
	require.NoError(t, err)
	assert.Equal(t, "10", string(v))

	other, err := c.Clone()
	require.NoError(t, err)
	defer other.Close()
	o, err = c.CAS("counter", 0, func(cur []byte) ([]byte, error) {
		_, err := other.SetRaw("counter", []byte("changed"), 0)
		require.NoError(t, err)
		return []byte("lost"), nil
	})
	assert.ErrorIs(t, err, ErrNotStored)
	assert.Equal(t, NotStored, o)
	v, err = c.GetRaw("counter")
	require.NoError(t, err)
	assert.Equal(t, "changed", string(v))

	_, err = c.CAS("absent", 0, func(b []byte) ([]byte, error) { return b, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	_, addrs := startServers(t, 2)
	c := newTestClient(t, addrs)
	_, err := c.SetRaw("a", []byte("1"), 0)
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Len(t, stats["curr_items"], 2)
	for _, v := range stats["curr_items"] {
		assert.IsType(t, int64(0), v)
	}
	assert.Equal(t, []any{0.123456, 0.123456}, stats["rusage_user"])
	assert.Equal(t, []any{"1.6.0-memtest", "1.6.0-memtest"}, stats["version"])
	assert.Equal(t, []any{"2.1.12-stable", "2.1.12-stable"}, stats["libevent"])
}

func TestStatValue(t *testing.T) {
	assert.Equal(t, int64(42), statValue([]byte("42")))
	assert.Equal(t, 1.5, statValue([]byte("1.5")))
	assert.Equal(t, uint64(18446744073709551615), statValue([]byte("18446744073709551615")))
	assert.Equal(t, "1.6.21", statValue([]byte("1.6.21")))
	assert.Equal(t, "on", statValue([]byte("on")))
}

func TestInvalidKeys(t *testing.T) {
	_, addrs := startServers(t, 1)
	c := newTestClient(t, addrs)
	for _, k := range []string{"", "has space", "ctl\x01"} {
		_, err := c.SetRaw(k, []byte("v"), 0)
		assert.ErrorIs(t, err, ErrClientError, "%q", k)
	}
	_, err := c.SetRaw("k", []byte("v"), -1)
	assert.ErrorIs(t, err, ErrClientError)
}

func TestNamespaceIsolation(t *testing.T) {
	_, addrs := startServers(t, 2)
	a := newTestClient(t, addrs, WithNamespace("a:"))
	b := newTestClient(t, addrs, WithNamespace("b:"))

	_, err := a.SetRaw("shared", []byte("from-a"), 0)
	require.NoError(t, err)
	_, err = b.SetRaw("shared", []byte("from-b"), 0)
	require.NoError(t, err)

	v, err := a.GetRaw("shared")
	require.NoError(t, err)
	assert.Equal(t, "from-a", string(v))
	v, err = b.GetRaw("shared")
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(v))

	_, err = b.GetRaw("only-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleasedClientAlwaysFails(t *testing.T) {
	_, addrs := startServers(t, 1)
	c, err := New(addrs, WithSupportCAS(true))
	require.NoError(t, err)
	_, err = c.SetRaw("k", []byte("v"), 0)
	require.NoError(t, err)
	s, err := c.BeginGetMulti([]string{"k"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	for i := 0; i < 3; i++ {
		_, err = c.Add("k", 1, 0)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Replace("k", 1, 0)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Append("k", []byte("x"))
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Prepend("k", []byte("x"))
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Delete("k")
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Touch("k", 10)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Decrement("k", 1)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.CAS("k", 0, func(b []byte) ([]byte, error) { return b, nil })
		assert.ErrorIs(t, err, ErrClientError)
		var v string
		assert.ErrorIs(t, c.Get("k", &v), ErrClientError)
		assert.ErrorIs(t, c.Unmarshal([]byte("x"), &v), ErrClientError)
		_, _, _, err = c.ContinueGetMulti(s)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.GetMulti(context.Background(), []string{"k"})
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.SetRaw("k", []byte("v"), 0)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.GetRaw("k")
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Increment("k", 1)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Set("k", 1, 0)
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Stats()
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.BeginGetMulti([]string{"k"})
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Servers()
		assert.ErrorIs(t, err, ErrClientError)
		_, err = c.Clone()
		assert.ErrorIs(t, err, ErrClientError)
		assert.ErrorIs(t, c.Reset(), ErrClientError)
		assert.ErrorIs(t, c.Close(), ErrClientError)
	}
	assert.Equal(t, addrs, c.Config().Servers)
}

func TestCloneIsIndependent(t *testing.T) {
	_, addrs := startServers(t, 2)
	c, err := New(addrs, WithNamespace("ns:"))
	require.NoError(t, err)
	clone, err := c.Clone()
	require.NoError(t, err)
	defer clone.Close()

	_, err = c.SetRaw("k", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	v, err := clone.GetRaw("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, "ns:", clone.Config().Namespace)
}

func TestReset(t *testing.T) {
	_, addrs := startServers(t, 2)
	c := newTestClient(t, addrs)
	_, err := c.SetRaw("k", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	v, err := c.GetRaw("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestClassify(t *testing.T) {
	cases := map[protocol.Code]Outcome{
		protocol.CodeSuccess:           Success,
		protocol.CodeStored:            Success,
		protocol.CodeDeleted:           Success,
		protocol.CodeActionQueued:      ActionQueued,
		protocol.CodeNotFound:          NotFound,
		protocol.CodeNotStored:         NotStored,
		protocol.CodeDataExists:        NotStored,
		protocol.CodeConnectionFailure: ConnectionFailure,
		protocol.CodeServerError:       ServerError,
		protocol.CodeClientError:       ClientError,
		protocol.CodeProtocolError:     ProtocolError,
		protocol.Code(999):             ServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, classify(code), code.String())
	}
	assert.True(t, ActionQueued.OK())
	assert.False(t, NotFound.OK())
	assert.Nil(t, Success.Err())
	assert.ErrorIs(t, Outcome(42).Err(), ErrServerError)
}

func TestSerializers(t *testing.T) {
	_, addrs := startServers(t, 1)

	j := newTestClient(t, addrs, WithSerializer(JSONSerializer{}), WithNamespace("json:"))
	_, err := j.Set("m", map[string]int{"a": 1}, 0)
	require.NoError(t, err)
	raw, err := j.GetRaw("m")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
	var m map[string]int
	require.NoError(t, j.Get("m", &m))
	assert.Equal(t, 1, m["a"])

	p := newTestClient(t, addrs, WithSerializer(ProtoSerializer{}), WithNamespace("pb:"))
	_, err = p.Set("s", wrapperspb.String("hello"), 0)
	require.NoError(t, err)
	got := &wrapperspb.StringValue{}
	require.NoError(t, p.Get("s", got))
	assert.Equal(t, "hello", got.GetValue())

	_, err = p.Set("bad", 12, 0)
	assert.ErrorIs(t, err, ErrClientError)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEMCACHED_SERVERS", "127.0.0.1:11211,127.0.0.1:11212")
	t.Setenv("MEMCACHED_HASH", "fnv1a_32")
	t.Setenv("MEMCACHED_DISTRIBUTION", "modula")
	t.Setenv("MEMCACHED_NAMESPACE", "app:")
	t.Setenv("MEMCACHED_SUPPORT_CAS", "true")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:11211", "127.0.0.1:11212"}, cfg.Servers)
	assert.Equal(t, router.HashFNV1A_32, cfg.Hash)
	assert.Equal(t, router.Modula, cfg.Distribution)
	assert.Equal(t, "app:", cfg.Namespace)
	assert.True(t, cfg.SupportCAS)
	assert.False(t, cfg.NoBlock)

	t.Setenv("MEMCACHED_HASH", "sha1")
	_, err = ConfigFromEnv()
	assert.ErrorIs(t, err, ErrArgument)
}
