package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jsp-lqk/memcached-dispatch/router"
)

// buildContainer starts a memcached listening on port inside the container
// and returns its "ip:port" on the host.
func buildContainer(t *testing.T, port int) string {
	t.Helper()
	ctx := context.Background()

	portString := fmt.Sprintf("%d/tcp", port)
	req := testcontainers.ContainerRequest{
		Image:        "memcached:latest",
		Entrypoint:   []string{"docker-entrypoint.sh", "-p", fmt.Sprintf("%d", port)},
		ExposedPorts: []string{portString},
		WaitingFor:   wait.ForListeningPort(nat.Port(portString)),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(portString))
	require.NoError(t, err)

	if net.ParseIP(host) == nil {
		ips, err := net.LookupIP(host)
		require.NoError(t, err)
		host = ips[0].String()
		for _, ip := range ips {
			if ip.To4() != nil {
				host = ip.String()
				break
			}
		}
	}
	return net.JoinHostPort(host, mapped.Port())
}

func TestMemcachedSingle(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	addr := buildContainer(t, 11211)
	c := newTestClient(t, []string{addr}, WithSupportCAS(true))
	getsAndSets(t, c)

	_, err := c.SetRaw("counter", []byte("5"), 0)
	require.NoError(t, err)
	n, err := c.Increment("counter", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	_, err = c.CAS("counter", 0, func(b []byte) ([]byte, error) { return []byte("100"), nil })
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.IsType(t, int64(0), stats["curr_items"][0])
	assert.IsType(t, "", stats["version"][0])
}

func TestMemcachedSharded(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	addrs := make([]string, 0, 5)
	for i := 0; i <= 4; i++ {
		addrs = append(addrs, buildContainer(t, 11211+i))
	}
	for _, opts := range [][]Option{
		nil,
		{WithDistribution(router.Modula), WithHash(router.HashFNV1_32)},
		{WithDistribution(router.Jump), WithNoBlock(true)},
	} {
		c := newTestClient(t, addrs, opts...)
		getsAndSets(t, c)
	}
}

func getsAndSets(t *testing.T, c *Client) {
	t.Helper()

	_, err := c.GetRaw("not-exists")
	assert.ErrorIs(t, err, ErrNotFound)

	mr, err := c.SetRaw("1", []byte("1"), 0)
	require.NoError(t, err)
	assert.True(t, mr.OK())
	v, err := c.GetRaw("1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	keys := make([]string, 50)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		_, err := c.SetRaw(keys[i], []byte(fmt.Sprintf("value-%d", i)), 0)
		require.NoError(t, err)
	}
	keys = append(keys, "not-exists")

	got, err := c.GetMulti(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, got, 50)
	for k, v := range got {
		assert.Equal(t, "value-"+strings.TrimPrefix(k, "key-"), string(v))
	}
}

// Values written raw must be readable by other clients and the other way
// round.
func TestGomemcacheCompatibility(t *testing.T) {
	srvs, addrs := startServers(t, 1)
	c := newTestClient(t, addrs)
	mc := memcache.New(srvs[0].Addr())

	_, err := c.SetRaw("ours", []byte("from dispatch"), 0)
	require.NoError(t, err)
	it, err := mc.Get("ours")
	require.NoError(t, err)
	assert.Equal(t, "from dispatch", string(it.Value))
	assert.Equal(t, FlagRaw, it.Flags)

	require.NoError(t, mc.Set(&memcache.Item{Key: "theirs", Value: []byte("from gomemcache")}))
	v, err := c.GetRaw("theirs")
	require.NoError(t, err)
	assert.Equal(t, "from gomemcache", string(v))

	_, err = c.Set("typed", 42, 0)
	require.NoError(t, err)
	it, err = mc.Get("typed")
	require.NoError(t, err)
	assert.Equal(t, FlagSerialized, it.Flags)
	var n int
	require.NoError(t, c.Unmarshal(it.Value, &n))
	assert.Equal(t, 42, n)
}

const benchKeys = 1000

func seedBench(b *testing.B, mc *memcache.Client) {
	b.Helper()
	for i := 0; i < benchKeys; i++ {
		err := mc.Set(&memcache.Item{Key: fmt.Sprintf("key%d", i), Value: []byte(fmt.Sprintf("value%d", i))})
		require.NoError(b, err)
	}
}

func benchKeySet(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key%d", i*7%benchKeys)
	}
	return keys
}

func BenchmarkGomemcacheGetMulti(b *testing.B) {
	_, addrs := startServers(b, 4)
	mc := memcache.New(addrs...)
	seedBench(b, mc)
	keys := benchKeySet(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mc.GetMulti(keys); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDispatchGetMulti(b *testing.B) {
	_, addrs := startServers(b, 4)
	c, err := New(addrs)
	require.NoError(b, err)
	b.Cleanup(func() { _ = c.Close() })
	for i := 0; i < benchKeys; i++ {
		_, err := c.SetRaw(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value%d", i)), 0)
		require.NoError(b, err)
	}
	keys := benchKeySet(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.GetMulti(context.Background(), keys); err != nil {
			b.Fatal(err)
		}
	}
}
