// Copyright 2025 James Ross
package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisDriver(t *testing.T) *RedisDriver {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisDriver(rdb, "")
}

func TestRedisDriverSetGetRoundTrip(t *testing.T) {
	d := newTestRedisDriver(t)
	entry := &Entry{
		Key:       "cache:data-processing:abc",
		Payload:   []byte(`{"rows":500}`),
		ExpiresAt: time.Now().Add(time.Hour),
		Tags:      map[string]bool{"team:alpha": true},
	}

	require.NoError(t, d.Set(entry.Key, entry))

	got, found, err := d.Get(entry.Key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.Payload, got.Payload)
}

func TestRedisDriverMissOnUnknownKey(t *testing.T) {
	d := newTestRedisDriver(t)

	_, found, err := d.Get("cache:data-processing:missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRedisDriverClearByTags(t *testing.T) {
	d := newTestRedisDriver(t)
	a := &Entry{Key: "cache:a:1", Tags: map[string]bool{"team:alpha": true}}
	b := &Entry{Key: "cache:b:1", Tags: map[string]bool{"team:beta": true}}
	require.NoError(t, d.Set(a.Key, a))
	require.NoError(t, d.Set(b.Key, b))

	n, err := d.ClearByTags([]string{"team:alpha"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, _ := d.Get(a.Key)
	require.False(t, found)
	_, found, _ = d.Get(b.Key)
	require.True(t, found)
}

func TestRedisDriverVersionRoundTrip(t *testing.T) {
	d := newTestRedisDriver(t)
	v := Version{SchemaVersion: "v2", ProviderVersion: "p1", JobDefinitionHash: "h1"}

	require.NoError(t, d.SetVersion("cache:data-processing:abc", v))

	got, found, err := d.GetVersion("cache:data-processing:abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, v, got)
}

func TestRedisDriverHealth(t *testing.T) {
	d := newTestRedisDriver(t)
	require.NoError(t, d.Health())
}
