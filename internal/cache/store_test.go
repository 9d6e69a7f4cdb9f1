// Copyright 2025 James Ross
package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(threshold int, algo string) *Store {
	return NewStore(NewMemoryDriver(0), zap.NewNop(), threshold, algo)
}

func TestStoreSetGetRoundTrip(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	payload := map[string]any{"a": 1}
	result := map[string]any{"ok": true}

	key, cached := s.Set("data-processing", payload, result, "", "", Policy{})
	require.True(t, cached)
	require.NotEmpty(t, key)

	got, found := s.Get("data-processing", payload, "", "")
	require.True(t, found)
	assert.Equal(t, true, got.(map[string]any)["ok"])
}

func TestStoreMissOnDifferentPayload(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	s.Set("data-processing", map[string]any{"a": 1}, map[string]any{"ok": true}, "", "", Policy{})

	_, found := s.Get("data-processing", map[string]any{"a": 2}, "", "")
	assert.False(t, found)
}

func TestStoreCompressionRoundTripGzip(t *testing.T) {
	s := newTestStore(1, "gzip")
	big := map[string]any{"blob": make([]int, 500)}
	result := map[string]any{"done": true}

	_, cached := s.Set("batch-operation", big, result, "", "", Policy{Compression: "gzip"})
	require.True(t, cached)

	got, found := s.Get("batch-operation", big, "", "")
	require.True(t, found)
	assert.Equal(t, true, got.(map[string]any)["done"])

	m := s.Metrics()
	assert.Greater(t, m.CompressionRatio, 0.0)
}

func TestStoreCompressionRoundTripBrotli(t *testing.T) {
	s := newTestStore(1, "brotli")
	big := map[string]any{"blob": make([]int, 500)}
	result := map[string]any{"done": true}

	_, cached := s.Set("batch-operation", big, result, "", "", Policy{Compression: "brotli"})
	require.True(t, cached)

	got, found := s.Get("batch-operation", big, "", "")
	require.True(t, found)
	assert.Equal(t, true, got.(map[string]any)["done"])
}

func TestStoreExpiresAtBoundaryIsExpired(t *testing.T) {
	driver := NewMemoryDriver(0)
	s := NewStore(driver, zap.NewNop(), 1024, AlgorithmNone)

	key, _ := s.Set("email-notification", map[string]any{"x": 1}, map[string]any{"sent": true}, "", "", Policy{TTL: time.Millisecond})

	entry, found, err := driver.Get(key)
	require.NoError(t, err)
	require.True(t, found)

	// Simulate "now" being exactly at ExpiresAt: must be treated as expired.
	assert.True(t, entry.Expired(entry.ExpiresAt))
	assert.True(t, entry.Expired(entry.ExpiresAt.Add(time.Nanosecond)))
	assert.False(t, entry.Expired(entry.ExpiresAt.Add(-time.Nanosecond)))
}

func TestStoreInvalidateByTags(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	s.Set("ai-computation", map[string]any{"p": 1}, map[string]any{"r": 1}, "job-1", "", Policy{Tags: []string{"team:alpha"}})
	s.Set("ai-computation", map[string]any{"p": 2}, map[string]any{"r": 2}, "job-2", "", Policy{Tags: []string{"team:beta"}})

	n, err := s.InvalidateByTags([]string{"team:alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found := s.Get("ai-computation", map[string]any{"p": 1}, "job-1", "")
	assert.False(t, found)
	_, found = s.Get("ai-computation", map[string]any{"p": 2}, "job-2", "")
	assert.True(t, found)
}

func TestStoreInvalidateByDependencyIsOneLevel(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	// entry depends on job-A; a second entry depends on the first entry's
	// job id, not on job-A — invalidating job-A must NOT cascade to it.
	s.Set("data-processing", map[string]any{"p": 1}, map[string]any{"r": 1}, "job-child", "", Policy{Dependencies: []string{"job-A"}})
	s.Set("data-processing", map[string]any{"p": 2}, map[string]any{"r": 2}, "job-grandchild", "", Policy{Dependencies: []string{"job-child"}})

	n, err := s.InvalidateByDependency("job-A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found := s.Get("data-processing", map[string]any{"p": 1}, "job-child", "")
	assert.False(t, found)
	_, found = s.Get("data-processing", map[string]any{"p": 2}, "job-grandchild", "")
	assert.True(t, found, "dependency cascade must not be transitive")
}

func TestStoreInvalidateOldVersions(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	s.Set("data-processing", map[string]any{"p": 1}, map[string]any{"r": 1}, "job-1", "",
		Policy{Version: Version{SchemaVersion: "v1"}})
	s.Set("data-processing", map[string]any{"p": 2}, map[string]any{"r": 2}, "job-2", "",
		Policy{Version: Version{SchemaVersion: "v2"}})

	n, err := s.InvalidateOldVersions("data-processing", Version{SchemaVersion: "v2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found := s.Get("data-processing", map[string]any{"p": 1}, "job-1", "")
	assert.False(t, found)
	_, found = s.Get("data-processing", map[string]any{"p": 2}, "job-2", "")
	assert.True(t, found)
}

func TestStoreMetricsRollingAverages(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	s.Set("data-processing", map[string]any{"p": 1}, map[string]any{"r": 1}, "", "", Policy{})

	s.Get("data-processing", map[string]any{"p": 1}, "", "")
	s.Get("data-processing", map[string]any{"p": 2}, "", "")

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.GreaterOrEqual(t, m.HitLatencyAvgMs, 0.0)
	assert.GreaterOrEqual(t, m.MissLatencyAvgMs, 0.0)
}

func TestStoreFirstWriterWinsUnderConcurrency(t *testing.T) {
	s := newTestStore(1024, AlgorithmNone)
	payload := map[string]any{"p": 1}

	done := make(chan struct{}, 2)
	go func() {
		s.Set("data-processing", payload, map[string]any{"winner": "a"}, "", "", Policy{})
		done <- struct{}{}
	}()
	go func() {
		s.Set("data-processing", payload, map[string]any{"winner": "b"}, "", "", Policy{})
		done <- struct{}{}
	}()
	<-done
	<-done

	got, found := s.Get("data-processing", payload, "", "")
	require.True(t, found)
	winner := got.(map[string]any)["winner"]
	assert.Contains(t, []any{"a", "b"}, winner)
}
