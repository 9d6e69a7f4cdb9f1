// Copyright 2025 James Ross
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/engine/internal/contenthash"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/events"
	"go.uber.org/zap"
)

const defaultCompressionThreshold = 1024

// Store is the cache façade: content addressing, compression,
// tag/dependency invalidation, version stamps, TTL, and rolling metrics
// sit here; a Driver handles the actual storage.
type Store struct {
	driver               Driver
	log                  *zap.Logger
	bus                  events.Bus
	compressionThreshold int
	defaultAlgorithm     string

	mu                          sync.Mutex
	hits, misses, evictions     int64
	hitLatencies, missLatencies rollingWindow
	compressionRatioEWMA        float64
	haveCompressionSample       bool

	// inflight deduplicates concurrent stores for the same key so at most
	// one write is ever in flight per key.
	inflight map[string]chan struct{}
}

// rollingWindow keeps the last 100 samples to compute a simple moving
// average.
type rollingWindow struct {
	samples [100]float64
	count   int
	next    int
}

func (w *rollingWindow) add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *rollingWindow) average() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}

// NewStore wires a Store on top of driver with the given compression
// threshold (bytes) and default algorithm ("none"|"gzip"|"brotli").
func NewStore(driver Driver, log *zap.Logger, compressionThreshold int, defaultAlgorithm string) *Store {
	if compressionThreshold <= 0 {
		compressionThreshold = defaultCompressionThreshold
	}
	if defaultAlgorithm == "" {
		defaultAlgorithm = AlgorithmNone
	}
	return &Store{
		driver:               driver,
		log:                  log,
		compressionThreshold: compressionThreshold,
		defaultAlgorithm:     defaultAlgorithm,
		inflight:             make(map[string]chan struct{}),
	}
}

// AttachBus makes the store publish cache.entry.stored and
// cache.entry.invalidated events; a nil bus (the default) disables them.
func (s *Store) AttachBus(bus events.Bus) { s.bus = bus }

func (s *Store) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Key builds the cache key: cache:{type}:{64-hex sha256}[:{jobId}].
func Key(jobType, hash, jobID string) string {
	if jobID == "" {
		return fmt.Sprintf("cache:%s:%s", jobType, hash)
	}
	return fmt.Sprintf("cache:%s:%s:%s", jobType, hash, jobID)
}

// Get looks up a cached result by content identity. A storage-layer read
// failure is logged and surfaced as a miss so the caller proceeds with
// execution.
func (s *Store) Get(jobType string, payload any, jobID, providerID string) (any, bool) {
	start := time.Now()
	hash, err := contenthash.Hash(jobType, payload, providerID)
	if err != nil {
		s.log.Warn("cache: hash failed, treating as miss", zap.Error(err))
		s.recordMiss(time.Since(start))
		return nil, false
	}
	key := Key(jobType, hash, jobID)

	entry, found, err := s.driver.Get(key)
	if err != nil {
		s.log.Warn("cache: driver read failed, treating as miss", zap.String("key", key), zap.Error(err))
		s.recordMiss(time.Since(start))
		return nil, false
	}
	if !found {
		s.recordMiss(time.Since(start))
		return nil, false
	}
	if entry.Expired(time.Now()) {
		// lazy eviction on the access path
		_ = s.driver.Delete(key)
		s.recordEviction()
		s.recordMiss(time.Since(start))
		return nil, false
	}

	raw := entry.Payload
	if entry.Compressed {
		raw, err = decompress(entry.Algorithm, raw)
		if err != nil {
			s.log.Warn("cache: decompress failed, treating as miss", zap.String("key", key), zap.Error(err))
			s.recordMiss(time.Since(start))
			return nil, false
		}
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		s.log.Warn("cache: unmarshal failed, treating as miss", zap.String("key", key), zap.Error(err))
		s.recordMiss(time.Since(start))
		return nil, false
	}

	s.recordHit(time.Since(start))
	return result, true
}

// Set stores a job result under its content-addressed key. On a
// storage-layer write failure it logs and returns cached=false; the
// caller should proceed as if there were no cache.
func (s *Store) Set(jobType string, payload any, result any, jobID, providerID string, policy Policy) (key string, cached bool) {
	hash, err := contenthash.Hash(jobType, payload, providerID)
	if err != nil {
		s.log.Warn("cache: hash failed on set", zap.Error(err))
		return "", false
	}
	key = Key(jobType, hash, jobID)

	// first-writer-wins: a store that finds another store to the same key
	// in flight waits for it and keeps its result instead of writing.
	release, first := s.acquireInflight(key)
	if !first {
		exists, err := s.driver.Exists(key)
		return key, err == nil && exists
	}
	defer release()

	raw, err := json.Marshal(result)
	if err != nil {
		s.log.Warn("cache: marshal failed on set", zap.String("key", key), zap.Error(err))
		return key, false
	}

	algorithm := policy.Compression
	if algorithm == "" {
		algorithm = s.defaultAlgorithm
	}
	compressed := false
	stored := raw
	if algorithm != AlgorithmNone && len(raw) >= s.compressionThreshold {
		c, err := compress(algorithm, raw)
		if err != nil {
			s.log.Warn("cache: compression failed, storing uncompressed", zap.String("key", key), zap.Error(err))
		} else {
			stored = c
			compressed = true
			s.recordCompressionRatio(float64(len(c)) / float64(len(raw)))
		}
	}

	now := time.Now()
	var expiresAt time.Time
	if policy.TTL > 0 {
		expiresAt = now.Add(policy.TTL)
	}

	entry := &Entry{
		Key:          key,
		Payload:      stored,
		Compressed:   compressed,
		Algorithm:    algorithm,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Version:      policy.Version,
		JobID:        jobID,
		Dependencies: toSet(policy.Dependencies),
		Tags:         toSet(policy.Tags),
		SourceBytes:  len(raw),
		ResultBytes:  len(stored),
	}

	if err := s.driver.Set(key, entry); err != nil {
		s.log.Warn("cache: driver write failed", zap.String("key", key), zap.Error(err))
		return key, false
	}
	s.publish(events.Event{Name: events.CacheEntryStored, JobID: jobID, JobType: jobType, Key: key})
	return key, true
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// acquireInflight registers a store to key and returns first=true with a
// release func. If another store to key is already in flight it waits for
// that store to finish and returns first=false with a nil release.
func (s *Store) acquireInflight(key string) (release func(), first bool) {
	s.mu.Lock()
	if ch, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		<-ch
		return nil, false
	}
	done := make(chan struct{})
	s.inflight[key] = done
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		close(done)
	}, true
}

// Invalidate deletes a single key.
func (s *Store) Invalidate(key string) error {
	if err := s.driver.Delete(key); err != nil {
		return engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidate %s", key)
	}
	s.recordEviction()
	s.publish(events.Event{Name: events.CacheInvalidated, Key: key, Reason: "explicit"})
	return nil
}

// InvalidateByType deletes every entry for a job type prefix.
func (s *Store) InvalidateByType(jobType string) (int, error) {
	n, err := s.driver.ClearByType(jobType)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidateByType %s", jobType)
	}
	s.recordEvictions(n)
	if n > 0 {
		s.publish(events.Event{Name: events.CacheInvalidated, JobType: jobType, Reason: "type"})
	}
	return n, nil
}

// InvalidateByTags deletes every entry whose tag set intersects tags.
func (s *Store) InvalidateByTags(tags []string) (int, error) {
	n, err := s.driver.ClearByTags(tags)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidateByTags")
	}
	s.recordEvictions(n)
	if n > 0 {
		s.publish(events.Event{Name: events.CacheInvalidated, Reason: "tags"})
	}
	return n, nil
}

// InvalidateByDependency deletes every entry whose dependency set contains
// jobID. The cascade is one level deep, not transitive; deeper cascades
// are achieved by chaining explicit invalidations.
func (s *Store) InvalidateByDependency(jobID string) (int, error) {
	all, err := s.driver.GetByPrefix("cache:")
	if err != nil {
		return 0, engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidateByDependency scan")
	}
	var toDelete []string
	for _, e := range all {
		if e.Dependencies[jobID] {
			toDelete = append(toDelete, e.Key)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.driver.DeleteMany(toDelete); err != nil {
		return 0, engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidateByDependency delete")
	}
	s.recordEvictions(len(toDelete))
	s.publish(events.Event{Name: events.CacheInvalidated, JobID: jobID, Reason: "dependency"})
	return len(toDelete), nil
}

// InvalidateOldVersions deletes every entry for jobType whose stored
// schema version differs from newVersion.SchemaVersion.
func (s *Store) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	n, err := s.driver.InvalidateOldVersions(jobType, newVersion)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.StorageUnavailable, err, "invalidateOldVersions %s", jobType)
	}
	s.recordEvictions(n)
	if n > 0 {
		s.publish(events.Event{Name: events.CacheInvalidated, JobType: jobType, Reason: "version"})
	}
	return n, nil
}

// Metrics returns the current Store-level metrics snapshot.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	driverMetrics, err := s.driver.GetMetrics()
	if err != nil {
		driverMetrics = DriverMetrics{}
	}
	avgSize := 0.0
	if driverMetrics.EntryCount > 0 {
		avgSize = float64(driverMetrics.TotalBytes) / float64(driverMetrics.EntryCount)
	}
	return Metrics{
		Hits:             s.hits,
		Misses:           s.misses,
		Evictions:        s.evictions,
		TotalBytes:       driverMetrics.TotalBytes,
		EntryCount:       driverMetrics.EntryCount,
		AverageEntrySize: avgSize,
		HitLatencyAvgMs:  s.hitLatencies.average(),
		MissLatencyAvgMs: s.missLatencies.average(),
		CompressionRatio: s.compressionRatioEWMA,
	}
}

// Health reports cache subsystem health: reachable backing driver.
func (s *Store) Health() error {
	if err := s.driver.Health(); err != nil {
		return engineerr.Wrap(engineerr.StorageUnavailable, err, "cache backend unreachable")
	}
	return nil
}

func (s *Store) recordHit(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.hitLatencies.add(float64(latency.Microseconds()) / 1000.0)
}

func (s *Store) recordMiss(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
	s.missLatencies.add(float64(latency.Microseconds()) / 1000.0)
}

func (s *Store) recordEviction() { s.recordEvictions(1) }

func (s *Store) recordEvictions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictions += int64(n)
}

// recordCompressionRatio folds a new sample into an exponentially-smoothed
// average with weight 0.5.
func (s *Store) recordCompressionRatio(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveCompressionSample {
		s.compressionRatioEWMA = ratio
		s.haveCompressionSample = true
		return
	}
	s.compressionRatioEWMA = 0.5*ratio + 0.5*s.compressionRatioEWMA
}
