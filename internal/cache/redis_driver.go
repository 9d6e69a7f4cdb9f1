// Copyright 2025 James Ross
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDriver stores entries as JSON blobs under their cache key, with a
// Redis set per tag and per dependency for the invalidation indexes.
type RedisDriver struct {
	rdb       *redis.Client
	keyPrefix string
	ctx       context.Context
}

func NewRedisDriver(rdb *redis.Client, keyPrefix string) *RedisDriver {
	return &RedisDriver{rdb: rdb, keyPrefix: keyPrefix, ctx: context.Background()}
}

type redisEntryDoc struct {
	Payload      []byte          `json:"payload"`
	Compressed   bool            `json:"compressed"`
	Algorithm    string          `json:"algorithm"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Version      Version         `json:"version"`
	JobID        string          `json:"jobId"`
	Dependencies map[string]bool `json:"dependencies"`
	Tags         map[string]bool `json:"tags"`
	SourceBytes  int             `json:"sourceBytes"`
	ResultBytes  int             `json:"resultBytes"`
}

func toDoc(e *Entry) redisEntryDoc {
	return redisEntryDoc{
		Payload: e.Payload, Compressed: e.Compressed, Algorithm: e.Algorithm,
		CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt, Version: e.Version,
		JobID: e.JobID, Dependencies: e.Dependencies, Tags: e.Tags,
		SourceBytes: e.SourceBytes, ResultBytes: e.ResultBytes,
	}
}

func fromDoc(key string, d redisEntryDoc) *Entry {
	return &Entry{
		Key: key, Payload: d.Payload, Compressed: d.Compressed, Algorithm: d.Algorithm,
		CreatedAt: d.CreatedAt, ExpiresAt: d.ExpiresAt, Version: d.Version,
		JobID: d.JobID, Dependencies: d.Dependencies, Tags: d.Tags,
		SourceBytes: d.SourceBytes, ResultBytes: d.ResultBytes,
	}
}

func (r *RedisDriver) tagSetKey(tag string) string { return r.keyPrefix + "tag:" + tag }
func (r *RedisDriver) depSetKey(jobID string) string { return r.keyPrefix + "dep:" + jobID }

func (r *RedisDriver) Set(key string, entry *Entry) error {
	doc, err := json.Marshal(toDoc(entry))
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	if entry.ExpiresAt.IsZero() {
		pipe.Set(r.ctx, key, doc, 0)
	} else {
		ttl := time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		pipe.Set(r.ctx, key, doc, ttl)
	}
	for tag := range entry.Tags {
		pipe.SAdd(r.ctx, r.tagSetKey(tag), key)
	}
	for dep := range entry.Dependencies {
		pipe.SAdd(r.ctx, r.depSetKey(dep), key)
	}
	_, err = pipe.Exec(r.ctx)
	return err
}

func (r *RedisDriver) Get(key string) (*Entry, bool, error) {
	raw, err := r.rdb.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var doc redisEntryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	return fromDoc(key, doc), true, nil
}

func (r *RedisDriver) Delete(key string) error {
	return r.rdb.Del(r.ctx, key).Err()
}

func (r *RedisDriver) DeleteMany(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(r.ctx, keys...).Err()
}

func (r *RedisDriver) Exists(key string) (bool, error) {
	n, err := r.rdb.Exists(r.ctx, key).Result()
	return n > 0, err
}

func (r *RedisDriver) GetByPrefix(prefix string) ([]*Entry, error) {
	var out []*Entry
	iter := r.rdb.Scan(r.ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		key := iter.Val()
		e, found, err := r.Get(key)
		if err != nil || !found {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Err()
}

func (r *RedisDriver) ClearByTags(tags []string) (int, error) {
	seen := map[string]bool{}
	for _, tag := range tags {
		members, err := r.rdb.SMembers(r.ctx, r.tagSetKey(tag)).Result()
		if err != nil {
			return 0, err
		}
		for _, m := range members {
			seen[m] = true
		}
		r.rdb.Del(r.ctx, r.tagSetKey(tag))
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		if err := r.rdb.Del(r.ctx, keys...).Err(); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (r *RedisDriver) ClearByType(jobType string) (int, error) {
	entries, err := r.GetByPrefix(fmt.Sprintf("cache:%s:", jobType))
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	if len(keys) > 0 {
		if err := r.rdb.Del(r.ctx, keys...).Err(); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (r *RedisDriver) GetMetrics() (DriverMetrics, error) {
	entries, err := r.GetByPrefix("cache:")
	if err != nil {
		return DriverMetrics{}, err
	}
	var total int64
	for _, e := range entries {
		total += int64(len(e.Payload))
	}
	return DriverMetrics{EntryCount: len(entries), TotalBytes: total}, nil
}

func (r *RedisDriver) ClearAll() error {
	entries, err := r.GetByPrefix("cache:")
	if err != nil {
		return err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(r.ctx, keys...).Err()
}

func (r *RedisDriver) Health() error {
	return r.rdb.Ping(r.ctx).Err()
}

func (r *RedisDriver) SetVersion(key string, v Version) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rdb.Set(r.ctx, key+":version", raw, 0).Err()
}

func (r *RedisDriver) GetVersion(key string) (Version, bool, error) {
	raw, err := r.rdb.Get(r.ctx, key+":version").Bytes()
	if err == redis.Nil {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, err
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

func (r *RedisDriver) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	entries, err := r.GetByPrefix(fmt.Sprintf("cache:%s:", jobType))
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, e := range entries {
		if e.Version.SchemaVersion != newVersion.SchemaVersion {
			stale = append(stale, e.Key)
		}
	}
	if len(stale) > 0 {
		if err := r.rdb.Del(r.ctx, stale...).Err(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (r *RedisDriver) Disconnect() error { return r.rdb.Close() }
