// Copyright 2025 James Ross
package cache

import (
	"strings"
	"sync"
	"time"
)

// MemoryDriver is the default in-process Driver: a guarded map plus a
// periodic sweep for expired entries. Entries are immutable post-write,
// so the only contention is on the map itself.
type MemoryDriver struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	versions map[string]Version

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// NewMemoryDriver starts a background sweep goroutine at the given
// interval; pass 0 to disable the sweep (tests).
func NewMemoryDriver(sweepInterval time.Duration) *MemoryDriver {
	d := &MemoryDriver{
		entries:  make(map[string]*Entry),
		versions: make(map[string]Version),
	}
	if sweepInterval > 0 {
		d.sweepInterval = sweepInterval
		d.stopSweep = make(chan struct{})
		go d.sweepLoop()
	}
	return d
}

func (d *MemoryDriver) sweepLoop() {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweepExpired()
		case <-d.stopSweep:
			return
		}
	}
}

func (d *MemoryDriver) sweepExpired() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		if e.Expired(now) {
			delete(d.entries, k)
		}
	}
}

func (d *MemoryDriver) Set(key string, entry *Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = entry
	return nil
}

func (d *MemoryDriver) Get(key string) (*Entry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e, true, nil
}

func (d *MemoryDriver) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

func (d *MemoryDriver) DeleteMany(keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.entries, k)
	}
	return nil
}

func (d *MemoryDriver) Exists(key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[key]
	return ok, nil
}

func (d *MemoryDriver) GetByPrefix(prefix string) ([]*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Entry
	for k, e := range d.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *MemoryDriver) ClearByTags(tags []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		for _, t := range tags {
			if e.Tags[t] {
				delete(d.entries, k)
				n++
				break
			}
		}
	}
	return n, nil
}

func (d *MemoryDriver) ClearByType(jobType string) (int, error) {
	prefix := "cache:" + jobType + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k := range d.entries {
		if strings.HasPrefix(k, prefix) {
			delete(d.entries, k)
			n++
		}
	}
	return n, nil
}

func (d *MemoryDriver) GetMetrics() (DriverMetrics, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total int64
	for _, e := range d.entries {
		total += int64(len(e.Payload))
	}
	return DriverMetrics{EntryCount: len(d.entries), TotalBytes: total}, nil
}

func (d *MemoryDriver) ClearAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*Entry)
	d.versions = make(map[string]Version)
	return nil
}

func (d *MemoryDriver) Health() error { return nil }

func (d *MemoryDriver) SetVersion(key string, v Version) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versions[key+":version"] = v
	return nil
}

func (d *MemoryDriver) GetVersion(key string) (Version, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.versions[key+":version"]
	return v, ok, nil
}

func (d *MemoryDriver) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	prefix := "cache:" + jobType + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		if strings.HasPrefix(k, prefix) && e.Version.SchemaVersion != newVersion.SchemaVersion {
			delete(d.entries, k)
			n++
		}
	}
	return n, nil
}

func (d *MemoryDriver) Disconnect() error {
	if d.stopSweep != nil {
		close(d.stopSweep)
	}
	return nil
}
