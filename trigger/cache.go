package trigger

import (
	"sync"
	"time"
)

// SyncRecorder persists a synchronous sensor reading against an image
// number.  The metadata store satisfies this.
type SyncRecorder interface {
	RecordSyncSensor(imageNumber int, at time.Time, sensorID, header, data string) error
}

// SyncCache buffers synchronous sensor readings between triggers.  Each
// sensor+header pair keeps only its latest value; at trigger time the cache
// is read (not cleared) and every entry fresher than the configured window
// is persisted against the new image number.
//
// Readings arrive from the controller read loop and from network clients,
// so the cache carries its own lock rather than living inside the
// orchestrator goroutine.
type SyncCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheVal
}

type cacheKey struct {
	sensorID string
	header   string
}

type cacheVal struct {
	at   time.Time
	data string
}

// NewSyncCache returns an empty cache.
func NewSyncCache() *SyncCache {
	return &SyncCache{entries: map[cacheKey]cacheVal{}}
}

// Put stores a reading, replacing any previous value for the same sensor
// and header.
func (c *SyncCache) Put(sensorID, header, data string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{sensorID, header}] = cacheVal{at: at, data: data}
}

// Len returns the number of cached sensor+header pairs.
func (c *SyncCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FlushTo persists every entry no older than window at the given trigger
// time, keyed by the trigger's image number.  Stale entries stay cached but
// are skipped; they will flush again if a fresher reading arrives.
func (c *SyncCache) FlushTo(store SyncRecorder, imageNumber int, trigTime time.Time, window time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if trigTime.Sub(v.at) > window {
			continue
		}
		if err := store.RecordSyncSensor(imageNumber, v.at, k.sensorID, k.header, v.data); err != nil {
			return err
		}
	}
	return nil
}
