package acquire

import (
	"log"
	"time"

	"github.com/afsc-mace/trawlcam/config"
	"github.com/afsc-mace/trawlcam/metadata"
	"github.com/afsc-mace/trawlcam/trigger"
)

// SensorRouter classifies sensor datagrams by header.  Synchronous headers
// buffer in the trigger-time cache and persist against the next image
// number; asynchronous headers persist immediately, tied to nothing.
type SensorRouter struct {
	cache       *trigger.SyncCache
	store       *metadata.Store
	sync        map[string]bool
	async       map[string]bool
	defaultSync bool
}

// NewSensorRouter builds a router from the sensors config section.
func NewSensorRouter(cfg config.Sensors, cache *trigger.SyncCache, store *metadata.Store) *SensorRouter {
	r := &SensorRouter{
		cache:       cache,
		store:       store,
		sync:        map[string]bool{},
		async:       map[string]bool{},
		defaultSync: cfg.DefaultType != "asynchronous",
	}
	for _, h := range cfg.Synchronous {
		r.sync[h] = true
	}
	for _, h := range cfg.Asynchronous {
		r.async[h] = true
	}
	return r
}

// Synchronous reports how a header is classified.
func (r *SensorRouter) Synchronous(header string) bool {
	if r.sync[header] {
		return true
	}
	if r.async[header] {
		return false
	}
	return r.defaultSync
}

// Route dispatches one sensor reading.
func (r *SensorRouter) Route(sensorID, header, data string, at time.Time) {
	if r.Synchronous(header) {
		r.cache.Put(sensorID, header, data, at)
		return
	}
	if err := r.store.RecordAsyncSensor(at, sensorID, header, data); err != nil {
		log.Printf("acquire: async sensor %s: %v", header, err)
	}
}
