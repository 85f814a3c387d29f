package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/digest"
)

// cacheObserver is the Prometheus implementation of the cache.Observer
// interface.
//
// It counts entry lifecycle transitions as they are reported by the cache
// core:
//   - Entries that reached their completed state, and the bytes they hold
//   - Fetches answered from a completed entry
//   - Entries removed by deletion or garbage collection
type cacheObserver struct {
	entriesReady    prometheus.Counter
	entriesAccessed prometheus.Counter
	entriesRemoved  prometheus.Counter
	storedBytes     prometheus.Counter
}

// NewCacheObserver creates a Prometheus-backed cache.Observer.
//
// Returns nil if metrics are not enabled (InitRegistry not called); the
// manager treats a nil observer as no observer at all.
func NewCacheObserver() cache.Observer {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &cacheObserver{
		entriesReady: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittocache_entries_ready_total",
				Help: "Total number of cache entries that reached their completed state",
			},
		),
		entriesAccessed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittocache_entries_accessed_total",
				Help: "Total number of fetches answered from a completed entry",
			},
		),
		entriesRemoved: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittocache_entries_removed_total",
				Help: "Total number of cache entries removed by deletion or garbage collection",
			},
		),
		storedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittocache_stored_bytes_total",
				Help: "Total bytes of content that completed into the cache",
			},
		),
	}
}

// EntryReady implements cache.Observer.
func (m *cacheObserver) EntryReady(key cache.Key, filename string, size int64, sum digest.Checksum) {
	m.entriesReady.Inc()
	m.storedBytes.Add(float64(size))
}

// EntryAccessed implements cache.Observer.
func (m *cacheObserver) EntryAccessed(key cache.Key) {
	m.entriesAccessed.Inc()
}

// EntryRemoved implements cache.Observer.
func (m *cacheObserver) EntryRemoved(key cache.Key) {
	m.entriesRemoved.Inc()
}
