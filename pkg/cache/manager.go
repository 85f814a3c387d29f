package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/digest"
)

// Index persists entry metadata (filename, size, checksum) across
// restarts so entries can be repopulated without re-reading their files.
// The cache core never touches it directly; the Manager records "ready"
// entries and replays the index on Restore.
type Index interface {
	Put(key Key, info Info, sum digest.Checksum) error
	Delete(key Key) error
	All(fn func(key Key, info Info, sum digest.Checksum) error) error
}

// Manager is the registry that maps keys to entry instances. It supplies
// the cache root directory, tracks access recency for sweep decisions,
// and mirrors completed entries into an optional persistent index.
//
// The Manager does not decide retention policy: Sweep only forwards gc
// requests, and an entry with in-flight work ignores them.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	root     string
	observer Observer
	digester Digester
	index    Index

	mu      sync.Mutex
	entries map[Key]*Entry
	access  map[Key]time.Time
	closed  bool
}

// ManagerConfig configures a Manager. Root is required; everything else
// is optional.
type ManagerConfig struct {
	// Root is the cache directory. Created if missing.
	Root string

	// Observer receives ready/accessed/removed notifications in addition
	// to the Manager's own bookkeeping.
	Observer Observer

	// Digester computes checksums for files adopted from disk.
	// Defaults to digest.File.
	Digester Digester

	// Index, when set, persists completed entries for Restore.
	Index Index
}

// NewManager creates the registry and its cache root directory.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	digester := cfg.Digester
	if digester == nil {
		digester = digest.File
	}

	return &Manager{
		root:     cfg.Root,
		observer: cfg.Observer,
		digester: digester,
		index:    cfg.Index,
		entries:  make(map[Key]*Entry),
		access:   make(map[Key]time.Time),
	}, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create spawns the entry for key with producer as the sole identity
// authorized to stream data into it. Returns ErrEntryExists if the key is
// already managed.
func (m *Manager) Create(key Key, producer ProducerID) (*Entry, error) {
	filename, err := EncodePath(m.root, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("manager closed")
	}
	if _, exists := m.entries[key]; exists {
		return nil, fmt.Errorf("entry %q: %w", key, ErrEntryExists)
	}

	entry := newEntry(key, filename, producer, &managerObserver{m: m}, m.digester)
	m.entries[key] = entry
	m.access[key] = time.Now()
	return entry, nil
}

// Get returns the live entry for key, if any.
func (m *Manager) Get(key Key) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	return entry, ok
}

// GetOrCreate returns the live entry for key, creating it with producer
// if absent.
func (m *Manager) GetOrCreate(key Key, producer ProducerID) (*Entry, error) {
	if entry, ok := m.Get(key); ok {
		return entry, nil
	}
	entry, err := m.Create(key, producer)
	if err == nil {
		return entry, nil
	}
	// Lost the race to a concurrent creator.
	if entry, ok := m.Get(key); ok {
		return entry, nil
	}
	return nil, err
}

// Delete force-deletes the entry for key. Absence is not an error.
func (m *Manager) Delete(key Key) error {
	entry, ok := m.Get(key)
	if !ok {
		return nil
	}
	return entry.Delete()
}

// Len returns the number of live entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Restore repopulates entries from the persistent index. Files are not
// re-read: size and checksum are adopted verbatim. Returns the number of
// entries restored. ctx cancellation stops the replay between records.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.index == nil {
		return 0, nil
	}

	restored := 0
	err := m.index.All(func(key Key, info Info, sum digest.Checksum) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := m.Get(key); ok {
			return nil
		}
		entry, err := m.Create(key, "")
		if err != nil {
			return err
		}
		if err := entry.Repopulate(info.Filename, info.Size, sum); err != nil {
			return err
		}
		restored++
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("failed to restore cache index: %w", err)
	}

	logger.Info("Restored %d cache entries from index", restored)
	return restored, nil
}

// Sweep sends gc to every entry not accessed within minIdle and returns
// the number of candidates signaled. Entries with in-flight work ignore
// the request, so the count is an upper bound on what is collected.
func (m *Manager) Sweep(minIdle time.Duration) int {
	cutoff := time.Now().Add(-minIdle)

	m.mu.Lock()
	var stale []*Entry
	for key, entry := range m.entries {
		if m.access[key].Before(cutoff) {
			stale = append(stale, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range stale {
		_ = entry.GC()
	}
	return len(stale)
}

// Close stops all entry goroutines without removing their files, so a
// persisted index can repopulate them on the next start.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.stop()
	}
	for _, entry := range entries {
		<-entry.Done()
	}
	return nil
}

// managerObserver is the entry-side observer: it keeps the Manager's
// bookkeeping current and forwards notifications to the configured
// external observer. Callbacks run on entry goroutines and only take the
// Manager lock or enqueue messages, so they cannot deadlock with the
// entry's own mailbox.
type managerObserver struct {
	m *Manager
}

func (o *managerObserver) EntryReady(key Key, filename string, size int64, sum digest.Checksum) {
	o.m.touch(key)

	if o.m.index != nil {
		if err := o.m.index.Put(key, Info{Filename: filename, Size: size}, sum); err != nil {
			logger.Warn("failed to persist cache entry %q: %v", key, err)
		}
	}
	if o.m.observer != nil {
		o.m.observer.EntryReady(key, filename, size, sum)
	}
}

func (o *managerObserver) EntryAccessed(key Key) {
	o.m.touch(key)

	if o.m.observer != nil {
		o.m.observer.EntryAccessed(key)
	}
}

func (o *managerObserver) EntryRemoved(key Key) {
	o.m.mu.Lock()
	delete(o.m.entries, key)
	delete(o.m.access, key)
	o.m.mu.Unlock()

	if o.m.index != nil {
		if err := o.m.index.Delete(key); err != nil {
			logger.Warn("failed to drop cache entry %q from index: %v", key, err)
		}
	}
	if o.m.observer != nil {
		o.m.observer.EntryRemoved(key)
	}
}

func (m *Manager) touch(key Key) {
	m.mu.Lock()
	m.access[key] = time.Now()
	m.mu.Unlock()
}
