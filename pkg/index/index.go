// Package index implements the persistent key→metadata index for
// DittoCache, backed by BadgerDB.
//
// The index stores one record per completed cache entry: the file's
// location, size and checksum. On startup the manager replays the index
// to repopulate entries without re-reading their files. The index is a
// collaborator of the cache core, never a dependency of it: the core only
// sees the cache.Index interface.
package index

import (
	"bytes"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/digest"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// entryPrefix namespaces entry records in the key space.
const entryPrefix = "entry:"

// record is the on-disk layout of one index entry, XDR-encoded for a
// stable, deterministic representation.
type record struct {
	Filename string
	Size     int64
	Checksum [digest.Size]byte
}

// BadgerIndex is a cache.Index backed by an embedded BadgerDB database.
//
// Thread Safety: safe for concurrent use; Badger transactions provide the
// required isolation.
type BadgerIndex struct {
	db *badger.DB
}

var _ cache.Index = (*BadgerIndex)(nil)

// Open opens (or creates) the index database at path.
func Open(path string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Badger's own logging is too chatty for an index this small

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	return &BadgerIndex{db: db}, nil
}

// Put records the metadata of a completed entry, replacing any previous
// record for the same key.
func (i *BadgerIndex) Put(key cache.Key, info cache.Info, sum digest.Checksum) error {
	rec := record{
		Filename: info.Filename,
		Size:     info.Size,
		Checksum: sum,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return fmt.Errorf("failed to encode index record: %w", err)
	}

	err := i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(key), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to write index record: %w", err)
	}
	return nil
}

// Get returns the recorded metadata for key. The boolean is false when no
// record exists.
func (i *BadgerIndex) Get(key cache.Key) (cache.Info, digest.Checksum, bool, error) {
	var rec record
	found := false

	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return decodeRecord(val, &rec)
		})
	})
	if err != nil {
		return cache.Info{}, digest.Checksum{}, false, fmt.Errorf("failed to read index record: %w", err)
	}
	if !found {
		return cache.Info{}, digest.Checksum{}, false, nil
	}

	return cache.Info{Filename: rec.Filename, Size: rec.Size}, rec.Checksum, true, nil
}

// Delete drops the record for key. Deleting a missing record succeeds.
func (i *BadgerIndex) Delete(key cache.Key) error {
	err := i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete index record: %w", err)
	}
	return nil
}

// All iterates every recorded entry. Iteration stops at the first error
// returned by fn.
func (i *BadgerIndex) All(fn func(key cache.Key, info cache.Info, sum digest.Checksum) error) error {
	return i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := cache.Key(item.Key()[len(entryPrefix):])

			var rec record
			err := item.Value(func(val []byte) error {
				return decodeRecord(val, &rec)
			})
			if err != nil {
				logger.Warn("skipping corrupt index record for %q: %v", key, err)
				continue
			}

			if err := fn(key, cache.Info{Filename: rec.Filename, Size: rec.Size}, rec.Checksum); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database.
func (i *BadgerIndex) Close() error {
	if err := i.db.Close(); err != nil {
		return fmt.Errorf("failed to close index database: %w", err)
	}
	return nil
}

func dbKey(key cache.Key) []byte {
	return append([]byte(entryPrefix), key...)
}

func decodeRecord(val []byte, rec *record) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(val), rec); err != nil {
		return fmt.Errorf("failed to decode index record: %w", err)
	}
	return nil
}
