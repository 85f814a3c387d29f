package cache

import "errors"

// These errors provide a consistent way to indicate common failure
// conditions across the cache boundary. Callers should match them with
// errors.Is; implementations wrap them with additional context:
//
//	if terminated {
//	    return fmt.Errorf("entry %q: %w", key, cache.ErrEntryNotFound)
//	}
var (
	// ErrEntryNotFound indicates the requested entry does not exist or
	// has already terminated. Fetch and FetchFile against a terminated
	// handle surface this instead of blocking.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrEntryExists indicates an entry for this key is already managed.
	// Keys are not deduplicated by the core; the manager refuses a
	// second Create for the same key.
	ErrEntryExists = errors.New("cache entry already exists")

	// ErrEntryDeleted indicates the entry was force-deleted while the
	// caller had a stream or completion wait in flight. Readers see it
	// from Stream.Next, waiters from FetchFile.
	ErrEntryDeleted = errors.New("cache entry deleted")

	// ErrStreamClosed indicates Next was called on a stream the consumer
	// already closed.
	ErrStreamClosed = errors.New("stream closed")
)
