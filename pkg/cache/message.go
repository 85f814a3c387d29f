// Package cache implements the per-key entry controller of a
// content-addressed file cache.
//
// Each entry owns the lifecycle of exactly one cached file, from "not yet
// materialized" through "being written" to "complete and servable". An
// entry is an independent unit of concurrency: one goroutine per key with
// a private mailbox, processing one message at a time in arrival order.
// Entries never share mutable state with callers or with each other;
// everything crosses the boundary as a message.
//
// A single authorized producer supplies data through one of four store
// variants (whole buffer, file already at the target path, file at
// another path, temp file) or incrementally via StartStream, Append and
// Finish. Any number of consumers may fetch concurrently; consumers that
// arrive before completion receive a lazy chunk stream that replays the
// bytes already on disk and then follows the live broadcast, with no gap
// and no duplicate.
package cache

import (
	"context"

	"github.com/marmos91/dittocache/pkg/digest"
)

// Info is the final metadata of a completed entry.
type Info struct {
	Filename string
	Size     int64
}

// FetchResult is the reply to Fetch. Either the entry is already complete
// and Info carries its metadata, or Stream delivers the content as it
// materializes.
type FetchResult struct {
	Info   Info
	Stream *Stream
}

// Ready reports whether the entry was complete at fetch time.
func (r FetchResult) Ready() bool {
	return r.Stream == nil
}

// Observer is the boundary to the external registry that created the
// entry. EntryReady fires once when an entry reaches its complete state,
// EntryAccessed on every fetch of a complete entry (recency tracking),
// and EntryRemoved when an entry terminates through delete or gc.
//
// Callbacks are invoked from the entry's own goroutine; implementations
// must not call back into the same entry synchronously.
type Observer interface {
	EntryReady(key Key, filename string, size int64, sum digest.Checksum)
	EntryAccessed(key Key)
	EntryRemoved(key Key)
}

// Digester computes the checksum of a file already present on disk.
// The cache delegates to it for the store-by-path variants instead of
// re-reading the file through its own checksum engine.
type Digester func(ctx context.Context, path string) (digest.Checksum, error)

// ============================================================================
// Mailbox messages
// ============================================================================

// message is the sealed set of inputs an entry processes. Asynchronous
// messages carry no reply channel; synchronous ones carry a buffered
// channel the entry replies on exactly once. Requests still queued when
// the entry terminates are drained with a not-found reply during
// teardown.
type message interface {
	isMessage()
}

// storeBuffer delivers the whole content in one buffer.
type storeBuffer struct {
	data []byte
}

// storeFile delivers content as a file on disk. If path equals the
// entry's target path the file is adopted in place; otherwise it is
// copied into the target path.
type storeFile struct {
	path string
}

// storeTempFile delivers content as a temp file to be atomically renamed
// into the target path.
type storeTempFile struct {
	path string
}

// streamStart opens the incremental write path. Only the entry's
// producer identity may start a stream.
type streamStart struct {
	producer ProducerID
}

// appendChunk appends one chunk to an in-flight stream.
type appendChunk struct {
	producer ProducerID
	data     []byte
}

// finishStream completes an in-flight stream.
type finishStream struct {
	producer ProducerID
}

// repopulateMsg adopts previously known metadata without touching disk.
// The entry's key is immutable and stays as created.
type repopulateMsg struct {
	filename string
	size     int64
	sum      digest.Checksum
}

// fetchReq asks for the content: immediately if complete, as a stream
// otherwise.
type fetchReq struct {
	reply chan fetchReply
}

type fetchReply struct {
	result FetchResult
	err    error
}

// fetchFileReq asks for the completed file, blocking the caller until the
// entry completes. The reply channel is parked in the waiter set.
type fetchFileReq struct {
	reply chan fileReply
}

type fileReply struct {
	info Info
	err  error
}

// gcMsg requests garbage collection. Entries with in-flight work ignore
// it; complete entries treat it as delete.
type gcMsg struct{}

// deleteMsg force-deletes the entry: close the write handle if one is
// open, remove the file, terminate.
type deleteMsg struct{}

// stopMsg terminates the entry goroutine without removing the file. Used
// by the manager on shutdown so a persisted index can repopulate the
// entry on the next start.
type stopMsg struct{}

func (storeBuffer) isMessage()   {}
func (storeFile) isMessage()     {}
func (storeTempFile) isMessage() {}
func (streamStart) isMessage()   {}
func (appendChunk) isMessage()   {}
func (finishStream) isMessage()  {}
func (repopulateMsg) isMessage() {}
func (fetchReq) isMessage()      {}
func (fetchFileReq) isMessage()  {}
func (gcMsg) isMessage()         {}
func (deleteMsg) isMessage()     {}
func (stopMsg) isMessage()       {}

// ============================================================================
// Reader broadcast events
// ============================================================================

type eventKind int

const (
	// evChunk is a live-appended chunk.
	evChunk eventKind = iota
	// evBlob is the whole content delivered in one buffer.
	evBlob
	// evComplete is a completion record: the content is fully on disk at
	// info.Filename, bytes the reader has not seen are served from there.
	evComplete
	// evDone is the terminal marker of a finished stream.
	evDone
)

// streamEvent is one item pushed to a registered reader's subscription.
type streamEvent struct {
	kind eventKind
	data []byte
	info Info
}
