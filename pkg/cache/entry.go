package cache

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/internal/mbox"
	"github.com/marmos91/dittocache/pkg/digest"
)

// State is the lifecycle phase of an entry. Transitions are monotonic:
// awaitingData moves to streaming or directly to complete; complete is
// terminal except for forced deletion, which is reachable from any state.
type State int

const (
	// StateAwaitingData: created, no content delivered yet.
	StateAwaitingData State = iota
	// StateStreaming: the producer holds the write path open and appends
	// chunks incrementally.
	StateStreaming
	// StateComplete: content fully materialized (or adopted via
	// Repopulate); size and checksum are authoritative.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingData:
		return "awaiting_data"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Entry controls the lifecycle of one cached file.
//
// All mutable state lives inside the entry's goroutine and is only ever
// touched from there; the exported methods enqueue messages. Asynchronous
// methods (the store variants, Append, Finish, Repopulate, GC, Delete)
// return as soon as the message is accepted. Fetch and FetchFile block
// for a reply.
//
// Invariants held by the goroutine:
//   - the write handle is open iff state is streaming
//   - the incremental checksum accumulator exists iff state is streaming
//   - readers and waiters are non-empty only while incomplete
//   - exactly one producer identity may advance the stream; a mismatched
//     identity is dropped without a transition
//
// Disk I/O failures are fatal to the entry: it terminates rather than
// risk serving a partially written file. Pending and future callers get
// ErrEntryNotFound; readers and waiters get an abort.
type Entry struct {
	key      Key
	producer ProducerID
	mailbox  *mbox.Mailbox[message]
	done     chan struct{}

	// Everything below is owned by the run goroutine.
	state    State
	filename string
	file     *os.File
	size     int64
	sum      digest.Checksum
	inc      *digest.Incremental
	readers  []*mbox.Mailbox[streamEvent]
	waiters  []chan fileReply

	observer Observer
	digester Digester
}

// newEntry spawns the entry goroutine. filename is the encoded target
// path under the cache root; producer is the only identity allowed to
// advance the stream.
func newEntry(key Key, filename string, producer ProducerID, observer Observer, digester Digester) *Entry {
	e := &Entry{
		key:      key,
		producer: producer,
		mailbox:  mbox.New[message](),
		done:     make(chan struct{}),
		state:    StateAwaitingData,
		filename: filename,
		observer: observer,
		digester: digester,
	}
	go e.run()
	return e
}

// Key returns the entry's immutable key.
func (e *Entry) Key() Key {
	return e.key
}

// ============================================================================
// Producer API
// ============================================================================

// StoreBuffer delivers the whole content in one buffer. The entry
// broadcasts it to registered readers, writes it atomically to the target
// path and completes.
func (e *Entry) StoreBuffer(data []byte) error {
	return e.send(storeBuffer{data: data})
}

// StoreFile delivers content as a file on disk. A file already at the
// entry's target path is adopted in place; any other path is copied into
// the target path.
func (e *Entry) StoreFile(path string) error {
	return e.send(storeFile{path: path})
}

// StoreTempFile delivers content as a temp file, atomically renamed into
// the target path.
func (e *Entry) StoreTempFile(path string) error {
	return e.send(storeTempFile{path: path})
}

// StartStream opens the incremental write path. It only takes effect when
// producer matches the identity the entry was created with.
func (e *Entry) StartStream(producer ProducerID) error {
	return e.send(streamStart{producer: producer})
}

// Append adds one chunk to an in-flight stream. The chunk is broadcast to
// registered readers in the same processing turn that writes it to disk,
// which is what keeps reader streams gapless. The caller must not modify
// data after the call.
func (e *Entry) Append(producer ProducerID, data []byte) error {
	return e.send(appendChunk{producer: producer, data: data})
}

// Finish completes an in-flight stream: the write handle is closed, the
// incremental checksum is finalized and readers receive the terminal
// marker.
func (e *Entry) Finish(producer ProducerID) error {
	return e.send(finishStream{producer: producer})
}

// Repopulate adopts previously known metadata verbatim, with no disk
// access. Used when restoring an entry from an external index without
// re-touching the file. The filename replaces the derived path wholesale;
// the key stays as created.
func (e *Entry) Repopulate(filename string, size int64, sum digest.Checksum) error {
	return e.send(repopulateMsg{filename: filename, size: size, sum: sum})
}

// ============================================================================
// Consumer API
// ============================================================================

// Fetch returns the content. If the entry is complete the result carries
// its metadata and the registry is signaled for recency tracking. If the
// entry is still materializing the caller is registered as a reader and
// the result carries a stream that replays the bytes written so far and
// then follows the live broadcast.
//
// ctx bounds only the caller's wait for the reply; it does not affect
// the entry.
func (e *Entry) Fetch(ctx context.Context) (FetchResult, error) {
	req := fetchReq{reply: make(chan fetchReply, 1)}
	if !e.mailbox.Put(req) {
		return FetchResult{}, fmt.Errorf("entry %q: %w", e.key, ErrEntryNotFound)
	}

	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

// FetchFile returns the completed file's metadata. If the entry is not
// complete yet the call blocks until it is, indefinitely unless ctx
// expires first. The entry itself imposes no timeout on a producer that
// never completes.
func (e *Entry) FetchFile(ctx context.Context) (Info, error) {
	req := fetchFileReq{reply: make(chan fileReply, 1)}
	if !e.mailbox.Put(req) {
		return Info{}, fmt.Errorf("entry %q: %w", e.key, ErrEntryNotFound)
	}

	select {
	case r := <-req.reply:
		return r.info, r.err
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// ============================================================================
// Lifecycle API
// ============================================================================

// GC requests garbage collection. An entry with in-flight work ignores
// it; a complete entry is deleted.
func (e *Entry) GC() error {
	return e.send(gcMsg{})
}

// Delete force-deletes the entry: an open write handle is closed first,
// then the file is removed (absence is not an error) and the entry
// terminates. Readers with streams in flight and parked waiters receive
// an abort.
func (e *Entry) Delete() error {
	return e.send(deleteMsg{})
}

// stop terminates the entry goroutine without removing the file.
func (e *Entry) stop() {
	_ = e.send(stopMsg{})
}

// Done is closed when the entry has terminated.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

func (e *Entry) send(msg message) error {
	if !e.mailbox.Put(msg) {
		return fmt.Errorf("entry %q: %w", e.key, ErrEntryNotFound)
	}
	return nil
}

// ============================================================================
// Actor loop
// ============================================================================

// run processes the mailbox one message at a time, in arrival order. No
// two messages for the same entry are ever handled concurrently; replies
// to synchronous requests are computed without releasing control, which
// makes the snapshot-then-register handshake of Fetch race-free.
func (e *Entry) run() {
	removeFile := false

	for {
		msg, ok := e.mailbox.Get()
		if !ok {
			break
		}

		var exit bool
		exit, removeFile = e.handle(msg)
		if exit {
			break
		}
	}

	e.terminate(removeFile)
}

// handle dispatches one message. It returns exit=true when the entry must
// terminate, with removeFile indicating whether the cache file should be
// removed from disk.
func (e *Entry) handle(msg message) (exit, removeFile bool) {
	switch m := msg.(type) {
	case storeBuffer:
		if e.state == StateAwaitingData {
			if err := e.storeBuffer(m.data); err != nil {
				return e.fatal(err)
			}
		}

	case storeFile:
		if e.state == StateAwaitingData {
			if err := e.storeFile(m.path); err != nil {
				return e.fatal(err)
			}
		}

	case storeTempFile:
		if e.state == StateAwaitingData {
			if err := e.storeTempFile(m.path); err != nil {
				return e.fatal(err)
			}
		}

	case streamStart:
		if e.state == StateAwaitingData && m.producer == e.producer {
			if err := e.startStream(); err != nil {
				return e.fatal(err)
			}
		}

	case appendChunk:
		if e.state == StateStreaming && m.producer == e.producer {
			if err := e.appendChunk(m.data); err != nil {
				return e.fatal(err)
			}
		}

	case finishStream:
		if e.state == StateStreaming && m.producer == e.producer {
			if err := e.finishStream(); err != nil {
				return e.fatal(err)
			}
		}

	case repopulateMsg:
		if e.state == StateAwaitingData {
			e.repopulate(m)
		}

	case fetchReq:
		e.fetch(m)

	case fetchFileReq:
		e.fetchFile(m)

	case gcMsg:
		// In-flight work is never collected; a complete entry is.
		if e.state == StateComplete {
			return true, true
		}

	case deleteMsg:
		return true, true

	case stopMsg:
		return true, false
	}

	return false, false
}

// fatal handles an unrecoverable I/O failure: log it and terminate
// abruptly, leaving whatever is on disk rather than serving it.
func (e *Entry) fatal(err error) (exit, removeFile bool) {
	logger.Error("cache entry %q failed: %v", e.key, err)
	return true, false
}

// ============================================================================
// Store variants (awaitingData only)
// ============================================================================

func (e *Entry) storeBuffer(data []byte) error {
	// Broadcast before touching disk so registered readers observe the
	// blob even if the write fails the entry.
	e.broadcast(streamEvent{kind: evBlob, data: data})

	if err := e.writeFileAtomic(data); err != nil {
		return err
	}

	e.size = int64(len(data))
	e.sum = digest.Sum(data)
	e.complete()
	return nil
}

func (e *Entry) storeFile(path string) error {
	if path != e.filename {
		if err := e.copyIntoPlace(path); err != nil {
			return err
		}
	}
	return e.adoptOnDiskFile()
}

func (e *Entry) storeTempFile(path string) error {
	if err := os.Rename(path, e.filename); err != nil {
		return fmt.Errorf("failed to rename temp file into cache: %w", err)
	}
	return e.adoptOnDiskFile()
}

// adoptOnDiskFile finalizes a store-by-path variant: the content is fully
// in place at the target path, so stat it for the size and delegate the
// digest to the external helper.
func (e *Entry) adoptOnDiskFile() error {
	fi, err := os.Stat(e.filename)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}
	e.size = fi.Size()

	sum, err := e.digester(context.Background(), e.filename)
	if err != nil {
		return fmt.Errorf("failed to digest cache file: %w", err)
	}
	e.sum = sum

	e.broadcast(streamEvent{kind: evComplete, info: Info{Filename: e.filename, Size: e.size}})
	e.complete()
	return nil
}

func (e *Entry) copyIntoPlace(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp := e.filename + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy into cache: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tmp, e.filename); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to the target path via a temp file and
// rename, so a concurrent replay never observes a torn file.
func (e *Entry) writeFileAtomic(data []byte) error {
	tmp := e.filename + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, e.filename); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}

// ============================================================================
// Streaming (producer-gated)
// ============================================================================

func (e *Entry) startStream() error {
	f, err := os.OpenFile(e.filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open cache file for streaming: %w", err)
	}

	e.file = f
	e.size = 0
	e.inc = digest.NewIncremental()
	e.state = StateStreaming
	return nil
}

func (e *Entry) appendChunk(data []byte) error {
	// Readers receive the chunk in the same turn that writes it, so the
	// broadcast is strictly ordered after the replayed disk content.
	e.broadcast(streamEvent{kind: evChunk, data: data})

	if _, err := e.file.Write(data); err != nil {
		return fmt.Errorf("failed to append to cache file: %w", err)
	}
	_, _ = e.inc.Write(data)
	e.size += int64(len(data))
	return nil
}

func (e *Entry) finishStream() error {
	if err := e.file.Close(); err != nil {
		e.file = nil
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	e.file = nil

	e.sum = e.inc.Sum()
	e.inc = nil

	e.broadcast(streamEvent{kind: evDone, info: Info{Filename: e.filename, Size: e.size}})
	e.complete()
	return nil
}

// ============================================================================
// Repopulate, fetch, completion
// ============================================================================

func (e *Entry) repopulate(m repopulateMsg) {
	e.filename = m.filename
	e.size = m.size
	e.sum = m.sum

	e.broadcast(streamEvent{kind: evComplete, info: Info{Filename: e.filename, Size: e.size}})
	e.complete()
}

func (e *Entry) fetch(req fetchReq) {
	if e.state == StateComplete {
		req.reply <- fetchReply{result: FetchResult{Info: Info{Filename: e.filename, Size: e.size}}}
		if e.observer != nil {
			e.observer.EntryAccessed(e.key)
		}
		return
	}

	// Snapshot and registration happen inside this turn: no append can
	// interleave, so the stream replays exactly the bytes on disk and
	// every broadcast chunk after that.
	sub := mbox.New[streamEvent]()
	e.readers = append(e.readers, sub)
	req.reply <- fetchReply{result: FetchResult{Stream: newStream(e.filename, e.size, sub)}}
}

func (e *Entry) fetchFile(req fetchFileReq) {
	if e.state == StateComplete {
		req.reply <- fileReply{info: Info{Filename: e.filename, Size: e.size}}
		return
	}
	e.waiters = append(e.waiters, req.reply)
}

// complete moves the entry to its terminal-but-live state: waiters are
// notified with the final metadata, reader subscriptions are sealed, and
// the registry learns the entry is ready.
func (e *Entry) complete() {
	e.state = StateComplete

	info := Info{Filename: e.filename, Size: e.size}
	for _, w := range e.waiters {
		w <- fileReply{info: info}
	}
	e.waiters = nil

	for _, sub := range e.readers {
		sub.Close()
	}
	e.readers = nil

	if e.observer != nil {
		e.observer.EntryReady(e.key, e.filename, e.size, e.sum)
	}
}

// broadcast pushes an event to every registered reader, dropping
// subscriptions the consumer has already closed.
func (e *Entry) broadcast(ev streamEvent) {
	if len(e.readers) == 0 {
		return
	}
	live := e.readers[:0]
	for _, sub := range e.readers {
		if sub.Put(ev) {
			live = append(live, sub)
		}
	}
	e.readers = live
}

// ============================================================================
// Termination
// ============================================================================

// terminate is the single exit path of the run loop. The write handle is
// always closed before the file is removed, so the file is never deleted
// while still open for writing. Pending synchronous requests in the
// mailbox are drained with a not-found reply; registered readers and
// parked waiters are aborted.
func (e *Entry) terminate(removeFile bool) {
	e.mailbox.Close()

	if e.file != nil {
		if err := e.file.Close(); err != nil {
			logger.Warn("cache entry %q: failed to close file on terminate: %v", e.key, err)
		}
		e.file = nil
	}

	if removeFile {
		if err := os.Remove(e.filename); err != nil && !os.IsNotExist(err) {
			logger.Warn("cache entry %q: failed to remove file: %v", e.key, err)
		}
	}

	for _, sub := range e.readers {
		sub.Close()
	}
	e.readers = nil

	abort := fmt.Errorf("entry %q: %w", e.key, ErrEntryDeleted)
	for _, w := range e.waiters {
		w <- fileReply{err: abort}
	}
	e.waiters = nil

	notFound := fmt.Errorf("entry %q: %w", e.key, ErrEntryNotFound)
	for {
		msg, ok := e.mailbox.TryGet()
		if !ok {
			break
		}
		switch m := msg.(type) {
		case fetchReq:
			m.reply <- fetchReply{err: notFound}
		case fetchFileReq:
			m.reply <- fileReply{err: notFound}
		}
	}

	if removeFile && e.observer != nil {
		e.observer.EntryRemoved(e.key)
	}

	close(e.done)
}
