package cache

import (
	"fmt"
	"io"
	"os"

	"github.com/marmos91/dittocache/internal/mbox"
)

// ChunkSize is the maximum chunk length a stream yields while replaying
// disk content. Live chunks are delivered at whatever size the producer
// appended them.
const ChunkSize = 64 * 1024

// Stream is the lazy chunk sequence handed to a consumer that fetched an
// entry before it completed. It is finite, non-restartable, and consumed
// by exactly one reader.
//
// The stream has two phases. The replay phase serves the bytes that were
// already on disk when the reader registered: the snapshot size is
// captured inside the entry's processing turn, so no append can land
// between the snapshot and the registration. The live phase then follows
// the entry's broadcast: appended chunks as they happen, or the remainder
// of the file once a store-by-path variant completes it, terminated by
// io.EOF.
//
// Next returns ErrEntryDeleted if the entry is force-deleted while the
// stream is in flight. Streams are not safe for concurrent use.
type Stream struct {
	path      string
	events    *mbox.Mailbox[streamEvent]
	remaining int64 // bytes of disk content still to replay
	delivered int64
	file      *os.File
	buf       []byte
	final     Info
	hasFinal  bool
	done      bool
	closed    bool
}

func newStream(path string, snapshot int64, events *mbox.Mailbox[streamEvent]) *Stream {
	return &Stream{
		path:      path,
		events:    events,
		remaining: snapshot,
	}
}

// Next returns the next chunk of content, in order. It returns io.EOF
// after the last chunk of a completed entry and ErrEntryDeleted if the
// entry terminated without completing. The returned slice is only valid
// until the next call.
func (s *Stream) Next() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.done {
		return nil, io.EOF
	}

	// Replay phase: serve the snapshot (or, after a completion record,
	// the unseen remainder) from disk.
	if s.remaining > 0 {
		return s.replay()
	}
	s.closeFile()

	// Live phase: follow the entry's broadcast.
	for {
		ev, ok := s.events.Get()
		if !ok {
			s.done = true
			return nil, ErrEntryDeleted
		}

		switch ev.kind {
		case evChunk:
			s.delivered += int64(len(ev.data))
			return ev.data, nil

		case evBlob:
			s.delivered += int64(len(ev.data))
			s.final = Info{Filename: s.path, Size: s.delivered}
			s.hasFinal = true
			s.done = true
			if len(ev.data) == 0 {
				return nil, io.EOF
			}
			return ev.data, nil

		case evComplete:
			s.final = ev.info
			s.hasFinal = true
			s.path = ev.info.Filename
			s.remaining = ev.info.Size - s.delivered
			if s.remaining > 0 {
				return s.replay()
			}
			s.done = true
			return nil, io.EOF

		case evDone:
			s.final = ev.info
			s.hasFinal = true
			s.done = true
			return nil, io.EOF
		}
	}
}

// Final returns the entry's completion metadata. It becomes available
// once the stream has observed completion (including before the trailing
// disk replay of a store-by-path completion has been consumed).
func (s *Stream) Final() (Info, bool) {
	return s.final, s.hasFinal
}

// Close releases the stream's resources. The entry stops broadcasting to
// a closed stream the next time it touches the subscription.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.events.Close()
	s.closeFile()
	return nil
}

// replay serves one replay chunk, mapping I/O failures caused by a
// force-deleted entry to the abort error: the file can vanish under a
// lazy replay, and the reader should see the deletion, not a raw open
// or read failure.
func (s *Stream) replay() ([]byte, error) {
	chunk, err := s.replayChunk()
	if err != nil && s.events.Closed() {
		return nil, fmt.Errorf("cache file vanished during replay: %w", ErrEntryDeleted)
	}
	return chunk, err
}

// replayChunk reads the next chunk of already-written content from disk,
// opening the file lazily at the stream's current offset.
func (s *Stream) replayChunk() ([]byte, error) {
	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			s.done = true
			return nil, fmt.Errorf("failed to open cache file for replay: %w", err)
		}
		if s.delivered > 0 {
			if _, err := f.Seek(s.delivered, io.SeekStart); err != nil {
				_ = f.Close()
				s.done = true
				return nil, fmt.Errorf("failed to seek cache file: %w", err)
			}
		}
		s.file = f
	}

	if s.buf == nil {
		s.buf = make([]byte, ChunkSize)
	}

	want := int64(len(s.buf))
	if s.remaining < want {
		want = s.remaining
	}

	n, err := io.ReadFull(s.file, s.buf[:want])
	if err != nil {
		s.closeFile()
		s.done = true
		return nil, fmt.Errorf("failed to replay cache file: %w", err)
	}

	s.remaining -= int64(n)
	s.delivered += int64(n)

	if s.remaining == 0 {
		s.closeFile()
		if s.hasFinal {
			// Trailing replay after a completion record: the file is
			// final, nothing live can follow.
			s.done = true
		}
	}

	return s.buf[:n], nil
}

func (s *Stream) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}
