package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittocache/pkg/digest"
)

const waitTimeout = 2 * time.Second

// ============================================================================
// Test helpers
// ============================================================================

type readyNote struct {
	key      Key
	filename string
	size     int64
	sum      digest.Checksum
}

// recorder captures registry notifications so tests can await the
// asynchronous transitions of an entry.
type recorder struct {
	ready    chan readyNote
	accessed chan Key
	removed  chan Key
}

func newRecorder() *recorder {
	return &recorder{
		ready:    make(chan readyNote, 16),
		accessed: make(chan Key, 16),
		removed:  make(chan Key, 16),
	}
}

func (r *recorder) EntryReady(key Key, filename string, size int64, sum digest.Checksum) {
	r.ready <- readyNote{key: key, filename: filename, size: size, sum: sum}
}

func (r *recorder) EntryAccessed(key Key) {
	r.accessed <- key
}

func (r *recorder) EntryRemoved(key Key) {
	r.removed <- key
}

func (r *recorder) waitReady(t *testing.T) readyNote {
	t.Helper()
	select {
	case n := <-r.ready:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("entry never became ready")
		return readyNote{}
	}
}

func (r *recorder) waitRemoved(t *testing.T) Key {
	t.Helper()
	select {
	case k := <-r.removed:
		return k
	case <-time.After(waitTimeout):
		t.Fatal("entry was never removed")
		return ""
	}
}

func (r *recorder) waitAccessed(t *testing.T) Key {
	t.Helper()
	select {
	case k := <-r.accessed:
		return k
	case <-time.After(waitTimeout):
		t.Fatal("entry was never accessed")
		return ""
	}
}

func newTestManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	m, err := NewManager(ManagerConfig{Root: t.TempDir(), Observer: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

// drainStream consumes a stream to its end, returning the concatenated
// content, the individual chunk lengths and the terminal error (nil for
// a clean io.EOF).
func drainStream(s *Stream) (content []byte, chunkLens []int, err error) {
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return content, chunkLens, nil
		}
		if err != nil {
			return content, chunkLens, err
		}
		content = append(content, chunk...)
		chunkLens = append(chunkLens, len(chunk))
	}
}

// ============================================================================
// Store variants
// ============================================================================

func TestStoreBufferCompletesEntry(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:buffer", "producer")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("abc")))

	note := rec.waitReady(t)
	assert.Equal(t, Key("doc:buffer"), note.key)
	assert.Equal(t, int64(3), note.size)
	assert.Equal(t, digest.Sum([]byte("abc")), note.sum)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", note.sum.String())

	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ready())
	assert.Equal(t, Info{Filename: note.filename, Size: 3}, res.Info)
	assert.Equal(t, Key("doc:buffer"), rec.waitAccessed(t))
}

func TestStoreBufferEmpty(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:empty", "producer")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer(nil))

	note := rec.waitReady(t)
	assert.Equal(t, int64(0), note.size)

	fi, err := os.Stat(note.filename)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())
}

func TestStoreFileAdoptsInPlaceFile(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:inplace", "producer")
	require.NoError(t, err)

	// Materialize the file at the entry's own target path first.
	target, err := EncodePath(m.Root(), "doc:inplace")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("already here"), 0644))

	require.NoError(t, e.StoreFile(target))

	note := rec.waitReady(t)
	assert.Equal(t, target, note.filename)
	assert.Equal(t, int64(len("already here")), note.size)
	assert.Equal(t, digest.Sum([]byte("already here")), note.sum)
}

func TestStoreFileCopiesForeignPath(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:copy", "producer")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(src, []byte("copied content"), 0644))

	require.NoError(t, e.StoreFile(src))

	note := rec.waitReady(t)
	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("copied content"), data)

	// The source is copied, not moved.
	_, err = os.Stat(src)
	assert.NoError(t, err)
}

func TestStoreTempFileRenamesIntoPlace(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:tmp", "producer")
	require.NoError(t, err)

	// Same filesystem as the cache root so the rename is atomic.
	tmp := filepath.Join(m.Root(), "incoming.part")
	require.NoError(t, os.WriteFile(tmp, []byte("temp content"), 0644))

	require.NoError(t, e.StoreTempFile(tmp))

	note := rec.waitReady(t)
	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("temp content"), data)

	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestRepopulateAdoptsMetadataWithoutDisk(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:repop", "producer")
	require.NoError(t, err)

	sum := digest.Sum([]byte("previously known"))
	require.NoError(t, e.Repopulate("/elsewhere/cachefile", 16, sum))

	note := rec.waitReady(t)
	assert.Equal(t, "/elsewhere/cachefile", note.filename)
	assert.Equal(t, int64(16), note.size)
	assert.Equal(t, sum, note.sum)

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ready())
	assert.Equal(t, Info{Filename: "/elsewhere/cachefile", Size: 16}, res.Info)
}

func TestRepopulateLeavesKeyStable(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:stablekey", "")
	require.NoError(t, err)

	// Key is immutable: reading it concurrently with a repopulate must be
	// safe and must always observe the creation-time value.
	reads := make(chan struct{})
	go func() {
		defer close(reads)
		for i := 0; i < 1_000; i++ {
			if e.Key() != "doc:stablekey" {
				t.Error("entry key changed")
				return
			}
		}
	}()

	require.NoError(t, e.Repopulate("/elsewhere/restored", 8, digest.Sum([]byte("restored"))))
	<-reads

	rec.waitReady(t)
	assert.Equal(t, Key("doc:stablekey"), e.Key())
}

// ============================================================================
// Streaming
// ============================================================================

func TestStreamingLifecycle(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:42", "P")
	require.NoError(t, err)

	require.NoError(t, e.StartStream("P"))
	require.NoError(t, e.Append("P", []byte("hello")))

	// Register a reader mid-stream, before the second chunk.
	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ready())

	require.NoError(t, e.Append("P", []byte("world")))
	require.NoError(t, e.Finish("P"))

	content, _, err := drainStream(res.Stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("helloworld"), content)

	final, ok := res.Stream.Final()
	require.True(t, ok)
	assert.Equal(t, int64(10), final.Size)

	note := rec.waitReady(t)
	assert.Equal(t, int64(10), note.size)
	assert.Equal(t, digest.Sum([]byte("helloworld")), note.sum)

	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("helloworld"), data)
}

func TestStreamChecksumMatchesWholeBuffer(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:sum", "P")
	require.NoError(t, err)

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 100_000),
		[]byte("tail"),
	}
	var whole []byte
	for _, c := range chunks {
		whole = append(whole, c...)
	}

	require.NoError(t, e.StartStream("P"))
	for _, c := range chunks {
		require.NoError(t, e.Append("P", c))
	}
	require.NoError(t, e.Finish("P"))

	note := rec.waitReady(t)
	assert.Equal(t, digest.Sum(whole), note.sum)
	assert.Equal(t, int64(len(whole)), note.size)
}

func TestReaderReplayThenLiveNoGapNoDuplicate(t *testing.T) {
	m, _ := newTestManager(t)

	e, err := m.Create("doc:replay", "P")
	require.NoError(t, err)

	partA := bytes.Repeat([]byte("A"), 70_000) // spans two replay chunks
	partB := bytes.Repeat([]byte("B"), 1_000)
	partC := bytes.Repeat([]byte("C"), 5_000)

	require.NoError(t, e.StartStream("P"))
	require.NoError(t, e.Append("P", partA))

	// Reader 1 snapshots after A.
	res1, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res1.Ready())

	require.NoError(t, e.Append("P", partB))

	// Reader 2 snapshots after A+B.
	res2, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res2.Ready())

	require.NoError(t, e.Append("P", partC))
	require.NoError(t, e.Finish("P"))

	want := append(append(append([]byte{}, partA...), partB...), partC...)

	got1, lens1, err := drainStream(res1.Stream)
	require.NoError(t, err)
	assert.Equal(t, want, got1)

	got2, _, err := drainStream(res2.Stream)
	require.NoError(t, err)
	assert.Equal(t, want, got2)

	// Replayed disk content arrives in bounded chunks.
	for _, n := range lens1 {
		assert.LessOrEqual(t, n, ChunkSize)
	}
}

func TestReaderRegisteredBeforeAnyData(t *testing.T) {
	m, _ := newTestManager(t)

	e, err := m.Create("doc:early", "P")
	require.NoError(t, err)

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ready())

	require.NoError(t, e.StoreBuffer([]byte("one-shot blob")))

	content, _, err := drainStream(res.Stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("one-shot blob"), content)

	final, ok := res.Stream.Final()
	require.True(t, ok)
	assert.Equal(t, int64(len("one-shot blob")), final.Size)
}

func TestReaderFollowsStoreFileCompletion(t *testing.T) {
	m, _ := newTestManager(t)

	e, err := m.Create("doc:filereader", "P")
	require.NoError(t, err)

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ready())

	src := filepath.Join(t.TempDir(), "source")
	payload := bytes.Repeat([]byte("xyz"), 50_000) // forces a multi-chunk trailing replay
	require.NoError(t, os.WriteFile(src, payload, 0644))

	require.NoError(t, e.StoreFile(src))

	content, _, err := drainStream(res.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	final, ok := res.Stream.Final()
	require.True(t, ok)
	assert.Equal(t, int64(len(payload)), final.Size)
}

func TestProducerMismatchIsIgnored(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:auth", "P")
	require.NoError(t, err)

	// A stranger cannot start or advance the stream.
	require.NoError(t, e.StartStream("imposter"))
	require.NoError(t, e.Append("imposter", []byte("bogus")))
	require.NoError(t, e.Finish("imposter"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.FetchFile(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The real producer still owns the entry.
	require.NoError(t, e.StartStream("P"))
	require.NoError(t, e.Append("P", []byte("real")))
	require.NoError(t, e.Append("imposter", []byte("interloper")))
	require.NoError(t, e.Finish("P"))

	note := rec.waitReady(t)
	assert.Equal(t, int64(4), note.size)
	assert.Equal(t, digest.Sum([]byte("real")), note.sum)
}

// ============================================================================
// FetchFile
// ============================================================================

func TestFetchFileBlocksUntilComplete(t *testing.T) {
	m, _ := newTestManager(t)

	e, err := m.Create("doc:waiter", "P")
	require.NoError(t, err)

	require.NoError(t, e.StartStream("P"))

	type result struct {
		info Info
		err  error
	}
	got := make(chan result, 1)
	go func() {
		info, err := e.FetchFile(context.Background())
		got <- result{info: info, err: err}
	}()

	select {
	case <-got:
		t.Fatal("FetchFile returned before the entry completed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, e.Append("P", []byte("payload")))
	require.NoError(t, e.Finish("P"))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, int64(7), r.info.Size)
	case <-time.After(waitTimeout):
		t.Fatal("FetchFile never returned")
	}
}

func TestFetchFileImmediateWhenComplete(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:done", "P")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("done")))
	rec.waitReady(t)

	info, err := e.FetchFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
}

// ============================================================================
// Delete and GC
// ============================================================================

func TestDeleteRemovesFileAndTerminates(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:del", "P")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("to be deleted")))
	note := rec.waitReady(t)

	require.NoError(t, e.Delete())
	assert.Equal(t, Key("doc:del"), rec.waitRemoved(t))
	<-e.Done()

	_, err = os.Stat(note.filename)
	assert.True(t, os.IsNotExist(err))

	_, err = e.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = e.FetchFile(context.Background())
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, ok := m.Get("doc:del")
	assert.False(t, ok)
}

func TestDeleteMidStreamAbortsReadersAndWaiters(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:abort", "P")
	require.NoError(t, err)

	require.NoError(t, e.StartStream("P"))
	require.NoError(t, e.Append("P", []byte("partial")))

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ready())

	waitErr := make(chan error, 1)
	go func() {
		_, err := e.FetchFile(context.Background())
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter park

	require.NoError(t, e.Delete())
	rec.waitRemoved(t)

	_, _, err = drainStream(res.Stream)
	assert.ErrorIs(t, err, ErrEntryDeleted)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrEntryDeleted)
	case <-time.After(waitTimeout):
		t.Fatal("waiter never aborted")
	}
}

func TestGCIgnoresInFlightWork(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:busy", "P")
	require.NoError(t, err)

	require.NoError(t, e.StartStream("P"))
	require.NoError(t, e.GC())

	// The entry survived and the stream still completes.
	require.NoError(t, e.Append("P", []byte("survived")))
	require.NoError(t, e.Finish("P"))

	note := rec.waitReady(t)
	assert.Equal(t, int64(8), note.size)
}

func TestGCCollectsCompleteEntry(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:gc", "P")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("collectable")))
	note := rec.waitReady(t)

	require.NoError(t, e.GC())
	rec.waitRemoved(t)
	<-e.Done()

	_, err = os.Stat(note.filename)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerCloseStopsEntriesButKeepsFiles(t *testing.T) {
	rec := newRecorder()
	m, err := NewManager(ManagerConfig{Root: t.TempDir(), Observer: rec})
	require.NoError(t, err)

	e, err := m.Create("doc:stop", "P")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("persists")))
	note := rec.waitReady(t)

	require.NoError(t, m.Close())

	_, err = e.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// The file survives for a later repopulate.
	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("persists"), data)
}

func TestStoreVariantsIgnoredOutsideAwaitingData(t *testing.T) {
	m, rec := newTestManager(t)

	e, err := m.Create("doc:once", "P")
	require.NoError(t, err)

	require.NoError(t, e.StoreBuffer([]byte("first")))
	note := rec.waitReady(t)

	// A second delivery must not clobber the completed entry.
	require.NoError(t, e.StoreBuffer([]byte("second, longer delivery")))
	require.NoError(t, e.StartStream("P"))

	info, err := e.FetchFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	data, err := os.ReadFile(note.filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	select {
	case n := <-rec.ready:
		t.Fatalf("unexpected second ready notification: %+v", n)
	default:
	}
}

func TestStreamErrorsOnceClosed(t *testing.T) {
	m, _ := newTestManager(t)

	e, err := m.Create("doc:closed", "P")
	require.NoError(t, err)

	require.NoError(t, e.StartStream("P"))

	res, err := e.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Stream.Close())

	_, err = res.Stream.Next()
	assert.True(t, errors.Is(err, ErrStreamClosed))

	// The entry keeps working after a consumer walks away.
	require.NoError(t, e.Append("P", []byte("still going")))
	require.NoError(t, e.Finish("P"))
}
