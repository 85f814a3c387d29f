// Package digest implements content checksumming for DittoCache.
//
// Two modes are provided: whole-buffer digests for contents delivered in
// a single message, and an incremental accumulator fed chunk by chunk
// while an entry is streaming. Both produce the same 160-bit SHA-1
// digest, so the final checksum of a streamed entry equals the
// whole-buffer checksum of the concatenated chunks.
//
// Digesting files that already exist on disk (the store-by-path variants)
// goes through File, which the cache treats as an external helper behind
// the cache.Digester boundary.
package digest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Size is the digest width in bytes (SHA-1, 160 bits).
const Size = sha1.Size

// Checksum is a finalized content digest.
type Checksum [Size]byte

// String returns the hex representation of the checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the checksum is the zero value, i.e. was never
// computed or adopted.
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// Parse decodes a hex-encoded checksum as produced by String.
func Parse(s string) (Checksum, error) {
	var c Checksum
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid checksum encoding: %w", err)
	}
	if len(raw) != Size {
		return c, fmt.Errorf("invalid checksum length: %d", len(raw))
	}
	copy(c[:], raw)
	return c, nil
}

// Sum computes the whole-buffer checksum of data in one pass.
func Sum(data []byte) Checksum {
	return Checksum(sha1.Sum(data))
}

// Incremental accumulates a checksum over a sequence of chunks.
//
// The zero value is not usable; create one with NewIncremental when a
// stream begins, feed every appended chunk to Write, and call Sum once
// the stream finishes.
type Incremental struct {
	h hash.Hash
}

func NewIncremental() *Incremental {
	return &Incremental{h: sha1.New()}
}

// Write feeds a chunk into the accumulator. It never returns an error.
func (inc *Incremental) Write(p []byte) (int, error) {
	return inc.h.Write(p)
}

// Sum finalizes the accumulator into a checksum.
func (inc *Incremental) Sum() Checksum {
	var c Checksum
	copy(c[:], inc.h.Sum(nil))
	return c
}

// File computes the checksum of a file already present on disk.
//
// The file is read in chunks with periodic context checks so that large
// files do not block cancellation.
func File(ctx context.Context, path string) (Checksum, error) {
	var c Checksum

	if err := ctx.Err(); err != nil {
		return c, err
	}

	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("failed to open file for digest: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha1.New()
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return c, err
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return c, fmt.Errorf("failed to read file for digest: %w", err)
		}
	}

	copy(c[:], h.Sum(nil))
	return c, nil
}
