package cache

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strconv"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Key identifies one cached file. Keys are opaque to the cache: the only
// operations ever applied to them are equality and EncodePath.
type Key string

// ProducerID identifies the single party authorized to supply stream
// events (StartStream, Append, Finish) for an entry. It is compared per
// message; a mismatch is silently ignored.
type ProducerID string

// EncodePath maps a key to its deterministic location under root.
//
// The key is serialized to a canonical byte representation (XDR), hashed
// with SHA-256, and each hash byte is rendered as two base-36 digits.
// Identical keys always map to identical paths; distinct keys collide
// only with the probability bounded by the hash width. Cache files live
// directly under root with no metadata sidecar.
func EncodePath(root string, key Key) (string, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, string(key)); err != nil {
		return "", fmt.Errorf("failed to serialize key: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())

	name := make([]byte, 0, 2*len(sum))
	for _, b := range sum {
		d := strconv.FormatUint(uint64(b), 36)
		if len(d) == 1 {
			name = append(name, '0')
		}
		name = append(name, d...)
	}

	return filepath.Join(root, string(name)), nil
}
