package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePathDeterministic(t *testing.T) {
	a, err := EncodePath("/cache", Key("doc:42"))
	require.NoError(t, err)
	b, err := EncodePath("/cache", Key("doc:42"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEncodePathDistinctKeys(t *testing.T) {
	keys := []Key{"doc:42", "doc:43", "", "a", "doc:42 ", Key(strings.Repeat("x", 10_000))}

	seen := make(map[string]Key)
	for _, k := range keys {
		path, err := EncodePath("/cache", k)
		require.NoError(t, err)

		if prev, dup := seen[path]; dup {
			t.Fatalf("keys %q and %q map to the same path %q", prev, k, path)
		}
		seen[path] = k
	}
}

func TestEncodePathUnderRoot(t *testing.T) {
	path, err := EncodePath("/var/cache/ditto", Key("doc:42"))
	require.NoError(t, err)

	dir, name := filepath.Split(path)
	assert.Equal(t, "/var/cache/ditto", filepath.Clean(dir))
	assert.NotEmpty(t, name)
}

func TestEncodePathShape(t *testing.T) {
	path, err := EncodePath("/cache", Key("doc:42"))
	require.NoError(t, err)

	name := filepath.Base(path)

	// Two base-36 digits per SHA-256 byte.
	assert.Len(t, name, 64)
	for _, r := range name {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')
		assert.Truef(t, ok, "unexpected character %q in encoded name %q", r, name)
	}
}

func TestEncodePathRootsAreIndependent(t *testing.T) {
	a, err := EncodePath("/cache/a", Key("doc:42"))
	require.NoError(t, err)
	b, err := EncodePath("/cache/b", Key("doc:42"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, filepath.Base(a), filepath.Base(b))
}
