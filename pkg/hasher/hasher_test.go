package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsStableHex(t *testing.T) {
	sum := Sum([]byte("hello\n"))
	assert.Len(t, sum, HexLength)
	assert.Equal(t, sum, Sum([]byte("hello\n")))
	assert.NotEqual(t, sum, Sum([]byte("hello")))
	assert.True(t, Valid(sum))
}

func TestStreamingMatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	h := New()
	_, err := h.Write(data[:10])
	require.NoError(t, err)
	_, err = h.Write(data[10:])
	require.NoError(t, err)

	assert.Equal(t, Sum(data), h.SumHex())
}

func TestReset(t *testing.T) {
	h := New()
	_, err := h.Write([]byte("polluted state"))
	require.NoError(t, err)
	h.Reset()
	_, err = h.Write([]byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("fresh")), h.SumHex())
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	data := []byte("file contents under test")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	sum, n, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, Sum(data), sum)

	_, _, err = File(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	data := []byte("verified payload")
	assert.True(t, Verify(data, Sum(data)))
	assert.False(t, Verify(data, Sum([]byte("other"))))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Sum([]byte("x"))))
	assert.False(t, Valid(""))
	assert.False(t, Valid("zz"))
	// Uppercase hex is rejected; digests are canonically lowercase.
	upper := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	assert.False(t, Valid(upper))
	assert.False(t, Valid(Sum([]byte("x"))[:HexLength-1]))
}
