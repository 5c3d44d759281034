package hasher

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// fileBufSize is the read buffer used when streaming whole files.
const fileBufSize = 256 * 1024

// HexLength is the length of a rendered BLAKE3 digest. All hashes in
// the system are persisted and exchanged as 64-char lowercase hex.
const HexLength = 64

// Hasher computes a streaming BLAKE3 digest. The zero value is not
// usable; create one with New.
type Hasher struct {
	h *blake3.Hasher
}

// New returns a Hasher ready for use.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write feeds bytes into the digest. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// SumHex finalizes the digest and returns it as lowercase hex.
func (h *Hasher) SumHex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Reset returns the hasher to its initial state.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// Sum computes the BLAKE3 digest of data in one shot and returns it
// as lowercase hex.
func Sum(data []byte) string {
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// File streams the file at path through BLAKE3 and returns the digest
// and the number of bytes read. Fails only on I/O errors.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	n, err := io.CopyBuffer(h, f, make([]byte, fileBufSize))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify reports whether data hashes to the expected lowercase hex digest.
func Verify(data []byte, expected string) bool {
	return Sum(data) == expected
}

// Valid reports whether s looks like a rendered BLAKE3 digest.
func Valid(s string) bool {
	if len(s) != HexLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
