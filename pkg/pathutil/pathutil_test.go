package pathutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"simple file", "/a.txt", "/a.txt", true},
		{"nested file", "/docs/sub/a.txt", "/docs/sub/a.txt", true},
		{"unicode path", "/docs/ノート.txt", "/docs/ノート.txt", true},
		{"relative path", "a.txt", "", false},
		{"empty path", "", "", false},
		{"trailing slash is a dir", "/docs/", "", false},
		{"dot segment", "/docs/./a.txt", "", false},
		{"dotdot segment", "/docs/../a.txt", "", false},
		{"double slash", "/docs//a.txt", "", false},
		{"backslash", "/docs\\a.txt", "", false},
		{"nul byte", "/docs/a\x00.txt", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if !tc.valid {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeDir(t *testing.T) {
	got, err := NormalizeDir("/docs/")
	require.NoError(t, err)
	assert.Equal(t, "/docs/", got)

	// A missing trailing slash is added, never doubled.
	got, err = NormalizeDir("/docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs/", got)

	got, err = NormalizeDir("/")
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	_, err = NormalizeDir("docs/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestBaseAndParent(t *testing.T) {
	assert.Equal(t, "a.txt", Base("/docs/a.txt"))
	assert.Equal(t, "sub", Base("/docs/sub/"))
	assert.Equal(t, "/docs/", Parent("/docs/a.txt"))
	assert.Equal(t, "/docs/", Parent("/docs/sub/"))
	assert.Equal(t, "/", Parent("/a.txt"))
}

func TestVirtualIDStable(t *testing.T) {
	a := VirtualID("/photos/2024/")
	b := VirtualID("/photos/2024/")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, VirtualID("/photos/2025/"))
}

func TestConflictPath(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

	assert.Equal(t, "/docs/report (conflict 2026-03-01 12:30:45).txt",
		ConflictPath("/docs/report.txt", at))
	assert.Equal(t, "/docs/Makefile (conflict 2026-03-01 12:30:45)",
		ConflictPath("/docs/Makefile", at))
	// A dotfile has no extension to preserve.
	assert.Equal(t, "/docs/.gitignore (conflict 2026-03-01 12:30:45)",
		ConflictPath("/docs/.gitignore", at))
}
