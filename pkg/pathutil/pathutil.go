package pathutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"entanglement/pkg/hasher"
)

// ErrInvalidPath is returned for any path violating the normalization
// rules: absolute, valid UTF-8, forward-slash separated, no "." or ".."
// segments, no NUL bytes, no backslashes, no empty segments. Directory
// paths carry exactly one trailing slash.
var ErrInvalidPath = errors.New("invalid path")

// Normalize validates and canonicalizes a file path. The returned path
// never has a trailing slash; use NormalizeDir for directories.
func Normalize(p string) (string, error) {
	p, isDir, err := normalize(p)
	if err != nil {
		return "", err
	}
	if isDir {
		return "", fmt.Errorf("%w: file path has trailing slash: %q", ErrInvalidPath, p)
	}
	return p, nil
}

// NormalizeDir validates and canonicalizes a directory path, ensuring
// exactly one trailing slash. The root directory is "/".
func NormalizeDir(p string) (string, error) {
	p, _, err := normalize(p)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return p, nil
	}
	return p + "/", nil
}

func normalize(p string) (clean string, isDir bool, err error) {
	if p == "" || p[0] != '/' {
		return "", false, fmt.Errorf("%w: not absolute: %q", ErrInvalidPath, p)
	}
	if !utf8.ValidString(p) {
		return "", false, fmt.Errorf("%w: not valid UTF-8", ErrInvalidPath)
	}
	if strings.ContainsAny(p, "\x00\\") {
		return "", false, fmt.Errorf("%w: forbidden byte in %q", ErrInvalidPath, p)
	}
	if p == "/" {
		return "/", true, nil
	}

	isDir = strings.HasSuffix(p, "/")
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for _, seg := range segments {
		switch seg {
		case "":
			return "", false, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		case ".", "..":
			return "", false, fmt.Errorf("%w: relative segment in %q", ErrInvalidPath, p)
		}
	}
	return "/" + strings.Join(segments, "/"), isDir, nil
}

// IsDir reports whether a normalized path denotes a directory.
func IsDir(p string) bool {
	return strings.HasSuffix(p, "/")
}

// Base returns the last segment of a normalized path.
func Base(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Parent returns the parent directory (with trailing slash) of a
// normalized path, or "/" at the root.
func Parent(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i+1]
}

// VirtualID derives the stable identifier of a virtual directory: the
// BLAKE3 of its canonical path. Clients that enumerated a directory
// before it was materialized keep resolving it through this id.
func VirtualID(p string) string {
	return hasher.Sum([]byte(p))
}

// ConflictPath derives the sibling path used for keep-both conflict
// resolution: "/docs/report.txt" becomes
// "/docs/report (conflict 2024-06-01 15:04:05).txt".
func ConflictPath(p string, t time.Time) string {
	stamp := t.UTC().Format("2006-01-02 15:04:05")
	base := strings.TrimSuffix(p, "/")
	dot := strings.LastIndexByte(base, '.')
	slash := strings.LastIndexByte(base, '/')
	if dot > slash+1 {
		return fmt.Sprintf("%s (conflict %s)%s", base[:dot], stamp, base[dot:])
	}
	return fmt.Sprintf("%s (conflict %s)", base, stamp)
}
