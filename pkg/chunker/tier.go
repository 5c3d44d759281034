package chunker

import (
	"path"
	"strings"
)

// Tier selects the FastCDC parameter set for a file. The table is
// closed: adding a tier means extending it here and in the tier_configs
// reference rows, not introducing new dispatch.
type Tier int

const (
	// TierInline stores the whole file as a single chunk, bypassing
	// the chunker. Files strictly below 4 KiB.
	TierInline Tier = 0
	// TierGranular is for small files and source code, where edits are
	// fine-grained. 2/4/8 KiB chunks.
	TierGranular Tier = 1
	// TierStandard is the default for mid-size files. 16/32/64 KiB chunks.
	TierStandard Tier = 2
	// TierLarge is for files between 500 MiB and 5 GiB. 512 KiB/1 MiB/2 MiB.
	TierLarge Tier = 3
	// TierJumbo is for very large files and disk images. 4/8/16 MiB.
	TierJumbo Tier = 4
)

// InlineThreshold is the size below which files are stored inline as a
// single chunk (TierInline).
const InlineThreshold = 4 * 1024

// Size boundaries for the tier table.
const (
	granularLimit = 10 * 1024 * 1024
	standardLimit = 500 * 1024 * 1024
	largeLimit    = 5 * 1024 * 1024 * 1024
)

// sourceExts maps extensions of source-code-like files to TierGranular
// regardless of size, because their edits are small and localized.
var sourceExts = map[string]bool{
	"c": true, "cpp": true, "h": true, "hpp": true, "rs": true,
	"swift": true, "go": true, "js": true, "ts": true, "py": true,
	"txt": true, "md": true, "json": true, "xml": true, "yaml": true,
	"yml": true, "html": true, "css": true,
}

// diskImageExts always use TierJumbo regardless of size.
var diskImageExts = map[string]bool{
	"iso": true, "qcow2": true, "vmdk": true, "dmg": true, "img": true,
}

// Valid reports whether t is a defined tier.
func (t Tier) Valid() bool {
	return t >= TierInline && t <= TierJumbo
}

// Name returns the tier name for logging.
func (t Tier) Name() string {
	switch t {
	case TierInline:
		return "inline"
	case TierGranular:
		return "granular"
	case TierStandard:
		return "standard"
	case TierLarge:
		return "large"
	case TierJumbo:
		return "jumbo"
	default:
		return "unknown"
	}
}

// Params returns the FastCDC (min, avg, max) chunk sizes in bytes.
// TierInline returns zeros; it is never chunked.
func (t Tier) Params() (minSize, avgSize, maxSize int) {
	switch t {
	case TierGranular:
		return 2 * 1024, 4 * 1024, 8 * 1024
	case TierStandard:
		return 16 * 1024, 32 * 1024, 64 * 1024
	case TierLarge:
		return 512 * 1024, 1024 * 1024, 2 * 1024 * 1024
	case TierJumbo:
		return 4 * 1024 * 1024, 8 * 1024 * 1024, 16 * 1024 * 1024
	default:
		return 0, 0, 0
	}
}

// SelectTier maps (path, size) to a tier. Extension overrides take
// precedence over the size rule: disk images are always jumbo, source
// code is granular unless it is small enough to inline. The tier is
// chosen once at write time and recorded on the version.
func SelectTier(filePath string, size int64) Tier {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filePath), "."))

	switch {
	case diskImageExts[ext]:
		return TierJumbo
	case size < InlineThreshold:
		return TierInline
	case size >= largeLimit:
		return TierJumbo
	case size >= standardLimit:
		return TierLarge
	case size < granularLimit || sourceExts[ext]:
		return TierGranular
	default:
		return TierStandard
	}
}
