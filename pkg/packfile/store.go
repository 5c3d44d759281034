// Package packfile stores chunks in append-only container files. Small
// chunks packed together amortize filesystem overhead; a container is
// sealed once it crosses the size threshold and never written again.
package packfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"entanglement/pkg/chunker"
	"entanglement/pkg/hasher"
	"entanglement/pkg/log"
	"entanglement/pkg/meta"
	"entanglement/pkg/models"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	// SealThreshold is the container size at which appends stop.
	SealThreshold = 64 * 1024 * 1024

	headerSize = 8
	formatByte = 0x01
)

// magic identifies a container file.
var magic = [4]byte{'E', 'N', 'T', 'G'}

// CorruptChunkError reports a chunk whose stored bytes no longer hash
// to their key.
type CorruptChunkError struct {
	Hash string
	Got  string
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("corrupt chunk %s: content hashes to %s", e.Hash, e.Got)
}

// Store appends chunks to container files under a base directory and
// records their locations in the metadata index. A single writer
// mutex serializes appends; reads go straight to sealed files and
// need no lock.
type Store struct {
	base   string
	meta   *meta.Store
	logger zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu      sync.Mutex
	open    *models.Container
	file    *os.File
	written int64
	sealAt  int64
}

// Open prepares a packfile store rooted at base. Containers left
// unsealed by a previous run are sealed: their contents are durable up
// to the last recorded chunk, but the tail state is unknown, so they
// never take more appends.
func Open(ctx context.Context, base string, metaStore *meta.Store) (*Store, error) {
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	s := &Store{
		base:   base,
		meta:   metaStore,
		logger: log.With("packfile"),
		enc:    enc,
		dec:    dec,
		sealAt: SealThreshold,
	}

	orphans, err := metaStore.UnsealedContainers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range orphans {
		s.logger.Warn().Str("container", c.ID).Str("path", c.DiskPath).Msg("sealing container left open by previous run")
		if err := metaStore.SealContainer(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close seals the open container, if any, and releases the codec.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.sealLocked(ctx)
	s.enc.Close()
	s.dec.Close()
	return err
}

// Contains reports whether the store already holds a chunk.
func (s *Store) Contains(ctx context.Context, hash string) (bool, error) {
	return s.meta.ChunkExists(ctx, hash)
}

// Put stores a chunk, appending it to the open container. Already
// known hashes are skipped without touching disk. Chunks from the
// small tiers are zstd-compressed when that actually shrinks them;
// the large tiers hold media and disk images that do not compress.
// The append is synced before the chunk is recorded, so a recorded
// location always points at durable bytes.
func (s *Store) Put(ctx context.Context, hash string, data []byte, tier chunker.Tier) (stored bool, err error) {
	exists, err := s.meta.ChunkExists(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	payload := data
	compressed := false
	if tier <= chunker.TierStandard {
		if c := s.enc.EncodeAll(data, nil); len(c) < len(data) {
			payload = c
			compressed = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.rotateLocked(ctx); err != nil {
			return false, err
		}
	}
	// An append that would cross the threshold goes into a fresh
	// container, so a sealed container never exceeds it. A payload
	// larger than the threshold on its own still gets a container to
	// itself.
	if s.written > headerSize && s.written+int64(len(payload)) > s.sealAt {
		if err := s.sealLocked(ctx); err != nil {
			return false, err
		}
		if err := s.rotateLocked(ctx); err != nil {
			return false, err
		}
	}

	offset := s.written
	if _, err := s.file.Write(payload); err != nil {
		return false, fmt.Errorf("append chunk %s: %w", hash, err)
	}
	if err := s.file.Sync(); err != nil {
		return false, fmt.Errorf("sync container %s: %w", s.open.ID, err)
	}
	s.written += int64(len(payload))

	loc := models.ChunkLocation{
		Containerized: true,
		ContainerID:   s.open.ID,
		Offset:        offset,
		Length:        int64(len(payload)),
		Compressed:    compressed,
	}
	created, err := s.meta.RecordChunk(ctx, hash, int64(len(data)), loc)
	if err != nil {
		return false, err
	}
	if created {
		if err := s.meta.AddChunkToContainer(ctx, s.open.ID, int64(len(payload))); err != nil {
			return false, err
		}
	}

	if s.written >= s.sealAt {
		if err := s.sealLocked(ctx); err != nil {
			return false, err
		}
	}
	return created, nil
}

// Get reads a chunk back and verifies it against its hash. Chunks
// recorded without a container come from the legacy one-file-per-hash
// layout, which stays readable but takes no new writes.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	chunk, err := s.meta.Chunk(ctx, hash)
	if err != nil {
		return nil, err
	}

	var data []byte
	if chunk.Location.Containerized {
		data, err = s.readContainerized(ctx, chunk)
	} else {
		data, err = os.ReadFile(s.legacyPath(hash))
		if os.IsNotExist(err) {
			err = meta.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	if got := hasher.Sum(data); got != hash {
		return nil, &CorruptChunkError{Hash: hash, Got: got}
	}
	return data, nil
}

func (s *Store) readContainerized(ctx context.Context, chunk *models.Chunk) ([]byte, error) {
	container, err := s.meta.Container(ctx, chunk.Location.ContainerID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(container.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", container.ID, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, chunk.Location.Length)
	if _, err := f.ReadAt(buf, chunk.Location.Offset); err != nil {
		return nil, fmt.Errorf("read chunk %s from container %s: %w", chunk.Hash, container.ID, err)
	}

	if chunk.Location.Compressed {
		out, err := s.dec.DecodeAll(buf, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %s: %w", chunk.Hash, err)
		}
		return out, nil
	}
	return buf, nil
}

// Seal closes the open container early, regardless of size.
func (s *Store) Seal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked(ctx)
}

func (s *Store) sealLocked(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync container %s: %w", s.open.ID, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close container %s: %w", s.open.ID, err)
	}
	if err := s.meta.SealContainer(ctx, s.open.ID); err != nil {
		return err
	}
	s.logger.Debug().Str("container", s.open.ID).Int64("bytes", s.written).Msg("container sealed")
	s.file = nil
	s.open = nil
	s.written = 0
	return nil
}

// rotateLocked opens a fresh container file and registers it.
func (s *Store) rotateLocked(ctx context.Context) error {
	now := time.Now().UTC()
	dir := filepath.Join(s.base, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("pack_%s.blob", uuid.NewString()))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create container file: %w", err)
	}

	header := make([]byte, headerSize)
	copy(header, magic[:])
	header[4] = formatByte
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write container header: %w", err)
	}

	container, err := s.meta.CreateContainer(ctx, path)
	if err != nil {
		_ = f.Close()
		return err
	}

	s.open = container
	s.file = f
	s.written = headerSize
	s.logger.Debug().Str("container", container.ID).Str("path", path).Msg("container opened")
	return nil
}

// WriteSurvivors packs a set of chunk payloads into a brand-new
// container and returns it sealed, along with each chunk's new
// location. Compaction uses this to rewrite the live remainder of a
// mostly-dead container; the payloads arrive as stored (compression
// preserved), so they are appended verbatim.
func (s *Store) WriteSurvivors(ctx context.Context, payloads []SurvivorPayload) (*models.Container, []meta.RelocatedChunk, error) {
	now := time.Now().UTC()
	dir := filepath.Join(s.base, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create container dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("pack_%s.blob", uuid.NewString()))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("create container file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, headerSize)
	copy(header, magic[:])
	header[4] = formatByte
	if _, err := f.Write(header); err != nil {
		return nil, nil, fmt.Errorf("write container header: %w", err)
	}

	container, err := s.meta.CreateContainer(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	relocated := make([]meta.RelocatedChunk, 0, len(payloads))
	offset := int64(headerSize)
	for _, p := range payloads {
		if _, err := f.Write(p.Data); err != nil {
			return nil, nil, fmt.Errorf("append chunk %s: %w", p.Hash, err)
		}
		relocated = append(relocated, meta.RelocatedChunk{
			Hash:   p.Hash,
			Offset: offset,
			Length: int64(len(p.Data)),
		})
		if err := s.meta.AddChunkToContainer(ctx, container.ID, int64(len(p.Data))); err != nil {
			return nil, nil, err
		}
		offset += int64(len(p.Data))
	}
	if err := f.Sync(); err != nil {
		return nil, nil, fmt.Errorf("sync container %s: %w", container.ID, err)
	}
	if err := s.meta.SealContainer(ctx, container.ID); err != nil {
		return nil, nil, err
	}
	return container, relocated, nil
}

// SurvivorPayload is one live chunk's stored bytes bound for a
// replacement container.
type SurvivorPayload struct {
	Hash string
	Data []byte
}

// ReadStored returns a chunk's bytes exactly as stored, without
// decompression or verification. Compaction moves stored bytes
// between containers and must not re-encode them.
func (s *Store) ReadStored(ctx context.Context, chunk *models.Chunk) ([]byte, error) {
	if !chunk.Location.Containerized {
		return nil, fmt.Errorf("chunk %s: not containerized", chunk.Hash)
	}
	container, err := s.meta.Container(ctx, chunk.Location.ContainerID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(container.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", container.ID, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, chunk.Location.Length)
	if _, err := f.ReadAt(buf, chunk.Location.Offset); err != nil {
		return nil, fmt.Errorf("read chunk %s from container %s: %w", chunk.Hash, container.ID, err)
	}
	return buf, nil
}

// LegacyPath returns the standalone blob path for a hash in the
// pre-container layout.
func (s *Store) LegacyPath(hash string) string {
	return s.legacyPath(hash)
}

func (s *Store) legacyPath(hash string) string {
	return filepath.Join(s.base, hash[:2], hash)
}
