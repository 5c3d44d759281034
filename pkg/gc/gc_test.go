package gc

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"entanglement/pkg/chunker"
	"entanglement/pkg/hasher"
	"entanglement/pkg/meta"
	"entanglement/pkg/models"
	"entanglement/pkg/packfile"

	"github.com/stretchr/testify/suite"
)

type CollectorTestSuite struct {
	suite.Suite
	tempDir string
	meta    *meta.Store
	pack    *packfile.Store
	gc      *Collector
	ctx     context.Context
}

func (s *CollectorTestSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.ctx = context.Background()

	var err error
	s.meta, err = meta.Open(filepath.Join(s.tempDir, "meta.db"))
	s.Require().NoError(err)
	s.pack, err = packfile.Open(s.ctx, filepath.Join(s.tempDir, "data"), s.meta)
	s.Require().NoError(err)

	s.gc = New(s.meta, s.pack, 0)
}

func (s *CollectorTestSuite) TearDownTest() {
	if s.pack != nil {
		s.pack.Close(s.ctx)
	}
	if s.meta != nil {
		s.meta.Close()
	}
}

// putChunk stores n random bytes and returns the hash. The large tier
// skips compression, so stored size equals n.
func (s *CollectorTestSuite) putChunk(n int, seed int64) (string, []byte) {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	hash := hasher.Sum(data)
	stored, err := s.pack.Put(s.ctx, hash, data, chunker.TierLarge)
	s.Require().NoError(err)
	s.Require().True(stored)
	return hash, data
}

// reference commits a single-chunk version so the chunk's refcount
// rises above zero.
func (s *CollectorTestSuite) reference(path, hash string, data []byte) {
	file, err := s.meta.UpsertFile(s.ctx, path, "alice")
	s.Require().NoError(err)
	_, err = s.meta.CommitVersion(s.ctx, meta.CommitParams{
		FileID: file.ID,
		Manifest: []models.ManifestEntry{
			{Index: 0, Hash: hash, Offset: 0, Length: int64(len(data))},
		},
		Blake3:    hash,
		SizeBytes: int64(len(data)),
		Tier:      chunker.TierLarge,
		CreatedBy: "alice",
	})
	s.Require().NoError(err)
}

func (s *CollectorTestSuite) TestReclaimZeroRefChunks() {
	kept, keptData := s.putChunk(8*1024, 1)
	dead, _ := s.putChunk(8*1024, 2)
	s.reference("/kept.bin", kept, keptData)

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.ChunksDeleted)

	_, err = s.meta.Chunk(s.ctx, dead)
	s.ErrorIs(err, meta.ErrNotFound)

	chunk, err := s.meta.Chunk(s.ctx, kept)
	s.Require().NoError(err)
	s.Equal(int64(1), chunk.RefCount)
}

func (s *CollectorTestSuite) TestLegacyBlobUnlinked() {
	data := []byte("standalone blob on its way out")
	hash := hasher.Sum(data)

	path := s.pack.LegacyPath(hash)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o750))
	s.Require().NoError(os.WriteFile(path, data, 0o640))
	_, err := s.meta.RecordChunk(s.ctx, hash, int64(len(data)), models.ChunkLocation{})
	s.Require().NoError(err)

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.LegacyUnlinked)
	s.Equal(1, stats.ChunksDeleted)

	_, err = os.Stat(path)
	s.True(os.IsNotExist(err), "blob file is gone")
}

func (s *CollectorTestSuite) TestCompactionRewritesMostlyDeadContainer() {
	live, liveData := s.putChunk(10*1024, 3)
	s.putChunk(30*1024, 4)
	s.putChunk(30*1024, 5)
	s.reference("/live.bin", live, liveData)

	before, err := s.meta.Chunk(s.ctx, live)
	s.Require().NoError(err)
	oldID := before.Location.ContainerID
	oldContainer, err := s.meta.Container(s.ctx, oldID)
	s.Require().NoError(err)

	s.Require().NoError(s.pack.Seal(s.ctx))

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.ChunksDeleted)
	s.Equal(1, stats.Compacted)
	s.Positive(stats.BytesReclaimed)

	// The survivor moved to a fresh sealed container.
	after, err := s.meta.Chunk(s.ctx, live)
	s.Require().NoError(err)
	s.NotEqual(oldID, after.Location.ContainerID)

	replacement, err := s.meta.Container(s.ctx, after.Location.ContainerID)
	s.Require().NoError(err)
	s.True(replacement.IsSealed)

	// The old container is fully gone, row and file.
	_, err = s.meta.Container(s.ctx, oldID)
	s.ErrorIs(err, meta.ErrNotFound)
	_, err = os.Stat(oldContainer.DiskPath)
	s.True(os.IsNotExist(err))

	// The chunk still reads back intact from its new home.
	got, err := s.pack.Get(s.ctx, live)
	s.Require().NoError(err)
	s.Equal(liveData, got)
}

func (s *CollectorTestSuite) TestFullyDeadContainerRemoved() {
	s.putChunk(16*1024, 6)
	s.putChunk(16*1024, 7)

	s.Require().NoError(s.pack.Seal(s.ctx))
	containers, err := s.meta.SealedContainers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(containers, 1)

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.ChunksDeleted)
	s.Equal(1, stats.Removed)
	s.Equal(0, stats.Compacted, "nothing to rewrite")

	_, err = s.meta.Container(s.ctx, containers[0].ID)
	s.ErrorIs(err, meta.ErrNotFound)
	_, err = os.Stat(containers[0].DiskPath)
	s.True(os.IsNotExist(err))
}

func (s *CollectorTestSuite) TestHealthyContainerSkipped() {
	live, liveData := s.putChunk(60*1024, 8)
	s.putChunk(10*1024, 9)
	s.reference("/big.bin", live, liveData)

	before, err := s.meta.Chunk(s.ctx, live)
	s.Require().NoError(err)

	s.Require().NoError(s.pack.Seal(s.ctx))

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Compacted)
	s.Equal(0, stats.Removed)

	after, err := s.meta.Chunk(s.ctx, live)
	s.Require().NoError(err)
	s.Equal(before.Location.ContainerID, after.Location.ContainerID)
}

func (s *CollectorTestSuite) TestUnsealedContainerUntouched() {
	// No seal: the container is still taking appends.
	s.putChunk(16*1024, 10)

	stats, err := s.gc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Compacted)
	s.Equal(0, stats.Removed)

	open, err := s.meta.UnsealedContainers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	_, err = os.Stat(open[0].DiskPath)
	s.NoError(err, "the open container file is intact")
}

func TestCollectorTestSuite(t *testing.T) {
	suite.Run(t, new(CollectorTestSuite))
}
