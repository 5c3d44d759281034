package sync

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entanglement/pkg/bus"
	"entanglement/pkg/chunker"
	"entanglement/pkg/hasher"
	"entanglement/pkg/meta"
	"entanglement/pkg/models"
	"entanglement/pkg/packfile"

	"github.com/stretchr/testify/suite"
)

type EngineTestSuite struct {
	suite.Suite
	tempDir string
	meta    *meta.Store
	pack    *packfile.Store
	bus     *bus.Bus
	engine  *Engine
	ctx     context.Context
}

func (s *EngineTestSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.ctx = context.Background()

	var err error
	s.meta, err = meta.Open(filepath.Join(s.tempDir, "meta.db"))
	s.Require().NoError(err)
	s.pack, err = packfile.Open(s.ctx, filepath.Join(s.tempDir, "data"), s.meta)
	s.Require().NoError(err)

	s.bus = bus.New(64)
	s.engine = NewEngine(s.meta, s.pack, s.bus)
}

func (s *EngineTestSuite) TearDownTest() {
	if s.pack != nil {
		s.pack.Close(s.ctx)
	}
	if s.meta != nil {
		s.meta.Close()
	}
}

func (s *EngineTestSuite) upload(path string, data []byte, parent, actor string) *models.Version {
	v, err := s.engine.Upload(s.ctx, UploadParams{
		Path: path, Data: data, ParentVersion: parent, Actor: actor,
	})
	s.Require().NoError(err)
	return v
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func (s *EngineTestSuite) TestUploadDownloadRoundTrip() {
	data := randomBytes(100*1024, 1)
	v := s.upload("/docs/report.bin", data, "", "alice")
	s.Equal(hasher.Sum(data), v.Blake3)
	s.Equal(int64(len(data)), v.SizeBytes)

	got, err := s.engine.Download(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Equal(data, got)

	latest, version, err := s.engine.DownloadLatest(s.ctx, "/docs/report.bin")
	s.Require().NoError(err)
	s.Equal(v.ID, version.ID)
	s.Equal(data, latest)
}

func (s *EngineTestSuite) TestInlineUpload() {
	data := []byte("small enough to travel in the manifest")
	v := s.upload("/notes.txt", data, "", "alice")
	s.Equal(int(chunker.TierInline), v.TierID)

	manifest, err := s.meta.Manifest(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Require().Len(manifest, 1)
	s.Equal(data, manifest[0].Inline)

	// Inline content never enters the chunk store.
	_, err = s.meta.Chunk(s.ctx, manifest[0].Hash)
	s.ErrorIs(err, meta.ErrNotFound)

	got, err := s.engine.Download(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Equal(data, got)
}

func (s *EngineTestSuite) TestEmptyFile() {
	v := s.upload("/empty.txt", nil, "", "alice")
	s.Equal(int64(0), v.SizeBytes)

	got, err := s.engine.Download(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *EngineTestSuite) TestDeduplicationAcrossPaths() {
	data := randomBytes(64*1024, 2)
	one := s.upload("/a/copy1.bin", data, "", "alice")
	s.upload("/b/copy2.bin", data, "", "alice")

	manifest, err := s.meta.Manifest(s.ctx, one.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(manifest)

	// Both versions reference the same chunks.
	for _, entry := range manifest {
		chunk, err := s.meta.Chunk(s.ctx, entry.Hash)
		s.Require().NoError(err)
		s.Equal(int64(2), chunk.RefCount)
	}

	hashes := make([]string, 0, len(manifest))
	for _, entry := range manifest {
		hashes = append(hashes, entry.Hash)
	}
	missing, err := s.engine.MissingChunks(s.ctx, hashes)
	s.Require().NoError(err)
	s.Empty(missing, "negotiation reports nothing to upload")
}

func (s *EngineTestSuite) TestEditEditConflict() {
	base := s.upload("/doc.bin", randomBytes(8*1024, 3), "", "alice")
	current := s.upload("/doc.bin", randomBytes(8*1024, 4), base.ID, "alice")

	// A second writer commits against the superseded base.
	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/doc.bin", Data: randomBytes(8*1024, 5), ParentVersion: base.ID, Actor: "bob",
	})
	var conflict *meta.ConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(models.ConflictEditEdit, conflict.Kind)
	s.Require().NotNil(conflict.Current)
	s.Equal(current.ID, conflict.Current.ID)

	// The rejected commit left the current version in place.
	_, version, err := s.engine.DownloadLatest(s.ctx, "/doc.bin")
	s.Require().NoError(err)
	s.Equal(current.ID, version.ID)
}

// localContent chunks and stores data the way a client resubmitting
// after a rejected commit would, returning the content for a resolve.
func (s *EngineTestSuite) localContent(path string, data []byte) *LocalContent {
	tier := chunker.SelectTier(path, int64(len(data)))
	manifest, _, err := s.engine.storeChunks(s.ctx, data, tier)
	s.Require().NoError(err)
	return &LocalContent{
		Manifest:  manifest,
		Blake3:    hasher.Sum(data),
		SizeBytes: int64(len(data)),
		Tier:      tier,
	}
}

func (s *EngineTestSuite) TestResolveKeepLocal() {
	localData := randomBytes(8*1024, 8)
	base := s.upload("/doc.bin", randomBytes(8*1024, 6), "", "alice")
	current := s.upload("/doc.bin", randomBytes(8*1024, 7), base.ID, "alice")

	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/doc.bin", Data: localData, ParentVersion: base.ID, Actor: "bob",
	})
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)

	resolved, err := s.engine.ResolveConflict(s.ctx, ResolveParams{
		ConflictID: ce.ConflictID,
		Resolution: models.ResolutionKeepLocal,
		Actor:      "bob",
		Local:      s.localContent("/doc.bin", localData),
	})
	s.Require().NoError(err)
	s.Equal(models.ResolutionKeepLocal, resolved.Resolution)
	s.NotNil(resolved.ResolvedAt)

	// The rejected content is current, committed on top of the version
	// that won the race; the winner stays in the history.
	latest, version, err := s.engine.DownloadLatest(s.ctx, "/doc.bin")
	s.Require().NoError(err)
	s.Equal(localData, latest)
	s.NotEqual(current.ID, version.ID)

	versions, err := s.engine.History(s.ctx, "/doc.bin")
	s.Require().NoError(err)
	s.Len(versions, 3)
}

func (s *EngineTestSuite) TestResolveKeepBoth() {
	remoteData := randomBytes(8*1024, 10)
	localData := randomBytes(8*1024, 11)
	base := s.upload("/report.bin", randomBytes(8*1024, 9), "", "alice")
	current := s.upload("/report.bin", remoteData, base.ID, "alice")

	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/report.bin", Data: localData, ParentVersion: base.ID, Actor: "bob",
	})
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)

	_, err = s.engine.ResolveConflict(s.ctx, ResolveParams{
		ConflictID: ce.ConflictID,
		Resolution: models.ResolutionKeepBoth,
		Actor:      "bob",
		Local:      s.localContent("/report.bin", localData),
	})
	s.Require().NoError(err)

	// The original path is untouched: the server's winner stays current.
	latest, version, err := s.engine.DownloadLatest(s.ctx, "/report.bin")
	s.Require().NoError(err)
	s.Equal(current.ID, version.ID)
	s.Equal(remoteData, latest)

	// The rejected content lives under a derived conflict path.
	entries, err := s.engine.List(s.ctx, "/")
	s.Require().NoError(err)
	var forkPath string
	for _, entry := range entries {
		if strings.Contains(entry.Path, "(conflict ") {
			forkPath = entry.Path
		}
	}
	s.Require().NotEmpty(forkPath, "fork file exists")
	forked, _, err := s.engine.DownloadLatest(s.ctx, forkPath)
	s.Require().NoError(err)
	s.Equal(localData, forked)
}

func (s *EngineTestSuite) TestResolveKeepLocalDelete() {
	base := s.upload("/doomed.txt", []byte("v1"), "", "alice")
	s.upload("/doomed.txt", []byte("v2"), base.ID, "alice")

	// A delete against the superseded base is rejected and recorded.
	err := s.engine.Delete(s.ctx, "/doomed.txt", base.ID, "bob")
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)
	s.Equal(models.ConflictDeleteEdit, ce.Kind)

	// keep-local with no content means the delete itself wins.
	_, err = s.engine.ResolveConflict(s.ctx, ResolveParams{
		ConflictID: ce.ConflictID,
		Resolution: models.ResolutionKeepLocal,
		Actor:      "bob",
	})
	s.Require().NoError(err)

	file, err := s.meta.ResolvePath(s.ctx, "/doomed.txt")
	s.Require().NoError(err)
	s.True(file.IsDeleted)
}

func (s *EngineTestSuite) TestResolveRequiresContent() {
	base := s.upload("/doc.bin", randomBytes(8*1024, 20), "", "alice")
	s.upload("/doc.bin", randomBytes(8*1024, 21), base.ID, "alice")

	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/doc.bin", Data: randomBytes(8*1024, 22), ParentVersion: base.ID, Actor: "bob",
	})
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)

	for _, resolution := range []string{models.ResolutionKeepLocal, models.ResolutionKeepBoth} {
		_, err = s.engine.ResolveConflict(s.ctx, ResolveParams{
			ConflictID: ce.ConflictID,
			Resolution: resolution,
			Actor:      "bob",
		})
		s.ErrorIs(err, meta.ErrInvalidManifest)
	}
}

func (s *EngineTestSuite) TestDeleteAndUndelete() {
	v := s.upload("/gone.txt", []byte("short-lived"), "", "alice")

	s.Require().NoError(s.engine.Delete(s.ctx, "/gone.txt", v.ID, "alice"))
	file, err := s.meta.ResolvePath(s.ctx, "/gone.txt")
	s.Require().NoError(err)
	s.True(file.IsDeleted)

	restored, err := s.engine.Undelete(s.ctx, file.ID, "alice")
	s.Require().NoError(err)
	s.False(restored.IsDeleted)

	got, _, err := s.engine.DownloadLatest(s.ctx, "/gone.txt")
	s.Require().NoError(err)
	s.Equal([]byte("short-lived"), got)
}

func (s *EngineTestSuite) TestDeleteWithStaleParent() {
	base := s.upload("/doc.txt", []byte("v1"), "", "alice")
	s.upload("/doc.txt", []byte("v2"), base.ID, "alice")

	err := s.engine.Delete(s.ctx, "/doc.txt", base.ID, "bob")
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)
	s.Equal(models.ConflictDeleteEdit, ce.Kind)

	// The delete was rejected.
	file, err := s.meta.ResolvePath(s.ctx, "/doc.txt")
	s.Require().NoError(err)
	s.False(file.IsDeleted)
}

func (s *EngineTestSuite) TestEditDeleteConflict() {
	base := s.upload("/doc.txt", []byte("v1"), "", "alice")
	s.Require().NoError(s.engine.Delete(s.ctx, "/doc.txt", base.ID, "alice"))

	// An edit based on the deleted version conflicts.
	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/doc.txt", Data: []byte("offline edit"), ParentVersion: base.ID, Actor: "bob",
	})
	var ce *meta.ConflictError
	s.Require().ErrorAs(err, &ce)
	s.Equal(models.ConflictEditDelete, ce.Kind)
}

func (s *EngineTestSuite) TestFreshWriteRevivesDeleted() {
	base := s.upload("/doc.txt", []byte("v1"), "", "alice")
	s.Require().NoError(s.engine.Delete(s.ctx, "/doc.txt", base.ID, "alice"))

	// A parentless write to a deleted path revives it, continuing the
	// history rather than forking it.
	s.upload("/doc.txt", []byte("reborn"), "", "alice")

	file, err := s.meta.ResolvePath(s.ctx, "/doc.txt")
	s.Require().NoError(err)
	s.False(file.IsDeleted)

	history, err := s.engine.History(s.ctx, "/doc.txt")
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *EngineTestSuite) TestMove() {
	s.upload("/old.txt", []byte("content"), "", "alice")

	moved, err := s.engine.Move(s.ctx, "/old.txt", "/new.txt", "alice")
	s.Require().NoError(err)
	s.Equal("/new.txt", moved.Path)

	_, _, err = s.engine.DownloadLatest(s.ctx, "/old.txt")
	s.ErrorIs(err, meta.ErrNotFound)
	got, _, err := s.engine.DownloadLatest(s.ctx, "/new.txt")
	s.Require().NoError(err)
	s.Equal([]byte("content"), got)
}

func (s *EngineTestSuite) TestRestore() {
	first := s.upload("/doc.txt", []byte("v1"), "", "alice")
	s.upload("/doc.txt", []byte("v2"), first.ID, "alice")

	restored, err := s.engine.Restore(s.ctx, "/doc.txt", first.ID, "alice")
	s.Require().NoError(err)
	s.NotEqual(first.ID, restored.ID, "restore is a new commit")

	got, _, err := s.engine.DownloadLatest(s.ctx, "/doc.txt")
	s.Require().NoError(err)
	s.Equal([]byte("v1"), got)

	history, err := s.engine.History(s.ctx, "/doc.txt")
	s.Require().NoError(err)
	s.Len(history, 3)
}

func (s *EngineTestSuite) TestChangesSinceFilters() {
	_, err := s.meta.CreateRule(s.ctx, "alice", models.RuleExclude, "/tmp/**", 10)
	s.Require().NoError(err)

	s.upload("/docs/keep.txt", []byte("kept"), "", "alice")
	s.upload("/tmp/skip.txt", []byte("skipped"), "", "alice")
	s.upload("/bob.txt", []byte("foreign"), "", "bob")

	var zero time.Time
	events, cursor, err := s.engine.ChangesSince(s.ctx, zero, "alice", "laptop")
	s.Require().NoError(err)
	s.Require().Len(events, 1, "excluded and foreign paths are filtered")
	s.Equal("/docs/keep.txt", events[0].Path)
	s.False(cursor.IsZero())

	// The device cursor advanced.
	state, err := s.meta.DeviceState(s.ctx, "alice", "laptop")
	s.Require().NoError(err)
	s.False(state.LastCursor.Before(cursor))

	// Nothing new since the returned cursor.
	events, _, err = s.engine.ChangesSince(s.ctx, cursor, "alice", "laptop")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *EngineTestSuite) TestSubscribeReceivesCommits() {
	sub := s.engine.Subscribe("alice")
	defer s.engine.Unsubscribe(sub)

	s.upload("/live.txt", []byte("x"), "", "alice")

	ev := <-sub.C()
	s.Equal("/live.txt", ev.Path)
	s.Equal(models.ActionCreate, ev.Action)
}

func (s *EngineTestSuite) TestUploadQuota() {
	s.Require().NoError(s.meta.SetDeviceQuota(s.ctx, "alice", "phone", 100))

	_, err := s.engine.Upload(s.ctx, UploadParams{
		Path: "/big.bin", Data: randomBytes(8*1024, 12), Actor: "alice", Device: "phone",
	})
	s.ErrorIs(err, meta.ErrQuotaExceeded)

	// The rejected upload counted nothing, so a write that fits under
	// the cap still goes through.
	_, err = s.engine.Upload(s.ctx, UploadParams{
		Path: "/tiny.txt", Data: []byte("fits inline"), Actor: "alice", Device: "phone",
	})
	s.NoError(err)

	// The commit charged the logical size against the device.
	state, err := s.meta.DeviceState(s.ctx, "alice", "phone")
	s.Require().NoError(err)
	s.Equal(int64(len("fits inline")), state.SyncedBytes)
}

func (s *EngineTestSuite) TestPutChunkValidation() {
	data := []byte("transport chunk")

	_, err := s.engine.PutChunk(s.ctx, "not-a-hash", data, chunker.TierStandard)
	s.ErrorIs(err, meta.ErrInvalidManifest)

	_, err = s.engine.PutChunk(s.ctx, hasher.Sum([]byte("other")), data, chunker.TierStandard)
	s.ErrorIs(err, ErrIntegrity)

	stored, err := s.engine.PutChunk(s.ctx, hasher.Sum(data), data, chunker.TierStandard)
	s.Require().NoError(err)
	s.True(stored)

	got, err := s.engine.GetChunk(s.ctx, hasher.Sum(data))
	s.Require().NoError(err)
	s.Equal(data, got)
}

func (s *EngineTestSuite) TestDownloadDetectsCorruption() {
	data := randomBytes(16*1024, 13)
	v := s.upload("/fragile.bin", data, "", "alice")

	manifest, err := s.meta.Manifest(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(manifest)

	chunk, err := s.meta.Chunk(s.ctx, manifest[0].Hash)
	s.Require().NoError(err)
	container, err := s.meta.Container(s.ctx, chunk.Location.ContainerID)
	s.Require().NoError(err)

	f, err := os.OpenFile(container.DiskPath, os.O_RDWR, 0o640)
	s.Require().NoError(err)
	_, err = f.WriteAt([]byte{data[10] ^ 0xff}, chunk.Location.Offset+10)
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	_, err = s.engine.Download(s.ctx, v.ID)
	s.ErrorIs(err, ErrIntegrity)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
