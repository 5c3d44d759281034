// Package gc reclaims storage: chunk rows whose refcount reached
// zero, legacy standalone blob files, and sealed containers whose
// live content has shrunk enough to be worth rewriting.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"

	"entanglement/pkg/log"
	"entanglement/pkg/meta"
	"entanglement/pkg/packfile"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultLiveThreshold is the live fraction below which a sealed
// container is compacted.
const DefaultLiveThreshold = 0.5

// Stats summarizes one collection pass.
type Stats struct {
	ChunksDeleted  int
	LegacyUnlinked int
	Compacted      int
	Removed        int
	BytesReclaimed int64
}

// Collector runs collection passes over the metadata index and the
// packfile store.
type Collector struct {
	meta      *meta.Store
	pack      *packfile.Store
	threshold float64
	logger    zerolog.Logger
}

// New builds a collector. threshold <= 0 selects DefaultLiveThreshold.
func New(metaStore *meta.Store, pack *packfile.Store, threshold float64) *Collector {
	if threshold <= 0 {
		threshold = DefaultLiveThreshold
	}
	return &Collector{
		meta:      metaStore,
		pack:      pack,
		threshold: threshold,
		logger:    log.With("gc"),
	}
}

// Run performs one full pass: drop zero-ref chunks, then compact
// sealed containers below the live threshold. Unsealed containers are
// never touched; the open container keeps taking appends throughout.
func (c *Collector) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := c.reclaimChunks(ctx, stats); err != nil {
		return stats, err
	}
	if err := c.compact(ctx, stats); err != nil {
		return stats, err
	}

	c.logger.Info().
		Int("chunks_deleted", stats.ChunksDeleted).
		Int("legacy_unlinked", stats.LegacyUnlinked).
		Int("compacted", stats.Compacted).
		Int("removed", stats.Removed).
		Str("reclaimed", humanize.Bytes(uint64(stats.BytesReclaimed))).
		Msg("collection pass complete")
	return stats, nil
}

// reclaimChunks drops every chunk row whose refcount is zero. Legacy
// standalone chunks also lose their blob file; containerized chunks
// leave dead bytes behind that compaction reclaims later.
func (c *Collector) reclaimChunks(ctx context.Context, stats *Stats) error {
	chunks, err := c.meta.ZeroRefChunks(ctx)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		if !chunk.Location.Containerized {
			path := c.pack.LegacyPath(chunk.Hash)
			switch err := os.Remove(path); {
			case err == nil:
				stats.LegacyUnlinked++
				stats.BytesReclaimed += chunk.LengthBytes
			case os.IsNotExist(err):
				// Row without a blob; nothing to unlink.
			default:
				return fmt.Errorf("unlink legacy blob %s: %w", chunk.Hash, err)
			}
		}

		// The delete is guarded on ref_count = 0, so a chunk that a
		// concurrent commit just referenced survives.
		switch err := c.meta.DeleteChunk(ctx, chunk.Hash); {
		case err == nil:
			stats.ChunksDeleted++
		case errors.Is(err, meta.ErrNotFound):
		default:
			return err
		}
	}
	return nil
}

// compact rewrites sealed containers whose live fraction fell below
// the threshold. Surviving chunks move to a fresh sealed container,
// every location flips in one transaction, and only then is the old
// file unlinked — a reader holding a pre-flip location still finds
// its bytes.
func (c *Collector) compact(ctx context.Context, stats *Stats) error {
	containers, err := c.meta.SealedContainers(ctx)
	if err != nil {
		return err
	}

	for _, container := range containers {
		if container.TotalSize == 0 {
			continue
		}
		live, err := c.meta.LiveBytesInContainer(ctx, container.ID)
		if err != nil {
			return err
		}
		if float64(live)/float64(container.TotalSize) >= c.threshold {
			continue
		}

		if err := c.compactOne(ctx, container.ID, container.DiskPath, live, stats); err != nil {
			return err
		}
		stats.BytesReclaimed += container.TotalSize - live
	}
	return nil
}

func (c *Collector) compactOne(ctx context.Context, containerID, diskPath string, live int64, stats *Stats) error {
	chunks, err := c.meta.ChunksInContainer(ctx, containerID)
	if err != nil {
		return err
	}

	var payloads []packfile.SurvivorPayload
	for i := range chunks {
		if chunks[i].RefCount == 0 {
			continue
		}
		data, err := c.pack.ReadStored(ctx, &chunks[i])
		if err != nil {
			return err
		}
		payloads = append(payloads, packfile.SurvivorPayload{Hash: chunks[i].Hash, Data: data})
	}

	if len(payloads) == 0 {
		// Fully dead: no replacement needed, just drop the row and
		// the file.
		if err := c.meta.FlipContainer(ctx, containerID, "", nil); err != nil {
			return err
		}
		if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlink container %s: %w", containerID, err)
		}
		stats.Removed++
		return nil
	}

	replacement, relocated, err := c.pack.WriteSurvivors(ctx, payloads)
	if err != nil {
		return err
	}
	if err := c.meta.FlipContainer(ctx, containerID, replacement.ID, relocated); err != nil {
		return err
	}
	if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink container %s: %w", containerID, err)
	}

	c.logger.Debug().Str("old", containerID).Str("new", replacement.ID).
		Int("survivors", len(payloads)).Int64("live_bytes", live).
		Msg("container compacted")
	stats.Compacted++
	return nil
}
