package tile

import (
	"context"

	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/internal/kvmatch"
)

// Builder turns raw row blocks into persisted tiles while accumulating the
// worker's global feature statistics. After the tail filter settled the
// kept key set, BuildColmap rewrites every tile's column map against it.
type Builder struct {
	store *Store

	feaids []feaid.ID
	feacnt []float32

	// per-tile localized key lists, indexed by row block id
	tileKeys [][]feaid.ID
}

// NewBuilder creates a builder over the given store.
func NewBuilder(store *Store) *Builder {
	return &Builder{store: store}
}

// NumBlocks returns how many tiles were added.
func (b *Builder) NumBlocks() int { return len(b.tileKeys) }

// FeaIDs returns the sorted union of feature IDs seen so far.
func (b *Builder) FeaIDs() []feaid.ID { return b.feaids }

// FeaCounts returns the appearance counts aligned with FeaIDs.
func (b *Builder) FeaCounts() []float32 { return b.feacnt }

// Add localizes one row block, persists it as the next tile and, when
// countStats is set, folds its feature counts into the global statistics.
func (b *Builder) Add(ctx context.Context, blk *data.RowBlock[uint64], countStats bool) error {
	var counts []float32
	var cntPtr *[]float32
	if countStats {
		cntPtr = &counts
	}
	localized, keys := data.Localizer{}.Compact(blk, cntPtr)

	row := len(b.tileKeys)
	b.tileKeys = append(b.tileKeys, keys)
	if countStats {
		b.merge(keys, counts)
	}

	// Until BuildColmap runs, the identity map stands in.
	colmap := make([]int32, len(keys))
	for i := range colmap {
		colmap[i] = int32(i)
	}
	return b.store.Write(ctx, row, 0, &Tile{
		Data:   localized,
		ColMap: colmap,
	})
}

func (b *Builder) merge(keys []feaid.ID, counts []float32) {
	merged := make([]feaid.ID, 0, len(b.feaids)+len(keys))
	mergedCnt := make([]float32, 0, len(b.feaids)+len(keys))
	i, j := 0, 0
	for i < len(b.feaids) || j < len(keys) {
		switch {
		case j >= len(keys) || (i < len(b.feaids) && b.feaids[i] < keys[j]):
			merged = append(merged, b.feaids[i])
			mergedCnt = append(mergedCnt, b.feacnt[i])
			i++
		case i >= len(b.feaids) || keys[j] < b.feaids[i]:
			merged = append(merged, keys[j])
			mergedCnt = append(mergedCnt, counts[j])
			j++
		default:
			merged = append(merged, b.feaids[i])
			mergedCnt = append(mergedCnt, b.feacnt[i]+counts[j])
			i++
			j++
		}
	}
	b.feaids, b.feacnt = merged, mergedCnt
}

// BuildColmap maps every tile's local columns into positions of the kept
// key set; columns outside it become -1 and are skipped by the loss
// kernels.
func (b *Builder) BuildColmap(kept []feaid.ID) {
	for row, keys := range b.tileKeys {
		var pos []int
		kvmatch.FindPosition(kept, keys, &pos)
		colmap := make([]int32, len(pos))
		for i, p := range pos {
			colmap[i] = int32(p)
		}
		b.store.SetColMap(row, 0, colmap)
	}
}
