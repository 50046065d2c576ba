// Package bcd implements the block coordinate descent updater for linear
// models.
//
// Servers first receive per-feature appearance counts from the feature-map
// phase; features at or below the tail filter are dropped and the kept set
// is frozen for the rest of the run. Gradient pushes then carry (g, h)
// pairs per feature block and the proximal L1 step is applied with a
// per-feature trust region.
package bcd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/internal/kvmatch"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Updater is the bcd server-side model.
type Updater struct {
	cfg config.Updater

	mu      sync.Mutex
	feaids  []feaid.ID
	feacnt  []float32
	kept    *roaring64.Bitmap
	weights []float32
	wDelta  []float32
	delta   []float32
	newW    float64
}

// New creates a bcd updater.
func New(cfg config.Updater) *Updater {
	return &Updater{cfg: cfg, kept: roaring64.New()}
}

// Frozen reports whether the feature map has been filtered and frozen.
func (u *Updater) Frozen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.weights != nil
}

// NumWeights returns the size of the kept feature set.
func (u *Updater) NumWeights() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.weights)
}

// mergeCounts folds one worker's (sorted unique) count list into the
// accumulated feature map.
func (u *Updater) mergeCounts(keys []feaid.ID, counts []float32) error {
	if len(keys) != len(counts) {
		return fmt.Errorf("bcd: %d counts for %d keys", len(counts), len(keys))
	}
	if u.weights != nil {
		return fmt.Errorf("bcd: feature map is frozen")
	}
	merged := make([]feaid.ID, 0, len(u.feaids)+len(keys))
	mergedCnt := make([]float32, 0, len(u.feaids)+len(keys))
	i, j := 0, 0
	for i < len(u.feaids) || j < len(keys) {
		switch {
		case j >= len(keys) || (i < len(u.feaids) && u.feaids[i] < keys[j]):
			merged = append(merged, u.feaids[i])
			mergedCnt = append(mergedCnt, u.feacnt[i])
			i++
		case i >= len(u.feaids) || keys[j] < u.feaids[i]:
			merged = append(merged, keys[j])
			mergedCnt = append(mergedCnt, counts[j])
			j++
		default:
			merged = append(merged, u.feaids[i])
			mergedCnt = append(mergedCnt, u.feacnt[i]+counts[j])
			i++
			j++
		}
	}
	u.feaids, u.feacnt = merged, mergedCnt
	return nil
}

// initWeights drops tail features and freezes the kept set.
func (u *Updater) initWeights() {
	filtered := u.feaids[:0]
	for i, k := range u.feaids {
		if u.feacnt[i] > float32(u.cfg.TailFeatureFilter) {
			filtered = append(filtered, k)
			u.kept.Add(k)
		}
	}
	u.feaids = filtered
	u.feacnt = nil
	u.weights = make([]float32, len(u.feaids))
	u.wDelta = make([]float32, len(u.feaids))
	u.delta = make([]float32, len(u.feaids))
	for i := range u.delta {
		u.delta[i] = 1
	}
}

// Get returns feature counts during the feature-map phase, or the last
// weight change per key afterwards.
func (u *Updater) Get(keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case updater.KFeaCount:
		*vals = make([]float32, len(keys))
		*lens = nil
		kvmatch.Match(u.feaids, u.feacnt, keys, vals, kvmatch.Assign)
		return nil
	case updater.KWeight:
		if u.weights == nil {
			u.initWeights()
		}
		*vals = make([]float32, len(keys))
		*lens = nil
		kvmatch.Match(u.feaids, u.wDelta, keys, vals, kvmatch.Assign)
		return nil
	default:
		return fmt.Errorf("bcd: get %s: %w", kind, updater.ErrKind)
	}
}

// Update merges feature counts or applies a (g, h) gradient block.
func (u *Updater) Update(keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case updater.KFeaCount:
		return u.mergeCounts(keys, vals)
	case updater.KGradient:
		if u.weights == nil {
			u.initWeights()
		}
		var pos []int
		kvmatch.FindPosition(u.feaids, keys, &pos)
		if len(lens) == 0 {
			// Fixed two values (g, h) per key.
			if len(vals) != 2*len(keys) {
				return fmt.Errorf("bcd: gradient push with %d values for %d keys", len(vals), len(keys))
			}
			for i, p := range pos {
				if p < 0 {
					continue // tail feature, never weighted
				}
				u.updateWeight(p, vals[2*i], vals[2*i+1])
			}
			return nil
		}
		off := 0
		for i, p := range pos {
			l := lens[i]
			if l == 0 {
				continue
			}
			if l < 2 {
				return fmt.Errorf("bcd: gradient block of %d values for key %d", l, keys[i])
			}
			if p >= 0 {
				u.updateWeight(p, vals[off], vals[off+1])
			}
			off += l
		}
		return nil
	default:
		return fmt.Errorf("bcd: update %s: %w", kind, updater.ErrKind)
	}
}

// updateWeight applies the proximal L1 step with curvature h and the
// per-feature trust region delta.
func (u *Updater) updateWeight(idx int, g, h float32) {
	l1 := float32(u.cfg.L1)
	gPos, gNeg := g+l1, g-l1
	ucurv := h/float32(u.cfg.LR) + 1e-10
	w := u.weights[idx]

	d := -w
	if gPos <= ucurv*w {
		d = -gPos / ucurv
	} else if gNeg >= ucurv*w {
		d = -gNeg / ucurv
	}
	if d > u.delta[idx] {
		d = u.delta[idx]
	} else if d < -u.delta[idx] {
		d = -u.delta[idx]
	}
	// Grow the trust region toward the observed step, shrink when idle.
	u.delta[idx] = float32(math.Max(2*math.Abs(float64(d)), float64(u.delta[idx])/2))

	if w == 0 && w+d != 0 {
		u.newW++
	} else if w != 0 && w+d == 0 {
		u.newW--
	}
	u.weights[idx] += d
	u.wDelta[idx] = d
}

// Kept reports whether a feature survived the tail filter.
func (u *Updater) Kept(k feaid.ID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.kept.Contains(k)
}

// Report returns the number of weights that became non-zero since the last
// call.
func (u *Updater) Report() reporter.Progress {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := reporter.Progress{NnzW: u.newW}
	u.newW = 0
	return p
}

// Save writes the non-zero weights as (id, size=1, w) entries with no aux
// block.
func (u *Updater) Save(w io.Writer, saveAux bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(0); err != nil {
		return err
	}
	for i, k := range u.feaids {
		if u.weights == nil || u.weights[i] == 0 {
			continue
		}
		if err := binary.Write(bw, binary.LittleEndian, k); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(1)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, u.weights[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load restores a model written by Save and freezes the feature map to the
// loaded keys.
func (u *Updater) Load(r io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	br := bufio.NewReader(r)
	if _, err := br.ReadByte(); err == io.EOF {
		return nil
	} else if err != nil {
		return err
	}
	var keys []feaid.ID
	var weights []float32
	for {
		var key feaid.ID
		if err := binary.Read(br, binary.LittleEndian, &key); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		var size int32
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			return err
		}
		if size != 1 {
			return fmt.Errorf("bcd: model entry of size %d, want 1", size)
		}
		var w float32
		if err := binary.Read(br, binary.LittleEndian, &w); err != nil {
			return err
		}
		keys = append(keys, key)
		weights = append(weights, w)
	}
	u.feaids = keys
	u.weights = weights
	u.wDelta = make([]float32, len(keys))
	u.delta = make([]float32, len(keys))
	for i := range u.delta {
		u.delta[i] = 1
	}
	for _, k := range keys {
		u.kept.Add(k)
	}
	return nil
}

// Dump writes one "key<TAB>1<TAB>w" line per non-zero weight.
func (u *Updater) Dump(w io.Writer, dumpAux, needReverse bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	bw := bufio.NewWriter(w)
	for i, k := range u.feaids {
		if u.weights == nil || u.weights[i] == 0 {
			continue
		}
		key := k
		if needReverse {
			key = feaid.ReverseBytes(key)
		}
		val := strconv.FormatFloat(float64(u.weights[i]), 'g', -1, 32)
		if _, err := fmt.Fprintf(bw, "%d\t1\t%s\n", key, val); err != nil {
			return err
		}
	}
	return bw.Flush()
}
