package sgd

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/updater"
)

func newTestUpdater(t *testing.T, mutate func(*config.Updater)) *Updater {
	t.Helper()
	cfg := config.Updater{
		LR: 0.1, LRBeta: 1, VLR: 0.1, VLRBeta: 1,
		VInitScale: 0.1, VDim: 2, FieldNum: 1, Seed: 42,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	u, err := New(cfg)
	require.NoError(t, err)
	return u
}

func pushCounts(t *testing.T, u *Updater, keys []feaid.ID) {
	t.Helper()
	counts := make([]float32, len(keys))
	for i := range counts {
		counts[i] = 1
	}
	require.NoError(t, u.Update(keys, updater.KFeaCount, counts, nil))
}

func TestMaterializeOnThreshold(t *testing.T) {
	u := newTestUpdater(t, func(c *config.Updater) { c.VThreshold = 2 })
	keys := []feaid.ID{5}

	var vals []float32
	var lens []int
	pushCounts(t, u, keys)
	require.NoError(t, u.Get(keys, updater.KWeight, &vals, &lens))
	require.Equal(t, []int{0}, lens, "below threshold: no entry")

	pushCounts(t, u, keys)
	pushCounts(t, u, keys)
	require.NoError(t, u.Get(keys, updater.KWeight, &vals, &lens))
	require.Equal(t, []int{2}, lens)
	require.Len(t, vals, 2)
}

func TestInitDeterministic(t *testing.T) {
	u1 := newTestUpdater(t, nil)
	u2 := newTestUpdater(t, nil)
	keys := []feaid.ID{1, 9, 1 << 40}
	pushCounts(t, u1, keys)
	pushCounts(t, u2, keys)

	var v1, v2 []float32
	var l1, l2 []int
	require.NoError(t, u1.Get(keys, updater.KWeight, &v1, &l1))
	require.NoError(t, u2.Get(keys, updater.KWeight, &v2, &l2))
	require.Equal(t, v1, v2)
	require.Equal(t, l1, l2)
}

func TestZeroGradientIdempotent(t *testing.T) {
	u := newTestUpdater(t, nil)
	keys := []feaid.ID{1, 2, 3}
	pushCounts(t, u, keys)

	var before []float32
	var lens []int
	require.NoError(t, u.Get(keys, updater.KWeight, &before, &lens))

	zBefore := snapshotZ(u, keys)
	zeros := make([]float32, len(before))
	require.NoError(t, u.Update(keys, updater.KGradient, zeros, lens))

	var after []float32
	require.NoError(t, u.Get(keys, updater.KWeight, &after, &lens))
	require.Equal(t, before, after, "zero gradient leaves V unchanged")

	zAfter := snapshotZ(u, keys)
	for i := range zAfter {
		require.GreaterOrEqual(t, zAfter[i], zBefore[i], "Z non-decreasing")
	}
}

func snapshotZ(u *Updater, keys []feaid.ID) []float32 {
	var out []float32
	for _, k := range keys {
		e, ok := u.model.Get(k)
		if !ok {
			continue
		}
		out = append(out, e.z...)
	}
	return out
}

func TestGradientMovesAgainstSign(t *testing.T) {
	u := newTestUpdater(t, func(c *config.Updater) { c.VInitScale = 0; c.VDim = 1 })
	keys := []feaid.ID{7}
	pushCounts(t, u, keys)

	require.NoError(t, u.Update(keys, updater.KGradient, []float32{-1}, []int{1}))
	var vals []float32
	var lens []int
	require.NoError(t, u.Get(keys, updater.KWeight, &vals, &lens))
	require.Greater(t, vals[0], float32(0), "negative gradient increases the weight")
}

func TestSaveLoadDumpRoundTrip(t *testing.T) {
	u := newTestUpdater(t, nil)
	keys := []feaid.ID{3, 11, 1 << 50}
	pushCounts(t, u, keys)
	grads := make([]float32, 2*len(keys))
	for i := range grads {
		grads[i] = float32(i)*0.25 - 0.5
	}
	require.NoError(t, u.Update(keys, updater.KGradient, grads, []int{2, 2, 2}))

	var saved bytes.Buffer
	require.NoError(t, u.Save(&saved, true))

	restored := newTestUpdater(t, nil)
	require.NoError(t, restored.Load(bytes.NewReader(saved.Bytes())))

	var d1, d2 bytes.Buffer
	require.NoError(t, u.Dump(&d1, true, false))
	require.NoError(t, restored.Dump(&d2, true, false))
	require.Equal(t, d1.String(), d2.String(), "dump after round trip is byte-identical")
	require.NotEmpty(t, d1.String())
}

func TestDumpReversesKeys(t *testing.T) {
	u := newTestUpdater(t, nil)
	keys := []feaid.ID{6}
	pushCounts(t, u, keys)
	require.NoError(t, u.Update(keys, updater.KGradient, []float32{0.5, 0.5}, []int{2}))

	var plain, reversed bytes.Buffer
	require.NoError(t, u.Dump(&plain, false, false))
	require.NoError(t, u.Dump(&reversed, false, true))
	require.Contains(t, plain.String(), "6\t")
	var key uint64
	_, err := fmt.Sscanf(reversed.String(), "%d\t", &key)
	require.NoError(t, err)
	require.Equal(t, feaid.ReverseBytes(6), key)
}

func TestReportDrains(t *testing.T) {
	u := newTestUpdater(t, nil)
	pushCounts(t, u, []feaid.ID{1, 2})
	p := u.Report()
	require.Greater(t, p.NnzW, float64(0))
	require.Equal(t, float64(0), u.Report().NnzW)
}
