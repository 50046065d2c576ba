package bcd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/updater"
)

func newTestUpdater(mutate func(*config.Updater)) *Updater {
	cfg := config.Updater{L1: 0, LR: 0.9, TailFeatureFilter: 0}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestTailFeatureFilter(t *testing.T) {
	u := newTestUpdater(func(c *config.Updater) { c.TailFeatureFilter = 4 })
	keys := []feaid.ID{1, 2, 3}
	require.NoError(t, u.Update(keys, updater.KFeaCount, []float32{3, 5, 2}, nil))
	// A second worker's counts merge by addition.
	require.NoError(t, u.Update([]feaid.ID{1, 3}, updater.KFeaCount, []float32{1, 3}, nil))

	// First gradient push freezes the map: counts 4, 5, 5 against filter 4.
	require.NoError(t, u.Update(keys, updater.KGradient,
		[]float32{1, 1, 1, 1, 1, 1}, nil))
	require.True(t, u.Frozen())
	require.False(t, u.Kept(1), "count 4 <= filter is dropped")
	require.True(t, u.Kept(2))
	require.True(t, u.Kept(3))
	require.Equal(t, 2, u.NumWeights())

	// The dropped feature never appears in the saved model.
	var buf bytes.Buffer
	require.NoError(t, u.Save(&buf, false))
	restored := newTestUpdater(nil)
	require.NoError(t, restored.Load(bytes.NewReader(buf.Bytes())))
	require.False(t, restored.Kept(1))
}

func TestProximalStep(t *testing.T) {
	u := newTestUpdater(func(c *config.Updater) { c.L1 = 0; c.LR = 1 })
	keys := []feaid.ID{1}
	require.NoError(t, u.Update(keys, updater.KFeaCount, []float32{5}, nil))

	// g=-1, h=1: d = 1/(1+eps) ~ 1, clipped by delta=1.
	require.NoError(t, u.Update(keys, updater.KGradient, []float32{-1, 1}, nil))
	var vals []float32
	var lens []int
	require.NoError(t, u.Get(keys, updater.KWeight, &vals, &lens))
	require.InDelta(t, 1.0, float64(vals[0]), 1e-5, "pulled value is the weight change")
}

func TestL1ShrinksToZero(t *testing.T) {
	u := newTestUpdater(func(c *config.Updater) { c.L1 = 10; c.LR = 1 })
	keys := []feaid.ID{1}
	require.NoError(t, u.Update(keys, updater.KFeaCount, []float32{5}, nil))

	// |g| < l1 and w = 0: both proximal branches fail, d = -w = 0.
	require.NoError(t, u.Update(keys, updater.KGradient, []float32{-1, 1}, nil))
	var vals []float32
	var lens []int
	require.NoError(t, u.Get(keys, updater.KWeight, &vals, &lens))
	require.Equal(t, float32(0), vals[0])
}

func TestVariableLengthGradient(t *testing.T) {
	u := newTestUpdater(nil)
	keys := []feaid.ID{1, 2}
	require.NoError(t, u.Update(keys, updater.KFeaCount, []float32{5, 5}, nil))
	require.NoError(t, u.Update(keys, updater.KGradient,
		[]float32{-1, 1, -1, 1}, []int{2, 2}))
	require.Equal(t, 2, u.NumWeights())
}

func TestCountsRejectedAfterFreeze(t *testing.T) {
	u := newTestUpdater(nil)
	require.NoError(t, u.Update([]feaid.ID{1}, updater.KFeaCount, []float32{5}, nil))
	require.NoError(t, u.Update([]feaid.ID{1}, updater.KGradient, []float32{-1, 1}, nil))
	require.Error(t, u.Update([]feaid.ID{2}, updater.KFeaCount, []float32{5}, nil))
}
