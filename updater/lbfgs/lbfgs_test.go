package lbfgs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/updater"
)

func prepared(t *testing.T) *Updater {
	t.Helper()
	u := New(config.Updater{LR: 1}, 3)
	require.NoError(t, u.Update([]feaid.ID{1, 2, 3}, updater.KFeaCount, []float32{5, 5, 5}, nil))
	require.Equal(t, 3, u.InitWeight())
	return u
}

func TestGradientAccumulatesAcrossWorkers(t *testing.T) {
	u := prepared(t)
	require.NoError(t, u.Update([]feaid.ID{1, 3}, updater.KGradient, []float32{1, 2}, nil))
	require.NoError(t, u.Update([]feaid.ID{1, 2}, updater.KGradient, []float32{1, 4}, nil))
	require.Equal(t, []float32{2, 4, 2}, u.grads)
}

func TestDirectionIsSteepestDescentFirstEpoch(t *testing.T) {
	u := prepared(t)
	require.NoError(t, u.Update([]feaid.ID{1, 2, 3}, updater.KGradient, []float32{1, -2, 3}, nil))

	gram := u.PrepareCalcDirection()
	require.Len(t, gram, 1, "no (s,y) pairs yet: basis is {grad} alone")
	require.InDelta(t, 14, float64(gram[0]), 1e-5)

	pg, err := u.CalcDirection([]float32{-1})
	require.NoError(t, err)
	require.InDelta(t, -14, float64(pg), 1e-5)

	// The line-search pull now returns the direction.
	var vals []float32
	var lens []int
	require.NoError(t, u.Get([]feaid.ID{1, 2, 3}, updater.KWeight, &vals, &lens))
	require.Equal(t, []float32{-1, 2, -3}, vals)
}

func TestLineSearchMovesFromOrigin(t *testing.T) {
	u := prepared(t)
	require.NoError(t, u.Update([]feaid.ID{1, 2, 3}, updater.KGradient, []float32{1, 0, 0}, nil))
	u.PrepareCalcDirection()
	_, err := u.CalcDirection([]float32{-1})
	require.NoError(t, err)

	u.LineSearch(0.5)
	require.Equal(t, []float32{-0.5, 0, 0}, u.weights)
	// A second trial restarts from the same origin.
	u.LineSearch(0.25)
	require.Equal(t, []float32{-0.25, 0, 0}, u.weights)
}

func TestRingBounded(t *testing.T) {
	u := New(config.Updater{}, 2)
	require.NoError(t, u.Update([]feaid.ID{1}, updater.KFeaCount, []float32{5}, nil))
	u.InitWeight()
	for i := 0; i < 5; i++ {
		require.NoError(t, u.Update([]feaid.ID{1}, updater.KGradient, []float32{float32(i + 1)}, nil))
		u.PrepareCalcDirection()
		coeff := make([]float32, 2*u.NumPairs()+1)
		coeff[len(coeff)-1] = -1
		_, err := u.CalcDirection(coeff)
		require.NoError(t, err)
		u.LineSearch(0.1)
	}
	require.Equal(t, 2, u.NumPairs())
}

func TestSaveLoad(t *testing.T) {
	u := prepared(t)
	u.weights = []float32{0.5, 0, -1}
	var buf bytes.Buffer
	require.NoError(t, u.Save(&buf, false))

	restored := New(config.Updater{}, 3)
	require.NoError(t, restored.Load(bytes.NewReader(buf.Bytes())))
	require.Equal(t, []feaid.ID{1, 3}, restored.feaids)
	require.Equal(t, []float32{0.5, -1}, restored.weights)
}
