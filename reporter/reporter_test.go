package reporter

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randProgress(rng *rand.Rand) Progress {
	return Progress{
		NRows:   float64(rng.Intn(100)),
		Loss:    rng.Float64(),
		AUC:     rng.Float64(),
		Penalty: rng.Float64(),
		NnzW:    float64(rng.Intn(1000)),
	}
}

func TestMergeAssociativeCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a, b, c := randProgress(rng), randProgress(rng), randProgress(rng)

	ab := a
	ab.Merge(b)
	abc1 := ab
	abc1.Merge(c)

	bc := b
	bc.Merge(c)
	abc2 := a
	abc2.Merge(bc)

	require.InDelta(t, abc1.Loss, abc2.Loss, 1e-12)
	require.InDelta(t, abc1.AUC, abc2.AUC, 1e-12)

	ba := b
	ba.Merge(a)
	ab2 := a
	ab2.Merge(b)
	require.Equal(t, ab2, ba)
}

func TestMergeIdentity(t *testing.T) {
	a := Progress{NRows: 3, Loss: 1.5}
	b := a
	b.Merge(Progress{})
	require.Equal(t, a, b)
}

func TestEncodeDecode(t *testing.T) {
	p := Progress{NRows: 10, Loss: 1.25, AUC: 8, Penalty: 0.5, NnzW: 42}
	got, err := DecodeProgress(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, got)

	zero, err := DecodeProgress(nil)
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = DecodeProgress([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLocalReporterMergesUnderLimit(t *testing.T) {
	r := NewLocal(7, 1000)
	var got Progress
	var calls int
	r.SetMonitor(func(nodeID int, p Progress) {
		require.Equal(t, 7, nodeID)
		got.Merge(p)
		calls++
	})
	for i := 0; i < 100; i++ {
		r.Report(Progress{NRows: 1})
	}
	r.Flush()
	require.Equal(t, float64(100), got.NRows, "no rows lost across rate limiting")
	require.LessOrEqual(t, calls, 101)
}
