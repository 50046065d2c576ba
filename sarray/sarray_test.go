package sarray

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceSharesStorage(t *testing.T) {
	a := New[float32](8)
	v := a.Slice(2, 6)
	v.Set(0, 42)
	require.Equal(t, float32(42), a.At(2))

	// Mutation through the parent is visible in the view.
	a.Set(5, 7)
	require.Equal(t, float32(7), v.At(3))
}

func TestCloneIndependent(t *testing.T) {
	a := Wrap([]int{1, 2, 3})
	c := a.Clone()
	require.Equal(t, a.Data(), c.Data())

	c.Set(0, 99)
	require.Equal(t, 1, a.At(0))
	require.Equal(t, 99, c.At(0))
}

func TestResize(t *testing.T) {
	a := Wrap([]int{1, 2, 3, 4})
	a.Resize(2)
	require.Equal(t, []int{1, 2}, a.Data())

	// Growing within capacity must zero the re-exposed tail.
	a.Resize(4)
	require.Equal(t, []int{1, 2, 0, 0}, a.Data())

	a.Resize(6)
	require.Equal(t, []int{1, 2, 0, 0, 0, 0}, a.Data())
}

func TestZero(t *testing.T) {
	a := Wrap([]float32{1, 2})
	a.Zero()
	require.Equal(t, []float32{0, 0}, a.Data())
}
