package kvmatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/feaid"
)

func TestMatchAssign(t *testing.T) {
	srcKey := []feaid.ID{1, 2, 3}
	srcVal := []float32{6, 7, 8}
	dstKey := []feaid.ID{1, 3, 5}
	var dstVal []float32

	n := Match(srcKey, srcVal, dstKey, &dstVal, Assign)
	require.Equal(t, 2, n)
	require.Equal(t, []float32{6, 8, 0}, dstVal)
}

func TestMatchUnmatchedUntouched(t *testing.T) {
	srcKey := []feaid.ID{2}
	srcVal := []float32{9}
	dstKey := []feaid.ID{1, 2, 3}
	dstVal := []float32{10, 20, 30}

	n := Match(srcKey, srcVal, dstKey, &dstVal, Assign)
	require.Equal(t, 1, n)
	require.Equal(t, []float32{10, 9, 30}, dstVal)
}

func TestMatchPlusAppliedOnce(t *testing.T) {
	srcKey := []feaid.ID{1, 4}
	srcVal := []float32{1, 2, 3, 4} // valLen = 2
	dstKey := []feaid.ID{1, 2, 4}
	dstVal := make([]float32, 6)

	n := Match(srcKey, srcVal, dstKey, &dstVal, Plus)
	require.Equal(t, 2, n)
	require.Equal(t, []float32{1, 2, 0, 0, 3, 4}, dstVal)

	// Disjoint keys: nothing changes.
	n = Match([]feaid.ID{7}, []float32{5, 5}, dstKey, &dstVal, Plus)
	require.Equal(t, 0, n)
	require.Equal(t, []float32{1, 2, 0, 0, 3, 4}, dstVal)
}

func TestMatchLen(t *testing.T) {
	srcKey := []feaid.ID{1, 3, 5}
	srcLen := []int{2, 0, 1}
	srcVal := []float32{1, 2, 5}
	dstKey := []feaid.ID{1, 2, 5}
	var dstVal []float32
	var dstLen []int

	n := MatchLen(srcKey, srcVal, srcLen, dstKey, &dstVal, &dstLen, Assign)
	require.Equal(t, 2, n)
	require.Equal(t, []int{2, 0, 1}, dstLen)
	require.Equal(t, []float32{1, 2, 5}, dstVal)
}

func TestFindPosition(t *testing.T) {
	base := []feaid.ID{2, 4, 6, 8}
	var pos []int
	FindPosition(base, []feaid.ID{2, 5, 8}, &pos)
	require.Equal(t, []int{0, -1, 3}, pos)
}
