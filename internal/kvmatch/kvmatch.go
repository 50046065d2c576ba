// Package kvmatch merges sorted key-value lists by key.
//
// Both inputs must carry unique keys in increasing order. The destination
// keeps its own key set; only values whose keys appear in the source are
// touched.
package kvmatch

import "github.com/widefm/widefm/feaid"

// AssignOp selects how a matched source value is folded into the
// destination.
type AssignOp int

const (
	// Assign overwrites: dst = src.
	Assign AssignOp = iota
	// Plus accumulates: dst += src.
	Plus
)

// Match merges srcVal into dstVal wherever srcKey matches dstKey, with a
// fixed value length per key (len(srcVal) must be a multiple of
// len(srcKey)). dstVal is sized to len(dstKey)*valLen; unmatched
// destination values are left untouched if already present, zero otherwise.
// Returns the number of matched keys.
func Match(srcKey []feaid.ID, srcVal []float32, dstKey []feaid.ID, dstVal *[]float32, op AssignOp) int {
	if len(srcKey) == 0 {
		return 0
	}
	valLen := len(srcVal) / len(srcKey)
	want := len(dstKey) * valLen
	if len(*dstVal) != want {
		grown := make([]float32, want)
		copy(grown, *dstVal)
		*dstVal = grown
	}
	dst := *dstVal

	matched := 0
	i, j := 0, 0
	for i < len(srcKey) && j < len(dstKey) {
		switch {
		case srcKey[i] < dstKey[j]:
			i++
		case srcKey[i] > dstKey[j]:
			j++
		default:
			s := srcVal[i*valLen : (i+1)*valLen]
			d := dst[j*valLen : (j+1)*valLen]
			if op == Assign {
				copy(d, s)
			} else {
				for k := range s {
					d[k] += s[k]
				}
			}
			matched++
			i++
			j++
		}
	}
	return matched
}

// MatchLen merges variable-length values: srcLen[i] is the length of the
// i-th source value. dstLen receives the matched lengths (zero for
// unmatched keys) and dstVal the concatenated matched values. Falls back to
// the fixed-length Match when srcLen is empty.
func MatchLen(srcKey []feaid.ID, srcVal []float32, srcLen []int,
	dstKey []feaid.ID, dstVal *[]float32, dstLen *[]int, op AssignOp) int {
	if len(srcLen) == 0 {
		if dstLen != nil {
			*dstLen = (*dstLen)[:0]
		}
		return Match(srcKey, srcVal, dstKey, dstVal, op)
	}

	// First pass matches lengths, second pass copies values.
	*dstLen = make([]int, len(dstKey))
	srcOff := make([]int, len(srcKey))
	off := 0
	for i, l := range srcLen {
		srcOff[i] = off
		off += l
	}

	total := 0
	i, j := 0, 0
	for i < len(srcKey) && j < len(dstKey) {
		switch {
		case srcKey[i] < dstKey[j]:
			i++
		case srcKey[i] > dstKey[j]:
			j++
		default:
			(*dstLen)[j] = srcLen[i]
			total += srcLen[i]
			i++
			j++
		}
	}

	*dstVal = make([]float32, total)
	matched := 0
	p := 0
	i, j = 0, 0
	for i < len(srcKey) && j < len(dstKey) {
		switch {
		case srcKey[i] < dstKey[j]:
			i++
		case srcKey[i] > dstKey[j]:
			j++
		default:
			copy((*dstVal)[p:p+srcLen[i]], srcVal[srcOff[i]:srcOff[i]+srcLen[i]])
			p += srcLen[i]
			matched++
			i++
			j++
		}
	}
	return matched
}

// FindPosition locates each key of sub within base. pos[i] is the index of
// sub[i] in base, or -1 when absent. Both lists must be sorted.
func FindPosition(base, sub []feaid.ID, pos *[]int) {
	*pos = make([]int, len(sub))
	j := 0
	for i, k := range sub {
		for j < len(base) && base[j] < k {
			j++
		}
		if j < len(base) && base[j] == k {
			(*pos)[i] = j
		} else {
			(*pos)[i] = -1
		}
	}
}
