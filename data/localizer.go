package data

import (
	"sort"

	"github.com/widefm/widefm/feaid"
)

// Localizer compacts the 64-bit feature IDs of a row block into dense
// positions so the block can be processed against a packed weight vector.
type Localizer struct{}

// Compact rewrites in's column indices into positions of the returned
// sorted unique key list, so that feaids[out.Index[j]] == in.Index[j].
// When counts is non-nil it receives the number of appearances of each key
// in the block.
func (Localizer) Compact(in *RowBlock[uint64], counts *[]float32) (out *RowBlock[uint32], feaids []feaid.ID) {
	nnz := len(in.Index)
	feaids = make([]feaid.ID, nnz)
	copy(feaids, in.Index)
	sort.Slice(feaids, func(i, j int) bool { return feaids[i] < feaids[j] })

	// Dedup in place, accumulating appearance counts.
	var cnt []float32
	if counts != nil {
		cnt = make([]float32, 0, nnz)
	}
	uniq := feaids[:0]
	for i := 0; i < nnz; {
		j := i
		for j < nnz && feaids[j] == feaids[i] {
			j++
		}
		uniq = append(uniq, feaids[i])
		if counts != nil {
			cnt = append(cnt, float32(j-i))
		}
		i = j
	}
	feaids = uniq
	if counts != nil {
		*counts = cnt
	}

	out = &RowBlock[uint32]{
		Size:   in.Size,
		Offset: in.Offset,
		Index:  make([]uint32, nnz),
		Value:  in.Value,
		Label:  in.Label,
		Weight: in.Weight,
		Field:  in.Field,
	}
	for j, id := range in.Index {
		out.Index[j] = uint32(sort.Search(len(feaids), func(k int) bool { return feaids[k] >= id }))
	}
	return out, feaids
}
