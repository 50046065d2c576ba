// Package data implements the training-data pipeline: the CSR row block,
// the libfm/recordio readers, example batching and feature-ID localization.
package data

import "fmt"

// Index constrains the column index type of a RowBlock: global 64-bit
// feature IDs before localization, compact 32-bit positions after.
type Index interface {
	~uint32 | ~uint64
}

// RowBlock is a sparse matrix slice in CSR form. Offset has Size+1 entries;
// row i owns the non-zeros [Offset[i], Offset[i+1]). Value, Label, Weight
// and Field are optional; when present their lengths must match.
type RowBlock[I Index] struct {
	Size   int
	Offset []int64
	Index  []I
	Value  []float32
	Label  []float32
	Weight []float32
	Field  []int32
}

// NNZ returns the number of stored non-zeros.
func (b *RowBlock[I]) NNZ() int64 {
	if len(b.Offset) == 0 {
		return 0
	}
	return b.Offset[b.Size]
}

// Validate checks the CSR invariants.
func (b *RowBlock[I]) Validate() error {
	if len(b.Offset) != b.Size+1 {
		return fmt.Errorf("rowblock: offset length %d, want %d", len(b.Offset), b.Size+1)
	}
	if b.Size > 0 && b.Offset[0] != 0 {
		return fmt.Errorf("rowblock: offset[0] = %d, want 0", b.Offset[0])
	}
	for i := 0; i < b.Size; i++ {
		if b.Offset[i+1] < b.Offset[i] {
			return fmt.Errorf("rowblock: offsets decrease at row %d", i)
		}
	}
	nnz := int(b.NNZ())
	if len(b.Index) != nnz {
		return fmt.Errorf("rowblock: index length %d, want %d", len(b.Index), nnz)
	}
	if b.Value != nil && len(b.Value) != nnz {
		return fmt.Errorf("rowblock: value length %d, want %d", len(b.Value), nnz)
	}
	if b.Field != nil && len(b.Field) != nnz {
		return fmt.Errorf("rowblock: field length %d, want %d", len(b.Field), nnz)
	}
	if b.Label != nil && len(b.Label) != b.Size {
		return fmt.Errorf("rowblock: label length %d, want %d", len(b.Label), b.Size)
	}
	if b.Weight != nil && len(b.Weight) != b.Size {
		return fmt.Errorf("rowblock: weight length %d, want %d", len(b.Weight), b.Size)
	}
	return nil
}

// Slice returns a view of rows [begin, end) sharing the same backing
// storage for index, value, field, label and weight. The view gets its own
// offset array, rebased so that it starts at 0.
func (b *RowBlock[I]) Slice(begin, end int) *RowBlock[I] {
	lo, hi := b.Offset[begin], b.Offset[end]
	out := &RowBlock[I]{
		Size:   end - begin,
		Offset: make([]int64, end-begin+1),
		Index:  b.Index[lo:hi],
	}
	for i := begin; i <= end; i++ {
		out.Offset[i-begin] = b.Offset[i] - lo
	}
	if b.Value != nil {
		out.Value = b.Value[lo:hi]
	}
	if b.Field != nil {
		out.Field = b.Field[lo:hi]
	}
	if b.Label != nil {
		out.Label = b.Label[begin:end]
	}
	if b.Weight != nil {
		out.Weight = b.Weight[begin:end]
	}
	return out
}

// PushRow appends one example to the block.
func (b *RowBlock[I]) PushRow(label float32, index []I, value []float32, field []int32) {
	if b.Size == 0 && len(b.Offset) == 0 {
		b.Offset = append(b.Offset, 0)
	}
	b.Size++
	b.Offset = append(b.Offset, b.Offset[len(b.Offset)-1]+int64(len(index)))
	b.Index = append(b.Index, index...)
	b.Label = append(b.Label, label)
	if value != nil {
		b.Value = append(b.Value, value...)
	}
	if field != nil {
		b.Field = append(b.Field, field...)
	}
}
