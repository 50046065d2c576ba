package loss

import (
	"github.com/widefm/widefm/data"
)

// FFM is the field-aware factorization-machine loss.
//
// Each materialized feature owns fieldNum embedding vectors of vDim floats
// laid out contiguously; the block for feature i against field f starts at
// pos[i] + f*vDim. The raw score of a row is
//
//	sum_{i<j} <V_{i,f_j}, V_{j,f_i}> x_i x_j
//
// clipped to the stable logistic range. The block requires per-non-zero
// field IDs.
type FFM struct {
	vDim     int
	fieldNum int
}

// Predict accumulates raw scores.
func (l *FFM) Predict(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32) {
	for i := 0; i < blk.Size; i++ {
		lo, hi := blk.Offset[i], blk.Offset[i+1]
		if lo == hi {
			continue
		}
		var p float32
		for j1 := lo; j1 < hi; j1++ {
			p1 := pos[blk.Index[j1]]
			if p1 < 0 {
				continue
			}
			for j2 := j1 + 1; j2 < hi; j2++ {
				p2 := pos[blk.Index[j2]]
				if p2 < 0 {
					continue
				}
				f1, f2 := blk.Field[j1], blk.Field[j2]
				b1 := p1 + int(f2)*l.vDim
				b2 := p2 + int(f1)*l.vDim
				var ww float32
				for k := 0; k < l.vDim; k++ {
					ww += w[b1+k] * w[b2+k]
				}
				if blk.Value != nil {
					ww *= blk.Value[j1] * blk.Value[j2]
				}
				p += ww
			}
		}
		pred[i] += clip(p)
	}
}

// CalcGrad accumulates the pairwise gradient symmetrically.
func (l *FFM) CalcGrad(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32, grad []float32) {
	p := make([]float32, blk.Size)
	dLoss(blk, pred, p)

	for i := 0; i < blk.Size; i++ {
		lo, hi := blk.Offset[i], blk.Offset[i+1]
		if lo == hi || p[i] == 0 {
			continue
		}
		d := p[i]
		for j1 := lo; j1 < hi; j1++ {
			p1 := pos[blk.Index[j1]]
			if p1 < 0 {
				continue
			}
			for j2 := j1 + 1; j2 < hi; j2++ {
				p2 := pos[blk.Index[j2]]
				if p2 < 0 {
					continue
				}
				f1, f2 := blk.Field[j1], blk.Field[j2]
				b1 := p1 + int(f2)*l.vDim
				b2 := p2 + int(f1)*l.vDim
				scale := d
				if blk.Value != nil {
					scale *= blk.Value[j1] * blk.Value[j2]
				}
				for k := 0; k < l.vDim; k++ {
					grad[b1+k] += scale * w[b2+k]
					grad[b2+k] += scale * w[b1+k]
				}
			}
		}
	}
}

// Evaluate returns the summed logistic objective.
func (l *FFM) Evaluate(label, pred []float32) float32 {
	return logitObjv(label, pred)
}
