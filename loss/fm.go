package loss

import (
	"github.com/widefm/widefm/data"
)

// FM is the factorization-machine loss.
//
// Each materialized feature owns a value block of vDim floats: the linear
// coefficient followed by vDim-1 embedding coordinates. The raw score of a
// row is
//
//	<w, x> + 1/2 (||V x||^2 - sum_i x_i^2 ||V_i||^2)
//
// With vDim = 1 the model degenerates to plain logistic regression.
type FM struct {
	vDim int
}

func (l *FM) embedDim() int { return l.vDim - 1 }

// Predict accumulates raw scores, clipped to the stable logistic range.
func (l *FM) Predict(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32) {
	k := l.embedDim()
	s := make([]float32, k)
	for i := 0; i < blk.Size; i++ {
		var p float32
		for j := range s {
			s[j] = 0
		}
		var sumSq float32
		for j := blk.Offset[i]; j < blk.Offset[i+1]; j++ {
			p0 := pos[blk.Index[j]]
			if p0 < 0 {
				continue
			}
			var x float32 = 1
			if blk.Value != nil {
				x = blk.Value[j]
			}
			p += x * w[p0]
			for d := 0; d < k; d++ {
				v := w[p0+1+d]
				s[d] += x * v
				sumSq += x * x * v * v
			}
		}
		for d := 0; d < k; d++ {
			p += 0.5 * s[d] * s[d]
		}
		p -= 0.5 * sumSq
		pred[i] += clip(p)
	}
}

// CalcGrad accumulates the gradient with the same layout as the weights.
func (l *FM) CalcGrad(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32, grad []float32) {
	k := l.embedDim()
	p := make([]float32, blk.Size)
	dLoss(blk, pred, p)

	s := make([]float32, k)
	for i := 0; i < blk.Size; i++ {
		d := p[i]
		if d == 0 {
			continue
		}
		for j := range s {
			s[j] = 0
		}
		for j := blk.Offset[i]; j < blk.Offset[i+1]; j++ {
			p0 := pos[blk.Index[j]]
			if p0 < 0 {
				continue
			}
			var x float32 = 1
			if blk.Value != nil {
				x = blk.Value[j]
			}
			for dd := 0; dd < k; dd++ {
				s[dd] += x * w[p0+1+dd]
			}
		}
		for j := blk.Offset[i]; j < blk.Offset[i+1]; j++ {
			p0 := pos[blk.Index[j]]
			if p0 < 0 {
				continue
			}
			var x float32 = 1
			if blk.Value != nil {
				x = blk.Value[j]
			}
			grad[p0] += d * x
			for dd := 0; dd < k; dd++ {
				grad[p0+1+dd] += d * x * (s[dd] - x*w[p0+1+dd])
			}
		}
	}
}

// Evaluate returns the summed logistic objective.
func (l *FM) Evaluate(label, pred []float32) float32 {
	return logitObjv(label, pred)
}
