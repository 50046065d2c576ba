package loss

import (
	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/internal/f32"
)

// Logit is the plain logistic loss: l(x, y, w) = log(1 + exp(-y <w, x>)).
type Logit struct{}

// Predict computes pred += X*w.
func (Logit) Predict(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32) {
	f32.Times(blk.Offset, blk.Index, blk.Value, w, pos, pred)
}

// CalcGrad computes grad += X' * (-y ./ (1 + exp(y .* pred))).
func (Logit) CalcGrad(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32, grad []float32) {
	p := make([]float32, blk.Size)
	dLoss(blk, pred, p)
	f32.TransTimes(blk.Offset, blk.Index, blk.Value, p, pos, grad)
}

// Evaluate returns the summed logistic objective.
func (Logit) Evaluate(label, pred []float32) float32 {
	return logitObjv(label, pred)
}
