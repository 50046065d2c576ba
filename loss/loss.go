// Package loss implements the training losses: logistic, factorization
// machine and field-aware factorization machine.
//
// A loss works on a localized row block against a packed weight vector. The
// pos slice maps each packed column index to the start of that feature's
// value block in the weight vector, or -1 when the server has not
// materialized the feature yet. Gradients are written into a buffer with
// the same layout as the weights.
package loss

import (
	"fmt"
	"math"

	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/metric"
)

// Loss is the prediction and gradient kernel of one model family.
type Loss interface {
	// Predict accumulates raw scores into pred (pre-allocated, zeroed by
	// the caller).
	Predict(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32)
	// CalcGrad accumulates the gradient of the summed loss into grad,
	// which mirrors the layout of w.
	CalcGrad(blk *data.RowBlock[uint32], w []float32, pos []int, pred []float32, grad []float32)
	// Evaluate returns the summed objective of the batch.
	Evaluate(label, pred []float32) float32
}

// Config carries the model dimensions a loss needs.
type Config struct {
	// VDim is the per-field entry dimension, matching the updater's V_dim.
	VDim int
	// FieldNum is the number of fields (FFM only).
	FieldNum int
}

// New creates a loss by name: logit, fm or ffm.
func New(name string, cfg Config) (Loss, error) {
	switch name {
	case "logit":
		return &Logit{}, nil
	case "fm":
		return &FM{vDim: cfg.VDim}, nil
	case "ffm":
		return &FFM{vDim: cfg.VDim, fieldNum: cfg.FieldNum}, nil
	default:
		return nil, fmt.Errorf("loss: unknown loss %q", name)
	}
}

// predClip bounds raw FM/FFM scores so the logistic transform cannot
// overflow.
const predClip = 20

func clip(p float32) float32 {
	if p > predClip {
		return predClip
	}
	if p < -predClip {
		return -predClip
	}
	return p
}

// dLoss computes dl/dpred = -y / (1 + exp(y*pred)) per row, scaled by the
// sample weight when present.
func dLoss(blk *data.RowBlock[uint32], pred []float32, out []float32) {
	for i := 0; i < blk.Size; i++ {
		var y float32 = -1
		if blk.Label[i] > 0 {
			y = 1
		}
		out[i] = -y / (1 + float32(math.Exp(float64(y*pred[i]))))
		if blk.Weight != nil {
			out[i] *= blk.Weight[i]
		}
	}
}

func logitObjv(label, pred []float32) float32 {
	return metric.NewBinClass(label, pred).LogitObjv()
}
