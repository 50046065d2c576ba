// Package metric implements binary-classification metrics over label and
// prediction vectors.
//
// All metrics follow the merge-by-addition convention: per-batch values are
// unnormalized (scaled by the batch size where needed) so that partial
// results from many workers can be summed and divided by the total row
// count once at the end of an epoch.
package metric

import (
	"math"
	"sort"
)

// BinClass evaluates metrics over a batch of labels and raw predictions.
type BinClass struct {
	label   []float32
	predict []float32
}

// NewBinClass creates a metric evaluator. label and predict must have equal
// length; labels are positive iff > 0.
func NewBinClass(label, predict []float32) *BinClass {
	return &BinClass{label: label, predict: predict}
}

// AUC returns the area under the ROC curve, multiplied by the number of
// rows (merge-by-addition convention). Degenerate batches with a single
// class return 1, which is not scaled by the row count.
func (m *BinClass) AUC() float32 {
	n := len(m.predict)
	type entry struct {
		label   float32
		predict float32
	}
	buf := make([]entry, n)
	for i := 0; i < n; i++ {
		buf[i] = entry{label: m.label[i], predict: m.predict[i]}
	}
	sort.SliceStable(buf, func(i, j int) bool { return buf[i].predict < buf[j].predict })

	var area, cumTP float64
	for i := 0; i < n; i++ {
		if buf[i].label > 0 {
			cumTP++
		} else {
			area += cumTP
		}
	}
	if cumTP == 0 || cumTP == float64(n) {
		return 1
	}
	area /= cumTP * (float64(n) - cumTP)
	if area < 0.5 {
		area = 1 - area
	}
	return float32(area * float64(n))
}

// LogLoss returns the summed negative log-likelihood of the batch.
func (m *BinClass) LogLoss() float32 {
	var loss float64
	for i := range m.predict {
		y := 0.0
		if m.label[i] > 0 {
			y = 1
		}
		p := 1 / (1 + math.Exp(-float64(m.predict[i])))
		if p < 1e-10 {
			p = 1e-10
		}
		loss += y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return float32(-loss)
}

// LogitObjv returns the summed logistic objective log(1+exp(-y*pred)).
func (m *BinClass) LogitObjv() float32 {
	var objv float64
	for i := range m.predict {
		y := -1.0
		if m.label[i] > 0 {
			y = 1
		}
		objv += math.Log(1 + math.Exp(-y*float64(m.predict[i])))
	}
	return float32(objv)
}

// Accuracy returns the number of correct predictions at the given
// threshold, folded so that a uniformly wrong predictor still scores high.
func (m *BinClass) Accuracy(threshold float32) float32 {
	var correct float32
	n := len(m.predict)
	for i := 0; i < n; i++ {
		if (m.label[i] > 0 && m.predict[i] > threshold) ||
			(m.label[i] <= 0 && m.predict[i] <= threshold) {
			correct++
		}
	}
	if correct > 0.5*float32(n) {
		return correct
	}
	return float32(n) - correct
}
