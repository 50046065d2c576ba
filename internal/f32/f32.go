// Package f32 provides float32 vector and sparse-matrix kernels.
// This is an internal package - loss and updater code sits on top of it.
package f32

import "math"

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}
	return ret
}

// Axpy computes y += alpha * x.
func Axpy(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// Norm2 returns the squared L2 norm of a.
func Norm2(a []float32) float32 {
	var n float64
	for _, v := range a {
		n += float64(v) * float64(v)
	}
	return float32(n)
}

// Sigmoid returns 1/(1+exp(-x)).
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Times computes pred[i] += sum_j value[j] * w[pos(index[j])] over the CSR
// block (offset, index, value). value may be nil for binary features. wPos
// maps a packed column index to its position in w; a nil wPos is the
// identity and a negative position skips the column.
func Times(offset []int64, index []uint32, value []float32, w []float32, wPos []int, pred []float32) {
	for i := 0; i < len(offset)-1; i++ {
		var p float32
		for j := offset[i]; j < offset[i+1]; j++ {
			pos := int(index[j])
			if wPos != nil {
				pos = wPos[index[j]]
				if pos < 0 {
					continue
				}
			}
			if value != nil {
				p += value[j] * w[pos]
			} else {
				p += w[pos]
			}
		}
		pred[i] += p
	}
}

// TransTimes computes grad[pos(index[j])] += value[j] * p[i], the transpose
// counterpart of Times. gPos follows the same convention as wPos.
func TransTimes(offset []int64, index []uint32, value []float32, p []float32, gPos []int, grad []float32) {
	for i := 0; i < len(offset)-1; i++ {
		pi := p[i]
		for j := offset[i]; j < offset[i+1]; j++ {
			pos := int(index[j])
			if gPos != nil {
				pos = gPos[index[j]]
				if pos < 0 {
					continue
				}
			}
			if value != nil {
				grad[pos] += value[j] * pi
			} else {
				grad[pos] += pi
			}
		}
	}
}
