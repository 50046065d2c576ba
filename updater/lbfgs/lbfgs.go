// Package lbfgs implements the batched L-BFGS updater for linear models.
//
// The model is sharded across servers, so the inverse-Hessian approximation
// is built without ever gathering a full vector: each server keeps the last
// m (s, y) pairs of its shard and emits the Gram matrix of the basis
// {s_1..s_k, y_1..y_k, grad} to the scheduler (PrepareCalcDirection). The
// scheduler sums the partial Gram matrices, runs the two-loop recursion in
// coefficient space and sends the basis coefficients back; CalcDirection
// then materializes the shard's slice of the direction.
package lbfgs

import (
	"fmt"
	"sync"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/internal/f32"
	"github.com/widefm/widefm/internal/kvmatch"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Updater is the lbfgs server-side model shard.
type Updater struct {
	cfg config.Updater
	m   int

	mu     sync.Mutex
	feaids []feaid.ID
	feacnt []float32

	weights []float32
	grads   []float32
	w0      []float32 // line-search origin
	p       []float32 // current direction

	sHist [][]float32
	yHist [][]float32
	prevW []float32
	prevG []float32

	dirReady    bool
	resetOnPush bool
}

// New creates an lbfgs updater keeping the last m (s, y) pairs.
func New(cfg config.Updater, m int) *Updater {
	if m <= 0 {
		m = 10
	}
	return &Updater{cfg: cfg, m: m}
}

// InitWeight allocates the shard's weight vector over the features seen in
// the feature-count phase and returns its size.
func (u *Updater) InitWeight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.feaids)
	u.weights = make([]float32, n)
	u.grads = make([]float32, n)
	return n
}

// Get returns feature counts during preparation; afterwards KWeight
// returns the current query vector: the weights before the first direction
// has been computed, the direction for the line search after.
func (u *Updater) Get(keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case updater.KFeaCount:
		*vals = make([]float32, len(keys))
		*lens = nil
		kvmatch.Match(u.feaids, u.feacnt, keys, vals, kvmatch.Assign)
		return nil
	case updater.KWeight:
		src := u.weights
		if u.dirReady {
			src = u.p
		}
		*vals = make([]float32, len(keys))
		*lens = nil
		kvmatch.Match(u.feaids, src, keys, vals, kvmatch.Assign)
		return nil
	default:
		return fmt.Errorf("lbfgs: get %s: %w", kind, updater.ErrKind)
	}
}

// Update merges feature counts or accumulates a gradient round.
func (u *Updater) Update(keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case updater.KFeaCount:
		return u.mergeCounts(keys, vals)
	case updater.KGradient:
		if u.weights == nil {
			return fmt.Errorf("lbfgs: gradient before InitWeight")
		}
		if len(vals) != len(keys) {
			return fmt.Errorf("lbfgs: gradient push with %d values for %d keys", len(vals), len(keys))
		}
		if u.resetOnPush {
			for i := range u.grads {
				u.grads[i] = 0
			}
			u.resetOnPush = false
		}
		var pos []int
		kvmatch.FindPosition(u.feaids, keys, &pos)
		for i, p := range pos {
			if p < 0 {
				// Tail features filtered on the worker never made it into
				// the shard map; nothing to accumulate.
				continue
			}
			u.grads[p] += vals[i]
		}
		return nil
	default:
		return fmt.Errorf("lbfgs: update %s: %w", kind, updater.ErrKind)
	}
}

func (u *Updater) mergeCounts(keys []feaid.ID, counts []float32) error {
	if len(keys) != len(counts) {
		return fmt.Errorf("lbfgs: %d counts for %d keys", len(counts), len(keys))
	}
	merged := make([]feaid.ID, 0, len(u.feaids)+len(keys))
	mergedCnt := make([]float32, 0, len(u.feaids)+len(keys))
	i, j := 0, 0
	for i < len(u.feaids) || j < len(keys) {
		switch {
		case j >= len(keys) || (i < len(u.feaids) && u.feaids[i] < keys[j]):
			merged = append(merged, u.feaids[i])
			mergedCnt = append(mergedCnt, u.feacnt[i])
			i++
		case i >= len(u.feaids) || keys[j] < u.feaids[i]:
			merged = append(merged, keys[j])
			mergedCnt = append(mergedCnt, counts[j])
			j++
		default:
			merged = append(merged, u.feaids[i])
			mergedCnt = append(mergedCnt, u.feacnt[i]+counts[j])
			i++
			j++
		}
	}
	u.feaids, u.feacnt = merged, mergedCnt
	return nil
}

// PrepareCalcDirection rolls the (s, y) ring forward and returns the
// shard's partial Gram matrix of the basis {s..., y..., grad}, flattened
// row-major.
func (u *Updater) PrepareCalcDirection() []float32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.prevW != nil {
		s := make([]float32, len(u.weights))
		y := make([]float32, len(u.grads))
		for i := range s {
			s[i] = u.weights[i] - u.prevW[i]
			y[i] = u.grads[i] - u.prevG[i]
		}
		u.sHist = append(u.sHist, s)
		u.yHist = append(u.yHist, y)
		if len(u.sHist) > u.m {
			u.sHist = u.sHist[1:]
			u.yHist = u.yHist[1:]
		}
	}
	u.prevW = append([]float32(nil), u.weights...)
	u.prevG = append([]float32(nil), u.grads...)

	basis := u.basis()
	n := len(basis)
	gram := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := f32.Dot(basis[i], basis[j])
			gram[i*n+j] = v
			gram[j*n+i] = v
		}
	}
	return gram
}

func (u *Updater) basis() [][]float32 {
	basis := make([][]float32, 0, 2*len(u.sHist)+1)
	basis = append(basis, u.sHist...)
	basis = append(basis, u.yHist...)
	basis = append(basis, u.grads)
	return basis
}

// NumPairs returns the current (s, y) ring size.
func (u *Updater) NumPairs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sHist)
}

// CalcDirection combines the basis with the scheduler's coefficients into
// the shard's direction slice and returns the partial <p, grad>.
func (u *Updater) CalcDirection(coeff []float32) (float32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	basis := u.basis()
	if len(coeff) != len(basis) {
		return 0, fmt.Errorf("lbfgs: %d coefficients for basis of %d", len(coeff), len(basis))
	}
	u.p = make([]float32, len(u.weights))
	for i, b := range basis {
		f32.Axpy(coeff[i], b, u.p)
	}
	u.w0 = append([]float32(nil), u.weights...)
	u.dirReady = true
	u.resetOnPush = true
	return f32.Dot(u.p, u.grads), nil
}

// LineSearch moves the shard to w0 + alpha*p and returns the shard's
// regularization penalty at the new point.
func (u *Updater) LineSearch(alpha float32) float32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	copy(u.weights, u.w0)
	f32.Axpy(alpha, u.p, u.weights)
	var penalty float32
	l2 := float32(u.cfg.L2)
	if l2 > 0 {
		penalty = 0.5 * l2 * f32.Norm2(u.weights)
	}
	return penalty
}

// Evaluate fills the model-side progress with the non-zero weight count.
func (u *Updater) Evaluate(prog *reporter.Progress) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var nnz float64
	for _, w := range u.weights {
		if w != 0 {
			nnz++
		}
	}
	prog.NnzW = nnz
}

// Report is a no-op for the batched updater; progress flows through the
// job return values instead.
func (u *Updater) Report() reporter.Progress { return reporter.Progress{} }
