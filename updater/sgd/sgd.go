// Package sgd implements the stochastic updater for FM and FFM models:
// AdaGrad on the embedding coordinates with an FTRL-style accumulator kept
// as auxiliary state.
package sgd

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// entry is the state of one feature. The first coordinate of V doubles as
// the linear weight; Z holds the AdaGrad accumulator in its first half. Its
// second half is a slot for an FTRL z: updateV never writes it, so it stays
// zero unless a saved model with aux data was loaded.
type entry struct {
	mu     sync.Mutex
	feaCnt float32
	v      []float32
	z      []float32
	nnz    int32
}

func (e *entry) materialized() bool { return len(e.v) > 0 }

// Updater is the sgd server-side model.
type Updater struct {
	cfg     config.Updater
	featDim int
	coef    float32

	model cmap.ConcurrentMap[feaid.ID, *entry]
	newW  atomic.Int64
}

// splitmix-style hash so nearby feature IDs land on different shards.
func shardKey(k feaid.ID) uint32 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	return uint32(k)
}

// New creates an sgd updater.
func New(cfg config.Updater) (*Updater, error) {
	if cfg.VDim <= 0 {
		return nil, fmt.Errorf("sgd: v_dim must be positive, got %d", cfg.VDim)
	}
	if cfg.FieldNum <= 0 {
		return nil, fmt.Errorf("sgd: field_num must be positive, got %d", cfg.FieldNum)
	}
	return &Updater{
		cfg:     cfg,
		featDim: cfg.VDim * cfg.FieldNum,
		coef:    float32(1 / math.Sqrt(float64(cfg.VDim))),
		model:   cmap.NewWithCustomShardingFunction[feaid.ID, *entry](shardKey),
	}, nil
}

// FeatDim returns the per-feature value length once materialized.
func (u *Updater) FeatDim() int { return u.featDim }

func (u *Updater) getOrInsert(key feaid.ID) *entry {
	if e, ok := u.model.Get(key); ok {
		return e
	}
	return u.model.Upsert(key, nil, func(exist bool, cur, _ *entry) *entry {
		if exist {
			return cur
		}
		return &entry{}
	})
}

// Get returns feature counts or model weights for the given keys. Weights
// come back with per-key lengths: featDim for materialized entries, zero
// otherwise.
func (u *Updater) Get(keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int) error {
	switch kind {
	case updater.KFeaCount:
		*vals = make([]float32, len(keys))
		*lens = nil
		for i, k := range keys {
			if e, ok := u.model.Get(k); ok {
				(*vals)[i] = e.feaCnt
			}
		}
		return nil
	case updater.KWeight:
		*vals = (*vals)[:0]
		*lens = make([]int, len(keys))
		for i, k := range keys {
			e, ok := u.model.Get(k)
			if !ok || !e.materialized() {
				continue
			}
			e.mu.Lock()
			*vals = append(*vals, e.v...)
			e.mu.Unlock()
			(*lens)[i] = u.featDim
		}
		return nil
	default:
		return fmt.Errorf("sgd: get %s: %w", kind, updater.ErrKind)
	}
}

// Update accumulates feature counts or applies a gradient step.
func (u *Updater) Update(keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int) error {
	switch kind {
	case updater.KFeaCount:
		if len(vals) != len(keys) {
			return fmt.Errorf("sgd: feacount push with %d values for %d keys", len(vals), len(keys))
		}
		for i, k := range keys {
			e := u.getOrInsert(k)
			e.mu.Lock()
			e.feaCnt += vals[i]
			if !e.materialized() && e.feaCnt > float32(u.cfg.VThreshold) {
				u.initV(k, e)
			}
			e.mu.Unlock()
		}
		return nil
	case updater.KGradient:
		if len(lens) != len(keys) {
			return fmt.Errorf("sgd: gradient push with %d lens for %d keys", len(lens), len(keys))
		}
		p := 0
		for i, k := range keys {
			if lens[i] == 0 {
				continue
			}
			if lens[i] != u.featDim {
				return fmt.Errorf("sgd: gradient length %d for key %d, want %d", lens[i], k, u.featDim)
			}
			e, ok := u.model.Get(k)
			if !ok || !e.materialized() {
				return fmt.Errorf("sgd: gradient for unmaterialized key %d", k)
			}
			u.updateV(vals[p:p+u.featDim], e)
			p += u.featDim
		}
		if p != len(vals) {
			return fmt.Errorf("sgd: gradient push consumed %d of %d values", p, len(vals))
		}
		return nil
	default:
		return fmt.Errorf("sgd: update %s: %w", kind, updater.ErrKind)
	}
}

// updateV applies one AdaGrad step. Coordinate 0 is the linear weight and
// uses lr/lr_beta; the remaining coordinates use V_lr/V_lr_beta and the
// V_l2 regularizer.
func (u *Updater) updateV(gv []float32, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	nnz := e.nnz
	for i := 0; i < u.featDim; i++ {
		lr, beta, l2 := u.cfg.VLR, u.cfg.VLRBeta, u.cfg.VL2
		if i == 0 {
			lr, beta, l2 = u.cfg.LR, u.cfg.LRBeta, u.cfg.L2
		}
		vi := e.v[i]
		g := gv[i] + float32(l2)*vi
		e.z[i] = float32(math.Sqrt(float64(e.z[i]*e.z[i] + g*g)))
		e.v[i] -= float32(lr) * g / (e.z[i] + float32(beta))

		switch {
		case vi == 0 && e.v[i] != 0:
			e.nnz++
		case vi != 0 && e.v[i] == 0:
			e.nnz--
		}
	}
	u.newW.Add(int64(e.nnz - nnz))
}

// initV materializes an entry. Initialization is uniform in
// [-V_init_scale, +V_init_scale] scaled by 1/sqrt(V_dim), seeded from the
// run seed and the feature ID so it is deterministic per feature.
func (u *Updater) initV(key feaid.ID, e *entry) {
	e.v = make([]float32, u.featDim)
	e.z = make([]float32, 2*u.featDim)
	rng := rand.New(rand.NewSource(u.cfg.Seed ^ int64(shardKey(key))<<16 ^ int64(key)))
	scale := float32(u.cfg.VInitScale)
	for i := range e.v {
		e.v[i] = u.coef * (2*rng.Float32() - 1) * scale
		if e.v[i] != 0 {
			e.nnz++
		}
	}
	u.newW.Add(int64(e.nnz))
}

// Report returns the number of weights that became non-zero since the last
// call.
func (u *Updater) Report() reporter.Progress {
	return reporter.Progress{NnzW: float64(u.newW.Swap(0))}
}

// Evaluate fills the model-side progress: the L2 penalty and the non-zero
// count over the whole model.
func (u *Updater) Evaluate(prog *reporter.Progress) {
	var penalty float64
	var nnz float64
	u.model.IterCb(func(_ feaid.ID, e *entry) {
		e.mu.Lock()
		for i, v := range e.v {
			if v == 0 {
				continue
			}
			l2 := u.cfg.VL2
			if i == 0 {
				l2 = u.cfg.L2
			}
			penalty += 0.5 * l2 * float64(v) * float64(v)
			nnz++
		}
		e.mu.Unlock()
	})
	prog.Penalty = penalty
	prog.NnzW = nnz
}
