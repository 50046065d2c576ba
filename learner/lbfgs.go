package learner

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/widefm/widefm/blobstore"
	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/data/tile"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/internal/f32"
	"github.com/widefm/widefm/loss"
	"github.com/widefm/widefm/metric"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/tracker"
	"github.com/widefm/widefm/updater"
	lbfgsup "github.com/widefm/widefm/updater/lbfgs"
)

// lbfgsLearner drives batched L-BFGS with a Wolfe line search.
//
// The inverse-Hessian approximation never exists as a vector anywhere:
// servers emit the Gram matrix of their {s, y, grad} basis shards, the
// scheduler sums them and runs the two-loop recursion in coefficient
// space, and servers recombine the coefficients into their shard of the
// direction. Workers keep the training data as tiles and evaluate loss,
// gradient and the directional derivative at every trial step.
type lbfgsLearner struct {
	env  *Env
	cfg  config.Learner
	ucfg config.Updater
	loss loss.Loss
	upd  *lbfgsup.Updater

	stopOnce sync.Once
	stopCh   chan struct{}

	// worker state
	tiles      *tile.Store
	builder    *tile.Builder
	feaids     []feaid.ID
	weights    []float32
	grads      []float32
	direction  []float32
	alpha      float32
	ntrainBlks int
	nvalBlks   int
	trainAUC   float32
}

func newLBFGS(env *Env) (*lbfgsLearner, error) {
	ucfg := env.Cfg.Updater
	ucfg.VDim = 0 // linear model
	ls, err := loss.New("logit", loss.Config{})
	if err != nil {
		return nil, err
	}
	l := &lbfgsLearner{
		env:    env,
		cfg:    env.Cfg.Learner,
		ucfg:   ucfg,
		loss:   ls,
		stopCh: make(chan struct{}),
	}
	if env.Role.IsServer() {
		l.upd = lbfgsup.New(ucfg, env.Cfg.Learner.M)
		env.Store.SetUpdater(l.upd)
	}
	if env.Role.IsWorker() {
		l.tiles = tile.NewStore(blobstore.NewMemoryStore(), tile.CompressionLZ4, 4)
		l.builder = tile.NewBuilder(l.tiles)
	}
	rank := env.Store.Rank()
	if env.Role.IsWorker() {
		env.Tracker.Register(node.Encode(node.WorkerGroup, rank), l.workerProcess)
	}
	if env.Role.IsServer() {
		env.Tracker.Register(node.Encode(node.ServerGroup, rank), l.serverProcess)
	}
	return l, nil
}

func (l *lbfgsLearner) Run(ctx context.Context) error {
	if l.env.Role.IsScheduler() {
		return l.runScheduler(ctx)
	}
	select {
	case <-l.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lbfgsLearner) runScheduler(ctx context.Context) error {
	log := l.env.logger().WithRole("scheduler")
	tr := l.env.Tracker

	stats, err := tr.IssueAndWait(ctx, node.WorkerGroup, tracker.Job{Type: tracker.JobPrepareData})
	if err != nil {
		return err
	}
	ntrain := float64(stats[0])
	nnz := float64(stats[2])
	log.Info("scanned data", "rows", ntrain, "blocks", stats[1], "nnz", nnz)

	server, err := tr.IssueAndWait(ctx, node.ServerGroup, tracker.Job{Type: tracker.JobInitServer})
	if err != nil {
		return err
	}
	log.Info("initialized model", "weights", server[0])

	worker, err := tr.IssueAndWait(ctx, node.WorkerGroup, tracker.Job{Type: tracker.JobInitWorker})
	if err != nil {
		return err
	}
	objv := float64(worker[0])

	for k := 0; k < l.cfg.MaxNumEpochs; k++ {
		if _, err := tr.IssueAndWait(ctx, node.WorkerGroup,
			tracker.Job{Type: tracker.JobPushGradient}); err != nil {
			return err
		}
		gram, err := tr.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobPrepareCalcDirection})
		if err != nil {
			return err
		}
		coeff, err := twoLoopCoefficients(gram)
		if err != nil {
			return err
		}
		pg, err := tr.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobCalcDirection, Value: coeff})
		if err != nil {
			return err
		}
		pGradF := float64(pg[0])
		log.WithEpoch(k).Info("line search begins", "objv", objv, "p_dot_g", pGradF)

		alpha := l.cfg.Alpha
		if k == 0 {
			alpha = l.cfg.InitAlpha
			if alpha <= 0 && nnz > 0 {
				alpha = ntrain / nnz
			}
		}
		newObjv := objv
		for i := 0; i < l.cfg.MaxNumLinesearch; i++ {
			status, err := tr.IssueAndWait(ctx, node.WorkerGroup|node.ServerGroup,
				tracker.Job{Type: tracker.JobLineSearch, Value: []float32{float32(alpha)}})
			if err != nil {
				return err
			}
			newObjv = float64(status[0])
			slope := float64(status[1])
			log.WithEpoch(k).Info("line search step", "alpha", alpha, "objv", newObjv, "slope", slope)
			if newObjv <= objv+l.cfg.C1*alpha*pGradF && slope >= l.cfg.C2*pGradF {
				break
			}
			alpha *= l.cfg.Rho
		}

		eval, err := tr.IssueAndWait(ctx, node.WorkerGroup|node.ServerGroup,
			tracker.Job{Type: tracker.JobEvaluation})
		if err != nil {
			return err
		}
		prog := progressFromFloats(eval)
		if ntrain > 0 {
			log.WithEpoch(k).Info("evaluated", "train_auc", prog.AUC/ntrain, "nnz_w", prog.NnzW)
		}

		if k >= l.cfg.MinNumEpochs && objv > 0 {
			eps := math.Abs(newObjv-objv) / objv
			if eps < l.cfg.StopRelObjv {
				log.Info("objective converged", "eps", eps)
				break
			}
		}
		objv = newObjv
	}

	if l.cfg.ModelOut != "" {
		if _, err := tr.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobSaveModel, Epoch: -1}); err != nil {
			return err
		}
	}
	return tr.Stop(ctx)
}

// twoLoopCoefficients runs the vector-free L-BFGS two-loop recursion over
// the summed Gram matrix of the basis {s_1..s_k, y_1..y_k, grad} and
// returns the coefficients of the descent direction in that basis.
func twoLoopCoefficients(gram []float32) ([]float32, error) {
	n := int(math.Sqrt(float64(len(gram))))
	if n*n != len(gram) || n%2 == 0 {
		return nil, fmt.Errorf("learner: gram matrix of %d entries", len(gram))
	}
	k := (n - 1) / 2
	b := func(i, j int) float64 { return float64(gram[i*n+j]) }
	sIdx := func(i int) int { return i }
	yIdx := func(i int) int { return k + i }
	gIdx := n - 1

	delta := make([]float64, n)
	delta[gIdx] = -1
	if k == 0 {
		return []float32{-1}, nil
	}

	alphas := make([]float64, k)
	rhos := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		sy := b(sIdx(i), yIdx(i))
		if sy == 0 {
			sy = 1e-10
		}
		rhos[i] = 1 / sy
		var dot float64
		for j := 0; j < n; j++ {
			dot += delta[j] * b(j, sIdx(i))
		}
		alphas[i] = rhos[i] * dot
		delta[yIdx(i)] -= alphas[i]
	}

	yy := b(yIdx(k-1), yIdx(k-1))
	if yy == 0 {
		yy = 1e-10
	}
	scale := b(sIdx(k-1), yIdx(k-1)) / yy
	for j := range delta {
		delta[j] *= scale
	}

	for i := 0; i < k; i++ {
		var dot float64
		for j := 0; j < n; j++ {
			dot += delta[j] * b(j, yIdx(i))
		}
		beta := rhos[i] * dot
		delta[sIdx(i)] += alphas[i] - beta
	}

	out := make([]float32, n)
	for i, v := range delta {
		out[i] = float32(v)
	}
	return out, nil
}

func (l *lbfgsLearner) workerProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	switch job.Type {
	case tracker.JobPrepareData:
		return l.prepareData(ctx)
	case tracker.JobInitWorker:
		objv, err := l.initWorker(ctx)
		if err != nil {
			return nil, err
		}
		return tracker.EncodeFloats([]float32{objv}), nil
	case tracker.JobPushGradient:
		ts, err := l.env.Store.Push(ctx, l.feaids, updater.KGradient, l.grads, nil)
		if err != nil {
			return nil, err
		}
		return nil, l.env.Store.Wait(ctx, ts)
	case tracker.JobLineSearch:
		objv, slope, err := l.lineSearch(ctx, job.Value[0])
		if err != nil {
			return nil, err
		}
		return tracker.EncodeFloats([]float32{objv, slope}), nil
	case tracker.JobEvaluation:
		prog, err := l.evaluate(ctx)
		if err != nil {
			return nil, err
		}
		return tracker.EncodeFloats(progressToFloats(prog)), nil
	case tracker.JobStop:
		l.stopOnce.Do(func() { close(l.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: lbfgs worker got job %d", job.Type)
	}
}

func (l *lbfgsLearner) serverProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	switch job.Type {
	case tracker.JobInitServer:
		n := l.upd.InitWeight()
		return tracker.EncodeFloats([]float32{float32(n)}), nil
	case tracker.JobPrepareCalcDirection:
		return tracker.EncodeFloats(l.upd.PrepareCalcDirection()), nil
	case tracker.JobCalcDirection:
		pg, err := l.upd.CalcDirection(job.Value)
		if err != nil {
			return nil, err
		}
		return tracker.EncodeFloats([]float32{pg}), nil
	case tracker.JobLineSearch:
		penalty := l.upd.LineSearch(job.Value[0])
		return tracker.EncodeFloats([]float32{penalty, 0}), nil
	case tracker.JobEvaluation:
		var pr reporter.Progress
		l.upd.Evaluate(&pr)
		return tracker.EncodeFloats(progressToFloats(pr)), nil
	case tracker.JobSaveModel:
		name := modelName(l.cfg.ModelOut, job.Epoch, l.env.Store.Rank())
		w, err := l.env.Blobs.Create(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := l.upd.Save(w, false); err != nil {
			w.Close()
			return nil, err
		}
		return nil, w.Close()
	case tracker.JobStop:
		l.stopOnce.Do(func() { close(l.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: lbfgs server got job %d", job.Type)
	}
}

func (l *lbfgsLearner) prepareData(ctx context.Context) ([]byte, error) {
	rd, err := data.NewReader(l.cfg.DataIn, l.cfg.DataFormat,
		l.env.Store.Rank(), l.env.Store.NumWorkers(),
		l.cfg.DataChunkSizeMB<<20, readerOpts(l.cfg)...)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var rows, nnz int64
	for rd.Next() {
		blk := rd.Value()
		rows += int64(blk.Size)
		nnz += blk.NNZ()
		if err := l.builder.Add(ctx, blk, true); err != nil {
			return nil, err
		}
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}
	l.ntrainBlks = l.builder.NumBlocks()

	ts, err := l.env.Store.Push(ctx, l.builder.FeaIDs(), updater.KFeaCount, l.builder.FeaCounts(), nil)
	if err != nil {
		return nil, err
	}
	if err := l.env.Store.Wait(ctx, ts); err != nil {
		return nil, err
	}

	ret := []float32{float32(rows), float32(l.ntrainBlks), float32(nnz), 0, 0, 0}
	if l.cfg.DataVal != "" {
		vrd, err := data.NewReader(l.cfg.DataVal, l.cfg.DataFormat,
			l.env.Store.Rank(), l.env.Store.NumWorkers(),
			l.cfg.DataChunkSizeMB<<20, readerOpts(l.cfg)...)
		if err != nil {
			return nil, err
		}
		defer vrd.Close()
		var vrows, vnnz int64
		for vrd.Next() {
			blk := vrd.Value()
			vrows += int64(blk.Size)
			vnnz += blk.NNZ()
			if err := l.builder.Add(ctx, blk, false); err != nil {
				return nil, err
			}
		}
		if err := vrd.Err(); err != nil {
			return nil, err
		}
		l.nvalBlks = l.builder.NumBlocks() - l.ntrainBlks
		ret[3], ret[4], ret[5] = float32(vrows), float32(l.nvalBlks), float32(vnnz)
	}
	return tracker.EncodeFloats(ret), nil
}

// initWorker removes tail features, builds column maps, pulls the initial
// weights and computes the first gradient.
func (l *lbfgsLearner) initWorker(ctx context.Context) (float32, error) {
	all := l.builder.FeaIDs()
	kept := all
	if l.ucfg.TailFeatureFilter > 0 {
		var counts []float32
		ts, err := l.env.Store.Pull(ctx, all, updater.KFeaCount, &counts, nil)
		if err != nil {
			return 0, err
		}
		if err := l.env.Store.Wait(ctx, ts); err != nil {
			return 0, err
		}
		kept = kept[:0:0]
		for i, k := range all {
			if counts[i] > float32(l.ucfg.TailFeatureFilter) {
				kept = append(kept, k)
			}
		}
	}
	l.feaids = kept
	l.builder.BuildColmap(kept)

	var weights []float32
	ts, err := l.env.Store.Pull(ctx, l.feaids, updater.KWeight, &weights, nil)
	if err != nil {
		return 0, err
	}
	if err := l.env.Store.Wait(ctx, ts); err != nil {
		return 0, err
	}
	l.weights = weights
	return l.calcGrad(ctx)
}

// calcGrad recomputes the dense gradient and objective at l.weights over
// every training tile.
func (l *lbfgsLearner) calcGrad(ctx context.Context) (float32, error) {
	l.grads = make([]float32, len(l.weights))
	var objv, auc float32
	for i := 0; i < l.ntrainBlks; i++ {
		l.tiles.Prefetch(ctx, i, 0)
	}
	for i := 0; i < l.ntrainBlks; i++ {
		t, err := l.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return 0, err
		}
		pos := colmapToPos(t.ColMap)
		pred := make([]float32, t.Data.Size)
		l.loss.Predict(t.Data, l.weights, pos, pred)
		l.loss.CalcGrad(t.Data, l.weights, pos, pred, l.grads)
		objv += l.loss.Evaluate(t.Data.Label, pred)
		auc += metric.NewBinClass(t.Data.Label, pred).AUC()
	}
	l.trainAUC = auc
	return objv, nil
}

// lineSearch moves the worker's weight copy to w0 + alpha*p and returns
// the local objective and directional derivative there.
func (l *lbfgsLearner) lineSearch(ctx context.Context, alpha float32) (float32, float32, error) {
	if l.direction == nil {
		var dir []float32
		ts, err := l.env.Store.Pull(ctx, l.feaids, updater.KWeight, &dir, nil)
		if err != nil {
			return 0, 0, err
		}
		if err := l.env.Store.Wait(ctx, ts); err != nil {
			return 0, 0, err
		}
		l.direction = dir
		l.alpha = 0
	}
	f32.Axpy(alpha-l.alpha, l.direction, l.weights)
	l.alpha = alpha

	objv, err := l.calcGrad(ctx)
	if err != nil {
		return 0, 0, err
	}
	return objv, f32.Dot(l.grads, l.direction), nil
}

// evaluate reports training AUC (and validation AUC, carried in the
// Penalty slot, when validation data is present) from the current
// predictions. The direction is dropped: the accepted step is now part of
// the weights.
func (l *lbfgsLearner) evaluate(ctx context.Context) (p reporter.Progress, err error) {
	l.direction = nil
	l.alpha = 0
	p.AUC = float64(l.trainAUC)
	for i := l.ntrainBlks; i < l.ntrainBlks+l.nvalBlks; i++ {
		t, err := l.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return p, err
		}
		pos := colmapToPos(t.ColMap)
		pred := make([]float32, t.Data.Size)
		l.loss.Predict(t.Data, l.weights, pos, pred)
		p.Penalty += float64(metric.NewBinClass(t.Data.Label, pred).AUC())
		p.NRows += float64(t.Data.Size)
	}
	return p, nil
}

func colmapToPos(colmap []int32) []int {
	pos := make([]int, len(colmap))
	for i, c := range colmap {
		pos[i] = int(c)
	}
	return pos
}
