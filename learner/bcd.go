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
	"github.com/widefm/widefm/metric"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/tracker"
	"github.com/widefm/widefm/updater"
	bcdup "github.com/widefm/widefm/updater/bcd"
)

// bcdLearner runs block coordinate descent over a linear model. The
// prepare-data phase reads each worker's partition into persisted tiles
// and pushes per-feature counts; BuildFeatureMap filters tail features and
// freezes the kept set; each epoch then walks contiguous feature blocks,
// pushing (gradient, curvature) pairs and pulling back the weight deltas
// to keep worker-side predictions current.
type bcdLearner struct {
	env  *Env
	cfg  config.Learner
	ucfg config.Updater
	upd  *bcdup.Updater

	stopOnce sync.Once
	stopCh   chan struct{}

	// worker state across jobs
	mu      sync.Mutex
	tiles   *tile.Store
	builder *tile.Builder
	feaids  []feaid.ID // kept features, sorted
	feablks []blockRange
	preds   [][]float32
}

type blockRange struct{ lo, hi int }

func newBCD(env *Env) (*bcdLearner, error) {
	ucfg := env.Cfg.Updater
	// BCD trains the linear part only.
	ucfg.VDim = 0
	b := &bcdLearner{
		env:    env,
		cfg:    env.Cfg.Learner,
		ucfg:   ucfg,
		stopCh: make(chan struct{}),
	}
	if env.Role.IsServer() {
		b.upd = bcdup.New(ucfg)
		env.Store.SetUpdater(b.upd)
	}
	if env.Role.IsWorker() {
		b.tiles = tile.NewStore(blobstore.NewMemoryStore(), tile.CompressionLZ4, 4)
		b.builder = tile.NewBuilder(b.tiles)
	}
	rank := env.Store.Rank()
	if env.Role.IsWorker() {
		env.Tracker.Register(node.Encode(node.WorkerGroup, rank), b.workerProcess)
	}
	if env.Role.IsServer() {
		env.Tracker.Register(node.Encode(node.ServerGroup, rank), b.serverProcess)
	}
	return b, nil
}

func (b *bcdLearner) Run(ctx context.Context) error {
	if b.env.Role.IsScheduler() {
		return b.runScheduler(ctx)
	}
	select {
	case <-b.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bcdLearner) runScheduler(ctx context.Context) error {
	log := b.env.logger().WithRole("scheduler")
	tr := b.env.Tracker

	stats, err := tr.IssueAndWait(ctx, node.WorkerGroup, tracker.Job{Type: tracker.JobPrepareData})
	if err != nil {
		return err
	}
	log.Info("scanned data", "rows", stats[0], "blocks", stats[1], "nnz", stats[2])

	kept, err := tr.IssueAndWait(ctx, node.WorkerGroup, tracker.Job{Type: tracker.JobInitWorker})
	if err != nil {
		return err
	}
	log.Info("built feature map", "kept_features", kept[0], "tail_feature_filter", b.ucfg.TailFeatureFilter)

	var preObjv float64
	for k := 0; k < b.cfg.MaxNumEpochs; k++ {
		prog, err := tr.IssueAndWait(ctx, node.WorkerGroup,
			tracker.Job{Type: tracker.JobTrain, Epoch: k})
		if err != nil {
			return err
		}
		epoch := progressFromFloats(prog)
		log.WithEpoch(k).Info("training", "progress", epoch.TextString())

		if preObjv > 0 {
			eps := math.Abs(epoch.Loss-preObjv) / preObjv
			if eps < b.cfg.StopRelObjv {
				log.Info("objective converged", "eps", eps)
				break
			}
		}
		preObjv = epoch.Loss
	}

	if b.cfg.ModelOut != "" {
		if _, err := tr.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobSaveModel, Epoch: -1}); err != nil {
			return err
		}
	}
	return tr.Stop(ctx)
}

func (b *bcdLearner) workerProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	switch job.Type {
	case tracker.JobPrepareData:
		return b.prepareData(ctx)
	case tracker.JobInitWorker:
		return b.initWorker(ctx)
	case tracker.JobTrain:
		return b.iterateEpoch(ctx, job.Epoch)
	case tracker.JobStop:
		b.stopOnce.Do(func() { close(b.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: bcd worker got job %d", job.Type)
	}
}

func (b *bcdLearner) serverProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	switch job.Type {
	case tracker.JobSaveModel:
		name := modelName(b.cfg.ModelOut, job.Epoch, b.env.Store.Rank())
		w, err := b.env.Blobs.Create(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := b.upd.Save(w, false); err != nil {
			w.Close()
			return nil, err
		}
		return nil, w.Close()
	case tracker.JobStop:
		b.stopOnce.Do(func() { close(b.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: bcd server got job %d", job.Type)
	}
}

// prepareData reads the worker's partition into tiles and pushes feature
// counts to the servers.
func (b *bcdLearner) prepareData(ctx context.Context) ([]byte, error) {
	rd, err := data.NewReader(b.cfg.DataIn, b.cfg.DataFormat,
		b.env.Store.Rank(), b.env.Store.NumWorkers(),
		b.cfg.DataChunkSizeMB<<20, readerOpts(b.cfg)...)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var rows, nnz int64
	for rd.Next() {
		blk := rd.Value()
		rows += int64(blk.Size)
		nnz += blk.NNZ()
		if err := b.builder.Add(ctx, blk, true); err != nil {
			return nil, err
		}
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}

	ts, err := b.env.Store.Push(ctx, b.builder.FeaIDs(), updater.KFeaCount, b.builder.FeaCounts(), nil)
	if err != nil {
		return nil, err
	}
	if err := b.env.Store.Wait(ctx, ts); err != nil {
		return nil, err
	}
	return tracker.EncodeFloats([]float32{
		float32(rows), float32(b.builder.NumBlocks()), float32(nnz),
	}), nil
}

// initWorker pulls the merged counts, drops tail features, freezes the
// kept set, builds column maps and zeroes predictions.
func (b *bcdLearner) initWorker(ctx context.Context) ([]byte, error) {
	all := b.builder.FeaIDs()
	var counts []float32
	ts, err := b.env.Store.Pull(ctx, all, updater.KFeaCount, &counts, nil)
	if err != nil {
		return nil, err
	}
	if err := b.env.Store.Wait(ctx, ts); err != nil {
		return nil, err
	}

	kept := make([]feaid.ID, 0, len(all))
	for i, k := range all {
		if counts[i] > float32(b.ucfg.TailFeatureFilter) {
			kept = append(kept, k)
		}
	}
	b.mu.Lock()
	b.feaids = kept
	b.feablks = splitBlocks(len(kept), b.cfg.NumJobsPerEpoch)
	b.mu.Unlock()
	b.builder.BuildColmap(kept)

	b.preds = make([][]float32, b.builder.NumBlocks())
	for i := range b.preds {
		t, err := b.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return nil, err
		}
		b.preds[i] = make([]float32, t.Data.Size)
	}
	return tracker.EncodeFloats([]float32{float32(len(kept))}), nil
}

// splitBlocks cuts n features into contiguous blocks.
func splitBlocks(n, want int) []blockRange {
	if want <= 0 {
		want = 1
	}
	if want > n {
		want = n
	}
	var blks []blockRange
	for i := 0; i < want; i++ {
		lo := n * i / want
		hi := n * (i + 1) / want
		if lo < hi {
			blks = append(blks, blockRange{lo, hi})
		}
	}
	if len(blks) == 0 && n > 0 {
		blks = append(blks, blockRange{0, n})
	}
	return blks
}

// iterateEpoch walks every feature block: compute (g, h) over the block's
// features from the current predictions, push, pull the weight deltas and
// fold them back into the predictions.
func (b *bcdLearner) iterateEpoch(ctx context.Context, epoch int) ([]byte, error) {
	for _, blk := range b.feablks {
		keys := b.feaids[blk.lo:blk.hi]
		grad := make([]float32, 2*len(keys))
		if err := b.calcGrad(ctx, blk, grad); err != nil {
			return nil, err
		}
		ts, err := b.env.Store.Push(ctx, keys, updater.KGradient, grad, nil)
		if err != nil {
			return nil, err
		}
		if err := b.env.Store.Wait(ctx, ts); err != nil {
			return nil, err
		}

		var delta []float32
		ts, err = b.env.Store.Pull(ctx, keys, updater.KWeight, &delta, nil)
		if err != nil {
			return nil, err
		}
		if err := b.env.Store.Wait(ctx, ts); err != nil {
			return nil, err
		}
		if err := b.applyDelta(ctx, blk, delta); err != nil {
			return nil, err
		}
	}

	// Epoch objective and AUC over the refreshed predictions.
	var prog reporter.Progress
	for i := range b.preds {
		t, err := b.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return nil, err
		}
		m := metric.NewBinClass(t.Data.Label, b.preds[i])
		prog.NRows += float64(t.Data.Size)
		prog.Loss += float64(m.LogitObjv())
		prog.AUC += float64(m.AUC())
	}
	return tracker.EncodeFloats(progressToFloats(prog)), nil
}

// calcGrad accumulates first- and second-order terms per block feature:
// g_j = sum_i x_ij * dl/dpred_i, h_j = sum_i x_ij^2 * sigma(pred)(1-sigma).
func (b *bcdLearner) calcGrad(ctx context.Context, blk blockRange, grad []float32) error {
	for i := range b.preds {
		t, err := b.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return err
		}
		d := t.Data
		pred := b.preds[i]
		for row := 0; row < d.Size; row++ {
			var y float32 = -1
			if d.Label[row] > 0 {
				y = 1
			}
			sig := float32(1 / (1 + math.Exp(-float64(pred[row]))))
			dl := -y / (1 + float32(math.Exp(float64(y*pred[row]))))
			curv := sig * (1 - sig)
			for j := d.Offset[row]; j < d.Offset[row+1]; j++ {
				pos := int(t.ColMap[d.Index[j]])
				if pos < blk.lo || pos >= blk.hi {
					continue
				}
				var x float32 = 1
				if d.Value != nil {
					x = d.Value[j]
				}
				grad[2*(pos-blk.lo)] += x * dl
				grad[2*(pos-blk.lo)+1] += x * x * curv
			}
		}
	}
	return nil
}

// applyDelta folds the pulled weight changes into the predictions.
func (b *bcdLearner) applyDelta(ctx context.Context, blk blockRange, delta []float32) error {
	for i := range b.preds {
		t, err := b.tiles.Fetch(ctx, i, 0)
		if err != nil {
			return err
		}
		d := t.Data
		pred := b.preds[i]
		for row := 0; row < d.Size; row++ {
			for j := d.Offset[row]; j < d.Offset[row+1]; j++ {
				pos := int(t.ColMap[d.Index[j]])
				if pos < blk.lo || pos >= blk.hi {
					continue
				}
				var x float32 = 1
				if d.Value != nil {
					x = d.Value[j]
				}
				pred[row] += x * delta[pos-blk.lo]
			}
		}
	}
	return nil
}
