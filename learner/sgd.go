package learner

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/loss"
	"github.com/widefm/widefm/metric"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/sarray"
	"github.com/widefm/widefm/tracker"
	"github.com/widefm/widefm/updater"
	sgdup "github.com/widefm/widefm/updater/sgd"
)

// maxInflightBatches bounds how many mini-batches a worker keeps in its
// pull/compute/push pipeline; the reader stalls beyond it.
const maxInflightBatches = 2

// sgdLearner runs stochastic training: each epoch is split into
// numWorkers*numJobsPerEpoch parts, each part streamed as mini-batches
// through an asynchronous pull-compute-push pipeline.
type sgdLearner struct {
	env  *Env
	cfg  config.Learner
	ucfg config.Updater
	loss loss.Loss
	upd  *sgdup.Updater // nil on a pure worker

	stopOnce sync.Once
	stopCh   chan struct{}

	mu        sync.Mutex
	epochProg reporter.Progress
	liveProg  reporter.Progress
	startTime time.Time
}

func newSGD(env *Env) (*sgdLearner, error) {
	lcfg := env.Cfg.Learner
	ls, err := loss.New(lcfg.Loss, loss.Config{
		VDim:     env.Cfg.Updater.VDim,
		FieldNum: env.Cfg.Updater.FieldNum,
	})
	if err != nil {
		return nil, err
	}
	s := &sgdLearner{
		env:    env,
		cfg:    lcfg,
		ucfg:   env.Cfg.Updater,
		loss:   ls,
		stopCh: make(chan struct{}),
	}
	if env.Role.IsServer() {
		s.upd, err = sgdup.New(env.Cfg.Updater)
		if err != nil {
			return nil, err
		}
		if env.Reporter != nil {
			env.Store.SetReporter(env.Reporter)
		}
		env.Store.SetUpdater(s.upd)
	}
	if env.Role.IsScheduler() && env.Reporter != nil {
		env.Reporter.SetMonitor(func(_ int, p reporter.Progress) {
			s.mu.Lock()
			s.liveProg.Merge(p)
			s.mu.Unlock()
		})
	}
	rank := env.Store.Rank()
	if env.Role.IsWorker() {
		env.Tracker.Register(node.Encode(node.WorkerGroup, rank), s.workerProcess)
	}
	if env.Role.IsServer() {
		env.Tracker.Register(node.Encode(node.ServerGroup, rank), s.serverProcess)
	}
	return s, nil
}

// Run drives the scheduler loop, or waits for the stop broadcast on a
// worker or server.
func (s *sgdLearner) Run(ctx context.Context) error {
	if s.env.Role.IsScheduler() {
		return s.runScheduler(ctx)
	}
	select {
	case <-s.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sgdLearner) runScheduler(ctx context.Context) error {
	log := s.env.logger().WithRole("scheduler")
	s.startTime = time.Now()
	k := 0

	if s.cfg.ModelIn != "" {
		epoch := -1
		if s.cfg.LoadEpoch >= 0 {
			epoch = s.cfg.LoadEpoch
			k = s.cfg.LoadEpoch + 1
		}
		log.Info("loading model", "model_in", s.cfg.ModelIn, "epoch", epoch)
		if _, err := s.env.Tracker.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobLoadModel, Epoch: epoch}); err != nil {
			return err
		}
	}

	if s.env.Cfg.Task == "pred" {
		if s.cfg.ModelIn == "" {
			return fmt.Errorf("learner: prediction needs model_in")
		}
		prog, err := s.runEpoch(ctx, 0, tracker.JobPrediction)
		if err != nil {
			return err
		}
		log.Info("prediction finished", "rows", prog.NRows)
		return s.env.Tracker.Stop(ctx)
	}

	var preLoss, preValAUC float64
	for ; k < s.cfg.MaxNumEpochs; k++ {
		train, err := s.runEpoch(ctx, k, tracker.JobTrain)
		if err != nil {
			return err
		}
		log.WithEpoch(k).Info("training", "progress", train.TextString())

		var val reporter.Progress
		if s.cfg.DataVal != "" {
			if val, err = s.runEpoch(ctx, k, tracker.JobValidation); err != nil {
				return err
			}
			log.WithEpoch(k).Info("validation", "progress", val.TextString())
		}

		if preLoss > 0 {
			eps := math.Abs(train.Loss-preLoss) / preLoss
			if eps < s.cfg.StopRelObjv {
				log.Info("loss converged", "eps", eps, "stop_rel_objv", s.cfg.StopRelObjv)
				break
			}
		}
		if val.AUC > 0 && val.NRows > 0 {
			eps := (val.AUC - preValAUC) / val.NRows
			if eps < s.cfg.StopValAUC {
				log.Info("validation AUC converged", "eps", eps, "stop_val_auc", s.cfg.StopValAUC)
				break
			}
		}
		preLoss = train.Loss
		preValAUC = val.AUC
	}

	if s.cfg.ModelOut != "" {
		log.Info("saving model", "model_out", s.cfg.ModelOut)
		if _, err := s.env.Tracker.IssueAndWait(ctx, node.ServerGroup,
			tracker.Job{Type: tracker.JobSaveModel, Epoch: -1}); err != nil {
			return err
		}
	}
	return s.env.Tracker.Stop(ctx)
}

func (s *sgdLearner) runEpoch(ctx context.Context, epoch int, jobType tracker.JobType) (reporter.Progress, error) {
	s.mu.Lock()
	s.epochProg.Reset()
	s.mu.Unlock()
	s.env.Tracker.SetMonitor(func(_ int, ret []byte) {
		vals, err := tracker.DecodeFloats(ret)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.epochProg.Merge(progressFromFloats(vals))
		s.mu.Unlock()
	})

	n := s.env.Store.NumWorkers() * s.cfg.NumJobsPerEpoch
	s.env.Tracker.StartDispatch(ctx, n, jobType, epoch)

	interval := time.Duration(s.cfg.ReportInterval) * time.Second
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	log := s.env.logger().WithRole("scheduler").WithEpoch(epoch)
	err := waitRemains(ctx, s.env.Tracker, interval, func() {
		if jobType != tracker.JobTrain {
			return
		}
		s.mu.Lock()
		live := s.liveProg
		s.liveProg.Reset()
		s.mu.Unlock()
		if !live.IsZero() {
			log.Info("progress",
				"elapsed", time.Since(s.startTime).Round(time.Second),
				"report", live.TextString())
		}
	})
	s.mu.Lock()
	prog := s.epochProg
	s.mu.Unlock()
	return prog, err
}

// workerProcess executes one dispatched job on a worker.
func (s *sgdLearner) workerProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	switch job.Type {
	case tracker.JobTrain, tracker.JobValidation, tracker.JobPrediction:
		prog, err := s.iterateData(ctx, job)
		if err != nil {
			return nil, err
		}
		return tracker.EncodeFloats(progressToFloats(prog)), nil
	case tracker.JobStop:
		s.stopOnce.Do(func() { close(s.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: worker got job %d", job.Type)
	}
}

// serverProcess executes model management jobs on a server.
func (s *sgdLearner) serverProcess(ctx context.Context, job tracker.Job) ([]byte, error) {
	rank := s.env.Store.Rank()
	switch job.Type {
	case tracker.JobLoadModel:
		name := modelName(s.cfg.ModelIn, job.Epoch, rank)
		raw, err := s.env.Blobs.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("learner: load model %s: %w", name, err)
		}
		defer raw.Close()
		return nil, s.upd.Load(newBlobReader(raw))
	case tracker.JobSaveModel:
		name := modelName(s.cfg.ModelOut, job.Epoch, rank)
		w, err := s.env.Blobs.Create(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := s.upd.Save(w, s.cfg.HasAux); err != nil {
			w.Close()
			return nil, err
		}
		return nil, w.Close()
	case tracker.JobEvaluation:
		var prog reporter.Progress
		s.upd.Evaluate(&prog)
		return tracker.EncodeFloats(progressToFloats(prog)), nil
	case tracker.JobStop:
		s.stopOnce.Do(func() { close(s.stopCh) })
		return nil, nil
	default:
		return nil, fmt.Errorf("learner: server got job %d", job.Type)
	}
}

// iterateData streams one workload part: read a mini-batch, localize it,
// pull weights, compute loss and gradient, push the gradient. At most
// maxInflightBatches batches are in flight; the reader blocks beyond that.
func (s *sgdLearner) iterateData(ctx context.Context, job tracker.Job) (reporter.Progress, error) {
	train := job.Type == tracker.JobTrain
	uri := s.cfg.DataIn
	if job.Type == tracker.JobValidation {
		uri = s.cfg.DataVal
	}

	rd, err := data.NewReader(uri, s.cfg.DataFormat, job.PartIdx, job.NumParts,
		s.cfg.DataChunkSizeMB<<20, readerOpts(s.cfg)...)
	if err != nil {
		return reporter.Progress{}, err
	}
	var next func() (*data.RowBlock[uint64], bool)
	if train {
		br := data.NewBatchReader(rd, s.cfg.BatchSize, s.cfg.Shuffle, s.cfg.NegSampling,
			s.ucfg.Seed+int64(job.PartIdx))
		defer br.Close()
		next = func() (*data.RowBlock[uint64], bool) {
			if !br.Next() {
				return nil, false
			}
			return br.Value(), true
		}
	} else {
		defer rd.Close()
		next = func() (*data.RowBlock[uint64], bool) {
			if !rd.Next() {
				return nil, false
			}
			return rd.Value(), true
		}
	}

	pushCnt := train && job.Epoch == 0

	var (
		progMu   sync.Mutex
		prog     reporter.Progress
		predOut  []predRow
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflightBatches)

	for {
		raw, ok := next()
		if !ok {
			break
		}
		blk, feaids := data.Localizer{}.Compact(raw, nil)

		if pushCnt {
			counts := make([]float32, len(feaids))
			for _, idx := range blk.Index {
				counts[idx]++
			}
			ts, err := s.env.Store.Push(gctx, feaids, updater.KFeaCount, counts, nil)
			if err != nil {
				firstErr = err
				break
			}
			if err := s.env.Store.Wait(gctx, ts); err != nil {
				firstErr = err
				break
			}
		}

		batch := batchJob{typ: job.Type, blk: blk, feaids: feaids}
		g.Go(func() error {
			rows, err := s.processBatch(gctx, batch, train, &progMu, &prog)
			if err != nil {
				return err
			}
			if job.Type == tracker.JobPrediction && s.cfg.PredOut != "" {
				progMu.Lock()
				predOut = append(predOut, rows...)
				progMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return prog, err
	}
	if firstErr != nil {
		return prog, firstErr
	}
	if err := rd.Err(); err != nil {
		return prog, err
	}
	if job.Type == tracker.JobPrediction && s.cfg.PredOut != "" {
		if err := s.savePred(predOut); err != nil {
			return prog, err
		}
	}
	return prog, nil
}

type batchJob struct {
	typ    tracker.JobType
	blk    *data.RowBlock[uint32]
	feaids []feaid.ID
}

type predRow struct {
	label float32
	pred  float32
}

// processBatch pulls weights for the batch's keys, evaluates the loss and,
// for training, pushes the gradient back. The job retires only after the
// push is acknowledged.
func (s *sgdLearner) processBatch(ctx context.Context, b batchJob, train bool,
	progMu *sync.Mutex, prog *reporter.Progress) ([]predRow, error) {
	var vals []float32
	var lens []int
	ts, err := s.env.Store.Pull(ctx, b.feaids, updater.KWeight, &vals, &lens)
	if err != nil {
		return nil, err
	}
	if err := s.env.Store.Wait(ctx, ts); err != nil {
		return nil, err
	}

	weights := sarray.Wrap(vals)
	pos := positionsFromLens(b.feaids, vals, lens)
	pred := make([]float32, b.blk.Size)
	s.loss.Predict(b.blk, weights.Data(), pos, pred)

	objv := s.loss.Evaluate(b.blk.Label, pred)
	auc := metric.NewBinClass(b.blk.Label, pred).AUC()

	batchProg := reporter.Progress{
		NRows: float64(b.blk.Size),
		Loss:  float64(objv),
		AUC:   float64(auc),
	}
	progMu.Lock()
	prog.Merge(batchProg)
	progMu.Unlock()

	if train {
		if s.env.Reporter != nil {
			s.env.Reporter.Report(batchProg)
		}
		grads := sarray.New[float32](weights.Len())
		s.loss.CalcGrad(b.blk, weights.Data(), pos, pred, grads.Data())
		ts, err := s.env.Store.Push(ctx, b.feaids, updater.KGradient, grads.Data(), lens)
		if err != nil {
			return nil, err
		}
		if err := s.env.Store.Wait(ctx, ts); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rows := make([]predRow, b.blk.Size)
	for i := range rows {
		rows[i] = predRow{label: b.blk.Label[i], pred: pred[i]}
	}
	return rows, nil
}

// positionsFromLens turns per-key value lengths into block start offsets
// for the loss kernels; -1 marks unmaterialized keys. Empty lens means a
// uniform length.
func positionsFromLens(keys []feaid.ID, vals []float32, lens []int) []int {
	pos := make([]int, len(keys))
	if len(lens) == 0 {
		k := 0
		if len(keys) > 0 {
			k = len(vals) / len(keys)
		}
		for i := range pos {
			pos[i] = i * k
		}
		return pos
	}
	off := 0
	for i, l := range lens {
		if l == 0 {
			pos[i] = -1
			continue
		}
		pos[i] = off
		off += l
	}
	return pos
}

// savePred writes one "label<TAB>prediction" line per row to
// pred_out_part-<rank>, as a probability unless pred_prob is off.
func (s *sgdLearner) savePred(rows []predRow) error {
	name := fmt.Sprintf("%s_part-%d", s.cfg.PredOut, s.env.Store.Rank())
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	for _, r := range rows {
		p := r.pred
		if s.cfg.PredProb {
			p = float32(1 / (1 + math.Exp(-float64(r.pred))))
		}
		if _, err := fmt.Fprintf(f, "%g\t%g\n", r.label, p); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// newBlobReader adapts a blobstore.Blob to io.Reader for model loads.
func newBlobReader(b interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}) *blobReader {
	return &blobReader{b: b}
}

type blobReader struct {
	b interface {
		ReadAt(p []byte, off int64) (int, error)
		Size() int64
	}
	off int64
}

func (r *blobReader) Read(p []byte) (int, error) {
	n, err := r.b.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}
