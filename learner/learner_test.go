package learner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/blobstore"
	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/internal/f32"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/store"
	"github.com/widefm/widefm/tracker"
	"github.com/widefm/widefm/updater"
)

func writeData(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.libfm")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func loadConfig(t *testing.T, overrides ...string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", overrides)
	require.NoError(t, err)
	return cfg
}

func localEnv(t *testing.T, cfg *config.Config, blobs blobstore.BlobStore) *Env {
	t.Helper()
	st := store.NewLocal()
	t.Cleanup(func() { st.Close() })
	tr := tracker.New(tracker.NewWorkloadPool(false, 0, 0))
	return &Env{
		Cfg:      cfg,
		Role:     node.RoleLocal,
		Store:    st,
		Tracker:  tr,
		Reporter: reporter.NewLocal(node.Encode(node.ServerGroup, 0), 1000),
		Blobs:    blobs,
	}
}

// Two-worker one-server SGD on the canonical three-row set, single worker
// variant: with a fixed part order the final signs are exact.
func TestSGDEndToEndSigns(t *testing.T) {
	dataIn := writeData(t, "1\t1:1 2:1\n-1\t2:1 3:1\n1\t1:1 3:1\n")
	blobs := blobstore.NewMemoryStore()
	cfg := loadConfig(t,
		"learner=sgd", "loss=fm", "v_dim=1", "field_num=1",
		"l1=0", "l2=0", "v_l2=0", "lr=0.1", "v_lr=0.1", "seed=0",
		"v_init_scale=0", "v_threshold=0", "max_num_epochs=1",
		"batch_size=1", "shuffle=1", "num_jobs_per_epoch=3",
		"reverse_feature_id=false", "report_interval=0",
		"data_in="+dataIn, "model_out=model")
	env := localEnv(t, cfg, blobs)
	l, err := newSGD(env)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	keys := []feaid.ID{1, 2, 3}
	var vals []float32
	var lens []int
	require.NoError(t, l.upd.Get(keys, updater.KWeight, &vals, &lens))
	require.Equal(t, []int{1, 1, 1}, lens)
	require.Greater(t, vals[0], float32(0), "feature 1 weight positive")
	require.Less(t, vals[2], float32(0), "feature 3 weight negative")

	// AUC on the training epoch is at least that of a random ranking.
	require.GreaterOrEqual(t, l.epochProg.AUC, 0.5*l.epochProg.NRows)
	require.Equal(t, float64(3), l.epochProg.NRows)

	// The final model was saved.
	names, err := blobs.List(context.Background(), "model")
	require.NoError(t, err)
	require.Equal(t, []string{"model_part-0"}, names)
}

// Dump with and without key reversal: the two key sets are each other's
// ReverseBytes image.
func TestDumpReversal(t *testing.T) {
	dataIn := writeData(t, "1\t1:1 2:1\n-1\t2:1 3:1\n1\t1:1 3:1\n")
	blobs := blobstore.NewMemoryStore()
	cfg := loadConfig(t,
		"learner=sgd", "loss=fm", "v_dim=1", "field_num=1",
		"l1=0", "l2=0", "v_l2=0", "lr=0.1", "seed=0", "v_init_scale=0",
		"max_num_epochs=1", "batch_size=1", "shuffle=1", "num_jobs_per_epoch=3",
		"report_interval=0",
		"data_in="+dataIn, "model_out=model")
	env := localEnv(t, cfg, blobs)
	l, err := newSGD(env)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	ctx := context.Background()
	dumpKeys := func(needReverse bool) []uint64 {
		dcfg := loadConfig(t, "learner=sgd", "v_dim=1", "field_num=1",
			"model_in=model", "name_dump=dump.txt",
			fmt.Sprintf("need_reverse=%v", needReverse))
		require.NoError(t, NewDumper(dcfg, blobs).Run(ctx))
		raw, err := blobstore.ReadAll(ctx, blobs, "dump.txt")
		require.NoError(t, err)
		var keys []uint64
		for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
			var k uint64
			_, err := fmt.Sscanf(line, "%d\t", &k)
			require.NoError(t, err)
			keys = append(keys, k)
		}
		return keys
	}

	stored := dumpKeys(false)
	restored := dumpKeys(true)
	require.Equal(t, len(stored), len(restored))
	got := map[uint64]bool{}
	for _, k := range stored {
		got[feaid.ReverseBytes(k)] = true
	}
	for _, k := range restored {
		require.True(t, got[k], "restored key %d is the reversal of a stored key", k)
	}
	// Ingest reversal was on, so restored keys are the original ones.
	for _, k := range restored {
		require.Contains(t, []uint64{1, 2, 3}, k)
	}
}

// Two workers and one server over the in-process transport: the epoch
// completes, the shared model learns feature 1, and merged training AUC
// beats a random ranking.
func TestSGDTwoWorkersOneServer(t *testing.T) {
	dataIn := writeData(t, "1\t1:1 2:1\n-1\t2:1 3:1\n1\t1:1 3:1\n")
	blobs := blobstore.NewMemoryStore()
	mkCfg := func() *config.Config {
		return loadConfig(t,
			"learner=sgd", "loss=fm", "v_dim=1", "field_num=1",
			"l1=0", "l2=0", "v_l2=0", "lr=0.1", "seed=0", "v_init_scale=0",
			"max_num_epochs=1", "batch_size=1", "shuffle=1", "num_jobs_per_epoch=3",
			"reverse_feature_id=false", "report_interval=0",
			"data_in="+dataIn)
	}

	net := store.NewLoopback()
	t.Cleanup(func() { net.Close() })
	tr := tracker.New(tracker.NewWorkloadPool(false, 0, 0))

	const numWorkers, numServers = 2, 1
	scfg := config.Store{}

	serverEnv := &Env{
		Cfg:  mkCfg(),
		Role: node.RoleServer,
		Store: store.NewServerSide(0, numWorkers, numServers, scfg,
			net.Endpoint(node.Encode(node.ServerGroup, 0))),
		Tracker: tr,
		Blobs:   blobs,
	}
	serverLearner, err := newSGD(serverEnv)
	require.NoError(t, err)

	for w := 0; w < numWorkers; w++ {
		env := &Env{
			Cfg:  mkCfg(),
			Role: node.RoleWorker,
			Store: store.NewDist(w, numWorkers, numServers,
				net.Endpoint(node.Encode(node.WorkerGroup, w))),
			Tracker: tr,
			Blobs:   blobs,
		}
		_, err := newSGD(env)
		require.NoError(t, err)
	}

	schedEnv := &Env{
		Cfg:  mkCfg(),
		Role: node.RoleScheduler,
		Store: store.NewDist(0, numWorkers, numServers,
			net.Endpoint(node.Scheduler)),
		Tracker:  tr,
		Reporter: reporter.NewLocal(node.Scheduler, 1000),
		Blobs:    blobs,
	}
	sched, err := newSGD(schedEnv)
	require.NoError(t, err)
	require.NoError(t, sched.Run(context.Background()))

	var vals []float32
	var lens []int
	require.NoError(t, serverLearner.upd.Get([]feaid.ID{1}, updater.KWeight, &vals, &lens))
	require.Equal(t, []int{1}, lens)
	require.Greater(t, vals[0], float32(0), "feature 1 weight positive")

	require.Equal(t, float64(3), sched.epochProg.NRows, "all three rows trained exactly once")
	require.GreaterOrEqual(t, sched.epochProg.AUC, 0.5*sched.epochProg.NRows)
}

// entropy of a Bernoulli(p), the optimal per-row logistic objective.
func bernoulliEntropy(p float64) float64 {
	return -(p*math.Log(p) + (1-p)*math.Log(1-p))
}

// L-BFGS on a separable convex problem with a known optimum: each feature
// appears alone in its rows with a fixed positive ratio, so the optimal
// objective is the summed label entropy.
func TestLBFGSConvergesOnConvexProblem(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	// 100 features, 10 rows each; every feature appears alone so the
	// optimum separates per feature.
	const numFeatures, rowsPerFeature = 100, 10
	var sb strings.Builder
	optimum := 0.0
	for f := 0; f < numFeatures; f++ {
		ratio := float64(f%9+1) / 10
		pos := int(math.Round(ratio * rowsPerFeature))
		labels := make([]int, rowsPerFeature)
		for i := 0; i < pos; i++ {
			labels[i] = 1
		}
		rng.Shuffle(len(labels), func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })
		for _, l := range labels {
			y := "-1"
			if l == 1 {
				y = "1"
			}
			fmt.Fprintf(&sb, "%s\t%d:1\n", y, f+1)
		}
		optimum += rowsPerFeature * bernoulliEntropy(ratio)
	}
	dataIn := writeData(t, sb.String())

	blobs := blobstore.NewMemoryStore()
	cfg := loadConfig(t,
		"learner=lbfgs", "l1=0", "l2=0", "m=10",
		"c1=1e-4", "c2=0.9", "rho=0.5", "alpha=1",
		"max_num_epochs=20", "max_num_linesearchs=10",
		"tail_feature_filter=0", "report_interval=0",
		"data_in="+dataIn, "model_out=model")
	env := localEnv(t, cfg, blobs)
	l, err := newLBFGS(env)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	// Recompute the final objective at the worker's weights.
	objv, err := l.calcGrad(context.Background())
	require.NoError(t, err)
	require.InEpsilon(t, optimum, float64(objv), 0.01,
		"objective within one percent of the optimum")
}

// Tail-filtered features never reach the saved model.
func TestBCDTailFilterEndToEnd(t *testing.T) {
	// Feature 7 appears 3 times, feature 8 ten times.
	var sb strings.Builder
	for i := 0; i < 3; i++ {
		sb.WriteString("1\t7:1 8:1\n")
	}
	for i := 0; i < 7; i++ {
		sb.WriteString("-1\t8:1\n")
	}
	dataIn := writeData(t, sb.String())

	blobs := blobstore.NewMemoryStore()
	cfg := loadConfig(t,
		"learner=bcd", "l1=0", "lr=0.9", "tail_feature_filter=4",
		"max_num_epochs=3", "num_jobs_per_epoch=1",
		"reverse_feature_id=false", "report_interval=0",
		"data_in="+dataIn, "model_out=model")
	env := localEnv(t, cfg, blobs)
	l, err := newBCD(env)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	raw, err := blobstore.ReadAll(context.Background(), blobs, "model_part-0")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.False(t, l.upd.Kept(7), "tail feature dropped")
	require.True(t, l.upd.Kept(8))

	// Binary model: header byte then (id uint64, size int32, w) entries;
	// feature 7 must not appear.
	body := raw[1:]
	require.Equal(t, 0, len(body)%16)
	for off := 0; off < len(body); off += 16 {
		var id uint64
		require.NoError(t, readLE(body[off:off+8], &id))
		require.NotEqual(t, uint64(7), id)
	}
}

func readLE(b []byte, out *uint64) error {
	if len(b) < 8 {
		return fmt.Errorf("short read")
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	*out = v
	return nil
}

// The vector-free coefficients reproduce the classical two-loop direction
// on explicit vectors.
func TestTwoLoopCoefficientsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const dim = 6
	randVec := func() []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		return v
	}
	s := [][]float32{randVec(), randVec()}
	y := make([][]float32, 2)
	for i := range y {
		// Keep s·y positive as a line search satisfying Wolfe would.
		y[i] = make([]float32, dim)
		copy(y[i], s[i])
		for j := range y[i] {
			y[i][j] += 0.1 * float32(rng.NormFloat64())
		}
	}
	g := randVec()

	// Reference: classical two-loop recursion.
	q := make([]float64, dim)
	for i := range g {
		q[i] = -float64(g[i])
	}
	dot := func(a, b []float32) float64 {
		var d float64
		for i := range a {
			d += float64(a[i]) * float64(b[i])
		}
		return d
	}
	k := len(s)
	alphas := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		rho := 1 / dot(s[i], y[i])
		var sq float64
		for j := range q {
			sq += float64(s[i][j]) * q[j]
		}
		alphas[i] = rho * sq
		for j := range q {
			q[j] -= alphas[i] * float64(y[i][j])
		}
	}
	scale := dot(s[k-1], y[k-1]) / dot(y[k-1], y[k-1])
	for j := range q {
		q[j] *= scale
	}
	for i := 0; i < k; i++ {
		rho := 1 / dot(s[i], y[i])
		var yq float64
		for j := range q {
			yq += float64(y[i][j]) * q[j]
		}
		beta := rho * yq
		for j := range q {
			q[j] += (alphas[i] - beta) * float64(s[i][j])
		}
	}

	// Vector-free: Gram matrix in, coefficients out, direction recombined.
	basis := append(append([][]float32{}, s...), y...)
	basis = append(basis, g)
	n := len(basis)
	gram := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			gram[i*n+j] = float32(dot(basis[i], basis[j]))
		}
	}
	coeff, err := twoLoopCoefficients(gram)
	require.NoError(t, err)
	p := make([]float32, dim)
	for i, b := range basis {
		f32.Axpy(coeff[i], b, p)
	}
	for j := 0; j < dim; j++ {
		require.InDelta(t, q[j], float64(p[j]), 1e-3, "coordinate %d", j)
	}
}
