// Package learner orchestrates training: what jobs an epoch issues, in
// what order, and when to stop.
//
// One Learner instance runs per process. On the scheduler it drives the
// epoch loop; on workers and servers it registers job executors with the
// tracker and performs the work those jobs describe. In local mode a
// single instance plays all three roles.
package learner

import (
	"context"
	"fmt"
	"time"

	widefm "github.com/widefm/widefm"
	"github.com/widefm/widefm/blobstore"
	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/store"
	"github.com/widefm/widefm/tracker"
)

// Learner runs a training job to completion.
type Learner interface {
	Run(ctx context.Context) error
}

// Env is the construction context of a learner: everything role-dependent
// is decided once at start-up and passed in.
type Env struct {
	Cfg      *config.Config
	Logger   *widefm.Logger
	Role     node.Role
	Store    store.Store
	Tracker  *tracker.Tracker
	Reporter *reporter.Local
	// Blobs stores model files; model_in/model_out are names inside it.
	Blobs blobstore.BlobStore
}

func (e *Env) logger() *widefm.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return widefm.NoopLogger()
}

// New creates a learner by the configured kind: sgd, bcd or lbfgs.
func New(env *Env) (Learner, error) {
	switch env.Cfg.Learner.Kind {
	case "sgd":
		return newSGD(env)
	case "bcd":
		return newBCD(env)
	case "lbfgs":
		return newLBFGS(env)
	default:
		return nil, fmt.Errorf("learner: unknown learner %q", env.Cfg.Learner.Kind)
	}
}

// modelName is the per-server file name of a saved model.
func modelName(prefix string, epoch, rank int) string {
	name := prefix
	if epoch >= 0 {
		name += fmt.Sprintf("_iter-%d", epoch)
	}
	return fmt.Sprintf("%s_part-%d", name, rank)
}

// progressToFloats flattens a progress record into a job return vector.
func progressToFloats(p reporter.Progress) []float32 {
	return []float32{
		float32(p.NRows), float32(p.Loss), float32(p.AUC),
		float32(p.Penalty), float32(p.NnzW),
	}
}

func progressFromFloats(v []float32) reporter.Progress {
	var p reporter.Progress
	if len(v) >= 5 {
		p = reporter.Progress{
			NRows: float64(v[0]), Loss: float64(v[1]), AUC: float64(v[2]),
			Penalty: float64(v[3]), NnzW: float64(v[4]),
		}
	}
	return p
}

// readerOpts maps the learner config onto reader options.
func readerOpts(cfg config.Learner) []data.ReaderOption {
	if cfg.ReverseFeatureID {
		return []data.ReaderOption{data.WithReverseIDs()}
	}
	return nil
}

// waitRemains polls the tracker until the dispatch drained, printing a
// progress line every reportInterval seconds during training.
func waitRemains(ctx context.Context, t *tracker.Tracker, interval time.Duration, onTick func()) error {
	for t.NumRemains() > 0 {
		select {
		case <-time.After(interval):
			if onTick != nil {
				onTick()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
