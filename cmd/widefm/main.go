// Command widefm trains sparse factorization machines on a parameter
// server.
//
// Usage:
//
//	widefm config_file [key=value ...]
//
// The role comes from the WIDEFM_ROLE environment variable; without it the
// process runs scheduler, server and worker together, which is the mode
// for single-machine jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	widefm "github.com/widefm/widefm"
	"github.com/widefm/widefm/blobstore"
	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/data"
	"github.com/widefm/widefm/learner"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/store"
	"github.com/widefm/widefm/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "widefm:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: widefm config_file key1=val1 key2=val2 ...")
	}
	cfg, err := config.Load(os.Args[1], os.Args[2:])
	if err != nil {
		return err
	}
	logger := widefm.NewTextLogger(slog.LevelInfo)
	if unknown := cfg.Unknown(); len(unknown) > 0 {
		logger.Warn("unrecognized configuration keys", "keys", unknown)
	}

	role, err := node.RoleFromEnv()
	if err != nil {
		return err
	}
	ctx := context.Background()
	blobs := blobstore.NewLocalStore("")

	switch cfg.Task {
	case "train", "pred":
		return runTrain(ctx, cfg, logger.WithRole(role.String()), role, blobs)
	case "dump":
		return learner.NewDumper(cfg, blobs).Run(ctx)
	case "convert":
		if cfg.Learner.DataIn == "" {
			return fmt.Errorf("convert needs data_in")
		}
		out := cfg.Learner.ModelOut
		if out == "" {
			out = cfg.Learner.DataIn + ".rec"
		}
		return data.Convert(cfg.Learner.DataIn, out)
	default:
		return fmt.Errorf("unknown task %q", cfg.Task)
	}
}

// runTrain assembles the runtime for this process's role and runs the
// learner. The single-process mode wires scheduler, one server and one
// worker through the in-process store; multi-machine deployments plug the
// RPC transport in here instead.
func runTrain(ctx context.Context, cfg *config.Config, logger *widefm.Logger, role node.Role, blobs blobstore.BlobStore) error {
	if role != node.RoleLocal {
		return fmt.Errorf("distributed role %q needs an RPC transport binding; run without %s for the single-process mode", role, node.RoleEnv)
	}

	st := store.NewLocal()
	defer st.Close()
	// straggler_timeout is configured in milliseconds.
	timeout := time.Duration(cfg.Tracker.StragglerTimeout * float64(time.Millisecond))
	pool := tracker.NewWorkloadPool(cfg.Tracker.Shuffle, timeout, cfg.Updater.Seed)
	tr := tracker.New(pool)

	env := &learner.Env{
		Cfg:      cfg,
		Logger:   logger,
		Role:     role,
		Store:    st,
		Tracker:  tr,
		Reporter: reporter.NewLocal(node.Encode(node.ServerGroup, 0), float64(max(cfg.Learner.ReportInterval, 1))),
		Blobs:    blobs,
	}
	l, err := learner.New(env)
	if err != nil {
		return err
	}
	return l.Run(ctx)
}
