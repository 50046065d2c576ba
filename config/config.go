// Package config loads widefm configuration from a key=value properties
// file plus command-line overrides.
//
// Every option lives in one flat key space; each component picks the keys it
// understands. Keys no component recognizes are collected and reported as a
// warning, never a failure.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Config is the parsed, typed view of a widefm run configuration.
type Config struct {
	Task    string
	Learner Learner
	Updater Updater
	Store   Store
	Tracker Tracker
	Dump    Dump
	Runtime Runtime

	unknown []string
}

// Learner holds options consumed by the epoch loop.
type Learner struct {
	Kind       string // sgd, bcd, lbfgs
	Loss       string // logit, fm, ffm
	DataIn     string
	DataVal    string
	DataFormat string // libfm, rec
	// ReverseFeatureID spreads parsed IDs over the key space on ingest.
	ReverseFeatureID bool
	ModelIn          string
	ModelOut         string
	PredOut          string
	PredProb         bool

	MaxNumEpochs    int
	LoadEpoch       int
	BatchSize       int
	Shuffle         int
	NegSampling     float64
	NumJobsPerEpoch int
	ReportInterval  int
	StopRelObjv     float64
	StopValAUC      float64
	HasAux          bool

	// L-BFGS specific.
	M                int
	C1               float64
	C2               float64
	Rho              float64
	Alpha            float64
	InitAlpha        float64
	MaxNumLinesearch int
	MinNumEpochs     int
	DataChunkSizeMB  int
}

// Updater holds options consumed by the server-side model.
type Updater struct {
	L1                float64
	L2                float64
	VL2               float64
	LR                float64
	LRBeta            float64
	VLR               float64
	VLRBeta           float64
	VInitScale        float64
	VThreshold        int
	VDim              int
	FieldNum          int
	Seed              int64
	TailFeatureFilter int
}

// Store holds options consumed by the parameter store.
type Store struct {
	SyncMode bool
	MaxDelay int
}

// Tracker holds options consumed by the workload pool.
type Tracker struct {
	Shuffle          bool
	StragglerTimeout float64 // milliseconds; 0 disables the fixed bound
}

// Dump holds options for the model-dump task.
type Dump struct {
	ModelIn     string
	NameDump    string
	NeedReverse bool
	DumpAux     bool
}

// Runtime holds process-level options.
type Runtime struct {
	NumWorkers  int
	NumServers  int
	NumThreads  int
	BlkNThreads int
}

var knownKeys = []string{
	"task", "learner", "loss",
	"data_in", "data_val", "data_format", "reverse_feature_id", "model_in", "model_out",
	"pred_out", "pred_prob",
	"max_num_epochs", "load_epoch", "batch_size", "shuffle", "neg_sampling",
	"num_jobs_per_epoch", "report_interval", "stop_rel_objv", "stop_val_auc",
	"has_aux",
	"m", "c1", "c2", "rho", "alpha", "init_alpha", "max_num_linesearchs",
	"min_num_epochs", "data_chunk_size",
	"l1", "l2", "v_l2", "lr", "lr_beta", "v_lr", "v_lr_beta",
	"v_init_scale", "v_threshold", "v_dim", "field_num", "seed",
	"tail_feature_filter",
	"sync_mode", "max_delay",
	"straggler_timeout",
	"name_dump", "need_reverse", "dump_aux",
	"num_workers", "num_servers", "nthreads", "blk_nthreads",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("task", "train")
	v.SetDefault("learner", "sgd")
	v.SetDefault("loss", "ffm")
	v.SetDefault("data_format", "libfm")
	v.SetDefault("reverse_feature_id", true)
	v.SetDefault("pred_prob", true)
	v.SetDefault("max_num_epochs", 20)
	v.SetDefault("load_epoch", -1)
	v.SetDefault("batch_size", 100)
	v.SetDefault("shuffle", 10)
	v.SetDefault("neg_sampling", 1.0)
	v.SetDefault("num_jobs_per_epoch", 10)
	v.SetDefault("report_interval", 1)
	v.SetDefault("stop_rel_objv", 1e-6)
	v.SetDefault("stop_val_auc", 1e-5)
	v.SetDefault("has_aux", false)

	v.SetDefault("m", 10)
	v.SetDefault("c1", 1e-4)
	v.SetDefault("c2", 0.9)
	v.SetDefault("rho", 0.5)
	v.SetDefault("alpha", 1.0)
	v.SetDefault("init_alpha", 0.0)
	v.SetDefault("max_num_linesearchs", 10)
	v.SetDefault("min_num_epochs", 0)
	v.SetDefault("data_chunk_size", 256)

	v.SetDefault("l1", 1.0)
	v.SetDefault("l2", 0.0)
	v.SetDefault("v_l2", 0.01)
	v.SetDefault("lr", 0.01)
	v.SetDefault("lr_beta", 1.0)
	v.SetDefault("v_lr", 0.01)
	v.SetDefault("v_lr_beta", 1.0)
	v.SetDefault("v_init_scale", 1.0)
	v.SetDefault("v_threshold", 0)
	v.SetDefault("v_dim", 4)
	v.SetDefault("field_num", 1)
	v.SetDefault("seed", 0)
	v.SetDefault("tail_feature_filter", 4)

	v.SetDefault("sync_mode", false)
	v.SetDefault("max_delay", 0)

	v.SetDefault("straggler_timeout", 0.0)

	v.SetDefault("name_dump", "dump.txt")
	v.SetDefault("need_reverse", false)
	v.SetDefault("dump_aux", false)

	v.SetDefault("num_workers", 1)
	v.SetDefault("num_servers", 1)
	v.SetDefault("nthreads", 2)
	v.SetDefault("blk_nthreads", 2)
}

// Load reads the properties file at path (optional, may be empty) and
// overlays key=value overrides, typically argv[2:].
func Load(path string, overrides []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	for _, kv := range overrides {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed override %q, want key=value", kv)
		}
		v.Set(strings.TrimSpace(key), strings.TrimSpace(val))
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Task: v.GetString("task"),
		Learner: Learner{
			Kind:             v.GetString("learner"),
			Loss:             v.GetString("loss"),
			DataIn:           v.GetString("data_in"),
			DataVal:          v.GetString("data_val"),
			DataFormat:       v.GetString("data_format"),
			ReverseFeatureID: v.GetBool("reverse_feature_id"),
			ModelIn:          v.GetString("model_in"),
			ModelOut:         v.GetString("model_out"),
			PredOut:          v.GetString("pred_out"),
			PredProb:         v.GetBool("pred_prob"),
			MaxNumEpochs:     v.GetInt("max_num_epochs"),
			LoadEpoch:        v.GetInt("load_epoch"),
			BatchSize:        v.GetInt("batch_size"),
			Shuffle:          v.GetInt("shuffle"),
			NegSampling:      v.GetFloat64("neg_sampling"),
			NumJobsPerEpoch:  v.GetInt("num_jobs_per_epoch"),
			ReportInterval:   v.GetInt("report_interval"),
			StopRelObjv:      v.GetFloat64("stop_rel_objv"),
			StopValAUC:       v.GetFloat64("stop_val_auc"),
			HasAux:           v.GetBool("has_aux"),
			M:                v.GetInt("m"),
			C1:               v.GetFloat64("c1"),
			C2:               v.GetFloat64("c2"),
			Rho:              v.GetFloat64("rho"),
			Alpha:            v.GetFloat64("alpha"),
			InitAlpha:        v.GetFloat64("init_alpha"),
			MaxNumLinesearch: v.GetInt("max_num_linesearchs"),
			MinNumEpochs:     v.GetInt("min_num_epochs"),
			DataChunkSizeMB:  v.GetInt("data_chunk_size"),
		},
		Updater: Updater{
			L1:                v.GetFloat64("l1"),
			L2:                v.GetFloat64("l2"),
			VL2:               v.GetFloat64("v_l2"),
			LR:                v.GetFloat64("lr"),
			LRBeta:            v.GetFloat64("lr_beta"),
			VLR:               v.GetFloat64("v_lr"),
			VLRBeta:           v.GetFloat64("v_lr_beta"),
			VInitScale:        v.GetFloat64("v_init_scale"),
			VThreshold:        v.GetInt("v_threshold"),
			VDim:              v.GetInt("v_dim"),
			FieldNum:          v.GetInt("field_num"),
			Seed:              v.GetInt64("seed"),
			TailFeatureFilter: v.GetInt("tail_feature_filter"),
		},
		Store: Store{
			SyncMode: v.GetBool("sync_mode"),
			MaxDelay: v.GetInt("max_delay"),
		},
		Tracker: Tracker{
			Shuffle:          v.GetBool("shuffle") || v.GetInt("shuffle") > 0,
			StragglerTimeout: v.GetFloat64("straggler_timeout"),
		},
		Dump: Dump{
			ModelIn:     v.GetString("model_in"),
			NameDump:    v.GetString("name_dump"),
			NeedReverse: v.GetBool("need_reverse"),
			DumpAux:     v.GetBool("dump_aux"),
		},
		Runtime: Runtime{
			NumWorkers:  v.GetInt("num_workers"),
			NumServers:  v.GetInt("num_servers"),
			NumThreads:  v.GetInt("nthreads"),
			BlkNThreads: v.GetInt("blk_nthreads"),
		},
	}

	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}
	for _, k := range v.AllKeys() {
		if !known[k] {
			cfg.unknown = append(cfg.unknown, k)
		}
	}
	sort.Strings(cfg.unknown)
	return cfg
}

// Unknown returns the configuration keys no component recognized.
func (c *Config) Unknown() []string { return c.unknown }
