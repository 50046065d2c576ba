package learner

import (
	"context"
	"fmt"
	"strings"

	"github.com/widefm/widefm/blobstore"
	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/updater"
	bcdup "github.com/widefm/widefm/updater/bcd"
	lbfgsup "github.com/widefm/widefm/updater/lbfgs"
	sgdup "github.com/widefm/widefm/updater/sgd"
)

// Dumper converts saved binary model parts into the readable text form,
// one output per part, optionally reversing the stored keys back to the
// original feature IDs.
type Dumper struct {
	cfg   *config.Config
	blobs blobstore.BlobStore
}

// NewDumper creates a dumper reading and writing through blobs.
func NewDumper(cfg *config.Config, blobs blobstore.BlobStore) *Dumper {
	return &Dumper{cfg: cfg, blobs: blobs}
}

func (d *Dumper) newUpdater() (updater.Updater, error) {
	switch d.cfg.Learner.Kind {
	case "sgd":
		return sgdup.New(d.cfg.Updater)
	case "bcd":
		return bcdup.New(d.cfg.Updater), nil
	case "lbfgs":
		return lbfgsup.New(d.cfg.Updater, d.cfg.Learner.M), nil
	default:
		return nil, fmt.Errorf("learner: dump: unknown learner %q", d.cfg.Learner.Kind)
	}
}

// Run loads every model part under model_in and writes the matching dump
// files.
func (d *Dumper) Run(ctx context.Context) error {
	if d.cfg.Dump.ModelIn == "" {
		return fmt.Errorf("learner: dump needs model_in")
	}
	parts, err := d.partNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range parts {
		upd, err := d.newUpdater()
		if err != nil {
			return err
		}
		blob, err := d.blobs.Open(ctx, name)
		if err != nil {
			return err
		}
		err = upd.Load(newBlobReader(blob))
		blob.Close()
		if err != nil {
			return err
		}

		out := d.cfg.Dump.NameDump
		if len(parts) > 1 {
			out = fmt.Sprintf("%s%s", out, name[strings.LastIndex(name, "_part-"):])
		}
		w, err := d.blobs.Create(ctx, out)
		if err != nil {
			return err
		}
		if err := upd.Dump(w, d.cfg.Dump.DumpAux, d.cfg.Dump.NeedReverse); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// partNames expands model_in: an exact blob name stands alone, otherwise
// every "<model_in>_part-*" blob matches.
func (d *Dumper) partNames(ctx context.Context) ([]string, error) {
	if _, err := d.blobs.Open(ctx, d.cfg.Dump.ModelIn); err == nil {
		return []string{d.cfg.Dump.ModelIn}, nil
	}
	names, err := d.blobs.List(ctx, d.cfg.Dump.ModelIn+"_part-")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("learner: no model parts under %q", d.cfg.Dump.ModelIn)
	}
	return names, nil
}
