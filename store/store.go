// Package store implements the parameter store: the push/pull transport
// between workers and the sharded server-side model.
//
// Workers drive the store. Push and Pull are asynchronous: they return a
// timestamp immediately and complete in the background; Wait blocks until a
// timestamp is acknowledged, and an OnComplete option delivers a callback
// instead. Keys must always be unique and sorted in non-decreasing order.
//
// Servers run the mirror side: every push invokes the installed updater's
// Update, every pull its Get. Consistency across workers is the server's
// concern; see Server for the bounded-staleness mode.
package store

import (
	"context"

	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Store is the worker-facing interface of the parameter store.
type Store interface {
	// Push sends (keys, vals, lens) of the given kind to the owning
	// servers and returns a timestamp.
	Push(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int, opts ...CallOption) (int, error)
	// Pull requests the values for keys. vals and lens are written before
	// the operation is acknowledged; the caller must not read them until
	// Wait returns or the OnComplete callback fires.
	Pull(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int, opts ...CallOption) (int, error)
	// Wait blocks until the operation with the given timestamp finished.
	Wait(ctx context.Context, ts int) error

	NumWorkers() int
	NumServers() int
	// Rank is this node's 0-based rank within its group.
	Rank() int

	// SetUpdater installs the server-side model; required on servers.
	SetUpdater(u updater.Updater)
	// Updater returns the installed model.
	Updater() updater.Updater
	// SetReporter installs the server-to-scheduler progress channel.
	SetReporter(r reporter.Reporter)

	Close() error
}

// reportEvery is how many server-side updates pass between two progress
// reports to the scheduler.
const reportEvery = 50

type callOptions struct {
	onComplete func()
}

// CallOption configures a single Push or Pull.
type CallOption func(*callOptions)

// WithOnComplete registers a callback invoked once the operation is
// acknowledged. The callback runs on a store-owned goroutine and must not
// block for long.
func WithOnComplete(fn func()) CallOption {
	return func(o *callOptions) { o.onComplete = fn }
}

func applyOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
