package store

import (
	"context"
	"fmt"
	"sync"

	widefm "github.com/widefm/widefm"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Compile time check to ensure Local satisfies the Store interface.
var _ Store = (*Local)(nil)

// Local is the single-process store: one in-memory shard, the updater
// invoked on a dedicated goroutine. Operations are applied in issue order,
// which trivially gives the per-worker push-then-pull guarantee.
type Local struct {
	upd updater.Updater
	rep reporter.Reporter

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []localOp
	nextTS int
	doneTS int
	closed bool

	wake chan struct{}
	wg   sync.WaitGroup

	updates int
}

type localOp struct {
	ts   int
	push bool
	kind updater.ValueKind
	keys []feaid.ID
	vals []float32
	lens []int

	outVals *[]float32
	outLens *[]int
	onDone  func()
}

// NewLocal creates a local store.
func NewLocal() *Local {
	l := &Local{wake: make(chan struct{}, 1)}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.run()
	return l
}

// NumWorkers returns 1: local mode is one combined process.
func (l *Local) NumWorkers() int { return 1 }

// NumServers returns 1.
func (l *Local) NumServers() int { return 1 }

// Rank returns 0.
func (l *Local) Rank() int { return 0 }

// SetUpdater installs the model.
func (l *Local) SetUpdater(u updater.Updater) { l.upd = u }

// Updater returns the installed model.
func (l *Local) Updater() updater.Updater { return l.upd }

// SetReporter installs the progress channel.
func (l *Local) SetReporter(r reporter.Reporter) { l.rep = r }

func (l *Local) enqueue(op localOp) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, widefm.ErrStopped
	}
	l.nextTS++
	op.ts = l.nextTS
	l.queue = append(l.queue, op)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return op.ts, nil
}

// Push applies the payload to the updater asynchronously.
func (l *Local) Push(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int, opts ...CallOption) (int, error) {
	if !feaid.IsSorted(keys) {
		return 0, fmt.Errorf("store: push: %w", widefm.ErrKeyOrder)
	}
	o := applyOptions(opts)
	return l.enqueue(localOp{push: true, kind: kind, keys: keys, vals: vals, lens: lens, onDone: o.onComplete})
}

// Pull fills vals and lens asynchronously.
func (l *Local) Pull(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int, opts ...CallOption) (int, error) {
	if !feaid.IsSorted(keys) {
		return 0, fmt.Errorf("store: pull: %w", widefm.ErrKeyOrder)
	}
	o := applyOptions(opts)
	return l.enqueue(localOp{kind: kind, keys: keys, outVals: vals, outLens: lens, onDone: o.onComplete})
}

func (l *Local) run() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		op := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.apply(op)

		l.mu.Lock()
		l.doneTS = op.ts
		l.cond.Broadcast()
		l.mu.Unlock()
		if op.onDone != nil {
			op.onDone()
		}
	}
}

func (l *Local) apply(op localOp) {
	if op.push {
		if err := l.upd.Update(op.keys, op.kind, op.vals, op.lens); err != nil {
			panic(fmt.Sprintf("store: local: %v", err))
		}
		l.updates++
		if l.rep != nil && l.updates >= reportEvery {
			l.updates = 0
			l.rep.Report(l.upd.Report())
		}
		return
	}
	var lens []int
	var vals []float32
	if err := l.upd.Get(op.keys, op.kind, &vals, &lens); err != nil {
		panic(fmt.Sprintf("store: local: %v", err))
	}
	*op.outVals = vals
	if op.outLens != nil {
		*op.outLens = lens
	}
}

// Wait blocks until the operation with timestamp ts completed.
func (l *Local) Wait(ctx context.Context, ts int) error {
	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		for l.doneTS < ts && !l.closed {
			l.cond.Wait()
		}
		l.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Leave the helper goroutine to finish on its own; it holds no
		// resources beyond the condition wait.
		return ctx.Err()
	}
}

// Close drains the queue and stops the apply goroutine.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.wg.Wait()
	return nil
}
