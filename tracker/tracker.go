package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/widefm/widefm/node"
)

// Executor runs one job on a node and returns its (possibly empty) result
// payload.
type Executor func(ctx context.Context, job Job) ([]byte, error)

// Monitor receives each retired job's result on the scheduler.
type Monitor func(nodeID int, ret []byte)

// pollEvery is the idle wait between checks for newly available parts.
const pollEvery = 100 * time.Millisecond

// livenessPollEvery is how often the dispatcher polls for dead nodes.
const livenessPollEvery = 2 * time.Second

// Tracker is the scheduler-side dispatcher. Nodes register an executor
// under their node id; groups address every registered node whose group
// mask matches.
//
// In a distributed deployment the executor registered for a remote node is
// a stub that forwards the job over the RPC collaborator and blocks for
// the answer; in local mode it is the node's job handler itself. The
// dispatch logic is the same either way.
type Tracker struct {
	pool *WorkloadPool

	mu        sync.Mutex
	executors map[int]Executor
	monitor   Monitor
	liveness  func() []int

	stopped chan struct{}
	wg      sync.WaitGroup
}

// New creates a tracker with the given workload pool.
func New(pool *WorkloadPool) *Tracker {
	t := &Tracker{
		pool:      pool,
		executors: make(map[int]Executor),
		stopped:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.monitorNodes()
	return t
}

// Register installs the executor for a node id.
func (t *Tracker) Register(nodeID int, ex Executor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executors[nodeID] = ex
}

// SetMonitor installs the per-job result sink.
func (t *Tracker) SetMonitor(m Monitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.monitor = m
}

// SetLiveness installs the dead-node probe; the tracker polls it every two
// seconds and returns dead nodes' parts to the pool.
func (t *Tracker) SetLiveness(probe func() []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.liveness = probe
}

// targets returns the registered node ids addressed by target (a node id
// or a group mask combination), in stable order.
func (t *Tracker) targets(target int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	if !node.IsGroup(target) {
		if _, ok := t.executors[target]; ok {
			ids = append(ids, target)
		}
		return ids
	}
	for id := range t.executors {
		if node.Group(id)&target != 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (t *Tracker) executor(id int) Executor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executors[id]
}

// IssueAndWait runs the job on every node addressed by target and blocks
// until all of them retire it. Result vectors are merged by componentwise
// addition, the convention every batched learner relies on.
func (t *Tracker) IssueAndWait(ctx context.Context, target int, job Job) ([]float32, error) {
	ids := t.targets(target)
	if len(ids) == 0 {
		return nil, fmt.Errorf("tracker: no nodes for target %d", target)
	}
	var (
		mu     sync.Mutex
		merged []float32
		wg     sync.WaitGroup
		first  error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ret, err := t.executor(id)(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if first == nil {
					first = fmt.Errorf("tracker: node %d: %w", id, err)
				}
				return
			}
			vals, err := DecodeFloats(ret)
			if err != nil {
				if first == nil {
					first = err
				}
				return
			}
			for len(merged) < len(vals) {
				merged = append(merged, 0)
			}
			for i, v := range vals {
				merged[i] += v
			}
		}(id)
	}
	wg.Wait()
	return merged, first
}

// StartDispatch splits an epoch into numParts parts and starts handing
// them to every registered worker. It returns immediately; use NumRemains
// or WaitDispatch to observe completion.
func (t *Tracker) StartDispatch(ctx context.Context, numParts int, jobType JobType, epoch int) {
	t.pool.Clear()
	t.pool.Add(numParts)
	for _, id := range t.targets(node.WorkerGroup) {
		t.wg.Add(1)
		go t.feedWorker(ctx, id, numParts, jobType, epoch)
	}
}

// feedWorker loops one worker over the pool until no parts remain. A Get
// miss with parts still outstanding means another worker holds them; keep
// polling, a straggler reassignment may hand them to us.
func (t *Tracker) feedWorker(ctx context.Context, id int, numParts int, jobType JobType, epoch int) {
	defer t.wg.Done()
	for {
		part := t.pool.Get(id)
		if part < 0 {
			if t.pool.NumRemains() == 0 {
				return
			}
			select {
			case <-time.After(pollEvery):
				continue
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			}
		}
		job := Job{Type: jobType, Epoch: epoch, PartIdx: part, NumParts: numParts}
		ex := t.executor(id)
		if ex == nil {
			t.pool.Reset(id)
			return
		}
		ret, err := ex(ctx, job)
		if err != nil {
			// The node failed this part; put it back and stop feeding the
			// node.
			t.pool.Reset(id)
			return
		}
		t.pool.Finish(id)
		t.mu.Lock()
		m := t.monitor
		t.mu.Unlock()
		if m != nil && len(ret) > 0 {
			m(id, ret)
		}
	}
}

// NumRemains counts parts not yet retired.
func (t *Tracker) NumRemains() int { return t.pool.NumRemains() }

// WaitDispatch blocks until every part of the current dispatch retired.
func (t *Tracker) WaitDispatch(ctx context.Context) error {
	for t.pool.NumRemains() > 0 {
		select {
		case <-time.After(pollEvery):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop drains remaining parts, then broadcasts a stop job to every server
// and worker. The two phases keep nodes alive until the last part retired.
func (t *Tracker) Stop(ctx context.Context) error {
	if err := t.WaitDispatch(ctx); err != nil {
		return err
	}
	_, err := t.IssueAndWait(ctx, node.ServerGroup|node.WorkerGroup, Job{Type: JobStop})
	close(t.stopped)
	t.wg.Wait()
	t.pool.Close()
	return err
}

func (t *Tracker) monitorNodes() {
	defer t.wg.Done()
	ticker := time.NewTicker(livenessPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			probe := t.liveness
			t.mu.Unlock()
			if probe == nil {
				continue
			}
			for _, id := range probe() {
				t.pool.Reset(id)
				t.mu.Lock()
				delete(t.executors, id)
				t.mu.Unlock()
			}
		case <-t.stopped:
			return
		}
	}
}
