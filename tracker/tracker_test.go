package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/node"
)

func TestJobCodec(t *testing.T) {
	j := Job{Type: JobLineSearch, Epoch: 3, PartIdx: 7, NumParts: 16, Value: []float32{0.5, -1}}
	got, err := DecodeJob(j.Encode())
	require.NoError(t, err)
	require.Equal(t, j, got)

	_, err = DecodeJob([]byte{1, 2})
	require.Error(t, err)
}

func TestFloatsCodec(t *testing.T) {
	vals := []float32{1, -2.5, 3}
	got, err := DecodeFloats(EncodeFloats(vals))
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestPoolAssignFinish(t *testing.T) {
	p := NewWorkloadPool(false, 0, 0)
	defer p.Close()
	p.Add(3)
	require.Equal(t, 3, p.NumRemains())

	require.Equal(t, 0, p.Get(1))
	require.Equal(t, 1, p.Get(2))
	p.Finish(1)
	require.Equal(t, 2, p.NumRemains())

	// A dead node's part returns to the pool.
	p.Reset(2)
	require.Equal(t, 1, p.Get(1))
	require.Equal(t, 2, p.Get(1))
	require.Equal(t, -1, p.Get(2))
	p.Finish(1)
	require.Equal(t, 0, p.NumRemains())
}

func TestPoolDuplicateFinishIdempotent(t *testing.T) {
	p := NewWorkloadPool(false, 0, 0)
	defer p.Close()
	p.Add(1)
	require.Equal(t, 0, p.Get(1))
	p.Finish(1)
	p.Finish(1)
	require.Equal(t, 0, p.NumRemains())
}

func TestPoolStragglerTimeout(t *testing.T) {
	p := NewWorkloadPool(false, 50*time.Millisecond, 0)
	defer p.Close()
	p.Add(1)
	require.Equal(t, 0, p.Get(1))
	require.Equal(t, -1, p.Get(2), "part held elsewhere")

	time.Sleep(60 * time.Millisecond)
	p.removeStragglers()
	require.Equal(t, 0, p.Get(2), "straggling part reassigned")

	// The straggler eventually finishes too; both completions are fine.
	p.Finish(1)
	p.Finish(2)
	require.Equal(t, 0, p.NumRemains())
}

func newTestTracker() *Tracker {
	return New(NewWorkloadPool(false, 0, 0))
}

func TestDispatchAllParts(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	var mu sync.Mutex
	got := map[int][]int{}
	for w := 0; w < 2; w++ {
		id := node.Encode(node.WorkerGroup, w)
		tr.Register(id, func(ctx context.Context, job Job) ([]byte, error) {
			if job.Type == JobStop {
				return nil, nil
			}
			mu.Lock()
			got[id] = append(got[id], job.PartIdx)
			mu.Unlock()
			return EncodeFloats([]float32{1}), nil
		})
	}
	tr.Register(node.Encode(node.ServerGroup, 0), func(ctx context.Context, job Job) ([]byte, error) {
		return nil, nil
	})

	var monitored atomic.Int64
	tr.SetMonitor(func(nodeID int, ret []byte) { monitored.Add(1) })

	tr.StartDispatch(ctx, 8, JobTrain, 0)
	require.NoError(t, tr.WaitDispatch(ctx))

	mu.Lock()
	seen := map[int]bool{}
	for _, parts := range got {
		for _, p := range parts {
			seen[p] = true
		}
	}
	mu.Unlock()
	require.Len(t, seen, 8, "every part dispatched")
	require.Equal(t, int64(8), monitored.Load())
	require.NoError(t, tr.Stop(ctx))
}

func TestIssueAndWaitMergesByAddition(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	for s := 0; s < 3; s++ {
		rank := s
		tr.Register(node.Encode(node.ServerGroup, s), func(ctx context.Context, job Job) ([]byte, error) {
			return EncodeFloats([]float32{1, float32(rank)}), nil
		})
	}
	got, err := tr.IssueAndWait(ctx, node.ServerGroup, Job{Type: JobInitServer})
	require.NoError(t, err)
	require.Equal(t, []float32{3, 3}, got)
}

func TestStragglerReassignmentCompletesEpoch(t *testing.T) {
	// Scenario: 4 parts, 2 workers, worker B hangs on its first part. The
	// straggler timeout returns B's part to the pool and A finishes the
	// epoch; B's late completion is ignored.
	pool := NewWorkloadPool(false, 200*time.Millisecond, 0)
	tr := New(pool)
	ctx := context.Background()

	idA := node.Encode(node.WorkerGroup, 0)
	idB := node.Encode(node.WorkerGroup, 1)
	var aParts atomic.Int64
	tr.Register(idA, func(ctx context.Context, job Job) ([]byte, error) {
		if job.Type == JobStop {
			return nil, nil
		}
		aParts.Add(1)
		time.Sleep(10 * time.Millisecond)
		return EncodeFloats([]float32{1}), nil
	})
	blockB := make(chan struct{})
	var bCalls atomic.Int64
	tr.Register(idB, func(ctx context.Context, job Job) ([]byte, error) {
		if job.Type == JobStop {
			return nil, nil
		}
		if bCalls.Add(1) == 1 {
			<-blockB // straggle
		}
		return EncodeFloats([]float32{1}), nil
	})

	start := time.Now()
	tr.StartDispatch(ctx, 4, JobTrain, 0)

	// Drive straggler scans ourselves so the test does not wait for the
	// 2-second ticker.
	deadline := time.After(10 * time.Second)
	for tr.NumRemains() > 0 {
		pool.removeStragglers()
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("epoch did not complete")
		}
	}
	require.Less(t, time.Since(start), 10*time.Second)
	require.GreaterOrEqual(t, aParts.Load(), int64(3), "A picked up the reassigned part")

	close(blockB) // B's duplicate completion must be harmless
	require.Equal(t, 0, tr.NumRemains())
}

func TestLivenessResetsDeadNodeParts(t *testing.T) {
	p := NewWorkloadPool(false, 0, 0)
	tr := New(p)
	p.Add(2)
	dead := node.Encode(node.WorkerGroup, 1)
	require.Equal(t, 0, p.Get(dead))

	var fired atomic.Bool
	tr.SetLiveness(func() []int {
		if fired.Swap(true) {
			return nil
		}
		return []int{dead}
	})
	require.Eventually(t, func() bool {
		return p.Get(node.Encode(node.WorkerGroup, 0)) == 0
	}, 5*time.Second, 50*time.Millisecond, "dead node's part returned to the pool")
}
