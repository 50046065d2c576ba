package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/updater"
)

// cluster wires numWorkers Dist clients and numServers Servers over a
// Loopback network.
type cluster struct {
	net     *Loopback
	workers []*Dist
	ups     []*countingUpdater
}

func newCluster(t *testing.T, numWorkers, numServers int, cfg config.Store) *cluster {
	t.Helper()
	c := &cluster{net: NewLoopback()}
	for s := 0; s < numServers; s++ {
		up := newCountingUpdater()
		c.ups = append(c.ups, up)
		ep := c.net.Endpoint(node.Encode(node.ServerGroup, s))
		NewServer(s, numWorkers, cfg, ep, up, nil)
	}
	for w := 0; w < numWorkers; w++ {
		ep := c.net.Endpoint(node.Encode(node.WorkerGroup, w))
		c.workers = append(c.workers, NewDist(w, numWorkers, numServers, ep))
	}
	t.Cleanup(func() { c.net.Close() })
	return c
}

func TestDistPushPull(t *testing.T) {
	c := newCluster(t, 1, 3, config.Store{})
	w := c.workers[0]
	ctx := context.Background()

	keys := []feaid.ID{1, 1 << 62, 1 << 63, ^feaid.ID(0) - 1}
	ts, err := w.Push(ctx, keys, updater.KFeaCount, []float32{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts))

	var vals []float32
	var lens []int
	ts, err = w.Pull(ctx, keys, updater.KFeaCount, &vals, &lens)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts))
	require.Equal(t, []float32{1, 2, 3, 4}, vals, "reassembled in key order")
}

func TestDistKeyOrderFault(t *testing.T) {
	c := newCluster(t, 1, 1, config.Store{})
	_, err := c.workers[0].Push(context.Background(), []feaid.ID{5, 1}, updater.KFeaCount, []float32{1, 1}, nil)
	require.Error(t, err)
}

func TestDistSelfOrdering(t *testing.T) {
	// A pull issued after a push on the same worker observes the push,
	// regardless of server-side pipelining.
	c := newCluster(t, 1, 1, config.Store{})
	w := c.workers[0]
	ctx := context.Background()
	keys := []feaid.ID{42}

	for i := 0; i < 20; i++ {
		_, err := w.Push(ctx, keys, updater.KFeaCount, []float32{1}, nil)
		require.NoError(t, err)
		var vals []float32
		ts, err := w.Pull(ctx, keys, updater.KFeaCount, &vals, nil)
		require.NoError(t, err)
		require.NoError(t, w.Wait(ctx, ts))
		require.Equal(t, float32(i+1), vals[0])
	}
}

func TestDistOnCompleteCallback(t *testing.T) {
	c := newCluster(t, 1, 2, config.Store{})
	done := make(chan struct{})
	_, err := c.workers[0].Push(context.Background(), []feaid.ID{1, 1 << 63}, updater.KFeaCount,
		[]float32{1, 1}, nil, WithOnComplete(func() { close(done) }))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push callback never fired")
	}
}

func TestDistRetryDeduplicated(t *testing.T) {
	c := newCluster(t, 1, 1, config.Store{})
	w := c.workers[0]
	ctx := context.Background()
	keys := []feaid.ID{7}

	ts, err := w.Push(ctx, keys, updater.KFeaCount, []float32{1}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts))

	// Simulate a transport-level retry of the same timestamp.
	retry := &Message{
		Type:   MsgPush,
		TS:     ts,
		Sender: node.Encode(node.WorkerGroup, 0),
		Kind:   updater.KFeaCount,
		Keys:   keys,
		Vals:   []float32{1},
	}
	require.NoError(t, w.transport.Send(node.Encode(node.ServerGroup, 0), retry))

	var vals []float32
	ts, err = w.Pull(ctx, keys, updater.KFeaCount, &vals, nil)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts))
	require.Equal(t, float32(1), vals[0], "duplicate push applied once")
}

// flakyTransport drops the first n outgoing pushes.
type flakyTransport struct {
	Transport
	drop int
}

func (f *flakyTransport) Send(to int, m *Message) error {
	if m.Type == MsgPush && f.drop > 0 {
		f.drop--
		return nil
	}
	return f.Transport.Send(to, m)
}

func TestPushRetriedAfterTimeout(t *testing.T) {
	old := pushRetryInterval
	pushRetryInterval = 50 * time.Millisecond
	defer func() { pushRetryInterval = old }()

	net := NewLoopback()
	t.Cleanup(func() { net.Close() })
	up := newCountingUpdater()
	NewServer(0, 1, config.Store{}, net.Endpoint(node.Encode(node.ServerGroup, 0)), up, nil)

	flaky := &flakyTransport{Transport: net.Endpoint(node.Encode(node.WorkerGroup, 0)), drop: 1}
	w := NewDist(0, 1, 1, flaky)
	ctx := context.Background()

	ts, err := w.Push(ctx, []feaid.ID{5}, updater.KFeaCount, []float32{1}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts), "retry delivers the dropped push")

	var vals []float32
	ts, err = w.Pull(ctx, []feaid.ID{5}, updater.KFeaCount, &vals, nil)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx, ts))
	require.Equal(t, float32(1), vals[0], "applied exactly once")
}

func TestBSPPullBlocksOnPeerPush(t *testing.T) {
	// sync_mode with max_delay=0 and two workers: worker A's pull issued
	// after its own push must not be answered until worker B's push of the
	// same round landed.
	c := newCluster(t, 2, 1, config.Store{SyncMode: true})
	ctx := context.Background()
	keys := []feaid.ID{1}

	a, b := c.workers[0], c.workers[1]

	_, err := a.Push(ctx, keys, updater.KFeaCount, []float32{1}, nil)
	require.NoError(t, err)

	var vals []float32
	pullTS, err := a.Pull(ctx, keys, updater.KFeaCount, &vals, nil)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.Error(t, a.Wait(shortCtx, pullTS), "pull must stay blocked behind the missing push")

	// B's delayed push unblocks the round.
	_, err = b.Push(ctx, keys, updater.KFeaCount, []float32{10}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Wait(ctx, pullTS))
	require.Equal(t, float32(11), vals[0], "pull reflects both pushes of the round")
}

func TestBSPRoundOrdering(t *testing.T) {
	// Both workers run two full push+pull rounds; every pull must observe
	// a round-aligned value (all pushes of its round applied first).
	c := newCluster(t, 2, 1, config.Store{SyncMode: true})
	ctx := context.Background()
	keys := []feaid.ID{3}

	var wg sync.WaitGroup
	results := make([][]float32, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			st := c.workers[w]
			for round := 0; round < 2; round++ {
				_, err := st.Push(ctx, keys, updater.KFeaCount, []float32{1}, nil)
				require.NoError(t, err)
				var vals []float32
				ts, err := st.Pull(ctx, keys, updater.KFeaCount, &vals, nil)
				require.NoError(t, err)
				require.NoError(t, st.Wait(ctx, ts))
				results[w] = append(results[w], vals[0])
			}
		}(w)
	}
	wg.Wait()
	for w := 0; w < 2; w++ {
		require.Equal(t, []float32{2, 4}, results[w], "worker %d sees round-aligned state", w)
	}
}

func TestLocalStoreOrdering(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	up := newCountingUpdater()
	l.SetUpdater(up)
	ctx := context.Background()
	keys := []feaid.ID{9}

	_, err := l.Push(ctx, keys, updater.KFeaCount, []float32{5}, nil)
	require.NoError(t, err)
	var vals []float32
	ts, err := l.Pull(ctx, keys, updater.KFeaCount, &vals, nil)
	require.NoError(t, err)
	require.NoError(t, l.Wait(ctx, ts))
	require.Equal(t, float32(5), vals[0])
}
