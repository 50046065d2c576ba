package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	widefm "github.com/widefm/widefm"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Compile time check to ensure Dist satisfies the Store interface.
var _ Store = (*Dist)(nil)

// Dist is the worker-side store client. Every push or pull is split by the
// key-range partition, dispatched to the owning servers and reassembled in
// key order when the last sub-response arrives.
//
// Self-ordering: the transport preserves per-link send order and the
// server applies messages in arrival order, so a push followed by a pull
// from the same worker on the same keys is always answered after the push
// took effect.
type Dist struct {
	rank       int
	numWorkers int
	numServers int
	partition  *Partition
	transport  Transport

	mu      sync.Mutex
	nextTS  int
	pending map[int]*pendingCall

	upd updater.Updater
	rep reporter.Reporter
}

type pendingCall struct {
	remaining int
	done      chan struct{}
	acked     map[int]bool

	// Pull reassembly. Responses land keyed by server rank; order lists
	// the servers the request was split over, in key order.
	pull     bool
	vals     *[]float32
	lens     *[]int
	byServer map[int]*Message
	order    []int
	onDone   func()
}

// NewDist creates the worker client. The caller installs the returned
// client's handler on the worker's transport endpoint.
func NewDist(rank, numWorkers, numServers int, t Transport) *Dist {
	d := &Dist{
		rank:       rank,
		numWorkers: numWorkers,
		numServers: numServers,
		partition:  NewPartition(numServers),
		transport:  t,
		pending:    make(map[int]*pendingCall),
	}
	t.SetHandler(d.handle)
	return d
}

// NumWorkers returns the worker group size.
func (d *Dist) NumWorkers() int { return d.numWorkers }

// NumServers returns the server group size.
func (d *Dist) NumServers() int { return d.numServers }

// Rank returns this worker's rank.
func (d *Dist) Rank() int { return d.rank }

// SetUpdater records u for Updater; the Dist itself never invokes it, since
// pushes and pulls are applied on the servers.
func (d *Dist) SetUpdater(u updater.Updater) { d.upd = u }

// Updater returns the updater installed via SetUpdater, if any.
func (d *Dist) Updater() updater.Updater { return d.upd }

// SetReporter records the reporter; workers report through the tracker
// instead, so this is kept only for interface symmetry.
func (d *Dist) SetReporter(r reporter.Reporter) { d.rep = r }

// pushRetryInterval is how long an unacknowledged push waits before being
// resent. Servers deduplicate resends by timestamp, so a retry racing a
// slow ack is harmless.
var pushRetryInterval = 10 * time.Second

type addressedMessage struct {
	to  int
	msg *Message
}

// retryPush resends the sub-messages of a push until it completes.
func (d *Dist) retryPush(call *pendingCall, msgs []addressedMessage) {
	ticker := time.NewTicker(pushRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-call.done:
			return
		case <-ticker.C:
			for _, am := range msgs {
				d.transport.Send(am.to, am.msg)
			}
		}
	}
}

// Push splits the payload per server and returns its timestamp.
func (d *Dist) Push(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals []float32, lens []int, opts ...CallOption) (int, error) {
	if !feaid.IsSorted(keys) {
		return 0, fmt.Errorf("store: push: %w", widefm.ErrKeyOrder)
	}
	o := applyOptions(opts)
	cuts := d.partition.Split(keys)
	valCuts, err := valueCuts(keys, vals, lens, cuts)
	if err != nil {
		return 0, fmt.Errorf("store: push: %w", err)
	}

	d.mu.Lock()
	d.nextTS++
	ts := d.nextTS
	call := &pendingCall{
		remaining: countNonEmpty(cuts),
		done:      make(chan struct{}),
		onDone:    o.onComplete,
	}
	if call.remaining == 0 {
		close(call.done)
		if call.onDone != nil {
			go call.onDone()
		}
	}
	d.pending[ts] = call
	d.mu.Unlock()

	var sent []addressedMessage
	for srv := 0; srv < d.numServers; srv++ {
		lo, hi := cuts[srv], cuts[srv+1]
		if lo == hi {
			continue
		}
		m := &Message{
			Type:   MsgPush,
			TS:     ts,
			Sender: workerNodeID(d.rank),
			Kind:   kind,
			Keys:   keys[lo:hi],
			Vals:   vals[valCuts[srv]:valCuts[srv+1]],
		}
		if len(lens) > 0 {
			m.Lens = lens[lo:hi]
		}
		if err := d.transport.Send(serverNodeID(srv), m); err != nil {
			return 0, err
		}
		sent = append(sent, addressedMessage{to: serverNodeID(srv), msg: m})
	}
	if len(sent) > 0 {
		go d.retryPush(call, sent)
	}
	return ts, nil
}

// Pull requests values for keys; vals and lens are filled in key order
// before the timestamp completes.
func (d *Dist) Pull(ctx context.Context, keys []feaid.ID, kind updater.ValueKind, vals *[]float32, lens *[]int, opts ...CallOption) (int, error) {
	if !feaid.IsSorted(keys) {
		return 0, fmt.Errorf("store: pull: %w", widefm.ErrKeyOrder)
	}
	o := applyOptions(opts)
	cuts := d.partition.Split(keys)

	d.mu.Lock()
	d.nextTS++
	ts := d.nextTS
	call := &pendingCall{
		remaining: countNonEmpty(cuts),
		done:      make(chan struct{}),
		pull:      true,
		vals:      vals,
		lens:      lens,
		byServer:  make(map[int]*Message),
		onDone:    o.onComplete,
	}
	for srv := 0; srv < d.numServers; srv++ {
		if cuts[srv] != cuts[srv+1] {
			call.order = append(call.order, srv)
		}
	}
	if call.remaining == 0 {
		*vals = nil
		if lens != nil {
			*lens = nil
		}
		close(call.done)
		if call.onDone != nil {
			go call.onDone()
		}
	}
	d.pending[ts] = call
	d.mu.Unlock()

	for srv := 0; srv < d.numServers; srv++ {
		lo, hi := cuts[srv], cuts[srv+1]
		if lo == hi {
			continue
		}
		m := &Message{
			Type:   MsgPull,
			TS:     ts,
			Sender: workerNodeID(d.rank),
			Kind:   kind,
			Keys:   keys[lo:hi],
		}
		if err := d.transport.Send(serverNodeID(srv), m); err != nil {
			return 0, err
		}
	}
	return ts, nil
}

// handle consumes acks and pull responses from servers. Duplicate
// responses from retried messages count once.
func (d *Dist) handle(m *Message) {
	d.mu.Lock()
	call, ok := d.pending[m.TS]
	if !ok {
		d.mu.Unlock()
		return
	}
	rank := senderRank(m.Sender)
	if call.acked == nil {
		call.acked = make(map[int]bool)
	}
	if call.acked[rank] {
		d.mu.Unlock()
		return
	}
	call.acked[rank] = true
	if call.pull && m.Type == MsgPullResp {
		call.byServer[rank] = m
	}
	call.remaining--
	finished := call.remaining == 0
	if finished {
		if call.pull {
			assemblePull(call)
		}
		delete(d.pending, m.TS)
	}
	d.mu.Unlock()
	if finished {
		close(call.done)
		if call.onDone != nil {
			call.onDone()
		}
	}
}

// assemblePull concatenates the per-server responses in range order, which
// is key order because ranges are contiguous and ascending.
func assemblePull(call *pendingCall) {
	var vals []float32
	var lens []int
	haveLens := false
	for _, srv := range call.order {
		resp := call.byServer[srv]
		vals = append(vals, resp.Vals...)
		if len(resp.Lens) > 0 {
			haveLens = true
		}
		lens = append(lens, resp.Lens...)
	}
	*call.vals = vals
	if call.lens != nil {
		if haveLens {
			*call.lens = lens
		} else {
			*call.lens = nil
		}
	}
}

// Wait blocks until the given timestamp completed.
func (d *Dist) Wait(ctx context.Context, ts int) error {
	d.mu.Lock()
	call, ok := d.pending[ts]
	d.mu.Unlock()
	if !ok {
		return nil // already finished
	}
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is a no-op; the transport owns the connections.
func (d *Dist) Close() error { return nil }

func countNonEmpty(cuts []int) int {
	n := 0
	for i := 0; i+1 < len(cuts); i++ {
		if cuts[i] != cuts[i+1] {
			n++
		}
	}
	return n
}

// valueCuts maps key cuts onto value offsets, honoring variable lengths.
func valueCuts(keys []feaid.ID, vals []float32, lens []int, cuts []int) ([]int, error) {
	out := make([]int, len(cuts))
	if len(lens) == 0 {
		if len(keys) == 0 {
			return out, nil
		}
		if len(vals)%len(keys) != 0 {
			return nil, fmt.Errorf("%d values over %d keys", len(vals), len(keys))
		}
		k := len(vals) / len(keys)
		for i, c := range cuts {
			out[i] = c * k
		}
		return out, nil
	}
	if len(lens) != len(keys) {
		return nil, fmt.Errorf("%d lens for %d keys", len(lens), len(keys))
	}
	prefix := make([]int, len(keys)+1)
	for i, l := range lens {
		prefix[i+1] = prefix[i] + l
	}
	if prefix[len(keys)] != len(vals) {
		return nil, fmt.Errorf("lens sum %d, %d values", prefix[len(keys)], len(vals))
	}
	for i, c := range cuts {
		out[i] = prefix[c]
	}
	return out, nil
}
