package store

import (
	"fmt"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/node"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

func senderRank(id int) int { return node.Rank(id) }

func serverNodeID(rank int) int { return node.Encode(node.ServerGroup, rank) }

func workerNodeID(rank int) int { return node.Encode(node.WorkerGroup, rank) }

// Server is the model-shard side of the store. It consumes push and pull
// messages from the transport, invokes the installed updater and answers
// over the same transport.
//
// In bounded-staleness mode the server keeps one vector clock of push
// counts and one of pull counts per worker. A worker running more than
// maxDelay logical rounds ahead of the slowest one has its messages
// buffered; each time the lagging workers catch up (a clock's global value
// reaches the fastest local value) the opposite buffer drains. This
// linearizes all pushes of one round before any pull of that round is
// answered.
type Server struct {
	rank       int
	numWorkers int
	cfg        config.Store
	transport  Transport
	updater    updater.Updater
	reporter   reporter.Reporter

	pushClocks *VectorClock
	pullClocks *VectorClock
	// numWaitedPush counts buffered pushes per worker so pulls queue
	// behind their own worker's delayed pushes.
	numWaitedPush []int
	pushBuf       []*Message
	pullBuf       []*Message

	// seenPush remembers the highest applied push timestamp per worker so
	// retried pushes are not applied twice.
	seenPush map[int]int

	updates int
}

// NewServer creates a server shard handler. The caller must install the
// returned handler on the transport endpoint of this server's node id.
func NewServer(rank, numWorkers int, cfg config.Store, t Transport, u updater.Updater, r reporter.Reporter) *Server {
	s := &Server{
		rank:       rank,
		numWorkers: numWorkers,
		cfg:        cfg,
		transport:  t,
		updater:    u,
		reporter:   r,
		seenPush:   make(map[int]int),
	}
	if cfg.SyncMode {
		s.pushClocks = NewVectorClock(numWorkers)
		s.pullClocks = NewVectorClock(numWorkers)
		s.numWaitedPush = make([]int, numWorkers)
	}
	t.SetHandler(s.Handle)
	return s
}

// Handle processes one message. The transport invokes it from a single
// goroutine, so server-side state needs no further locking.
func (s *Server) Handle(m *Message) {
	switch m.Type {
	case MsgPush:
		s.onPush(m)
	case MsgPull:
		s.onPull(m)
	}
}

func (s *Server) onPush(m *Message) {
	if !s.cfg.SyncMode {
		s.handlePush(m)
		return
	}
	sender := senderRank(m.Sender)
	if s.pullClocks.Local(sender) > s.pullClocks.Global()+s.cfg.MaxDelay {
		s.pushBuf = append(s.pushBuf, m)
		s.numWaitedPush[sender]++
		return
	}
	s.handlePush(m)
	if s.pushClocks.Update(sender) {
		for len(s.pullBuf) > 0 {
			buffered := s.pullBuf[0]
			s.pullBuf = s.pullBuf[1:]
			s.handlePull(buffered)
			s.pullClocks.Update(senderRank(buffered.Sender))
		}
	}
}

func (s *Server) onPull(m *Message) {
	if !s.cfg.SyncMode {
		s.handlePull(m)
		return
	}
	sender := senderRank(m.Sender)
	if s.pushClocks.Local(sender) > s.pushClocks.Global()+s.cfg.MaxDelay ||
		s.numWaitedPush[sender] > 0 {
		s.pullBuf = append(s.pullBuf, m)
		return
	}
	s.handlePull(m)
	if s.pullClocks.Update(sender) {
		for len(s.pushBuf) > 0 {
			buffered := s.pushBuf[0]
			s.pushBuf = s.pushBuf[1:]
			s.handlePush(buffered)
			rank := senderRank(buffered.Sender)
			s.pushClocks.Update(rank)
			s.numWaitedPush[rank]--
		}
	}
}

func (s *Server) handlePush(m *Message) {
	if last, ok := s.seenPush[m.Sender]; ok && m.TS <= last {
		// Retried push already applied; just re-acknowledge.
		s.ack(m)
		return
	}
	if err := s.updater.Update(m.Keys, m.Kind, m.Vals, m.Lens); err != nil {
		// Precondition faults are programmer bugs; surface loudly.
		panic(fmt.Sprintf("store: server %d: %v", s.rank, err))
	}
	s.seenPush[m.Sender] = m.TS
	s.ack(m)
	s.updates++
	if s.reporter != nil && s.updates >= reportEvery {
		s.updates = 0
		s.reporter.Report(s.updater.Report())
	}
}

func (s *Server) ack(m *Message) {
	s.transport.Send(m.Sender, &Message{
		Type:   MsgPushAck,
		TS:     m.TS,
		Sender: serverNodeID(s.rank),
	})
}

func (s *Server) handlePull(m *Message) {
	resp := &Message{
		Type:   MsgPullResp,
		TS:     m.TS,
		Sender: serverNodeID(s.rank),
		Kind:   m.Kind,
		Keys:   m.Keys,
	}
	if err := s.updater.Get(m.Keys, m.Kind, &resp.Vals, &resp.Lens); err != nil {
		panic(fmt.Sprintf("store: server %d: %v", s.rank, err))
	}
	s.transport.Send(m.Sender, resp)
}
