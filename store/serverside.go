package store

import (
	"context"
	"fmt"

	"github.com/widefm/widefm/config"
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
	"github.com/widefm/widefm/updater"
)

// Compile time check to ensure ServerSide satisfies the Store interface.
var _ Store = (*ServerSide)(nil)

// ServerSide is the Store as seen from a server process: it hosts the
// shard handler and answers metadata queries, but never pushes or pulls
// itself.
type ServerSide struct {
	rank       int
	numWorkers int
	numServers int
	cfg        config.Store
	transport  Transport

	upd updater.Updater
	rep reporter.Reporter
	srv *Server
}

// NewServerSide creates the server-role store. The shard handler starts
// once SetUpdater installs the model.
func NewServerSide(rank, numWorkers, numServers int, cfg config.Store, t Transport) *ServerSide {
	return &ServerSide{
		rank:       rank,
		numWorkers: numWorkers,
		numServers: numServers,
		cfg:        cfg,
		transport:  t,
	}
}

// NumWorkers returns the worker group size.
func (s *ServerSide) NumWorkers() int { return s.numWorkers }

// NumServers returns the server group size.
func (s *ServerSide) NumServers() int { return s.numServers }

// Rank returns this server's rank.
func (s *ServerSide) Rank() int { return s.rank }

// SetUpdater installs the model and starts serving.
func (s *ServerSide) SetUpdater(u updater.Updater) {
	s.upd = u
	s.srv = NewServer(s.rank, s.numWorkers, s.cfg, s.transport, u, s.rep)
}

// Updater returns the installed model.
func (s *ServerSide) Updater() updater.Updater { return s.upd }

// SetReporter installs the progress channel; call before SetUpdater.
func (s *ServerSide) SetReporter(r reporter.Reporter) { s.rep = r }

// Push is not available on servers.
func (s *ServerSide) Push(context.Context, []feaid.ID, updater.ValueKind, []float32, []int, ...CallOption) (int, error) {
	return 0, fmt.Errorf("store: push from a server node")
}

// Pull is not available on servers.
func (s *ServerSide) Pull(context.Context, []feaid.ID, updater.ValueKind, *[]float32, *[]int, ...CallOption) (int, error) {
	return 0, fmt.Errorf("store: pull from a server node")
}

// Wait is a no-op on servers.
func (s *ServerSide) Wait(context.Context, int) error { return nil }

// Close is a no-op; the transport owns the connections.
func (s *ServerSide) Close() error { return nil }
