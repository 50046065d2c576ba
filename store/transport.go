package store

import (
	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/updater"
)

// MsgType tags a transport message.
type MsgType int

const (
	// MsgPush carries keys and values to a server.
	MsgPush MsgType = iota
	// MsgPull requests values for keys from a server.
	MsgPull
	// MsgPushAck acknowledges an applied push.
	MsgPushAck
	// MsgPullResp answers a pull with the produced triple.
	MsgPullResp
)

// Message is the unit the RPC collaborator must carry between a worker and
// a server. TS is the worker-local timestamp; retried messages reuse it so
// servers can deduplicate.
type Message struct {
	Type   MsgType
	TS     int
	Sender int // node id
	Kind   updater.ValueKind
	Keys   []feaid.ID
	Vals   []float32
	Lens   []int
}

// Handler consumes messages delivered to an endpoint. A transport invokes
// it from a single goroutine per endpoint, in per-link send order.
type Handler func(m *Message)

// Transport is the point-to-point message layer between store nodes. The
// wire protocol, retries at the byte level and connection management are
// the collaborator's concern; the store only assumes reliable per-link
// ordering.
type Transport interface {
	// Send enqueues m for the node with the given id and returns without
	// waiting for delivery.
	Send(to int, m *Message) error
	// SetHandler installs the receive callback. Must be called before the
	// first message arrives.
	SetHandler(h Handler)
	Close() error
}
