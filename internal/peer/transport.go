package peer

import "errors"

// ErrNotConnected indicates a send to a peer with no live link.
var ErrNotConnected = errors.New("peer: not connected")

// Handlers receives transport callbacks. Callbacks run on transport
// goroutines; implementations do their own locking.
type Handlers struct {
	// OnMessage fires for every decoded inbound envelope.
	OnMessage func(peerID string, envelope Envelope)
	// OnOpen fires when a link to a peer becomes usable, in either
	// direction.
	OnOpen func(peerID string)
	// OnClose fires when a link drops for any reason.
	OnClose func(peerID string)
}

// Transport is a mesh of direct peer links. One link per peer pair; both
// sides may attempt the connection and the transport keeps whichever
// handshake lands first.
type Transport interface {
	// SetHandlers installs the callback set. Must be called before Listen.
	SetHandlers(handlers Handlers)
	// Listen starts accepting inbound links. Returns the dialable address
	// other peers use to reach this node.
	Listen() (string, error)
	// Addr reports the listen address; empty before Listen.
	Addr() string
	// Connect dials a peer. Idempotent while a link is live.
	Connect(peerID, address string) error
	// Send delivers an envelope to one peer. ErrNotConnected when no link
	// is live.
	Send(peerID string, envelope Envelope) error
	// Connected reports whether a live link to the peer exists.
	Connected(peerID string) bool
	// Disconnect tears down the link to one peer.
	Disconnect(peerID string)
	// Close tears down the listener and every link.
	Close() error
}
