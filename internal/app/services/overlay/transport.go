// Package overlay maintains authenticated peer sessions and topic-scoped
// gossip dissemination on top of a pluggable transport.
package overlay

import (
	"context"

	"github.com/ugorji/go/codec"

	"github.com/lappnet/lapphost/internal/app/domain/gossip"
)

// Envelope kinds. Hello is synthesized by the transport when a session is
// established; Topics and Gossip travel on the wire.
const (
	envHello uint8 = iota + 1
	envTopics
	envGossip
)

// Envelope is the unit of exchange between connected peers. The sender's
// identity is not carried here; the transport authenticates sessions and
// stamps inbound envelopes with the verified peer id.
type Envelope struct {
	Kind    uint8           `codec:"k"`
	Topics  []string        `codec:"t,omitempty"`
	Message *gossip.Message `codec:"m,omitempty"`
}

// Inbound is an envelope received from an authenticated peer.
type Inbound struct {
	From string
	Env  Envelope
}

// Transport moves envelopes between this node and its peers. Implementations
// authenticate the remote identity during session setup; an envelope on the
// consumer channel is guaranteed to come from the peer it names.
type Transport interface {
	// Start begins accepting inbound sessions.
	Start() error
	// Dial establishes an authenticated session and returns the verified
	// peer id. Dialing an already-connected peer is a no-op.
	Dial(ctx context.Context, addr string) (string, error)
	// Send delivers an envelope to a connected peer.
	Send(peerID string, env Envelope) error
	// Peers lists the ids of currently connected peers.
	Peers() []string
	// Consumer yields inbound envelopes, starting with a Hello per session.
	Consumer() <-chan Inbound
	// Addr is the transport's listen address, usable by other nodes to dial.
	Addr() string
	Close() error
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeEnvelope(env Envelope) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(env); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
