// Package gossip defines the signed message exchanged over lapp topics.
package gossip

import (
	"encoding/binary"

	"github.com/lappnet/lapphost/internal/app/domain/peer"
)

// Message is an application event published on a lapp's topic. Messages are
// immutable once signed. Receivers deduplicate on (Origin, Seq); delivery is
// at-least-once and per-origin ordered.
type Message struct {
	Topic   string `codec:"t"`
	Origin  string `codec:"o"`
	Seq     uint64 `codec:"s"`
	Payload []byte `codec:"p"`
	Sig     []byte `codec:"g"`
}

// signable returns the byte string covered by the signature. Length-prefixed
// fields so no two distinct messages share an encoding.
func (m Message) signable() []byte {
	buf := make([]byte, 0, 8+len(m.Topic)+len(m.Origin)+len(m.Payload)+12)
	buf = appendField(buf, []byte(m.Topic))
	buf = appendField(buf, []byte(m.Origin))
	buf = binary.BigEndian.AppendUint64(buf, m.Seq)
	buf = appendField(buf, m.Payload)
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// Sign signs the message with the origin's identity and fills in Origin and
// Sig.
func Sign(id peer.Identity, topic string, seq uint64, payload []byte) Message {
	msg := Message{
		Topic:   topic,
		Origin:  id.ID(),
		Seq:     seq,
		Payload: payload,
	}
	msg.Sig = id.Sign(msg.signable())
	return msg
}

// Verify checks the signature against the message's claimed origin.
func (m Message) Verify() bool {
	if m.Origin == "" || m.Seq == 0 {
		return false
	}
	return peer.Verify(m.Origin, m.signable(), m.Sig)
}
