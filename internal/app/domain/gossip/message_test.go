package gossip

import (
	"bytes"
	"testing"

	"github.com/lappnet/lapphost/internal/app/domain/peer"
)

func testIdentity(t *testing.T) peer.Identity {
	t.Helper()
	id, err := peer.IdentityFromSeed(bytes.Repeat([]byte{0x5a}, 32))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id
}

func TestSignVerify(t *testing.T) {
	id := testIdentity(t)

	msg := Sign(id, "chat/room", 7, []byte("hello"))
	if msg.Origin != id.ID() {
		t.Fatalf("origin not stamped: %s", msg.Origin)
	}
	if !msg.Verify() {
		t.Fatal("signed message must verify")
	}
}

func TestTamperDetected(t *testing.T) {
	id := testIdentity(t)

	cases := map[string]func(*Message){
		"payload": func(m *Message) { m.Payload = []byte("evil") },
		"topic":   func(m *Message) { m.Topic = "other" },
		"seq":     func(m *Message) { m.Seq = 8 },
		"origin":  func(m *Message) { m.Origin = "00ff" },
		"sig":     func(m *Message) { m.Sig[0] ^= 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			msg := Sign(id, "chat/room", 7, []byte("hello"))
			mutate(&msg)
			if msg.Verify() {
				t.Fatal("tampered message must not verify")
			}
		})
	}
}

func TestFieldShiftChangesSignable(t *testing.T) {
	// Length prefixing keeps ("ab","c") and ("a","bc") distinct.
	a := Message{Topic: "ab", Origin: "c", Seq: 1, Payload: nil}
	b := Message{Topic: "a", Origin: "bc", Seq: 1, Payload: nil}
	if bytes.Equal(a.signable(), b.signable()) {
		t.Fatal("distinct messages share an encoding")
	}
}

func TestZeroSeqNeverVerifies(t *testing.T) {
	id := testIdentity(t)
	msg := Sign(id, "chat/room", 0, []byte("hello"))
	if msg.Verify() {
		t.Fatal("seq zero is reserved and must not verify")
	}
}
