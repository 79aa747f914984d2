package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/domain/peer"
	"github.com/lappnet/lapphost/pkg/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 4 << 20
)

// TCPTransport carries envelopes over TCP sessions. Session setup exchanges
// each side's ed25519 identity key and an ephemeral X25519 key signed by it;
// all subsequent frames are sealed with nacl/box under the derived shared
// key. A peer that cannot prove its identity never gets a session.
type TCPTransport struct {
	id       peer.Identity
	addr     string
	log      *logger.Logger
	consumer chan Inbound

	mu    sync.RWMutex
	conns map[string]*secureConn

	ln        net.Listener
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewTCPTransport constructs a transport listening on addr.
func NewTCPTransport(id peer.Identity, addr string, log *logger.Logger) *TCPTransport {
	if log == nil {
		log = logger.NewDefault("overlay-tcp")
	}
	return &TCPTransport{
		id:       id,
		addr:     addr,
		log:      log,
		consumer: make(chan Inbound, 256),
		conns:    make(map[string]*secureConn),
		closed:   make(chan struct{}),
	}
}

// Start begins accepting inbound sessions.
func (t *TCPTransport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("overlay listen on %s: %w", t.addr, err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (t *TCPTransport) Addr() string {
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.addr
}

// Consumer implements Transport.
func (t *TCPTransport) Consumer() <-chan Inbound { return t.consumer }

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.WithError(err).Warn("accept peer session")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.setup(conn); err != nil {
				t.log.WithError(err).Debugf("inbound session from %s rejected", conn.RemoteAddr())
			}
		}()
	}
}

// Dial establishes an authenticated session with the node at addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial peer %s: %w", addr, err)
	}

	sc, err := t.handshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	t.register(sc)
	return sc.peerID, nil
}

func (t *TCPTransport) setup(conn net.Conn) error {
	sc, err := t.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	t.register(sc)
	return nil
}

// handshake authenticates both directions. Each side sends its identity key,
// an ephemeral box key and the identity's signature over that box key; a bad
// signature means the remote cannot prove the identity it claims.
func (t *TCPTransport) handshake(conn net.Conn) (*secureConn, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	hello := make([]byte, 0, ed25519.PublicKeySize+32+ed25519.SignatureSize)
	hello = append(hello, t.id.PublicKey...)
	hello = append(hello, ephPub[:]...)
	hello = append(hello, t.id.Sign(ephPub[:])...)
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	theirs := make([]byte, ed25519.PublicKeySize+32+ed25519.SignatureSize)
	if _, err := io.ReadFull(conn, theirs); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	theirIdentity := theirs[:ed25519.PublicKeySize]
	var theirEph [32]byte
	copy(theirEph[:], theirs[ed25519.PublicKeySize:ed25519.PublicKeySize+32])
	sig := theirs[ed25519.PublicKeySize+32:]

	peerID := hex.EncodeToString(theirIdentity)
	if !peer.Verify(peerID, theirEph[:], sig) {
		return nil, fmt.Errorf("session key signature from %s invalid: %w",
			conn.RemoteAddr(), lapp.ErrPeerUnauthenticated)
	}
	if peerID == t.id.ID() {
		return nil, fmt.Errorf("refusing session with self")
	}

	var shared [32]byte
	box.Precompute(&shared, &theirEph, ephPriv)

	return &secureConn{conn: conn, peerID: peerID, shared: shared}, nil
}

func (t *TCPTransport) register(sc *secureConn) {
	t.mu.Lock()
	if _, exists := t.conns[sc.peerID]; exists {
		t.mu.Unlock()
		// Simultaneous dial; one session per peer is enough.
		sc.conn.Close()
		return
	}
	t.conns[sc.peerID] = sc
	t.mu.Unlock()

	t.deliver(Inbound{From: sc.peerID, Env: Envelope{Kind: envHello}})

	t.wg.Add(1)
	go t.readLoop(sc)
}

func (t *TCPTransport) readLoop(sc *secureConn) {
	defer t.wg.Done()
	defer t.drop(sc)

	for {
		frame, err := sc.readFrame()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.WithError(err).Debugf("session with %s ended", sc.peerID[:12])
			}
			return
		}
		env, err := decodeEnvelope(frame)
		if err != nil {
			t.log.WithError(err).Warnf("malformed envelope from %s", sc.peerID[:12])
			return
		}
		t.deliver(Inbound{From: sc.peerID, Env: env})
	}
}

func (t *TCPTransport) deliver(in Inbound) {
	select {
	case t.consumer <- in:
	case <-t.closed:
	}
}

func (t *TCPTransport) drop(sc *secureConn) {
	t.mu.Lock()
	if t.conns[sc.peerID] == sc {
		delete(t.conns, sc.peerID)
	}
	t.mu.Unlock()
	sc.conn.Close()
}

// Send implements Transport.
func (t *TCPTransport) Send(peerID string, env Envelope) error {
	t.mu.RLock()
	sc := t.conns[peerID]
	t.mu.RUnlock()
	if sc == nil {
		return fmt.Errorf("no session with peer %s", peerID)
	}

	frame, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := sc.writeFrame(frame); err != nil {
		t.drop(sc)
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	return nil
}

// Peers implements Transport.
func (t *TCPTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down the listener and every session.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.ln != nil {
			t.ln.Close()
		}
		t.mu.Lock()
		for _, sc := range t.conns {
			sc.conn.Close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
	return nil
}

// secureConn frames and seals envelopes on one authenticated session.
type secureConn struct {
	conn    net.Conn
	peerID  string
	shared  [32]byte
	writeMu sync.Mutex
}

func (sc *secureConn) writeFrame(payload []byte) error {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := box.SealAfterPrecomputation(nil, payload, &nonce, &sc.shared)

	frame := make([]byte, 4+24+len(sealed))
	binary.BigEndian.PutUint32(frame[:4], uint32(24+len(sealed)))
	copy(frame[4:28], nonce[:])
	copy(frame[28:], sealed)

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, err := sc.conn.Write(frame)
	return err
}

func (sc *secureConn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(sc.conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size < 24 || size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d out of bounds", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(sc.conn, body); err != nil {
		return nil, err
	}

	var nonce [24]byte
	copy(nonce[:], body[:24])
	payload, ok := box.OpenAfterPrecomputation(nil, body[24:], &nonce, &sc.shared)
	if !ok {
		return nil, fmt.Errorf("frame from %s failed to open: %w", sc.peerID[:12], lapp.ErrPeerUnauthenticated)
	}
	return payload, nil
}
