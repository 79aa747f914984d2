package overlay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Local-subnet discovery: each node periodically broadcasts a small UDP
// beacon naming its peer id and transport address, and dials any peer it
// hears that it has no session with. The beacon is advisory only; the
// transport handshake is what authenticates the peer.

const announceMagic = "LAPPHOST1"

func (s *Service) startDiscovery() {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.cfg.AnnouncePort))
	if err != nil {
		s.log.WithError(err).Warn("local discovery disabled, announce port unavailable")
		return
	}

	interval := s.cfg.AnnounceInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s.wg.Add(2)
	go s.announceLoop(pc, interval)
	go s.listenLoop(pc)
}

func (s *Service) announceLoop(pc net.PacketConn, interval time.Duration) {
	defer s.wg.Done()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.AnnouncePort}
	beacon := []byte(fmt.Sprintf("%s %s %s", announceMagic, s.id.ID(), s.transport.Addr()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := pc.WriteTo(beacon, dest); err != nil {
			s.log.WithError(err).Debug("announce beacon")
		}
		select {
		case <-ticker.C:
		case <-s.closed:
			pc.Close()
			return
		}
	}
}

func (s *Service) listenLoop(pc net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, 512)
	for {
		n, sender, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.WithError(err).Debug("discovery listen")
			}
			return
		}

		peerID, addr, ok := parseBeacon(string(buf[:n]), sender)
		if !ok || peerID == s.id.ID() {
			continue
		}
		if s.connectedTo(peerID) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.transport.Dial(ctx, addr); err != nil {
			s.log.WithError(err).Debugf("dial discovered peer %s", addr)
		}
		cancel()
	}
}

// parseBeacon extracts the peer id and a dialable address. The advertised
// address may carry a wildcard host; the sender's source IP fills it in.
func parseBeacon(raw string, sender net.Addr) (peerID, addr string, ok bool) {
	fields := strings.Fields(raw)
	if len(fields) != 3 || fields[0] != announceMagic {
		return "", "", false
	}
	peerID = fields[1]

	_, port, err := net.SplitHostPort(fields[2])
	if err != nil {
		return "", "", false
	}
	host, _, err := net.SplitHostPort(sender.String())
	if err != nil {
		return "", "", false
	}
	advHost, _, _ := net.SplitHostPort(fields[2])
	if advHost != "" && advHost != "0.0.0.0" && advHost != "::" {
		host = advHost
	}
	return peerID, net.JoinHostPort(host, port), true
}

func (s *Service) connectedTo(peerID string) bool {
	for _, id := range s.transport.Peers() {
		if id == peerID {
			return true
		}
	}
	return false
}
