package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lappnet/lapphost/internal/app/domain/gossip"
	"github.com/lappnet/lapphost/internal/app/domain/peer"
	"github.com/lappnet/lapphost/internal/app/metrics"
	"github.com/lappnet/lapphost/internal/app/storage"
	"github.com/lappnet/lapphost/pkg/logger"
)

// holdbackLimit bounds how many out-of-order messages are parked per origin
// while waiting for the gap to fill.
const holdbackLimit = 64

// Handler receives a verified, deduplicated, in-order gossip message.
type Handler func(msg gossip.Message)

// Config parameterizes the overlay service.
type Config struct {
	Identity         peer.Identity
	Transport        Transport
	Watermarks       storage.WatermarkStore
	Bootstrap        []string
	AnnouncePort     int
	AnnounceInterval time.Duration
	PublishRate      float64
}

// Service is the peer overlay: it tracks connected peers, which topics each
// is interested in, and disseminates signed gossip messages. Delivery to
// local handlers is at-least-once upstream but exactly-once and per-origin
// ordered past the watermark filter.
type Service struct {
	id        peer.Identity
	transport Transport
	wms       storage.WatermarkStore
	cfg       Config
	log       *logger.Logger
	limiter   *rate.Limiter

	mu           sync.RWMutex
	peers        map[string]*peer.Record
	remoteTopics map[string]map[string]bool
	handlers     map[string][]*subscription
	seq          map[string]uint64
	holdback     map[string]map[uint64]gossip.Message

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New constructs the overlay service.
func New(cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("overlay")
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = 200
	}
	return &Service{
		id:           cfg.Identity,
		transport:    cfg.Transport,
		wms:          cfg.Watermarks,
		cfg:          cfg,
		log:          log,
		limiter:      rate.NewLimiter(rate.Limit(cfg.PublishRate), int(cfg.PublishRate)+1),
		peers:        make(map[string]*peer.Record),
		remoteTopics: make(map[string]map[string]bool),
		handlers:     make(map[string][]*subscription),
		seq:          make(map[string]uint64),
		holdback:     make(map[string]map[uint64]gossip.Message),
		closed:       make(chan struct{}),
	}
}

// Name implements the lifecycle service interface.
func (s *Service) Name() string { return "overlay" }

// Start brings up the transport, dials bootstrap peers and begins local
// discovery. Unreachable bootstrap peers are logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	if err := s.transport.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.consumeLoop()

	for _, addr := range s.cfg.Bootstrap {
		if _, err := s.transport.Dial(ctx, addr); err != nil {
			s.log.WithError(err).Warnf("bootstrap peer %s unreachable", addr)
		}
	}

	if s.cfg.AnnouncePort > 0 {
		s.startDiscovery()
	}

	s.log.Infof("overlay up as %s on %s", s.id.ID()[:12], s.transport.Addr())
	return nil
}

// Stop shuts the overlay down.
func (s *Service) Stop(context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	err := s.transport.Close()
	s.wg.Wait()
	return err
}

// ID returns this node's peer id.
func (s *Service) ID() string { return s.id.ID() }

// Peers returns the current peer table.
func (s *Service) Peers() []peer.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]peer.Record, 0, len(s.peers))
	for _, r := range s.peers {
		records = append(records, *r)
	}
	return records
}

type subscription struct {
	handler Handler
}

// Subscribe registers a handler for a topic and announces the membership to
// peers. The returned function unsubscribes; when the last handler for a
// topic is gone the membership is withdrawn.
func (s *Service) Subscribe(topic string, h Handler) func() {
	sub := &subscription{handler: h}

	s.mu.Lock()
	s.handlers[topic] = append(s.handlers[topic], sub)
	announce := len(s.handlers[topic]) == 1
	s.mu.Unlock()

	if announce {
		s.announceTopics()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			subs := s.handlers[topic]
			for i, candidate := range subs {
				if candidate == sub {
					s.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			withdraw := len(s.handlers[topic]) == 0
			if withdraw {
				delete(s.handlers, topic)
			}
			s.mu.Unlock()
			if withdraw {
				s.announceTopics()
			}
		})
	}
}

// Publish signs and disseminates payload on topic to every peer interested
// in it. Sequence numbers continue across restarts via the watermark store,
// so receivers never mistake a fresh boot's messages for replays.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish rate limit: %w", err)
	}

	// The sequence is allocated, signed and persisted under one lock hold;
	// concurrent publishes on a topic can therefore never persist watermarks
	// out of order, and a failed persist leaves the sequence unadvanced.
	s.mu.Lock()
	next, known := s.seq[topic]
	if !known {
		wm, err := s.wms.Watermark(ctx, topic, s.id.ID())
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("load own watermark for %s: %w", topic, err)
		}
		next = wm
	}
	next++
	msg := gossip.Sign(s.id, topic, next, payload)
	if err := s.wms.SetWatermark(ctx, topic, s.id.ID(), next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist own watermark for %s: %w", topic, err)
	}
	s.seq[topic] = next
	s.mu.Unlock()

	s.forward(topic, &msg, "")
	metrics.RecordGossipPublished()
	return nil
}

func (s *Service) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case in, ok := <-s.transport.Consumer():
			if !ok {
				return
			}
			s.handleInbound(in)
		case <-s.closed:
			return
		}
	}
}

func (s *Service) handleInbound(in Inbound) {
	switch in.Env.Kind {
	case envHello:
		s.handleHello(in.From)
	case envTopics:
		s.handleTopics(in.From, in.Env.Topics)
	case envGossip:
		if in.Env.Message != nil {
			s.handleGossip(in.From, *in.Env.Message)
		}
	default:
		s.log.Warnf("unknown envelope kind %d from %s", in.Env.Kind, in.From[:12])
	}
}

func (s *Service) handleHello(peerID string) {
	s.mu.Lock()
	record, known := s.peers[peerID]
	if !known {
		record = &peer.Record{ID: peerID}
		s.peers[peerID] = record
	}
	record.LastSeen = time.Now().UTC()
	s.mu.Unlock()

	// Tell the new peer what we are interested in.
	if err := s.transport.Send(peerID, Envelope{Kind: envTopics, Topics: s.localTopics()}); err != nil {
		s.log.WithError(err).Debugf("announce topics to %s", peerID[:12])
	}
	if !known {
		s.log.Infof("peer %s joined", peerID[:12])
	}
}

func (s *Service) handleTopics(peerID string, topics []string) {
	set := make(map[string]bool, len(topics))
	for _, topic := range topics {
		set[topic] = true
	}
	s.mu.Lock()
	s.remoteTopics[peerID] = set
	if record, ok := s.peers[peerID]; ok {
		record.LastSeen = time.Now().UTC()
	}
	s.mu.Unlock()
}

// handleGossip applies the watermark filter: verify the signature, drop
// duplicates at or below the watermark, deliver the next in-sequence message
// and drain any parked successors, park the rest.
func (s *Service) handleGossip(from string, msg gossip.Message) {
	if !msg.Verify() {
		metrics.RecordGossipDropped()
		s.log.Warnf("unverifiable message on %s claiming origin %.12s: dropped", msg.Topic, msg.Origin)
		return
	}
	if msg.Origin == s.id.ID() {
		// Our own message reflected back.
		metrics.RecordGossipDeduplicated()
		return
	}

	ctx := context.Background()
	wm, err := s.wms.Watermark(ctx, msg.Topic, msg.Origin)
	if err != nil {
		s.log.WithError(err).Errorf("load watermark for %s/%.12s", msg.Topic, msg.Origin)
		return
	}

	switch {
	case wm > 0 && msg.Seq <= wm:
		metrics.RecordGossipDeduplicated()
		return
	case wm > 0 && msg.Seq > wm+1:
		s.park(msg)
		return
	}

	// In sequence, or the first message ever seen from this origin; a late
	// joiner adopts the first seq it sees as its baseline.
	s.deliver(ctx, msg)
	s.forward(msg.Topic, &msg, from)
	s.drainHoldback(ctx, from, msg.Topic, msg.Origin)
}

func (s *Service) deliver(ctx context.Context, msg gossip.Message) {
	if err := s.wms.SetWatermark(ctx, msg.Topic, msg.Origin, msg.Seq); err != nil {
		s.log.WithError(err).Errorf("persist watermark for %s/%.12s", msg.Topic, msg.Origin)
	}

	s.mu.RLock()
	subs := make([]*subscription, len(s.handlers[msg.Topic]))
	copy(subs, s.handlers[msg.Topic])
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
	metrics.RecordGossipDelivered()
}

func (s *Service) park(msg gossip.Message) {
	key := msg.Topic + "/" + msg.Origin
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.holdback[key]
	if queue == nil {
		queue = make(map[uint64]gossip.Message)
		s.holdback[key] = queue
	}
	if len(queue) >= holdbackLimit {
		metrics.RecordGossipDropped()
		s.log.Warnf("holdback for %s full, dropping seq %d", key, msg.Seq)
		return
	}
	queue[msg.Seq] = msg
}

func (s *Service) drainHoldback(ctx context.Context, from, topic, origin string) {
	key := topic + "/" + origin
	for {
		wm, err := s.wms.Watermark(ctx, topic, origin)
		if err != nil {
			return
		}

		s.mu.Lock()
		queue := s.holdback[key]
		next, ok := queue[wm+1]
		if ok {
			delete(queue, wm+1)
		}
		if len(queue) == 0 {
			delete(s.holdback, key)
		}
		s.mu.Unlock()

		if !ok {
			return
		}
		s.deliver(ctx, next)
		s.forward(topic, &next, from)
	}
}

// forward sends msg to every connected peer interested in topic, except the
// peer it came from and its origin.
func (s *Service) forward(topic string, msg *gossip.Message, except string) {
	env := Envelope{Kind: envGossip, Message: msg}
	for _, peerID := range s.transport.Peers() {
		if peerID == except || peerID == msg.Origin {
			continue
		}
		s.mu.RLock()
		interested := s.remoteTopics[peerID][topic]
		s.mu.RUnlock()
		if !interested {
			continue
		}
		if err := s.transport.Send(peerID, env); err != nil {
			s.log.WithError(err).Debugf("forward %s/%d to %s", topic, msg.Seq, peerID[:12])
		}
	}
}

func (s *Service) localTopics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (s *Service) announceTopics() {
	env := Envelope{Kind: envTopics, Topics: s.localTopics()}
	for _, peerID := range s.transport.Peers() {
		if err := s.transport.Send(peerID, env); err != nil {
			s.log.WithError(err).Debugf("announce topics to %s", peerID[:12])
		}
	}
}
