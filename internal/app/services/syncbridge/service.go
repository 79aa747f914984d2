// Package syncbridge connects running lapps to the peer overlay: events a
// lapp emits are published on its topic, and messages arriving from peers
// are fed back into the lapp's event export.
package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lappnet/lapphost/internal/app/domain/gossip"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/metrics"
	"github.com/lappnet/lapphost/internal/app/services/overlay"
	"github.com/lappnet/lapphost/pkg/logger"
)

// eventExport is the export a lapp implements to receive replicated events.
const eventExport = "on_event"

// topicPrefix namespaces lapp topics on the overlay.
const topicPrefix = "lapp/"

// Caller routes an inbound event into a lapp. Implemented by the registry.
type Caller interface {
	Call(ctx context.Context, lappID, export string, args []any) (any, error)
}

// Publisher is the overlay surface the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h overlay.Handler) func()
}

// Config bounds the retention buffer for events that cannot be delivered
// immediately.
type Config struct {
	RetentionCount  int
	RetentionWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetentionCount <= 0 {
		c.RetentionCount = 256
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 10 * time.Minute
	}
	return c
}

type retained struct {
	payload []byte
	origin  string
	at      time.Time
}

// Service is the sync bridge. It implements the sandbox host's event sink
// and the registry's topic hooks.
type Service struct {
	pub    Publisher
	caller Caller
	cfg    Config
	log    *logger.Logger

	mu       sync.Mutex
	unsubs   map[string]func()
	retained map[string][]retained
}

// New constructs the bridge.
func New(pub Publisher, caller Caller, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("syncbridge")
	}
	return &Service{
		pub:      pub,
		caller:   caller,
		cfg:      cfg.withDefaults(),
		log:      log,
		unsubs:   make(map[string]func()),
		retained: make(map[string][]retained),
	}
}

// Topic returns the overlay topic carrying a lapp's events.
func Topic(lappID string) string { return topicPrefix + lappID }

// Emit publishes a lapp's event to its topic. Implements the sandbox event
// sink.
func (s *Service) Emit(ctx context.Context, lappID string, payload []byte) error {
	return s.pub.Publish(ctx, Topic(lappID), payload)
}

// LappStarted subscribes the lapp's topic and replays any events retained
// while it was unable to receive them. The replay runs asynchronously; it is
// invoked from inside the registry's start transition and delivery must wait
// for that transition to finish.
func (s *Service) LappStarted(_ context.Context, lappID string) {
	s.mu.Lock()
	if _, subscribed := s.unsubs[lappID]; !subscribed {
		s.unsubs[lappID] = s.pub.Subscribe(Topic(lappID), func(msg gossip.Message) {
			s.inbound(lappID, msg.Payload, msg.Origin)
		})
	}
	backlog := s.retained[lappID]
	delete(s.retained, lappID)
	s.mu.Unlock()

	if len(backlog) > 0 {
		go s.replay(lappID, backlog)
	}
}

func (s *Service) replay(lappID string, backlog []retained) {
	cutoff := time.Now().Add(-s.cfg.RetentionWindow)
	for _, r := range backlog {
		if r.at.Before(cutoff) {
			metrics.RecordGossipDropped()
			s.log.WithError(lapp.ErrDeliveryDropped).Warnf("event from %.12s for %s aged out", r.origin, lappID)
			continue
		}
		s.deliver(context.Background(), lappID, r.payload, r.origin)
	}
}

// LappStopped withdraws the lapp's topic subscription.
func (s *Service) LappStopped(_ context.Context, lappID string) {
	s.mu.Lock()
	unsub := s.unsubs[lappID]
	delete(s.unsubs, lappID)
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Service) inbound(lappID string, payload []byte, origin string) {
	s.deliver(context.Background(), lappID, payload, origin)
}

// deliver hands one event to the lapp. A lapp that cannot take the event
// right now gets it retained; a lapp without an event export drops it.
func (s *Service) deliver(ctx context.Context, lappID string, payload []byte, origin string) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}

	_, err := s.caller.Call(ctx, lappID, eventExport, []any{value})
	switch {
	case err == nil:
	case errors.Is(err, lapp.ErrNotRunning):
		s.retain(lappID, payload, origin)
	default:
		metrics.RecordGossipDropped()
		s.log.WithError(err).Warnf("delivery dropped for %s: event from %.12s", lappID, origin)
	}
}

func (s *Service) retain(lappID string, payload []byte, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := s.retained[lappID]
	if len(backlog) >= s.cfg.RetentionCount {
		dropped := backlog[0]
		backlog = backlog[1:]
		metrics.RecordGossipDropped()
		s.log.WithError(lapp.ErrDeliveryDropped).Warnf("retention for %s full, evicting event from %.12s", lappID, dropped.origin)
	}
	s.retained[lappID] = append(backlog, retained{payload: payload, origin: origin, at: time.Now()})
}
