// Package registry tracks installed lapps, drives their lifecycle state
// machine and owns one sandbox instance per running lapp.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/metrics"
	"github.com/lappnet/lapphost/internal/app/services/sandbox"
	"github.com/lappnet/lapphost/internal/app/storage"
	"github.com/lappnet/lapphost/pkg/logger"
)

// TopicHooks is notified when a lapp starts or stops so its gossip topic
// subscription tracks the running set. Implemented by the sync bridge.
type TopicHooks interface {
	LappStarted(ctx context.Context, lappID string)
	LappStopped(ctx context.Context, lappID string)
}

// GrantRevoker revokes every grant held by a lapp. Implemented by the
// capability service.
type GrantRevoker interface {
	RevokeAll(ctx context.Context, lappID string) error
}

// entry guards one lapp's record and live instance. The entry lock is held
// shared for the duration of a call and exclusively for lifecycle
// transitions, so an update's swap waits for in-flight calls to drain and
// no call ever observes a half-swapped instance.
type entry struct {
	mu       sync.RWMutex
	lapp     lapp.Lapp
	instance *sandbox.Instance
}

// Service is the lapp registry.
type Service struct {
	store   storage.LappStore
	host    *sandbox.Host
	revoker GrantRevoker
	log     *logger.Logger

	hooks TopicHooks

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs the registry.
func New(store storage.LappStore, host *sandbox.Host, revoker GrantRevoker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{
		store:   store,
		host:    host,
		revoker: revoker,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// AttachTopicHooks wires the sync bridge. Call before Start.
func (s *Service) AttachTopicHooks(hooks TopicHooks) {
	s.hooks = hooks
}

// Name implements system.Service.
func (s *Service) Name() string { return "registry" }

// Start loads persisted lapps and starts every enabled one. A lapp that
// fails to instantiate transitions to Failed and is skipped; boot continues.
func (s *Service) Start(ctx context.Context) error {
	lapps, err := s.store.ListLapps(ctx)
	if err != nil {
		return fmt.Errorf("load lapps: %w", err)
	}

	s.mu.Lock()
	for _, l := range lapps {
		if l.State == lapp.StateRunning || l.State == lapp.StateUpdating {
			// Run state does not survive restart; instances are rebuilt.
			l.State = lapp.StateStopped
		}
		s.entries[l.ID] = &entry{lapp: l}
	}
	s.mu.Unlock()

	s.StartAll(ctx)
	return nil
}

// Stop stops every running lapp, draining in-flight calls.
func (s *Service) Stop(ctx context.Context) error {
	for _, id := range s.ids() {
		if err := s.StopLapp(ctx, id); err != nil && !errors.Is(err, lapp.ErrNotRunning) {
			s.log.WithError(err).Warnf("stop lapp %s", id)
		}
	}
	return nil
}

// StartAll starts every enabled lapp that is not already running.
func (s *Service) StartAll(ctx context.Context) {
	for _, id := range s.ids() {
		ent := s.entry(id)
		if ent == nil {
			continue
		}
		ent.mu.RLock()
		startable := ent.lapp.Manifest.Enabled &&
			(ent.lapp.State == lapp.StateInstalled || ent.lapp.State == lapp.StateStopped)
		ent.mu.RUnlock()
		if !startable {
			continue
		}
		if err := s.StartLapp(ctx, id); err != nil {
			s.log.WithError(err).Warnf("start lapp %s", id)
		}
	}
}

// Install registers a new lapp in state Installed.
func (s *Service) Install(ctx context.Context, id string, module []byte, manifest lapp.Manifest) (lapp.Lapp, error) {
	if id == "" {
		return lapp.Lapp{}, fmt.Errorf("lapp id is required")
	}
	if len(module) == 0 {
		return lapp.Lapp{}, fmt.Errorf("module bytes are required: %w", lapp.ErrModuleInvalid)
	}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return lapp.Lapp{}, fmt.Errorf("lapp %s already installed", id)
	}

	now := time.Now().UTC()
	l := lapp.Lapp{
		ID:          id,
		Name:        id,
		Module:      module,
		ModuleHash:  lapp.HashModule(module),
		Manifest:    manifest,
		State:       lapp.StateInstalled,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	s.entries[id] = &entry{lapp: l}
	s.mu.Unlock()

	if err := s.store.PutLapp(ctx, l); err != nil {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return lapp.Lapp{}, fmt.Errorf("persist lapp %s: %w", id, err)
	}

	s.log.Infof("installed lapp %s (module %s)", id, l.ModuleHash[:12])
	return l, nil
}

// StartLapp instantiates the module and transitions Installed/Stopped to
// Running. Instantiation failure transitions to Failed and is surfaced to
// the caller, not retried.
func (s *Service) StartLapp(ctx context.Context, id string) error {
	ent := s.entry(id)
	if ent == nil {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	switch ent.lapp.State {
	case lapp.StateRunning:
		return nil
	case lapp.StateInstalled, lapp.StateStopped:
	default:
		return fmt.Errorf("lapp %s cannot start from state %s", id, ent.lapp.State)
	}

	inst, err := s.host.Instantiate(ctx, ent.lapp)
	if err != nil {
		ent.lapp.State = lapp.StateFailed
		ent.lapp.UpdatedAt = time.Now().UTC()
		_ = s.store.PutLapp(ctx, ent.lapp)
		return fmt.Errorf("instantiate lapp %s: %w", id, err)
	}

	ent.instance = inst
	ent.lapp.State = lapp.StateRunning
	ent.lapp.UpdatedAt = time.Now().UTC()
	if err := s.store.PutLapp(ctx, ent.lapp); err != nil {
		s.log.WithError(err).Warnf("persist state for lapp %s", id)
	}

	if s.hooks != nil {
		s.hooks.LappStarted(ctx, id)
	}
	s.updateRunningGauge()
	s.log.Infof("lapp %s running", id)
	return nil
}

// StopLapp drains and discards the instance, unsubscribing the gossip topic
// as part of the same transition.
func (s *Service) StopLapp(ctx context.Context, id string) error {
	ent := s.entry(id)
	if ent == nil {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.lapp.State != lapp.StateRunning {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotRunning)
	}

	if s.hooks != nil {
		s.hooks.LappStopped(ctx, id)
	}
	if ent.instance != nil {
		ent.instance.Close()
		ent.instance = nil
	}
	ent.lapp.State = lapp.StateStopped
	ent.lapp.UpdatedAt = time.Now().UTC()
	if err := s.store.PutLapp(ctx, ent.lapp); err != nil {
		s.log.WithError(err).Warnf("persist state for lapp %s", id)
	}

	s.updateRunningGauge()
	s.log.Infof("lapp %s stopped", id)
	return nil
}

// Restart recovers a Failed lapp. The system never restarts silently; this
// is the explicit operator action.
func (s *Service) Restart(ctx context.Context, id string) error {
	ent := s.entry(id)
	if ent == nil {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}

	ent.mu.Lock()
	if ent.lapp.State != lapp.StateFailed {
		state := ent.lapp.State
		ent.mu.Unlock()
		return fmt.Errorf("lapp %s is %s, restart applies to failed lapps", id, state)
	}
	if ent.instance != nil {
		ent.instance.Close()
		ent.instance = nil
	}
	ent.lapp.State = lapp.StateStopped
	ent.mu.Unlock()

	return s.StartLapp(ctx, id)
}

// Update atomically swaps in a new module. The replacement instantiates in
// parallel while the old instance keeps serving; the swap happens under the
// entry's write lock, after in-flight calls drain. No request ever observes
// a half-swapped state.
func (s *Service) Update(ctx context.Context, id string, module []byte, manifest lapp.Manifest) (lapp.Lapp, error) {
	ent := s.entry(id)
	if ent == nil {
		return lapp.Lapp{}, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}
	if len(module) == 0 {
		return lapp.Lapp{}, fmt.Errorf("module bytes are required: %w", lapp.ErrModuleInvalid)
	}

	ent.mu.Lock()
	wasRunning := ent.lapp.State == lapp.StateRunning
	if wasRunning {
		ent.lapp.State = lapp.StateUpdating
	}
	candidate := ent.lapp
	candidate.Module = module
	candidate.ModuleHash = lapp.HashModule(module)
	candidate.Manifest = manifest
	ent.mu.Unlock()

	var replacement *sandbox.Instance
	if wasRunning {
		inst, err := s.host.Instantiate(ctx, candidate)
		if err != nil {
			ent.mu.Lock()
			ent.lapp.State = lapp.StateRunning
			ent.mu.Unlock()
			return lapp.Lapp{}, fmt.Errorf("instantiate replacement for %s: %w", id, err)
		}
		replacement = inst
	}

	ent.mu.Lock()
	old := ent.instance
	candidate.State = ent.lapp.State
	if wasRunning {
		ent.instance = replacement
		candidate.State = lapp.StateRunning
	}
	candidate.UpdatedAt = time.Now().UTC()
	ent.lapp = candidate
	err := s.store.PutLapp(ctx, candidate)
	ent.mu.Unlock()

	if old != nil && old != replacement {
		old.Close()
	}
	if err != nil {
		return lapp.Lapp{}, fmt.Errorf("persist lapp %s: %w", id, err)
	}

	s.log.Infof("updated lapp %s to module %s", id, candidate.ModuleHash[:12])
	return candidate, nil
}

// Uninstall removes an Installed or Stopped lapp, revoking its grants and
// unsubscribing its topic in the same transition so nothing is orphaned.
func (s *Service) Uninstall(ctx context.Context, id string) error {
	ent := s.entry(id)
	if ent == nil {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	switch ent.lapp.State {
	case lapp.StateInstalled, lapp.StateStopped, lapp.StateFailed:
	default:
		return fmt.Errorf("lapp %s must be stopped before uninstall (state %s)", id, ent.lapp.State)
	}

	if s.hooks != nil {
		s.hooks.LappStopped(ctx, id)
	}
	if s.revoker != nil {
		if err := s.revoker.RevokeAll(ctx, id); err != nil {
			return fmt.Errorf("revoke grants for %s: %w", id, err)
		}
	}
	if err := s.store.DeleteLapp(ctx, id); err != nil {
		return fmt.Errorf("delete lapp %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	s.log.Infof("uninstalled lapp %s", id)
	return nil
}

// Get returns a lapp's current record.
func (s *Service) Get(id string) (lapp.Lapp, error) {
	ent := s.entry(id)
	if ent == nil {
		return lapp.Lapp{}, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.lapp, nil
}

// List returns all lapps sorted by id.
func (s *Service) List() []lapp.Lapp {
	ids := s.ids()
	result := make([]lapp.Lapp, 0, len(ids))
	for _, id := range ids {
		if l, err := s.Get(id); err == nil {
			result = append(result, l)
		}
	}
	return result
}

// Call routes a call to the lapp's live instance. It holds the entry lock
// shared for the duration, which is what makes updates drain in-flight
// calls before swapping. Implements the sandbox host's CallRouter.
func (s *Service) Call(ctx context.Context, id, export string, args []any) (any, error) {
	ent := s.entry(id)
	if ent == nil {
		return nil, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}

	ent.mu.RLock()
	if ent.lapp.State != lapp.StateRunning || ent.instance == nil {
		state := ent.lapp.State
		ent.mu.RUnlock()
		return nil, fmt.Errorf("lapp %s is %s: %w", id, state, lapp.ErrNotRunning)
	}
	if len(ent.lapp.Manifest.Exports) > 0 {
		if _, declared := ent.lapp.Manifest.Export(export); !declared {
			ent.mu.RUnlock()
			return nil, fmt.Errorf("export %q not declared by %s: %w", export, id, lapp.ErrNoSuchExport)
		}
	}
	inst := ent.instance

	// The read lock is held for the duration of the call; an update's swap
	// takes the write lock and therefore waits for in-flight calls to drain.
	result, err := inst.Call(ctx, export, args)
	ent.mu.RUnlock()

	if inst.Failed() {
		s.markFailed(ctx, ent, inst)
	}
	return result, err
}

// SubscribePush attaches a push listener to the lapp's running instance.
func (s *Service) SubscribePush(id string, ch chan<- []byte) (func(), error) {
	ent := s.entry(id)
	if ent == nil {
		return nil, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	if ent.instance == nil {
		return nil, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotRunning)
	}
	return ent.instance.SubscribePush(ch), nil
}

// Streaming reports whether the named export declares streaming behavior.
func (s *Service) Streaming(id, export string) bool {
	ent := s.entry(id)
	if ent == nil {
		return false
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	decl, ok := ent.lapp.Manifest.Export(export)
	return ok && decl.Streaming
}

func (s *Service) markFailed(ctx context.Context, ent *entry, inst *sandbox.Instance) {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.instance != inst {
		return
	}
	if s.hooks != nil {
		s.hooks.LappStopped(ctx, ent.lapp.ID)
	}
	ent.instance = nil
	ent.lapp.State = lapp.StateFailed
	ent.lapp.UpdatedAt = time.Now().UTC()
	_ = s.store.PutLapp(ctx, ent.lapp)
	inst.Close()

	s.updateRunningGauge()
	s.log.Warnf("lapp %s transitioned to failed", ent.lapp.ID)
}

func (s *Service) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Service) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) updateRunningGauge() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := 0
	for _, ent := range s.entries {
		if ent.instance != nil {
			running++
		}
	}
	metrics.SetRunningLapps(running)
}
