// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and is primarily intended for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/storage"
)

// Store implements every storage interface in memory.
type Store struct {
	mu         sync.RWMutex
	grants     map[string]capability.Grant
	lapps      map[string]lapp.Lapp
	watermarks map[string]uint64
	kv         map[string]map[string][]byte
}

var _ storage.GrantStore = (*Store)(nil)
var _ storage.LappStore = (*Store)(nil)
var _ storage.WatermarkStore = (*Store)(nil)
var _ storage.KVStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		grants:     make(map[string]capability.Grant),
		lapps:      make(map[string]lapp.Lapp),
		watermarks: make(map[string]uint64),
		kv:         make(map[string]map[string][]byte),
	}
}

// GrantStore implementation --------------------------------------------------

func (s *Store) PutGrant(_ context.Context, grant capability.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s already exists", grant.ID)
	}
	s.grants[grant.ID] = grant
	return nil
}

func (s *Store) DeleteGrant(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grantID]; !ok {
		return fmt.Errorf("grant %s not found", grantID)
	}
	delete(s.grants, grantID)
	return nil
}

func (s *Store) DeleteGrantsForLapp(_ context.Context, lappID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, grant := range s.grants {
		if grant.LappID == lappID {
			delete(s.grants, id)
		}
	}
	return nil
}

func (s *Store) ListGrants(_ context.Context) ([]capability.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]capability.Grant, 0, len(s.grants))
	for _, grant := range s.grants {
		result = append(result, grant)
	}
	return result, nil
}

// LappStore implementation ---------------------------------------------------

func (s *Store) PutLapp(_ context.Context, l lapp.Lapp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lapps[l.ID] = cloneLapp(l)
	return nil
}

func (s *Store) GetLapp(_ context.Context, id string) (lapp.Lapp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lapps[id]
	if !ok {
		return lapp.Lapp{}, fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}
	return cloneLapp(l), nil
}

func (s *Store) ListLapps(_ context.Context) ([]lapp.Lapp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]lapp.Lapp, 0, len(s.lapps))
	for _, l := range s.lapps {
		result = append(result, cloneLapp(l))
	}
	return result, nil
}

func (s *Store) DeleteLapp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lapps[id]; !ok {
		return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
	}
	delete(s.lapps, id)
	return nil
}

// WatermarkStore implementation ----------------------------------------------

func (s *Store) Watermark(_ context.Context, topic, origin string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.watermarks[topic+"/"+origin], nil
}

func (s *Store) SetWatermark(_ context.Context, topic, origin string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[topic+"/"+origin] = seq
	return nil
}

// KVStore implementation -----------------------------------------------------

func (s *Store) KVPut(_ context.Context, lappID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.kv[lappID]
	if !ok {
		ns = make(map[string][]byte)
		s.kv[lappID] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) KVGet(_ context.Context, lappID, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[lappID][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *Store) KVDelete(_ context.Context, lappID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv[lappID], key)
	return nil
}

// Helpers --------------------------------------------------------------------

func cloneLapp(l lapp.Lapp) lapp.Lapp {
	l.Module = append([]byte(nil), l.Module...)
	l.Manifest.Requires = append([]lapp.Requirement(nil), l.Manifest.Requires...)
	l.Manifest.Exports = append([]lapp.ExportDecl(nil), l.Manifest.Exports...)
	return l
}
