// Package capability implements the capability store: explicit per-lapp
// permission grants, durably persisted, with an O(1) in-memory check index
// consulted on every host-function entry.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/storage"
	"github.com/lappnet/lapphost/pkg/logger"
)

// Service manages capability grants. Grant and Revoke persist to the store
// before returning; Check only reads the in-memory index and never errors.
type Service struct {
	store storage.GrantStore
	log   *logger.Logger

	mu    sync.RWMutex
	byID  map[string]capability.Grant
	index map[string]map[capability.Kind][]capability.Grant
}

// New constructs the service and loads existing grants from the store.
func New(ctx context.Context, store storage.GrantStore, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("capability")
	}
	s := &Service{
		store: store,
		log:   log,
		byID:  make(map[string]capability.Grant),
		index: make(map[string]map[capability.Kind][]capability.Grant),
	}

	grants, err := store.ListGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	for _, grant := range grants {
		s.addToIndex(grant)
	}
	if len(grants) > 0 {
		log.Infof("loaded %d capability grants", len(grants))
	}
	return s, nil
}

// Grant issues a new grant and persists it before returning.
func (s *Service) Grant(ctx context.Context, lappID string, kind capability.Kind, scope string) (capability.Grant, error) {
	grant := capability.Grant{
		ID:       uuid.New().String(),
		LappID:   lappID,
		Kind:     kind,
		Scope:    scope,
		IssuedAt: time.Now().UTC(),
	}
	if err := grant.Validate(); err != nil {
		return capability.Grant{}, err
	}

	if err := s.store.PutGrant(ctx, grant); err != nil {
		return capability.Grant{}, fmt.Errorf("persist grant: %w", err)
	}

	s.mu.Lock()
	s.addToIndex(grant)
	s.mu.Unlock()

	s.log.Infof("granted %s:%s to lapp %s", kind, scope, lappID)
	return grant, nil
}

// Revoke removes a grant. Revocation is effective on the next check; calls
// already admitted are not retroactively aborted.
func (s *Service) Revoke(ctx context.Context, grantID string) error {
	if err := s.store.DeleteGrant(ctx, grantID); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}

	s.mu.Lock()
	if grant, ok := s.byID[grantID]; ok {
		s.removeFromIndex(grant)
	}
	s.mu.Unlock()

	s.log.Infof("revoked grant %s", grantID)
	return nil
}

// RevokeAll removes every grant held by a lapp. Used by uninstall so the
// transition cannot leave orphaned grants behind.
func (s *Service) RevokeAll(ctx context.Context, lappID string) error {
	if err := s.store.DeleteGrantsForLapp(ctx, lappID); err != nil {
		return fmt.Errorf("delete grants for lapp %s: %w", lappID, err)
	}

	s.mu.Lock()
	for kind := range s.index[lappID] {
		for _, grant := range s.index[lappID][kind] {
			delete(s.byID, grant.ID)
		}
	}
	delete(s.index, lappID)
	s.mu.Unlock()
	return nil
}

// Check reports whether the lapp currently holds a grant covering the
// requested (kind, scope). It is called on every host-function entry and
// never raises; a negative result is converted by the sandbox host into a
// capability-denied error value.
func (s *Service) Check(lappID string, kind capability.Kind, scope string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, grant := range s.index[lappID][kind] {
		if capability.Covers(kind, grant.Scope, scope) {
			return true
		}
	}
	return false
}

// List returns the grants currently held by a lapp.
func (s *Service) List(lappID string) []capability.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []capability.Grant
	for _, grants := range s.index[lappID] {
		result = append(result, grants...)
	}
	return result
}

func (s *Service) addToIndex(grant capability.Grant) {
	s.byID[grant.ID] = grant
	kinds, ok := s.index[grant.LappID]
	if !ok {
		kinds = make(map[capability.Kind][]capability.Grant)
		s.index[grant.LappID] = kinds
	}
	kinds[grant.Kind] = append(kinds[grant.Kind], grant)
}

func (s *Service) removeFromIndex(grant capability.Grant) {
	delete(s.byID, grant.ID)
	grants := s.index[grant.LappID][grant.Kind]
	for i := range grants {
		if grants[i].ID == grant.ID {
			s.index[grant.LappID][grant.Kind] = append(grants[:i], grants[i+1:]...)
			break
		}
	}
}
