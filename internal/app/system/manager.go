package system

import (
	"context"
	"fmt"
	"sync"
)

// Manager starts registered services in registration order and stops them in
// reverse. A service that fails to start causes the already-started services
// to be stopped before the error is returned.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. It must be called before Start.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("cannot register %s: manager already started", svc.Name())
	}
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("service %s already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts all registered services in order.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.services[j].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	m.started = true
	return nil
}

// Stop stops all services in reverse registration order. All services are
// stopped even if some fail; the first error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.services[i].Name(), err)
		}
	}
	m.started = false
	return firstErr
}
