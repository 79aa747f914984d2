// Package sandbox executes untrusted lapp modules inside an isolated goja
// runtime. Every host function the module can reach is mediated by the
// capability checker; faults inside the runtime are caught at the boundary
// and surfaced as typed errors, never as host-process faults.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/storage"
	"github.com/lappnet/lapphost/pkg/logger"
)

// Checker admits or refuses a host-function call. Implemented by the
// capability service; consulted live on every call so revocation takes
// effect on the next call.
type Checker interface {
	Check(lappID string, kind capability.Kind, scope string) bool
}

// CallRouter routes a mediated inter-lapp call. Implemented by the registry.
type CallRouter interface {
	Call(ctx context.Context, lappID, export string, args []any) (any, error)
}

// EventSink receives application events emitted by a module for replication
// to peers. Implemented by the sync bridge.
type EventSink interface {
	Emit(ctx context.Context, lappID string, payload []byte) error
}

// Config bounds resource consumption of sandbox calls.
type Config struct {
	// CallTimeout is the wall-clock budget for a single call, including
	// module instantiation.
	CallTimeout time.Duration
	// MaxPayloadSize caps host-function payloads (file writes, emitted
	// events, HTTP bodies) in bytes.
	MaxPayloadSize int
	// MaxCallStack bounds the JS call stack depth.
	MaxCallStack int
	// DataDir is the physical root under which per-lapp filesystem scopes
	// are mapped.
	DataDir string
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1 << 20
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = 4096
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	return c
}

// Host instantiates modules and owns the shared collaborators handed to
// every instance's host-function bridge.
type Host struct {
	checker    Checker
	kv         storage.KVStore
	httpClient *http.Client
	router     CallRouter
	sink       EventSink
	cfg        Config
	log        *logger.Logger
}

// NewHost constructs a sandbox host.
func NewHost(checker Checker, kv storage.KVStore, cfg Config, log *logger.Logger) *Host {
	if log == nil {
		log = logger.NewDefault("sandbox")
	}
	return &Host{
		checker:    checker,
		kv:         kv,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cfg:        cfg.withDefaults(),
		log:        log,
	}
}

// AttachRouter injects the inter-lapp call router. Call before Instantiate.
func (h *Host) AttachRouter(router CallRouter) {
	h.router = router
}

// AttachEventSink injects the replication event sink. Call before Instantiate.
func (h *Host) AttachEventSink(sink EventSink) {
	h.sink = sink
}

// Instantiate compiles the module, validates its declared capability
// requirements against the current grants, links the granted host functions
// and runs the module's top level to bind its exports.
//
// A required capability without a matching grant fails with ErrLinkFailure
// before any code runs. Optional requirements are linked to live-checking
// host functions that return a denial value when ungranted.
func (h *Host) Instantiate(ctx context.Context, l lapp.Lapp) (*Instance, error) {
	if len(l.Module) == 0 {
		return nil, fmt.Errorf("lapp %s has no module bytes: %w", l.ID, lapp.ErrModuleInvalid)
	}

	program, err := goja.Compile(l.ID+".js", string(l.Module), true)
	if err != nil {
		return nil, fmt.Errorf("compile module for %s: %v: %w", l.ID, err, lapp.ErrModuleInvalid)
	}

	for _, req := range l.Manifest.Requires {
		if !req.Kind.Valid() {
			return nil, fmt.Errorf("lapp %s requires unknown capability %q: %w", l.ID, req.Kind, lapp.ErrModuleInvalid)
		}
		if req.Optional {
			continue
		}
		if !h.checker.Check(l.ID, req.Kind, req.Scope) {
			return nil, fmt.Errorf("lapp %s requires ungranted capability %s:%s: %w",
				l.ID, req.Kind, req.Scope, lapp.ErrLinkFailure)
		}
	}

	inst := newInstance(h, l)
	if err := inst.start(ctx, program); err != nil {
		inst.Close()
		return nil, err
	}

	h.log.Infof("instantiated lapp %s (module %s)", l.ID, shortHash(l.ModuleHash))
	return inst, nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
