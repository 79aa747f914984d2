// Package app assembles the lapp host: storage, capability store, sandbox
// host, registry, overlay, sync bridge and gateway, wired together and
// driven through the service manager.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lappnet/lapphost/internal/app/domain/peer"
	capsvc "github.com/lappnet/lapphost/internal/app/services/capability"
	"github.com/lappnet/lapphost/internal/app/services/gateway"
	"github.com/lappnet/lapphost/internal/app/services/overlay"
	"github.com/lappnet/lapphost/internal/app/services/registry"
	"github.com/lappnet/lapphost/internal/app/services/sandbox"
	"github.com/lappnet/lapphost/internal/app/services/syncbridge"
	"github.com/lappnet/lapphost/internal/app/storage/badgerstore"
	"github.com/lappnet/lapphost/internal/app/system"
	"github.com/lappnet/lapphost/internal/config"
	"github.com/lappnet/lapphost/pkg/logger"
)

// Application is the assembled host process.
type Application struct {
	cfg     config.Config
	log     *logger.Logger
	store   *badgerstore.Store
	manager *system.Manager
}

// New wires all components. The returned application is started with Start
// and torn down with Stop.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := badgerstore.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	caps, err := capsvc.New(ctx, store, logger.NewDefault("capability"))
	if err != nil {
		store.Close()
		return nil, err
	}

	host := sandbox.NewHost(caps, store, sandbox.Config{
		CallTimeout:    cfg.Sandbox.CallTimeout,
		MaxPayloadSize: cfg.Sandbox.MaxPayloadSize,
		MaxCallStack:   cfg.Sandbox.MaxCallStack,
		DataDir:        cfg.DataDir,
	}, logger.NewDefault("sandbox"))

	reg := registry.New(store, host, caps, logger.NewDefault("registry"))
	host.AttachRouter(reg)

	identity, err := nodeIdentity(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	ovl := overlay.New(overlay.Config{
		Identity:         identity,
		Transport:        overlay.NewTCPTransport(identity, cfg.Overlay.Addr, logger.NewDefault("overlay-tcp")),
		Watermarks:       store,
		Bootstrap:        cfg.Overlay.Bootstrap,
		AnnouncePort:     cfg.Overlay.AnnouncePort,
		AnnounceInterval: cfg.Overlay.AnnounceInterval,
		PublishRate:      cfg.Overlay.PublishRate,
	}, logger.NewDefault("overlay"))

	bridge := syncbridge.New(ovl, reg, syncbridge.Config{
		RetentionCount:  cfg.Sync.RetentionCount,
		RetentionWindow: cfg.Sync.RetentionWindow,
	}, logger.NewDefault("syncbridge"))
	reg.AttachTopicHooks(bridge)
	host.AttachEventSink(bridge)

	gw := gateway.New(cfg.HTTP.Addr, reg, caps, ovl, logger.NewDefault("gateway"))

	// The overlay comes up before the registry so topic subscriptions made
	// while lapps boot reach peers; the gateway opens last so no request
	// arrives before the lapps are serving.
	manager := system.NewManager()
	for _, svc := range []system.Service{ovl, reg, gw} {
		if err := manager.Register(svc); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &Application{cfg: cfg, log: log, store: store, manager: manager}, nil
}

// Start brings all services up.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop brings services down in reverse order and closes the store.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if closeErr := a.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// nodeIdentity resolves the overlay identity: an explicit configured seed
// wins, otherwise a seed persisted in the data directory keeps the node id
// stable across restarts, generated on first boot.
func nodeIdentity(cfg config.Config) (peer.Identity, error) {
	if cfg.Overlay.IdentitySeed != "" {
		seed, err := hex.DecodeString(cfg.Overlay.IdentitySeed)
		if err != nil {
			return peer.Identity{}, fmt.Errorf("decode identity seed: %w", err)
		}
		return peer.IdentityFromSeed(seed)
	}

	seedPath := filepath.Join(cfg.DataDir, "identity.seed")
	if raw, err := os.ReadFile(seedPath); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return peer.Identity{}, fmt.Errorf("corrupt identity seed at %s: %w", seedPath, err)
		}
		return peer.IdentityFromSeed(seed)
	}

	identity, err := peer.NewIdentity()
	if err != nil {
		return peer.Identity{}, err
	}
	seed := identity.PrivateKey.Seed()
	if err := os.WriteFile(seedPath, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return peer.Identity{}, fmt.Errorf("persist identity seed: %w", err)
	}
	return identity, nil
}
