package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	capsvc "github.com/lappnet/lapphost/internal/app/services/capability"
	"github.com/lappnet/lapphost/internal/app/services/sandbox"
	"github.com/lappnet/lapphost/internal/app/storage/memory"
)

const echoV1 = `function hello() { return { ok: "v1" }; }`
const echoV2 = `function hello() { return { ok: "v2" }; }`

type hookRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (h *hookRecorder) LappStarted(_ context.Context, lappID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, lappID)
}

func (h *hookRecorder) LappStopped(_ context.Context, lappID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, lappID)
}

type fixture struct {
	store   *memory.Store
	caps    *capsvc.Service
	host    *sandbox.Host
	svc     *Service
	hooks   *hookRecorder
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	caps, err := capsvc.New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("capability service: %v", err)
	}
	dataDir := t.TempDir()
	host := sandbox.NewHost(caps, store, sandbox.Config{
		CallTimeout: 2 * time.Second,
		DataDir:     dataDir,
	}, nil)
	hooks := &hookRecorder{}
	svc := New(store, host, caps, nil)
	svc.AttachTopicHooks(hooks)
	host.AttachRouter(svc)
	return &fixture{store: store, caps: caps, host: host, svc: svc, hooks: hooks, dataDir: dataDir}
}

func manifestWith(exports ...string) lapp.Manifest {
	m := lapp.Manifest{Enabled: true}
	for _, name := range exports {
		m.Exports = append(m.Exports, lapp.ExportDecl{Name: name})
	}
	return m
}

func okString(t *testing.T, value any) string {
	t.Helper()
	obj, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T (%v)", value, value)
	}
	s, _ := obj["ok"].(string)
	return s
}

func TestInstallStartCallStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello"))
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if l.State != lapp.StateInstalled {
		t.Fatalf("expected installed, got %s", l.State)
	}

	if _, err := f.svc.Call(ctx, "echo", "hello", nil); !errors.Is(err, lapp.ErrNotRunning) {
		t.Fatalf("call before start: expected ErrNotRunning, got %v", err)
	}

	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}
	value, err := f.svc.Call(ctx, "echo", "hello", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := okString(t, value); got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}

	if err := f.svc.StopLapp(ctx, "echo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := f.svc.Call(ctx, "echo", "hello", nil); !errors.Is(err, lapp.ErrNotRunning) {
		t.Fatalf("call after stop: expected ErrNotRunning, got %v", err)
	}

	if got, _ := f.svc.Get("echo"); got.State != lapp.StateStopped {
		t.Fatalf("expected stopped, got %s", got.State)
	}
}

func TestCallUndeclaredExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.svc.Call(ctx, "echo", "secret", nil); !errors.Is(err, lapp.ErrNoSuchExport) {
		t.Fatalf("expected ErrNoSuchExport for undeclared export, got %v", err)
	}
}

func TestStartFailureTransitionsToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := lapp.Lapp{
		ID:     "needy",
		Module: []byte(echoV1),
		Manifest: lapp.Manifest{
			Requires: []lapp.Requirement{{Kind: capability.Database}},
			Enabled:  true,
		},
	}
	if _, err := f.svc.Install(ctx, l.ID, l.Module, l.Manifest); err != nil {
		t.Fatalf("install: %v", err)
	}

	// No database grant exists, so instantiation must fail the link step.
	if err := f.svc.StartLapp(ctx, "needy"); !errors.Is(err, lapp.ErrLinkFailure) {
		t.Fatalf("expected ErrLinkFailure, got %v", err)
	}
	if got, _ := f.svc.Get("needy"); got.State != lapp.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}

	// Failed lapps only leave that state through an explicit restart.
	if err := f.svc.StartLapp(ctx, "needy"); err == nil {
		t.Fatal("start from failed should be rejected")
	}
	if _, err := f.caps.Grant(ctx, "needy", capability.Database, ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.svc.Restart(ctx, "needy"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got, _ := f.svc.Get("needy"); got.State != lapp.StateRunning {
		t.Fatalf("expected running after restart, got %s", got.State)
	}
}

func TestRestartRequiresFailedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.Restart(ctx, "echo"); err == nil {
		t.Fatal("restart of an installed lapp should be rejected")
	}
}

func TestUpdateSwapsAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}

	updated, err := f.svc.Update(ctx, "echo", []byte(echoV2), manifestWith("hello"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.State != lapp.StateRunning {
		t.Fatalf("expected running after update, got %s", updated.State)
	}
	if updated.ModuleHash != lapp.HashModule([]byte(echoV2)) {
		t.Fatal("module hash not updated")
	}

	value, err := f.svc.Call(ctx, "echo", "hello", nil)
	if err != nil {
		t.Fatalf("call after update: %v", err)
	}
	if got := okString(t, value); got != "v2" {
		t.Fatalf("expected v2 after swap, got %q", got)
	}
}

func TestUpdateFailureKeepsOldInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.svc.Update(ctx, "echo", []byte("function ( {"), manifestWith("hello")); !errors.Is(err, lapp.ErrModuleInvalid) {
		t.Fatalf("expected ErrModuleInvalid, got %v", err)
	}

	// The old instance must keep serving unchanged.
	value, err := f.svc.Call(ctx, "echo", "hello", nil)
	if err != nil {
		t.Fatalf("call after failed update: %v", err)
	}
	if got := okString(t, value); got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	if got, _ := f.svc.Get("echo"); got.State != lapp.StateRunning {
		t.Fatalf("expected running, got %s", got.State)
	}
}

func TestUpdateStoppedLappStaysStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}

	updated, err := f.svc.Update(ctx, "echo", []byte(echoV2), manifestWith("hello"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.State != lapp.StateInstalled {
		t.Fatalf("expected installed, got %s", updated.State)
	}
}

func TestUninstallRevokesGrantsAndUnsubscribes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.caps.Grant(ctx, "echo", capability.Database, ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.svc.Uninstall(ctx, "echo"); err == nil {
		t.Fatal("uninstall of a running lapp should be rejected")
	}
	if err := f.svc.StopLapp(ctx, "echo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.svc.Uninstall(ctx, "echo"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	if grants := f.caps.List("echo"); len(grants) != 0 {
		t.Fatalf("expected grants revoked, got %d", len(grants))
	}
	if _, err := f.svc.Get("echo"); !errors.Is(err, lapp.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(f.hooks.stopped) == 0 {
		t.Fatal("expected stop hook on uninstall")
	}
}

func TestTopicHookOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.svc.StartLapp(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.StopLapp(ctx, "echo"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.started) != 1 || f.hooks.started[0] != "echo" {
		t.Fatalf("unexpected start hooks: %v", f.hooks.started)
	}
	if len(f.hooks.stopped) != 1 || f.hooks.stopped[0] != "echo" {
		t.Fatalf("unexpected stop hooks: %v", f.hooks.stopped)
	}
}

func TestBootRestoresPersistedLapps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Install(ctx, "on", []byte(echoV1), manifestWith("hello")); err != nil {
		t.Fatalf("install on: %v", err)
	}
	disabled := manifestWith("hello")
	disabled.Enabled = false
	if _, err := f.svc.Install(ctx, "off", []byte(echoV1), disabled); err != nil {
		t.Fatalf("install off: %v", err)
	}

	// A fresh registry over the same store models a process restart.
	reborn := New(f.store, f.host, f.caps, nil)
	if err := reborn.Start(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer reborn.Stop(ctx)

	if got, _ := reborn.Get("on"); got.State != lapp.StateRunning {
		t.Fatalf("enabled lapp should auto-start, got %s", got.State)
	}
	if got, _ := reborn.Get("off"); got.State != lapp.StateInstalled {
		t.Fatalf("disabled lapp should stay installed, got %s", got.State)
	}

	if lapps := reborn.List(); len(lapps) != 2 {
		t.Fatalf("expected 2 lapps, got %d", len(lapps))
	}
}

func TestInterLappCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callee = `function greet(name) { return { ok: "hello " + name }; }`
	const caller = `function relay(name) { return lapps.call("callee", "greet", name); }`

	if _, err := f.svc.Install(ctx, "callee", []byte(callee), manifestWith("greet")); err != nil {
		t.Fatalf("install callee: %v", err)
	}
	callerManifest := manifestWith("relay")
	callerManifest.Requires = []lapp.Requirement{{Kind: capability.InterLappCall, Scope: "callee"}}
	if _, err := f.caps.Grant(ctx, "caller", capability.InterLappCall, "callee"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.svc.Install(ctx, "caller", []byte(caller), callerManifest); err != nil {
		t.Fatalf("install caller: %v", err)
	}

	for _, id := range []string{"callee", "caller"} {
		if err := f.svc.StartLapp(ctx, id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	value, err := f.svc.Call(ctx, "caller", "relay", []any{"world"})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T", value)
	}
	inner, ok := obj["ok"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested result, got %v", obj)
	}
	if inner["ok"] != "hello world" {
		t.Fatalf("expected hello world, got %v", inner["ok"])
	}
}

func TestMutualInterLappCallUnwinds(t *testing.T) {
	store := memory.New()
	caps, err := capsvc.New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("capability service: %v", err)
	}
	host := sandbox.NewHost(caps, store, sandbox.Config{
		CallTimeout: 300 * time.Millisecond,
		DataDir:     t.TempDir(),
	}, nil)
	svc := New(store, host, caps, nil)
	host.AttachRouter(svc)
	ctx := context.Background()

	const aModule = `function ping() { return lapps.call("b", "pong"); }
function idle() { return { ok: true }; }`
	const bModule = `function pong() { return lapps.call("a", "idle"); }`

	aManifest := manifestWith("ping", "idle")
	aManifest.Requires = []lapp.Requirement{{Kind: capability.InterLappCall, Scope: "b"}}
	bManifest := manifestWith("pong")
	bManifest.Requires = []lapp.Requirement{{Kind: capability.InterLappCall, Scope: "a"}}
	if _, err := caps.Grant(ctx, "a", capability.InterLappCall, "b"); err != nil {
		t.Fatalf("grant a: %v", err)
	}
	if _, err := caps.Grant(ctx, "b", capability.InterLappCall, "a"); err != nil {
		t.Fatalf("grant b: %v", err)
	}
	if _, err := svc.Install(ctx, "a", []byte(aModule), aManifest); err != nil {
		t.Fatalf("install a: %v", err)
	}
	if _, err := svc.Install(ctx, "b", []byte(bModule), bManifest); err != nil {
		t.Fatalf("install b: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := svc.StartLapp(ctx, id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	// a.ping waits on b.pong, which waits on a.idle: a cycle neither runner
	// can serve. Both nested calls must abandon under the call timeout so the
	// outer call returns instead of hanging both instances forever.
	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = svc.Call(ctx, "a", "ping", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("mutual inter-lapp call never unwound")
	}
	if callErr != nil && !errors.Is(callErr, lapp.ErrTimeout) {
		t.Fatalf("expected success or timeout, got %v", callErr)
	}

	// Both runners must come back healthy once the cycle breaks.
	value, err := svc.Call(ctx, "a", "idle", nil)
	if err != nil {
		t.Fatalf("call after cycle: %v", err)
	}
	obj, ok := value.(map[string]any)
	if !ok || obj["ok"] != true {
		t.Fatalf("unexpected result after cycle: %v", value)
	}
}

func TestStreamingFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := lapp.Manifest{
		Exports: []lapp.ExportDecl{{Name: "hello"}, {Name: "watch", Streaming: true}},
		Enabled: true,
	}
	if _, err := f.svc.Install(ctx, "echo", []byte(echoV1), m); err != nil {
		t.Fatalf("install: %v", err)
	}

	if f.svc.Streaming("echo", "hello") {
		t.Fatal("hello should not be streaming")
	}
	if !f.svc.Streaming("echo", "watch") {
		t.Fatal("watch should be streaming")
	}
}
