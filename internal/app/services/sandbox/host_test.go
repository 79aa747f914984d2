package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	capsvc "github.com/lappnet/lapphost/internal/app/services/capability"
	"github.com/lappnet/lapphost/internal/app/storage/memory"
)

const counterModule = `
function increment() {
	var res = fs.read("/data/counter/state");
	if (res.err && res.err !== "not found") { return res; }
	var n = res.ok ? parseInt(res.ok, 10) : 0;
	n = n + 1;
	var w = fs.write("/data/counter/state", String(n));
	if (w.err) { return w; }
	return { ok: n };
}
function get() {
	var res = fs.read("/data/counter/state");
	if (res.err && res.err !== "not found") { return res; }
	return { ok: res.ok ? parseInt(res.ok, 10) : 0 };
}
`

func newTestHost(t *testing.T, grants ...capability.Grant) (*Host, *capsvc.Service) {
	t.Helper()
	store := memory.New()
	checker, err := capsvc.New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("capability service: %v", err)
	}
	for _, g := range grants {
		if _, err := checker.Grant(context.Background(), g.LappID, g.Kind, g.Scope); err != nil {
			t.Fatalf("grant %s:%s: %v", g.Kind, g.Scope, err)
		}
	}
	host := NewHost(checker, store, Config{
		CallTimeout: 2 * time.Second,
		DataDir:     t.TempDir(),
	}, nil)
	return host, checker
}

func counterLapp() lapp.Lapp {
	return lapp.Lapp{
		ID:         "counter",
		Name:       "counter",
		Module:     []byte(counterModule),
		ModuleHash: lapp.HashModule([]byte(counterModule)),
		Manifest: lapp.Manifest{
			Requires: []lapp.Requirement{
				{Kind: capability.Filesystem, Scope: "/data/counter"},
			},
			Exports: []lapp.ExportDecl{{Name: "increment"}, {Name: "get"}},
			Enabled: true,
		},
	}
}

func resultOK(t *testing.T, value any) int64 {
	t.Helper()
	obj, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T (%v)", value, value)
	}
	if errMsg, present := obj["err"]; present {
		t.Fatalf("unexpected error result: %v", errMsg)
	}
	switch v := obj["ok"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		t.Fatalf("unexpected ok value %T (%v)", obj["ok"], obj["ok"])
		return 0
	}
}

func resultErr(t *testing.T, value any) string {
	t.Helper()
	obj, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T (%v)", value, value)
	}
	msg, _ := obj["err"].(string)
	return msg
}

func TestCounterScenario(t *testing.T) {
	host, checker := newTestHost(t, capability.Grant{
		LappID: "counter", Kind: capability.Filesystem, Scope: "/data/counter",
	})

	inst, err := host.Instantiate(context.Background(), counterLapp())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	for i := 0; i < 3; i++ {
		if _, err := inst.Call(context.Background(), "increment", nil); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	value, err := inst.Call(context.Background(), "get", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := resultOK(t, value); got != 3 {
		t.Fatalf("expected counter 3, got %d", got)
	}

	// Revoke the filesystem grant; the next call must observe denial.
	grants := checker.List("counter")
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(grants))
	}
	if err := checker.Revoke(context.Background(), grants[0].ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	value, err = inst.Call(context.Background(), "increment", nil)
	if err != nil {
		t.Fatalf("increment after revoke: %v", err)
	}
	if msg := resultErr(t, value); msg != deniedMessage {
		t.Fatalf("expected %q, got %q", deniedMessage, msg)
	}
}

func TestInstantiateLinkFailure(t *testing.T) {
	host, _ := newTestHost(t) // no grants

	_, err := host.Instantiate(context.Background(), counterLapp())
	if !errors.Is(err, lapp.ErrLinkFailure) {
		t.Fatalf("expected ErrLinkFailure, got %v", err)
	}
}

func TestInstantiateOptionalUngranted(t *testing.T) {
	host, _ := newTestHost(t)

	l := counterLapp()
	l.Manifest.Requires[0].Optional = true

	inst, err := host.Instantiate(context.Background(), l)
	if err != nil {
		t.Fatalf("optional requirement should not fail instantiation: %v", err)
	}
	defer inst.Close()

	value, err := inst.Call(context.Background(), "increment", nil)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if msg := resultErr(t, value); msg != deniedMessage {
		t.Fatalf("expected %q, got %q", deniedMessage, msg)
	}
}

func TestInstantiateModuleInvalid(t *testing.T) {
	host, _ := newTestHost(t)

	l := lapp.Lapp{ID: "bad", Module: []byte("function ( {")}
	if _, err := host.Instantiate(context.Background(), l); !errors.Is(err, lapp.ErrModuleInvalid) {
		t.Fatalf("expected ErrModuleInvalid, got %v", err)
	}
}

func TestCallErrors(t *testing.T) {
	host, _ := newTestHost(t)

	module := `
var shape = { value: 42 };
function boom() { throw new Error("kaput"); }
`
	inst, err := host.Instantiate(context.Background(), lapp.Lapp{ID: "errs", Module: []byte(module)})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	if _, err := inst.Call(context.Background(), "missing", nil); !errors.Is(err, lapp.ErrNoSuchExport) {
		t.Fatalf("expected ErrNoSuchExport, got %v", err)
	}
	if _, err := inst.Call(context.Background(), "shape", nil); !errors.Is(err, lapp.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := inst.Call(context.Background(), "boom", nil); !errors.Is(err, lapp.ErrTrap) {
		t.Fatalf("expected ErrTrap, got %v", err)
	}

	// A trap must not poison the instance.
	if inst.Failed() {
		t.Fatalf("instance should remain usable after a trap")
	}
}

func TestCallTimeout(t *testing.T) {
	store := memory.New()
	checker, err := capsvc.New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("capability service: %v", err)
	}
	host := NewHost(checker, store, Config{
		CallTimeout: 50 * time.Millisecond,
		DataDir:     t.TempDir(),
	}, nil)

	module := `
function spin() { for (;;) {} }
function ping() { return { ok: 1 }; }
`
	inst, err := host.Instantiate(context.Background(), lapp.Lapp{ID: "spin", Module: []byte(module)})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	if _, err := inst.Call(context.Background(), "spin", nil); !errors.Is(err, lapp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Timeout aborts only the offending call; the instance stays usable.
	value, err := inst.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("ping after timeout: %v", err)
	}
	if got := resultOK(t, value); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestCallsAreSerialized(t *testing.T) {
	host, _ := newTestHost(t)

	module := `
var n = 0;
function inc() { var v = n; v = v + 1; n = v; return { ok: n }; }
function get() { return { ok: n }; }
`
	inst, err := host.Instantiate(context.Background(), lapp.Lapp{ID: "serial", Module: []byte(module)})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := inst.Call(context.Background(), "inc", nil); err != nil {
					errCh <- fmt.Errorf("inc: %w", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	value, err := inst.Call(context.Background(), "get", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := resultOK(t, value); got != workers*perWorker {
		t.Fatalf("expected %d, got %d: calls interleaved", workers*perWorker, got)
	}
}

func TestCancelledCallerDoesNotCorruptInstance(t *testing.T) {
	host, _ := newTestHost(t)

	module := `
var n = 0;
function inc() { n = n + 1; return { ok: n }; }
`
	inst, err := host.Instantiate(context.Background(), lapp.Lapp{ID: "cancel", Module: []byte(module)})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inst.Call(ctx, "inc", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	value, err := inst.Call(context.Background(), "inc", nil)
	if err != nil {
		t.Fatalf("inc after cancel: %v", err)
	}
	if got := resultOK(t, value); got < 1 {
		t.Fatalf("instance unusable after cancelled caller: %d", got)
	}
}

func TestDatabaseCapability(t *testing.T) {
	host, _ := newTestHost(t, capability.Grant{LappID: "kvapp", Kind: capability.Database})

	module := `
function set(k, v) { return db.put(k, v); }
function get(k) { return db.get(k); }
`
	l := lapp.Lapp{
		ID:     "kvapp",
		Module: []byte(module),
		Manifest: lapp.Manifest{
			Requires: []lapp.Requirement{{Kind: capability.Database}},
		},
	}
	inst, err := host.Instantiate(context.Background(), l)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close()

	if _, err := inst.Call(context.Background(), "set", []any{"greeting", "hello"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := inst.Call(context.Background(), "get", []any{"greeting"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	obj := value.(map[string]any)
	if obj["ok"] != "hello" {
		t.Fatalf("expected hello, got %v", obj["ok"])
	}
}
