package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/metrics"
)

// interruptTimeout is the sentinel handed to vm.Interrupt when a call
// exceeds its wall-clock budget, so a timeout abort can be told apart from
// any other interruption.
const interruptTimeout = "call timeout"

type callResult struct {
	value any
	err   error
}

type callRequest struct {
	export string
	args   []any
	resp   chan callResult
}

// Instance is one isolated run of a lapp module. All access to the goja
// runtime is funneled through a single runner goroutine, so calls into one
// instance observe a total order and the module never sees concurrent
// access to its memory.
type Instance struct {
	lappID   string
	manifest lapp.Manifest
	host     *Host

	calls chan *callRequest
	done  chan struct{}

	failed    atomic.Bool
	closeOnce sync.Once

	pushMu   sync.Mutex
	pushSubs map[chan<- []byte]struct{}

	// vm is owned exclusively by the runner goroutine.
	vm *goja.Runtime
}

func newInstance(h *Host, l lapp.Lapp) *Instance {
	return &Instance{
		lappID:   l.ID,
		manifest: l.Manifest,
		host:     h,
		calls:    make(chan *callRequest, 16),
		done:     make(chan struct{}),
		pushSubs: make(map[chan<- []byte]struct{}),
	}
}

// LappID returns the owning lapp's id.
func (i *Instance) LappID() string { return i.lappID }

// Failed reports whether the instance hit an irrecoverable fault and must be
// restarted before serving further calls.
func (i *Instance) Failed() bool { return i.failed.Load() }

// start launches the runner goroutine and waits for it to build the runtime
// and execute the module's top level.
func (i *Instance) start(ctx context.Context, program *goja.Program) error {
	initCh := make(chan error, 1)
	go i.run(program, initCh)

	select {
	case err := <-initCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) run(program *goja.Program, initCh chan<- error) {
	defer close(i.done)

	vm := goja.New()
	vm.SetMaxCallStackSize(i.host.cfg.MaxCallStack)
	i.vm = vm

	if err := bindHostFunctions(vm, i); err != nil {
		initCh <- fmt.Errorf("link host functions for %s: %v: %w", i.lappID, err, lapp.ErrLinkFailure)
		return
	}

	if err := i.runGuarded(func() error {
		_, err := vm.RunProgram(program)
		return err
	}); err != nil {
		initCh <- fmt.Errorf("module top level for %s: %w", i.lappID, translateVMError(err))
		return
	}
	initCh <- nil

	for req := range i.calls {
		req.resp <- i.execute(req)
	}
}

// Call invokes an exported function. Calls into the same instance are
// serialized; cancellation of ctx abandons the wait but lets the in-flight
// call run to completion so the instance is never left mid-mutation.
func (i *Instance) Call(ctx context.Context, export string, args []any) (any, error) {
	if i.failed.Load() {
		return nil, fmt.Errorf("instance for %s has failed: %w", i.lappID, lapp.ErrNotRunning)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &callRequest{export: export, args: args, resp: make(chan callResult, 1)}
	start := time.Now()

	select {
	case i.calls <- req:
	case <-i.done:
		return nil, fmt.Errorf("instance for %s is closed: %w", i.lappID, lapp.ErrNotRunning)
	case <-ctx.Done():
		metrics.RecordSandboxCall("cancelled", time.Since(start))
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resp:
		metrics.RecordSandboxCall(outcomeLabel(res.err), time.Since(start))
		return res.value, res.err
	case <-ctx.Done():
		metrics.RecordSandboxCall("cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

func (i *Instance) execute(req *callRequest) (res callResult) {
	defer func() {
		if r := recover(); r != nil {
			i.failed.Store(true)
			i.host.log.Errorf("sandbox panic in %s.%s: %v", i.lappID, req.export, r)
			res = callResult{err: fmt.Errorf("sandbox fault in %s: %w", req.export, lapp.ErrTrap)}
		}
	}()

	exported := i.vm.Get(req.export)
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return callResult{err: fmt.Errorf("export %q: %w", req.export, lapp.ErrNoSuchExport)}
	}
	fn, ok := goja.AssertFunction(exported)
	if !ok {
		return callResult{err: fmt.Errorf("export %q is not callable: %w", req.export, lapp.ErrTypeMismatch)}
	}

	gojaArgs := make([]goja.Value, len(req.args))
	for idx, arg := range req.args {
		gojaArgs[idx] = i.vm.ToValue(arg)
	}

	var value goja.Value
	err := i.runGuarded(func() error {
		var callErr error
		value, callErr = fn(goja.Undefined(), gojaArgs...)
		return callErr
	})
	if err != nil {
		return callResult{err: translateVMError(err)}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return callResult{}
	}
	return callResult{value: value.Export()}
}

// runGuarded runs fn under the call timeout, interrupting the runtime when
// the budget is exceeded. Host functions in flight always run to completion;
// the interrupt lands at the next JS instruction.
func (i *Instance) runGuarded(fn func() error) error {
	timer := time.AfterFunc(i.host.cfg.CallTimeout, func() {
		i.vm.Interrupt(interruptTimeout)
	})
	defer func() {
		timer.Stop()
		i.vm.ClearInterrupt()
	}()
	return fn()
}

func translateVMError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == interruptTimeout {
			return fmt.Errorf("%v: %w", err, lapp.ErrTimeout)
		}
		return fmt.Errorf("%v: %w", err, lapp.ErrTrap)
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return fmt.Errorf("call stack exhausted: %w", lapp.ErrTrap)
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("%v: %w", err, lapp.ErrTrap)
	}
	return fmt.Errorf("%v: %w", err, lapp.ErrTrap)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lapp.ErrTimeout):
		return "timeout"
	case errors.Is(err, lapp.ErrTrap):
		return "trap"
	case errors.Is(err, lapp.ErrCapabilityDenied):
		return "capability_denied"
	case errors.Is(err, lapp.ErrNoSuchExport):
		return "no_such_export"
	case errors.Is(err, lapp.ErrTypeMismatch):
		return "type_mismatch"
	default:
		return "error"
	}
}

// SubscribePush registers a channel for asynchronous push messages emitted
// by streaming exports. The returned function unsubscribes. Slow consumers
// lose messages rather than blocking the runner.
func (i *Instance) SubscribePush(ch chan<- []byte) func() {
	i.pushMu.Lock()
	i.pushSubs[ch] = struct{}{}
	i.pushMu.Unlock()

	return func() {
		i.pushMu.Lock()
		delete(i.pushSubs, ch)
		i.pushMu.Unlock()
	}
}

func (i *Instance) publishPush(payload []byte) {
	i.pushMu.Lock()
	defer i.pushMu.Unlock()

	for ch := range i.pushSubs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Close drains queued calls and stops the runner. Safe to call repeatedly.
func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		close(i.calls)
	})
	<-i.done
}
