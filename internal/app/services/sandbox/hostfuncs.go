package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
)

// Host-function bridge. Every function that touches a mediated resource
// checks the capability store first and returns a structured {err: ...}
// value into the sandbox on denial, so well-behaved modules can branch on it
// instead of trapping.

const deniedMessage = "capability denied"

func bindHostFunctions(vm *goja.Runtime, inst *Instance) error {
	kinds := manifestKinds(inst.manifest.Requires)

	if kinds[capability.Filesystem] {
		if err := bindFilesystem(vm, inst); err != nil {
			return err
		}
	}
	if kinds[capability.NetworkEgress] {
		if err := bindNetwork(vm, inst); err != nil {
			return err
		}
	}
	if kinds[capability.Database] {
		if err := bindDatabase(vm, inst); err != nil {
			return err
		}
	}
	if kinds[capability.InterLappCall] {
		if err := bindLappCall(vm, inst); err != nil {
			return err
		}
	}
	return bindUtility(vm, inst, kinds[capability.Sleep])
}

func manifestKinds(requires []lapp.Requirement) map[capability.Kind]bool {
	kinds := make(map[capability.Kind]bool, len(requires))
	for _, req := range requires {
		kinds[req.Kind] = true
	}
	return kinds
}

func okValue(vm *goja.Runtime, value any) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("ok", value)
	return obj
}

func errValue(vm *goja.Runtime, message string) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("err", message)
	return obj
}

func deniedValue(vm *goja.Runtime) goja.Value {
	return errValue(vm, deniedMessage)
}

// bindFilesystem exposes fs.read/write/remove/exists over the lapp's granted
// subtree. Scopes are virtual absolute paths; the host maps them under its
// data directory. Writes go through a temp file and rename so a cancelled
// call never leaves a half-written file behind.
func bindFilesystem(vm *goja.Runtime, inst *Instance) error {
	fs := vm.NewObject()

	resolve := func(raw string) (virtual, physical string, ok bool) {
		virtual = path.Clean("/" + strings.TrimPrefix(raw, "/"))
		if !inst.host.checker.Check(inst.lappID, capability.Filesystem, virtual) {
			return virtual, "", false
		}
		physical = filepath.Join(inst.host.cfg.DataDir, "fs", filepath.FromSlash(virtual))
		return virtual, physical, true
	}

	if err := fs.Set("read", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "fs.read requires a path")
		}
		_, physical, ok := resolve(call.Arguments[0].String())
		if !ok {
			return deniedValue(vm)
		}
		data, err := os.ReadFile(physical)
		if err != nil {
			if os.IsNotExist(err) {
				return errValue(vm, "not found")
			}
			return errValue(vm, "read failed")
		}
		return okValue(vm, string(data))
	}); err != nil {
		return err
	}

	if err := fs.Set("write", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return errValue(vm, "fs.write requires a path and data")
		}
		_, physical, ok := resolve(call.Arguments[0].String())
		if !ok {
			return deniedValue(vm)
		}
		data := []byte(call.Arguments[1].String())
		if len(data) > inst.host.cfg.MaxPayloadSize {
			return errValue(vm, "payload too large")
		}
		if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
			return errValue(vm, "write failed")
		}
		tmp := physical + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return errValue(vm, "write failed")
		}
		if err := os.Rename(tmp, physical); err != nil {
			_ = os.Remove(tmp)
			return errValue(vm, "write failed")
		}
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	if err := fs.Set("remove", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "fs.remove requires a path")
		}
		_, physical, ok := resolve(call.Arguments[0].String())
		if !ok {
			return deniedValue(vm)
		}
		if err := os.Remove(physical); err != nil && !os.IsNotExist(err) {
			return errValue(vm, "remove failed")
		}
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	if err := fs.Set("exists", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "fs.exists requires a path")
		}
		_, physical, ok := resolve(call.Arguments[0].String())
		if !ok {
			return deniedValue(vm)
		}
		_, err := os.Stat(physical)
		return okValue(vm, err == nil)
	}); err != nil {
		return err
	}

	return vm.Set("fs", fs)
}

// bindNetwork exposes net.fetch restricted to granted egress hosts.
func bindNetwork(vm *goja.Runtime, inst *Instance) error {
	netObj := vm.NewObject()

	if err := netObj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "net.fetch requires a url")
		}
		rawURL := call.Arguments[0].String()
		parsed, err := url.Parse(rawURL)
		if err != nil || parsed.Hostname() == "" {
			return errValue(vm, "invalid url")
		}
		if !inst.host.checker.Check(inst.lappID, capability.NetworkEgress, parsed.Hostname()) {
			return deniedValue(vm)
		}

		resp, err := inst.host.httpClient.Get(rawURL)
		if err != nil {
			return errValue(vm, "fetch failed")
		}
		defer resp.Body.Close()

		body := make([]byte, 0, 4096)
		buf := make([]byte, 4096)
		for len(body) <= inst.host.cfg.MaxPayloadSize {
			n, readErr := resp.Body.Read(buf)
			body = append(body, buf[:n]...)
			if readErr != nil {
				break
			}
		}
		if len(body) > inst.host.cfg.MaxPayloadSize {
			return errValue(vm, "response too large")
		}

		result := vm.NewObject()
		_ = result.Set("status", resp.StatusCode)
		_ = result.Set("body", string(body))
		return okValue(vm, result)
	}); err != nil {
		return err
	}

	return vm.Set("net", netObj)
}

// bindDatabase exposes the lapp's private key-value namespace.
func bindDatabase(vm *goja.Runtime, inst *Instance) error {
	db := vm.NewObject()

	if err := db.Set("get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "db.get requires a key")
		}
		if !inst.host.checker.Check(inst.lappID, capability.Database, "") {
			return deniedValue(vm)
		}
		value, found, err := inst.host.kv.KVGet(context.Background(), inst.lappID, call.Arguments[0].String())
		if err != nil {
			return errValue(vm, "get failed")
		}
		if !found {
			return okValue(vm, goja.Null())
		}
		return okValue(vm, string(value))
	}); err != nil {
		return err
	}

	if err := db.Set("put", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return errValue(vm, "db.put requires a key and value")
		}
		if !inst.host.checker.Check(inst.lappID, capability.Database, "") {
			return deniedValue(vm)
		}
		value := []byte(call.Arguments[1].String())
		if len(value) > inst.host.cfg.MaxPayloadSize {
			return errValue(vm, "payload too large")
		}
		if err := inst.host.kv.KVPut(context.Background(), inst.lappID, call.Arguments[0].String(), value); err != nil {
			return errValue(vm, "put failed")
		}
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	if err := db.Set("del", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return errValue(vm, "db.del requires a key")
		}
		if !inst.host.checker.Check(inst.lappID, capability.Database, "") {
			return deniedValue(vm)
		}
		if err := inst.host.kv.KVDelete(context.Background(), inst.lappID, call.Arguments[0].String()); err != nil {
			return errValue(vm, "del failed")
		}
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	return vm.Set("db", db)
}

// bindLappCall exposes mediated calls to other lapps. There are no direct
// references between instances; the router serializes the call through the
// target's own queue.
func bindLappCall(vm *goja.Runtime, inst *Instance) error {
	lapps := vm.NewObject()

	if err := lapps.Set("call", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return errValue(vm, "lapps.call requires a target and export")
		}
		target := call.Arguments[0].String()
		export := call.Arguments[1].String()
		if target == inst.lappID {
			// A call back into this instance would wait on its own queue.
			return errValue(vm, "self call not allowed")
		}
		if !inst.host.checker.Check(inst.lappID, capability.InterLappCall, target) {
			return deniedValue(vm)
		}
		if inst.host.router == nil {
			return errValue(vm, "call routing unavailable")
		}

		var args []any
		for _, arg := range call.Arguments[2:] {
			args = append(args, arg.Export())
		}
		// The nested call carries its own wall-clock budget. Without it a
		// cycle of calls (a -> b -> a) would block every runner involved
		// forever: the caller's interrupt cannot land while its runner sits
		// inside this host function.
		ctx, cancel := context.WithTimeout(context.Background(), inst.host.cfg.CallTimeout)
		defer cancel()
		result, err := inst.host.router.Call(ctx, target, export, args)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errValue(vm, "call timed out")
			}
			return errValue(vm, "call failed")
		}
		return okValue(vm, vm.ToValue(result))
	}); err != nil {
		return err
	}

	return vm.Set("lapps", lapps)
}

// bindUtility exposes host.log, host.sleep, events.emit and events.push.
// Logging and event emission are always linked; sleep is capability-gated.
func bindUtility(vm *goja.Runtime, inst *Instance, sleepLinked bool) error {
	hostObj := vm.NewObject()

	if err := hostObj.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for idx, arg := range call.Arguments {
			parts[idx] = arg.String()
		}
		inst.host.log.WithField("lapp", inst.lappID).Info(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if sleepLinked {
		if err := hostObj.Set("sleep", func(call goja.FunctionCall) goja.Value {
			if !inst.host.checker.Check(inst.lappID, capability.Sleep, "") {
				return deniedValue(vm)
			}
			ms := int64(0)
			if len(call.Arguments) > 0 {
				ms = call.Arguments[0].ToInteger()
			}
			d := time.Duration(ms) * time.Millisecond
			if d > inst.host.cfg.CallTimeout {
				d = inst.host.cfg.CallTimeout
			}
			if d > 0 {
				time.Sleep(d)
			}
			return okValue(vm, true)
		}); err != nil {
			return err
		}
	}

	if err := vm.Set("host", hostObj); err != nil {
		return err
	}

	events := vm.NewObject()

	if err := events.Set("emit", func(call goja.FunctionCall) goja.Value {
		payload, err := exportPayload(call, inst.host.cfg.MaxPayloadSize)
		if err != nil {
			return errValue(vm, err.Error())
		}
		if inst.host.sink == nil {
			return errValue(vm, "replication unavailable")
		}
		if err := inst.host.sink.Emit(context.Background(), inst.lappID, payload); err != nil {
			return errValue(vm, "emit failed")
		}
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	if err := events.Set("push", func(call goja.FunctionCall) goja.Value {
		payload, err := exportPayload(call, inst.host.cfg.MaxPayloadSize)
		if err != nil {
			return errValue(vm, err.Error())
		}
		inst.publishPush(payload)
		return okValue(vm, true)
	}); err != nil {
		return err
	}

	return vm.Set("events", events)
}

func exportPayload(call goja.FunctionCall, maxSize int) ([]byte, error) {
	if len(call.Arguments) < 1 {
		return nil, fmt.Errorf("payload required")
	}
	payload, err := json.Marshal(call.Arguments[0].Export())
	if err != nil {
		return nil, fmt.Errorf("payload not serializable")
	}
	if len(payload) > maxSize {
		return nil, fmt.Errorf("payload too large")
	}
	return payload, nil
}
