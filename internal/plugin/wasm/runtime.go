// Package wasm is the WebAssembly-backed Plugin Runtime (spec 4.4): it
// compiles and instantiates a plugin binary under wazero, wires the
// host-function import set (spec 4.3) against a Bridge authenticated as
// that plugin's own PluginId, and exposes the fixed export set as a
// pkgplugin.Plugin. Grounded structurally on the ForgePlatform reference
// runtime's host-module-per-instance wiring and on the teacher's
// runtime_internal_test.go, which survives as the only fragment of the
// original internal/plugin/wasm implementation retrieved into the pack —
// its method names (hostCall, hostLog, readBytes, readString, free,
// dispatchHostCall, defaultLoadOptions) are kept and reshaped to this
// spec's export/host-call set.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hpeXt/wasmkernel/internal/bridge"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	pkgplugin "github.com/hpeXt/wasmkernel/pkg/plugin"
)

// hostCallID selects which Bridge operation a call_host invocation targets.
// A single generic import keeps the wazero host-module surface small; the
// guest-side SDK maps its typed helpers (store_data, get_data, ...) onto
// this one import plus the dedicated log_host import (log never suspends
// and never fails observably, spec 4.3, so it gets its own fire-and-forget
// call instead of going through the Envelope-returning path).
type hostCallID uint32

const (
	callStoreData hostCallID = iota
	callGetData
	callDeleteData
	callListKeys
	callSendMessage
	callPublishMessage
	callSubscribeTopic
	callUnsubscribeTopic
)

// loadOptions configures compilation and instantiation of a plugin module.
type loadOptions struct {
	memoryLimitPages uint32
	callTimeout      time.Duration
	stepBudget       uint64
}

func defaultLoadOptions() loadOptions {
	return loadOptions{memoryLimitPages: 16, callTimeout: 30 * time.Second, stepBudget: 20_000_000}
}

// LoadOption configures Load/LoadFromFile.
type LoadOption func(*loadOptions)

// WithMemoryLimit bounds a plugin's linear memory, in 64 KiB pages.
func WithMemoryLimit(pages uint32) LoadOption {
	return func(o *loadOptions) { o.memoryLimitPages = pages }
}

// WithCallTimeout bounds how long a single export invocation may run.
func WithCallTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) { o.callTimeout = d }
}

// WithStepBudget bounds how many function calls (the export itself, any
// nested guest-to-guest calls, and every host import it makes) a single
// export activation may enter before the kernel cancels it: wazero has no
// fuel-metering API, but with WithCloseOnContextDone (set in Load) both
// its interpreter and compiler poll context cancellation at every call and
// loop back-edge, the same polling WithCallTimeout relies on for the
// wall-clock bound. Counting calls is a coarser proxy than a true
// instruction count: a loop that makes no calls never decrements the
// budget and is stopped only by the wall-clock bound.
func WithStepBudget(n uint64) LoadOption {
	return func(o *loadOptions) { o.stepBudget = n }
}

// stepBudgetKey looks up the current export activation's *stepBudgetState
// from the context a guest (or nested host) function call carries.
type stepBudgetKey struct{}

// stepBudgetState is the per-activation counter a stepBudgetListener
// decrements on every function entry. Reaching zero cancels the
// activation's context exactly once.
type stepBudgetState struct {
	remaining int64
	exceeded  atomic.Bool
	cancel    context.CancelFunc
}

// stepBudgetListenerFactory is installed once per module at instantiation;
// the budget itself is per-call, carried through context.Context by
// callExport, so one factory/listener pair serves every activation.
type stepBudgetListenerFactory struct{}

func (stepBudgetListenerFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return stepBudgetListener{}
}

type stepBudgetListener struct{}

func (stepBudgetListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) context.Context {
	if st, ok := ctx.Value(stepBudgetKey{}).(*stepBudgetState); ok {
		if atomic.AddInt64(&st.remaining, -1) <= 0 {
			st.exceeded.Store(true)
			st.cancel()
		}
	}
	return ctx
}

func (stepBudgetListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// WASMPlugin is a pkgplugin.Plugin backed by one sandboxed WebAssembly
// module instance.
type WASMPlugin struct {
	name     string
	manifest pkgplugin.Metadata

	host *bridge.Bridge

	runtime wazero.Runtime
	module  api.Module
	gkAlloc api.Function
	gkFree  api.Function

	callTimeout time.Duration
	stepBudget  uint64
}

func packPtrLen(ptr, length uint32) uint64 { return uint64(ptr)<<32 | uint64(length) }

func unpackPtrLen(v uint64) (ptr, length uint32) { return uint32(v >> 32), uint32(v) }

// LoadFromFile reads and loads a plugin binary from path.
func LoadFromFile(ctx context.Context, pluginID, path string, b *bridge.Bridge, opts ...LoadOption) (*WASMPlugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginLoad, Err: fmt.Errorf("%w: read %s: %v", kernelerr.ErrPluginLoad, path, err)}
	}
	return Load(ctx, pluginID, data, b, opts...)
}

// Load compiles and instantiates a plugin binary, wiring the host-function
// import set against b, authenticated as pluginID.
func Load(ctx context.Context, pluginID string, wasmBytes []byte, b *bridge.Bridge, opts ...LoadOption) (*WASMPlugin, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(o.memoryLimitPages).WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginLoad, Err: fmt.Errorf("%w: wasi instantiate: %v", kernelerr.ErrPluginLoad, err)}
	}

	p := &WASMPlugin{name: pluginID, host: b, runtime: rt, callTimeout: o.callTimeout, stepBudget: o.stepBudget}

	if _, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(p.hostLog).Export("log_host").
		NewFunctionBuilder().WithFunc(p.hostCall).Export("call_host").
		Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginLoad, Err: fmt.Errorf("%w: host module: %v", kernelerr.ErrPluginLoad, err)}
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginLoad, Err: fmt.Errorf("%w: compile: %v", kernelerr.ErrPluginLoad, err)}
	}

	cfg := wazero.NewModuleConfig().WithName(pluginID).WithStdout(os.Stdout).WithStderr(os.Stderr)
	ictx := experimental.WithFunctionListenerFactory(ctx, stepBudgetListenerFactory{})
	mod, err := rt.InstantiateModule(ictx, compiled, cfg)
	if err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: instantiate: %v", kernelerr.ErrPluginAbi, err)}
	}
	p.module = mod
	p.gkAlloc = mod.ExportedFunction("gk_alloc")
	p.gkFree = mod.ExportedFunction("gk_free")
	if p.gkAlloc == nil || p.gkFree == nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: missing gk_alloc/gk_free export", kernelerr.ErrPluginAbi)}
	}

	meta, err := p.callExport(ctx, "metadata")
	if err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: metadata export: %v", kernelerr.ErrPluginAbi, err)}
	}
	var m pkgplugin.Metadata
	if err := json.Unmarshal(meta, &m); err != nil {
		rt.Close(ctx)
		return nil, &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: metadata decode: %v", kernelerr.ErrPluginAbi, err)}
	}
	p.manifest = m

	return p, nil
}

// --- pkgplugin.Plugin ---

func (p *WASMPlugin) Metadata() pkgplugin.Metadata { return p.manifest }

func (p *WASMPlugin) Initialize(ctx context.Context, config json.RawMessage) error {
	ptr, length, err := p.writeArg(ctx, config)
	if err != nil {
		return &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: initialize arg: %v", kernelerr.ErrPluginAbi, err)}
	}
	resp, err := p.callExport(ctx, "initialize", uint64(ptr), uint64(length))
	if err != nil {
		if errors.Is(err, pkgplugin.ErrNotExported) {
			return &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: initialize not exported", kernelerr.ErrPluginAbi)}
		}
		return err
	}
	return envelopeErr(p.name, resp)
}

func (p *WASMPlugin) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	req, _ := json.Marshal(struct {
		From    string          `json:"from"`
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}{from, topic, payload})
	ptr, length, err := p.writeArg(ctx, req)
	if err != nil {
		return &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: handle_message arg: %v", kernelerr.ErrPluginAbi, err)}
	}
	resp, err := p.callExport(ctx, "handle_message", uint64(ptr), uint64(length))
	if err != nil {
		if errors.Is(err, pkgplugin.ErrNotExported) {
			return &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: handle_message not exported", kernelerr.ErrPluginAbi)}
		}
		return err
	}
	return envelopeErr(p.name, resp)
}

func (p *WASMPlugin) Tick(ctx context.Context) error {
	resp, err := p.callExport(ctx, "tick")
	if err != nil {
		return err // may be pkgplugin.ErrNotExported; caller treats as no-op
	}
	return envelopeErr(p.name, resp)
}

func (p *WASMPlugin) Shutdown(ctx context.Context) error {
	resp, err := p.callExport(ctx, "shutdown")
	if err != nil {
		if errors.Is(err, pkgplugin.ErrNotExported) {
			return nil
		}
		return err
	}
	return envelopeErr(p.name, resp)
}

func (p *WASMPlugin) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.callExport(ctx, "health_check")
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if !env.Ok {
		return nil, &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginDomain, Err: fmt.Errorf("%w: %s", kernelerr.ErrPluginDomain, env.Error)}
	}
	return env.Value, nil
}

func (p *WASMPlugin) GetStats(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.callExport(ctx, "get_stats")
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if !env.Ok {
		return nil, &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginDomain, Err: fmt.Errorf("%w: %s", kernelerr.ErrPluginDomain, env.Error)}
	}
	return env.Value, nil
}

func (p *WASMPlugin) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func decodeEnvelope(data json.RawMessage) (bridge.Envelope, error) {
	if len(data) == 0 {
		return bridge.Envelope{Ok: true}, nil
	}
	var env bridge.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bridge.Envelope{}, err
	}
	return env, nil
}

func envelopeErr(pluginID string, data json.RawMessage) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		return &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: result decode: %v", kernelerr.ErrPluginAbi, err)}
	}
	if !env.Ok {
		return &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginDomain, Err: fmt.Errorf("%w: %s", kernelerr.ErrPluginDomain, env.Error)}
	}
	return nil
}

// --- guest memory helpers ---

func (p *WASMPlugin) readBytes(ptr, length uint32) ([]byte, bool) {
	if p.module == nil || length == 0 {
		return nil, p.module != nil
	}
	return p.module.Memory().Read(ptr, length)
}

func (p *WASMPlugin) readString(ptr, length uint32) (string, bool) {
	b, ok := p.readBytes(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeArg allocates guest memory via gk_alloc and copies data into it,
// returning the (ptr, len) pair an export function expects as arguments.
func (p *WASMPlugin) writeArg(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	res, err := p.gkAlloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	ptr := uint32(res[0])
	if !p.module.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("wasm: write out of bounds at %d (%d bytes)", ptr, len(data))
	}
	return ptr, uint32(len(data)), nil
}

func (p *WASMPlugin) free(ptr uint32) {
	if p.gkFree == nil || ptr == 0 {
		return
	}
	p.gkFree.Call(context.Background(), uint64(ptr))
}

// callExport invokes a guest export returning a packed (ptr,len) result,
// reads the result bytes, frees the guest allocation, and returns a copy.
// Returns pkgplugin.ErrNotExported when the plugin declares no such export.
func (p *WASMPlugin) callExport(ctx context.Context, name string, args ...uint64) (json.RawMessage, error) {
	fn := p.module.ExportedFunction(name)
	if fn == nil {
		return nil, pkgplugin.ErrNotExported
	}
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	cctx, budgetCancel := context.WithCancel(cctx)
	defer budgetCancel()
	budget := &stepBudgetState{remaining: int64(p.stepBudget), cancel: budgetCancel}
	cctx = context.WithValue(cctx, stepBudgetKey{}, budget)

	results, err := fn.Call(cctx, args...)
	if err != nil {
		if budget.exceeded.Load() {
			return nil, &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginTrap, Err: fmt.Errorf("%w: %s: exceeded %d steps", kernelerr.ErrPluginStepBudget, name, p.stepBudget)}
		}
		return nil, &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginTrap, Err: fmt.Errorf("%w: %s: %v", kernelerr.ErrPluginTrap, name, err)}
	}
	if len(results) == 0 {
		return nil, nil
	}
	ptr, length := unpackPtrLen(results[0])
	if length == 0 {
		return nil, nil
	}
	data, ok := p.readBytes(ptr, length)
	if !ok {
		return nil, &kernelerr.PluginError{Plugin: p.name, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: %s: result out of bounds", kernelerr.ErrPluginAbi, name)}
	}
	out := append(json.RawMessage(nil), data...)
	p.free(ptr)
	return out, nil
}

// --- host-function imports ---

// hostLog is the log_host import. It never suspends and never fails
// observably to the plugin (spec 4.3).
func (p *WASMPlugin) hostLog(ctx context.Context, levelPtr, levelLen, msgPtr, msgLen, fieldsPtr, fieldsLen uint32) {
	if p.host == nil {
		return
	}
	level, _ := p.readString(levelPtr, levelLen)
	msg, _ := p.readString(msgPtr, msgLen)
	var fields map[string]any
	if raw, ok := p.readBytes(fieldsPtr, fieldsLen); ok && len(raw) > 0 {
		_ = json.Unmarshal(raw, &fields)
	}
	p.host.Log(p.name, level, msg, fields)
}

// hostCall is the call_host import: every Bridge operation other than log
// goes through this single generic dispatch, keyed by fnID.
func (p *WASMPlugin) hostCall(ctx context.Context, fnID uint32, reqPtr uint32, reqLen uint32) uint64 {
	if p.host == nil || p.module == nil {
		return 0
	}
	reqJSON, ok := p.readBytes(reqPtr, reqLen)
	if !ok {
		return 0
	}
	env, err := p.dispatchHostCall(ctx, hostCallID(fnID), reqJSON)
	if err != nil {
		env = bridge.Envelope{Ok: false, Error: err.Error()}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	wptr, wlen, err := p.writeArg(ctx, data)
	if err != nil {
		return 0
	}
	return packPtrLen(wptr, wlen)
}

// dispatchHostCall routes a call_host invocation to the matching Bridge
// method, authenticated as this plugin's own name.
func (p *WASMPlugin) dispatchHostCall(ctx context.Context, id hostCallID, reqJSON []byte) (bridge.Envelope, error) {
	switch id {
	case callStoreData:
		var req struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.StoreData(ctx, p.name, req.Key, req.Value), nil

	case callGetData:
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.GetData(ctx, p.name, req.Key), nil

	case callDeleteData:
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.DeleteData(ctx, p.name, req.Key), nil

	case callListKeys:
		return p.host.ListKeys(ctx, p.name), nil

	case callSendMessage:
		var req bridge.SendRequest
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.SendMessage(ctx, p.name, req), nil

	case callPublishMessage:
		var req bridge.SendRequest
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.PublishMessage(ctx, p.name, req), nil

	case callSubscribeTopic:
		var req struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.SubscribeTopic(ctx, p.name, req.Topic), nil

	case callUnsubscribeTopic:
		var req struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return bridge.Envelope{}, err
		}
		return p.host.UnsubscribeTopic(ctx, p.name, req.Topic), nil

	default:
		return bridge.Envelope{}, fmt.Errorf("wasm: unknown host call id %d", id)
	}
}
