// Package scene implements the scene runtime: a sandboxed per-scene
// JavaScript isolate with a fixed set of host ops, the tick pipeline that
// shuttles CRDT frames between the scene script and the host, and the
// lifecycle manager that owns active scenes.
package scene

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
	"github.com/orbisworld/orbis/internal/httpclient"
)

// A scene script is main.js wrapped in a module shim that exposes
// module.exports. The script registers its entry points there:
//
//	module.exports.onStart  = function() { ... }        // optional
//	module.exports.onUpdate = function(dt) { ... }      // required
//
// Host calls are reached through require(module) against a fixed module
// allowlist; byte payloads cross the boundary as ArrayBuffers. Ops that may
// suspend (fetch, websockets) return a handle at call time and are polled on
// later ticks; the pure CRDT ops are synchronous.

const (
	logLevelInfo  = 0
	logLevelError = 1

	// After this many consecutive script failures further logging is
	// suppressed; the scene continues ticking.
	maxVerboseScriptErrors = 10

	sceneFetchTimeout = 30 * time.Second
)

// LogEntry is one bounded scene log line.
type LogEntry struct {
	Level   int
	Message string
}

// RestrictedAction is a gated action requested by the scene, forwarded to
// the host for focus/origin validation.
type RestrictedAction struct {
	Kind    string // "teleport", "move_player_to", "open_external_url"
	X, Y, Z float32
	URL     string
}

// CommsOutgoing is one scene-bus message emitted by the script.
type CommsOutgoing struct {
	Bus     string `json:"bus"`
	Message string `json:"message"`
}

// hostState is the per-VM op state, touched only on the scene thread except
// where noted.
type hostState struct {
	// crdt buffers
	outgoingFrames []byte
	incomingFrames []byte

	// bounded log stream
	logs   []LogEntry
	logCap int

	// event bus
	subscriptions map[uint32]bool
	pendingEvents []json.RawMessage

	// scene message bus
	commsOut []CommsOutgoing
	commsMu  sync.Mutex
	commsIn  []string

	actions []RestrictedAction

	signer   *identity.Identity
	client   *httpclient.Client
	fetchCtx context.Context

	// in-flight scene fetches, resolved by handle across ticks
	fetchesMu sync.Mutex
	fetches   map[uint32]*sceneFetch
	nextFetch uint32

	// outbound scene sockets
	socketsMu  sync.Mutex
	sockets    map[uint32]*sceneSocket
	nextSocket uint32

	logger *zap.SugaredLogger
}

// VM is one scene isolate: a dedicated JavaScript runtime with the scene
// script loaded against the host op modules. Not safe for concurrent use;
// the owning scene thread is the only caller (Interrupt and
// EnqueueCommsMessages excepted).
type VM struct {
	rt   *goja.Runtime
	host *hostState

	modules map[string]*goja.Object

	onStart  goja.Callable
	onUpdate goja.Callable
}

// VMConfig carries the per-scene sandbox parameters.
type VMConfig struct {
	Source       []byte
	AllowedHosts []string
	Signer       *identity.Identity
	Logger       *zap.SugaredLogger
}

// NewVM loads main.js in a fresh isolate. The script runs once at load time
// inside the module shim; its exported entry points are resolved here.
func NewVM(ctx context.Context, cfg VMConfig) (*VM, error) {
	host := &hostState{
		logCap:        1000,
		subscriptions: make(map[uint32]bool),
		signer:        cfg.Signer,
		client: httpclient.NewWithOptions(sceneFetchTimeout, httpclient.Options{
			AllowedHosts: cfg.AllowedHosts,
		}),
		fetchCtx: ctx,
		logger:   cfg.Logger,
	}

	vm := &VM{rt: goja.New(), host: host}
	vm.installModules()

	prog, err := goja.Compile("main.js",
		"(function(module, exports, require) {\n"+string(cfg.Source)+"\n})", false)
	if err != nil {
		return nil, errors.Wrap(err, "scene script compile failed")
	}

	shimVal, err := vm.rt.RunProgram(prog)
	if err != nil {
		return nil, errors.Wrap(err, "scene script load failed")
	}
	shim, ok := goja.AssertFunction(shimVal)
	if !ok {
		return nil, errors.New("scene module shim did not produce a function")
	}

	module := vm.rt.NewObject()
	exports := vm.rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, errors.Wrap(err, "failed to seed module object")
	}

	if _, err := shim(goja.Undefined(), module, exports, vm.rt.ToValue(vm.require)); err != nil {
		return nil, errors.Wrap(err, "scene script threw at load")
	}

	// The script may have reassigned module.exports
	exportsVal := module.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) || goja.IsNull(exportsVal) {
		return nil, errors.New("scene script cleared module.exports")
	}
	exported := exportsVal.ToObject(vm.rt)

	onUpdate, ok := goja.AssertFunction(exported.Get("onUpdate"))
	if !ok {
		return nil, errors.New("scene script exports no onUpdate entry point")
	}
	vm.onUpdate = onUpdate
	if onStart, ok := goja.AssertFunction(exported.Get("onStart")); ok {
		vm.onStart = onStart
	}

	return vm, nil
}

// Close terminates the isolate and its outbound sockets.
func (vm *VM) Close(ctx context.Context) error {
	vm.host.closeAllSockets()
	return nil
}

// Interrupt aborts script execution in flight. Safe to call from the host
// thread during teardown.
func (vm *VM) Interrupt() {
	vm.rt.Interrupt("scene dying")
}

// require resolves a module from the fixed allowlist.
func (vm *VM) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	mod, ok := vm.modules[name]
	if !ok {
		panic(vm.rt.NewTypeError("module %q is not in the allowlist", name))
	}
	return mod
}

// installModules builds the fixed op modules and the console shim.
func (vm *VM) installModules() {
	rt := vm.rt

	engine := rt.NewObject()
	engine.Set("crdt_send_to_renderer", vm.opCrdtSend)
	engine.Set("crdt_recv_from_renderer", vm.opCrdtRecv)

	comms := rt.NewObject()
	comms.Set("comms_send_string", vm.opCommsSend)
	comms.Set("comms_recv_batch", vm.opCommsRecv)

	events := rt.NewObject()
	events.Set("subscribe", vm.opSubscribe)
	events.Set("unsubscribe", vm.opUnsubscribe)
	events.Set("send_batch", vm.opEventsBatch)

	restricted := rt.NewObject()
	restricted.Set("teleport", vm.opTeleport)
	restricted.Set("movePlayerTo", vm.opMovePlayerTo)
	restricted.Set("openExternalUrl", vm.opOpenExternalURL)

	id := rt.NewObject()
	id.Set("sign", vm.opSign)

	net := rt.NewObject()
	net.Set("fetch", vm.opFetch)
	net.Set("fetch_poll", vm.opFetchPoll)
	net.Set("websocket_connect", vm.opWsConnect)
	net.Set("websocket_send", vm.opWsSend)
	net.Set("websocket_poll", vm.opWsPoll)
	net.Set("websocket_close", vm.opWsClose)

	vm.modules = map[string]*goja.Object{
		"engine":     engine,
		"comms":      comms,
		"events":     events,
		"restricted": restricted,
		"identity":   id,
		"net":        net,
	}

	console := rt.NewObject()
	console.Set("log", vm.opLog)
	console.Set("warn", vm.opLog)
	console.Set("error", vm.opError)
	rt.Set("console", console)
}

// bytesArg extracts a byte payload from an ArrayBuffer or string argument.
func (vm *VM) bytesArg(v goja.Value) []byte {
	switch e := v.Export().(type) {
	case goja.ArrayBuffer:
		return e.Bytes()
	case []byte:
		return e
	case string:
		return []byte(e)
	}
	return nil
}

func (vm *VM) opCrdtSend(call goja.FunctionCall) goja.Value {
	data := vm.bytesArg(call.Argument(0))
	vm.host.outgoingFrames = append(vm.host.outgoingFrames, data...)
	return goja.Undefined()
}

func (vm *VM) opCrdtRecv(call goja.FunctionCall) goja.Value {
	data := vm.host.incomingFrames
	vm.host.incomingFrames = nil
	if len(data) == 0 {
		return goja.Null()
	}
	return vm.rt.ToValue(vm.rt.NewArrayBuffer(data))
}

func (vm *VM) opCommsSend(call goja.FunctionCall) goja.Value {
	vm.host.commsOut = append(vm.host.commsOut, CommsOutgoing{
		Bus:     call.Argument(0).String(),
		Message: call.Argument(1).String(),
	})
	return goja.Undefined()
}

func (vm *VM) opCommsRecv(call goja.FunctionCall) goja.Value {
	vm.host.commsMu.Lock()
	batch := vm.host.commsIn
	vm.host.commsIn = nil
	vm.host.commsMu.Unlock()
	if batch == nil {
		batch = []string{}
	}
	return vm.rt.ToValue(batch)
}

func (vm *VM) opSubscribe(call goja.FunctionCall) goja.Value {
	vm.host.subscriptions[uint32(call.Argument(0).ToInteger())] = true
	return goja.Undefined()
}

func (vm *VM) opUnsubscribe(call goja.FunctionCall) goja.Value {
	delete(vm.host.subscriptions, uint32(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

func (vm *VM) opEventsBatch(call goja.FunctionCall) goja.Value {
	raw := vm.host.pendingEvents
	vm.host.pendingEvents = nil

	events := make([]interface{}, 0, len(raw))
	for _, r := range raw {
		var v interface{}
		if err := json.Unmarshal(r, &v); err != nil {
			continue
		}
		events = append(events, v)
	}
	return vm.rt.ToValue(events)
}

func (vm *VM) opTeleport(call goja.FunctionCall) goja.Value {
	vm.host.actions = append(vm.host.actions, RestrictedAction{
		Kind: "teleport",
		X:    float32(call.Argument(0).ToFloat()),
		Z:    float32(call.Argument(1).ToFloat()),
	})
	return goja.Undefined()
}

func (vm *VM) opMovePlayerTo(call goja.FunctionCall) goja.Value {
	vm.host.actions = append(vm.host.actions, RestrictedAction{
		Kind: "move_player_to",
		X:    float32(call.Argument(0).ToFloat()),
		Y:    float32(call.Argument(1).ToFloat()),
		Z:    float32(call.Argument(2).ToFloat()),
	})
	return goja.Undefined()
}

func (vm *VM) opOpenExternalURL(call goja.FunctionCall) goja.Value {
	vm.host.actions = append(vm.host.actions, RestrictedAction{
		Kind: "open_external_url",
		URL:  call.Argument(0).String(),
	})
	return goja.Undefined()
}

func (vm *VM) opSign(call goja.FunctionCall) goja.Value {
	if vm.host.signer == nil {
		return goja.Null()
	}
	chain, err := vm.host.signer.SignPayload(call.Argument(0).String())
	if err != nil {
		vm.host.appendLog(logLevelError, "sign failed: "+err.Error())
		return goja.Null()
	}
	return vm.rt.ToValue(chain)
}

func (vm *VM) opLog(call goja.FunctionCall) goja.Value {
	vm.host.appendLog(logLevelInfo, callArgsString(call))
	return goja.Undefined()
}

func (vm *VM) opError(call goja.FunctionCall) goja.Value {
	vm.host.appendLog(logLevelError, callArgsString(call))
	return goja.Undefined()
}

func callArgsString(call goja.FunctionCall) string {
	out := ""
	for i, arg := range call.Arguments {
		if i > 0 {
			out += " "
		}
		out += arg.String()
	}
	return out
}

// opFetch starts an HTTP request and returns a handle immediately; the
// request must not block the tick. Poll the handle on later ticks.
func (vm *VM) opFetch(call goja.FunctionCall) goja.Value {
	handle := vm.host.startFetch(call.Argument(0).String())
	return vm.rt.ToValue(handle)
}

// opFetchPoll returns null while the request is pending, then once a result
// object {ok, status, body, error}; the handle is freed on delivery.
func (vm *VM) opFetchPoll(call goja.FunctionCall) goja.Value {
	res, ok := vm.host.takeFetch(uint32(call.Argument(0).ToInteger()))
	if !ok {
		return goja.Null()
	}

	out := vm.rt.NewObject()
	if res.err != nil {
		out.Set("ok", false)
		out.Set("status", 0)
		out.Set("error", res.err.Error())
	} else {
		out.Set("ok", res.status >= 200 && res.status <= 299)
		out.Set("status", res.status)
		out.Set("body", vm.rt.ToValue(vm.rt.NewArrayBuffer(res.body)))
	}
	return out
}

func (vm *VM) opWsConnect(call goja.FunctionCall) goja.Value {
	handle, err := vm.host.wsConnect(call.Argument(0).String())
	if err != nil {
		vm.host.appendLog(logLevelError, "websocket connect failed: "+err.Error())
		return vm.rt.ToValue(0)
	}
	return vm.rt.ToValue(handle)
}

func (vm *VM) opWsSend(call goja.FunctionCall) goja.Value {
	handle := uint32(call.Argument(0).ToInteger())
	data := vm.bytesArg(call.Argument(1))
	if err := vm.host.wsSend(handle, data); err != nil {
		vm.host.appendLog(logLevelError, "websocket send failed: "+err.Error())
		return vm.rt.ToValue(false)
	}
	return vm.rt.ToValue(true)
}

func (vm *VM) opWsPoll(call goja.FunctionCall) goja.Value {
	data := vm.host.wsPoll(uint32(call.Argument(0).ToInteger()))
	if data == nil {
		return goja.Null()
	}
	return vm.rt.ToValue(vm.rt.NewArrayBuffer(data))
}

func (vm *VM) opWsClose(call goja.FunctionCall) goja.Value {
	vm.host.wsClose(uint32(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

func (h *hostState) appendLog(level int, msg string) {
	if len(h.logs) >= h.logCap {
		return
	}
	h.logs = append(h.logs, LogEntry{Level: level, Message: msg})
}

// PushIncomingFrames queues host->scene frames for the next
// crdt_recv_from_renderer call. Scene-thread only.
func (vm *VM) PushIncomingFrames(frames []byte) {
	vm.host.incomingFrames = append(vm.host.incomingFrames, frames...)
}

// EnqueueCommsMessages delivers scene-bus messages; safe to call from the
// host thread.
func (vm *VM) EnqueueCommsMessages(msgs []string) {
	vm.host.commsMu.Lock()
	vm.host.commsIn = append(vm.host.commsIn, msgs...)
	vm.host.commsMu.Unlock()
}

// EmitEvent queues an event for subscribed scenes. Scene-thread only.
func (vm *VM) EmitEvent(eventID uint32, payload json.RawMessage) {
	if vm.host.subscriptions[eventID] {
		vm.host.pendingEvents = append(vm.host.pendingEvents, payload)
	}
}

// Start runs the optional onStart export.
func (vm *VM) Start(ctx context.Context) error {
	if vm.onStart == nil {
		return nil
	}
	_, err := vm.onStart(goja.Undefined())
	return err
}

// Update runs one script tick. On error the tick is considered to have
// produced no output.
func (vm *VM) Update(ctx context.Context, dt float32) error {
	_, err := vm.onUpdate(goja.Undefined(), vm.rt.ToValue(float64(dt)))
	if err != nil {
		vm.host.outgoingFrames = nil
		return err
	}
	return nil
}

// TakeOutput collects everything the tick produced.
func (vm *VM) TakeOutput() (frames []byte, logs []LogEntry, comms []CommsOutgoing, actions []RestrictedAction) {
	frames = vm.host.outgoingFrames
	vm.host.outgoingFrames = nil
	logs = vm.host.logs
	vm.host.logs = nil
	comms = vm.host.commsOut
	vm.host.commsOut = nil
	actions = vm.host.actions
	vm.host.actions = nil
	return
}
