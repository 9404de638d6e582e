// Package examples provides precompiled-behavior Go doubles for the five
// reference plugins named in spec 8's end-to-end scenarios (hello, echo,
// pinger, writer, reader). Each implements pkgplugin.Plugin directly
// against a *bridge.Bridge, calling the exact methods the WASM host-call
// dispatch (internal/plugin/wasm, dispatchHostCall) would otherwise
// marshal across the sandbox boundary. This lets the scenarios in spec 8
// run as ordinary Go tests without a TinyGo build of plugins/<name>.
//
// Each type's TinyGo-targeted counterpart lives at plugins/<name>/main.go
// and makes the same host calls through the gk_alloc/call_host ABI; the
// WASM pinger, writer and reader make them from their tick export, where
// these doubles expose them as methods a test calls. Keep the two in sync
// when either changes.
package examples

import (
	"context"
	"encoding/json"

	"github.com/hpeXt/wasmkernel/internal/bridge"
	"github.com/hpeXt/wasmkernel/internal/message"
	pkgplugin "github.com/hpeXt/wasmkernel/pkg/plugin"
)

// base implements every optional Plugin method as a no-op returning
// ErrNotExported, matching the runtime's treatment of a WASM binary that
// declares no tick/shutdown/health_check/get_stats export.
type base struct{}

func (base) Tick(ctx context.Context) error                           { return pkgplugin.ErrNotExported }
func (base) Shutdown(ctx context.Context) error                       { return pkgplugin.ErrNotExported }
func (base) HealthCheck(ctx context.Context) (json.RawMessage, error)  { return nil, pkgplugin.ErrNotExported }
func (base) GetStats(ctx context.Context) (json.RawMessage, error)    { return nil, pkgplugin.ErrNotExported }
func (base) Close(ctx context.Context) error                          { return nil }

// Hello declares metadata and an initialize export and nothing else
// (scenario 1: load, initialize, assert Running and a persisted
// plugin_metadata row).
type Hello struct {
	base
}

func NewHello() *Hello { return &Hello{} }

func (h *Hello) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "hello", Version: "0.1.0"}
}

func (h *Hello) Initialize(ctx context.Context, config json.RawMessage) error { return nil }

func (h *Hello) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	return pkgplugin.ErrNotExported
}

// Echo subscribes itself to a topic on initialize and records every
// delivered message (scenario 2).
type Echo struct {
	base
	bridge *bridge.Bridge
	topic  string

	Received []EchoDelivery
}

// EchoDelivery captures one handle_message invocation for test assertions.
type EchoDelivery struct {
	From    string
	Topic   string
	Payload json.RawMessage
}

func NewEcho(b *bridge.Bridge, topic string) *Echo {
	return &Echo{bridge: b, topic: topic}
}

func (e *Echo) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "echo", Version: "0.1.0"}
}

func (e *Echo) Initialize(ctx context.Context, config json.RawMessage) error {
	env := e.bridge.SubscribeTopic(ctx, "echo", e.topic)
	if !env.Ok {
		return &envelopeError{env}
	}
	return nil
}

func (e *Echo) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	e.Received = append(e.Received, EchoDelivery{From: from, Topic: topic, Payload: payload})
	return nil
}

// Pinger publishes (or sends) a single message on demand: a test drives
// it by calling Publish or Send directly. It declares no handle_message
// (HandleMessage returns ErrNotExported).
type Pinger struct {
	base
	bridge *bridge.Bridge
	name   string
}

// NewPinger constructs a Pinger authenticated as name when calling back
// into the Bridge. The kernel never requires a plugin's registered id and
// its self-authenticated caller name to match, but in practice a plugin
// always passes its own name, so tests should too.
func NewPinger(b *bridge.Bridge, name string) *Pinger { return &Pinger{bridge: b, name: name} }

func (p *Pinger) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: p.name, Version: "0.1.0"}
}

func (p *Pinger) Initialize(ctx context.Context, config json.RawMessage) error { return nil }

func (p *Pinger) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	return pkgplugin.ErrNotExported
}

// Publish sends payload to topic with priority, exercising the same
// Bridge.PublishMessage path the WASM call_host/callPublishMessage
// dispatch uses.
func (p *Pinger) Publish(ctx context.Context, topic string, payload json.RawMessage, priority message.Priority) bridge.Envelope {
	return p.bridge.PublishMessage(ctx, p.name, bridge.SendRequest{
		Topic:    topic,
		Payload:  payload,
		Priority: priority,
	})
}

// Send sends payload directly to another plugin's inbox (used by
// scenario 6's queue-eviction test).
func (p *Pinger) Send(ctx context.Context, to string, payload json.RawMessage, priority message.Priority) bridge.Envelope {
	return p.bridge.SendMessage(ctx, p.name, bridge.SendRequest{
		To:       to,
		Payload:  payload,
		Priority: priority,
	})
}

// Writer stores a sequence of keyed values via store_data (scenario 3).
type Writer struct {
	base
	bridge *bridge.Bridge
}

func NewWriter(b *bridge.Bridge) *Writer { return &Writer{bridge: b} }

func (w *Writer) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "writer", Version: "0.1.0"}
}

func (w *Writer) Initialize(ctx context.Context, config json.RawMessage) error { return nil }

func (w *Writer) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	return pkgplugin.ErrNotExported
}

// Store writes key=value under "writer"'s own namespace.
func (w *Writer) Store(ctx context.Context, key string, value json.RawMessage) bridge.Envelope {
	return w.bridge.StoreData(ctx, "writer", key, value)
}

// ListKeys lists "writer"'s own namespace.
func (w *Writer) ListKeys(ctx context.Context) bridge.Envelope {
	return w.bridge.ListKeys(ctx, "writer")
}

// Reader only ever reads under its own namespace, demonstrating that
// per-plugin key-value storage does not leak across callers (scenario 3).
type Reader struct {
	base
	bridge *bridge.Bridge
}

func NewReader(b *bridge.Bridge) *Reader { return &Reader{bridge: b} }

func (r *Reader) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "reader", Version: "0.1.0"}
}

func (r *Reader) Initialize(ctx context.Context, config json.RawMessage) error { return nil }

func (r *Reader) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	return pkgplugin.ErrNotExported
}

// Get reads key from "reader"'s own namespace.
func (r *Reader) Get(ctx context.Context, key string) bridge.Envelope {
	return r.bridge.GetData(ctx, "reader", key)
}

// envelopeError adapts a failed Envelope to an error, for callers (like
// Initialize) that must return one.
type envelopeError struct {
	env bridge.Envelope
}

func (e *envelopeError) Error() string { return e.env.Error }
