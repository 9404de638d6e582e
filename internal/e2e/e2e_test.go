// Package e2e drives the six numbered scenarios of spec 8 end to end
// against the real Manager, Bus, Bridge, and Store, using the
// precompiled-behavior plugin doubles in internal/plugin/examples in
// place of a TinyGo-compiled .wasm binary.
package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpeXt/wasmkernel/internal/bridge"
	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/identity"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/logbuf"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/plugin"
	"github.com/hpeXt/wasmkernel/internal/plugin/examples"
	"github.com/hpeXt/wasmkernel/internal/store"
	pkgplugin "github.com/hpeXt/wasmkernel/pkg/plugin"
)

// fixture wires a Manager, Bus, Bridge, Store, and log buffer the same
// way cmd/kernel's bootstrap does, against a temp-dir SQLite database.
type fixture struct {
	t       *testing.T
	store   *store.Store
	manager *plugin.Manager
	bus     *bus.Bus
	bridge  *bridge.Bridge
}

func newFixture(t *testing.T, opts bus.Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logs := logbuf.New(1000)
	mgr := plugin.NewManager(st, nil)
	b := bus.New(opts, mgr.Deliver)
	t.Cleanup(b.Shutdown)
	mgr.AttachBus(b)
	br := bridge.New(st, b, logs, bridge.Limits{MaxPayloadBytes: 1 << 20, MaxSubscriptionsPerPlugin: 128})

	return &fixture{t: t, store: st, manager: mgr, bus: b, bridge: br}
}

// Scenario 1: load "hello", initialize, assert Running and a persisted
// plugin_metadata row.
func TestScenario1LoadAndInitializeHello(t *testing.T) {
	f := newFixture(t, bus.Options{})
	ctx := context.Background()

	h := examples.NewHello()
	require.NoError(t, f.manager.Register(ctx, "hello", h, json.RawMessage(`{}`)))

	status, ok := f.manager.Status("hello")
	require.True(t, ok)
	require.Equal(t, plugin.StatusRunning, status)

	rec, found, err := f.store.GetPlugin(ctx, "hello")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", rec.Name)
	require.Equal(t, "0.1.0", rec.Version)
}

// Scenario 2: "echo" subscribes to "ping"; "pinger" publishes a payload
// on "ping" with Normal priority; echo's handle_message is invoked
// exactly once with that payload and from="pinger".
func TestScenario2PublishDeliversToSubscriber(t *testing.T) {
	f := newFixture(t, bus.Options{})
	ctx := context.Background()

	echo := examples.NewEcho(f.bridge, "ping")
	require.NoError(t, f.manager.Register(ctx, "echo", echo, nil))

	pinger := examples.NewPinger(f.bridge, "pinger")
	require.NoError(t, f.manager.Register(ctx, "pinger", pinger, nil))

	payload := json.RawMessage(`[1,2]`)
	env := pinger.Publish(ctx, "ping", payload, message.Normal)
	require.True(t, env.Ok)

	require.Eventually(t, func() bool { return len(echo.Received) == 1 }, time.Second, time.Millisecond)
	require.Len(t, echo.Received, 1)
	require.Equal(t, "pinger", echo.Received[0].From)
	require.JSONEq(t, string(payload), string(echo.Received[0].Payload))
}

// Scenario 3: "writer" stores counter=1 then counter=2; list_keys returns
// exactly ["counter"]; get_data returns 2; "reader" reading the same key
// under its own namespace sees nothing.
func TestScenario3PerPluginNamespacedStorage(t *testing.T) {
	f := newFixture(t, bus.Options{})
	ctx := context.Background()

	writer := examples.NewWriter(f.bridge)
	require.NoError(t, f.manager.Register(ctx, "writer", writer, nil))
	reader := examples.NewReader(f.bridge)
	require.NoError(t, f.manager.Register(ctx, "reader", reader, nil))

	require.True(t, writer.Store(ctx, "counter", json.RawMessage(`1`)).Ok)
	require.True(t, writer.Store(ctx, "counter", json.RawMessage(`2`)).Ok)

	keysEnv := writer.ListKeys(ctx)
	require.True(t, keysEnv.Ok)
	var keys []string
	require.NoError(t, json.Unmarshal(keysEnv.Value, &keys))
	require.Equal(t, []string{"counter"}, keys)

	getEnv, found, err := f.store.Get(ctx, "writer", "counter")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, "2", string(getEnv))

	readerEnv := reader.Get(ctx, "counter")
	require.True(t, readerEnv.Ok)
	require.Empty(t, readerEnv.Value)
}

// Scenario 4: signing the same 32-byte message with a fixed key produces
// the same 65-byte signature across two independent runs.
func TestScenario4SignatureIsDeterministic(t *testing.T) {
	m, err := identity.GenerateEphemeral()
	require.NoError(t, err)

	msg := make([]byte, 32)

	sig1, err := m.Sign(msg)
	require.NoError(t, err)
	sig2, err := m.Sign(msg)
	require.NoError(t, err)

	require.Len(t, sig1, 65)
	require.Equal(t, sig1, sig2)
}

// Scenario 5: a plugin whose handle_message traps is marked Error;
// subsequent publishes to its topic don't reach it but do reach another
// healthy subscriber.
func TestScenario5TrapIsolatesOnlyFaultyPlugin(t *testing.T) {
	f := newFixture(t, bus.Options{})
	ctx := context.Background()

	faulty := &trappingPlugin{}
	require.NoError(t, f.manager.Register(ctx, "faulty", faulty, nil))
	require.True(t, f.bridge.SubscribeTopic(ctx, "faulty", "alerts").Ok)

	// examples.Echo subscribes under its own fixed name "echo", so it is
	// registered under that PluginId.
	healthy := examples.NewEcho(f.bridge, "alerts")
	require.NoError(t, f.manager.Register(ctx, "echo", healthy, nil))

	pinger := examples.NewPinger(f.bridge, "pinger")
	require.NoError(t, f.manager.Register(ctx, "pinger", pinger, nil))

	env := pinger.Publish(ctx, "alerts", json.RawMessage(`"boom"`), message.Normal)
	require.True(t, env.Ok)

	require.Eventually(t, func() bool {
		status, ok := f.manager.Status("faulty")
		return ok && status == plugin.StatusError
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(healthy.Received) == 1 }, time.Second, time.Millisecond)

	// Second publish: faulty stays untouched (already Error, no further
	// delivery attempts), healthy receives it too.
	env2 := pinger.Publish(ctx, "alerts", json.RawMessage(`"again"`), message.Normal)
	require.True(t, env2.Ok)
	require.Eventually(t, func() bool { return len(healthy.Received) == 2 }, time.Second, time.Millisecond)
}

// Scenario 6: filling a receiver's queue with Normal messages, then
// sending a Critical message from a second sender evicts the oldest
// Normal and is delivered; the evicted sender sees QueueFull.
func TestScenario6CriticalEvictsOldestNormal(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, bus.Options{QueueCapacity: 2, AdmissionDeadline: 50 * time.Millisecond})
	ctx := context.Background()

	receiver := &blockingPlugin{release: block}
	require.NoError(t, f.manager.Register(ctx, "receiver", receiver, nil))

	senderA := examples.NewPinger(f.bridge, "senderA")
	require.NoError(t, f.manager.Register(ctx, "senderA", senderA, nil))
	senderB := examples.NewPinger(f.bridge, "senderB")
	require.NoError(t, f.manager.Register(ctx, "senderB", senderB, nil))

	results := make(chan bridge.Envelope, 3)
	go func() { results <- senderA.Send(ctx, "receiver", json.RawMessage(`0`), message.Normal) }()
	time.Sleep(10 * time.Millisecond) // first message picked up by the blocked worker

	go func() { results <- senderA.Send(ctx, "receiver", json.RawMessage(`1`), message.Normal) }()
	go func() { results <- senderA.Send(ctx, "receiver", json.RawMessage(`2`), message.Normal) }()
	time.Sleep(20 * time.Millisecond) // queue now holds messages 1 and 2: full

	criticalResult := make(chan bridge.Envelope, 1)
	go func() { criticalResult <- senderB.Send(ctx, "receiver", json.RawMessage(`9`), message.Critical) }()

	// Every admitted send waits for its delivery, so while the worker is
	// blocked the evicted send is the only one that can return.
	env := <-results
	require.False(t, env.Ok)
	require.Contains(t, env.Error, kernelerr.ErrQueueFull.Error())

	close(block)
	criticalEnv := <-criticalResult
	require.True(t, criticalEnv.Ok)
}

// trappingPlugin always fails handle_message, driving the Manager's trap
// path (scenario 5).
type trappingPlugin struct{ examples.Hello }

func (p *trappingPlugin) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "faulty", Version: "0.1.0"}
}
func (p *trappingPlugin) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	return errors.New("deliberate trap")
}

// blockingPlugin blocks handle_message until release is closed, so the
// Bus's worker goroutine stays busy and the queue behind it actually
// fills (scenario 6).
type blockingPlugin struct {
	examples.Hello
	release chan struct{}
}

func (p *blockingPlugin) Metadata() pkgplugin.Metadata {
	return pkgplugin.Metadata{Name: "receiver", Version: "0.1.0"}
}
func (p *blockingPlugin) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	<-p.release
	return nil
}
