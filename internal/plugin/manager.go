// Package plugin is the Plugin Runtime's lifecycle manager (spec 4.4): it
// tracks each loaded instance's PluginStatus, serializes activations into
// it with a per-plugin mutex (spec 5), wires it to the Bus and Store on
// Running, and quarantines it on trap. It is transport-agnostic — it
// drives any pkgplugin.Plugin, whether backed by internal/plugin/wasm or,
// in tests, a plain Go double.
//
// Grounded on the teacher's Manager (map[string]*registeredPlugin guarded
// by a mutex, Register/Unregister/Call/List/ShutdownAll), with every
// sysconfig-table/i18n/apierrors/dashboard concern (Routes, MenuItems,
// Widgets, Jobs, ResourcePolicy persistence) dropped — this kernel has no
// dashboard shell for them to serve, and plugin-enabled state here is the
// PluginStatus state machine itself, not a sysconfig row.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/store"
	pkgplugin "github.com/hpeXt/wasmkernel/pkg/plugin"
)

// Status is the PluginStatus state machine of spec 4.4.
type Status int

const (
	StatusUninitialized Status = iota
	StatusRunning
	StatusPaused
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Info is a read-only snapshot of a registered plugin, returned by List.
type Info struct {
	PluginID string
	Metadata pkgplugin.Metadata
	Status   Status
}

// entry holds one loaded instance. mu serializes activations into this
// plugin instance: the runtime never enters a single instance
// concurrently from two activations (spec 5).
type entry struct {
	mu              sync.Mutex
	plugin          pkgplugin.Plugin
	meta            pkgplugin.Metadata
	status          Status
	reloadAttempted bool
}

// Manager is the Plugin Runtime's lifecycle manager.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store *store.Store
	bus   *bus.Bus
	log   *slog.Logger
}

// NewManager constructs a Manager bound to st. The returned Manager is not
// yet wired to a Bus: construct the Bus with the Manager's Deliver method
// as its Deliverer, then call AttachBus — the two types are mutually
// dependent at construction time.
//
//	mgr := plugin.NewManager(st, log)
//	b := bus.New(busOpts, mgr.Deliver)
//	mgr.AttachBus(b)
func NewManager(st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{entries: make(map[string]*entry), store: st, log: log}
}

// AttachBus wires the Manager to its Bus.
func (m *Manager) AttachBus(b *bus.Bus) { m.bus = b }

func (m *Manager) get(pluginID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[pluginID]
}

// ErrAlreadyRegistered is returned by Register for a PluginId already in
// the registry (running, paused, or errored — not yet unregistered).
var ErrAlreadyRegistered = errors.New("plugin: already registered")

// ErrNotRegistered is returned by any per-plugin operation naming an
// unknown PluginId.
var ErrNotRegistered = errors.New("plugin: not registered")

// ErrNotInErrorState guards Reload: it only applies to a quarantined
// instance.
var ErrNotInErrorState = errors.New("plugin: not in error state")

// ErrReloadAlreadyAttempted guards the "reload once, then park" rule of
// spec 4.4: a second automatic Reload is refused until ResetReloadAttempt
// is called by an operator (spec's "until an operator re-enables it").
var ErrReloadAlreadyAttempted = errors.New("plugin: reload already attempted, operator re-enable required")

// Register adds p to the registry under pluginID and drives it from
// Uninitialized to Running by calling Initialize. On success the plugin's
// Bus inbox is created and its persisted subscriptions (if any, e.g. after
// a restart) are restored. On failure the instance stays registered in
// Error, without a Bus inbox, and never reaches Running (spec 4.4
// lifecycle diagram: "initialize fails" has no outgoing edge to Running);
// Reload can recover it.
func (m *Manager) Register(ctx context.Context, pluginID string, p pkgplugin.Plugin, config json.RawMessage) error {
	m.mu.Lock()
	if _, exists := m.entries[pluginID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, pluginID)
	}
	e := &entry{plugin: p, meta: p.Metadata(), status: StatusUninitialized}
	m.entries[pluginID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := p.Initialize(ctx, config); err != nil {
		e.status = StatusError
		m.log.Warn("plugin initialize failed", "plugin", pluginID, "error", err)
		perr := &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginTrap, Err: err}
		if m.store != nil {
			_ = m.store.RecordPlugin(ctx, store.Record{PluginID: pluginID, Name: e.meta.Name, Version: e.meta.Version,
				Description: e.meta.Description, Author: e.meta.Author, Enabled: false, LoadedAt: time.Now().UnixMilli()})
		}
		return perr
	}

	e.status = StatusRunning
	if m.bus != nil {
		m.bus.Register(pluginID)
		if m.store != nil {
			if topics, err := m.store.Subscriptions(ctx, pluginID); err == nil {
				for _, t := range topics {
					_ = m.bus.Subscribe(pluginID, t)
				}
			}
		}
	}
	if m.store != nil {
		now := time.Now().UnixMilli()
		_ = m.store.RecordPlugin(ctx, store.Record{PluginID: pluginID, Name: e.meta.Name, Version: e.meta.Version,
			Description: e.meta.Description, Author: e.meta.Author, Enabled: true, LoadedAt: now, LastActive: now})
	}
	return nil
}

// Unregister drives a plugin to Stopped: calls Shutdown and Close, removes
// its Bus inbox, drops its subscriptions (spec 4.2: "subscriptions are
// dropped on plugin unload"), and removes it from the registry.
func (m *Manager) Unregister(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	e, exists := m.entries[pluginID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	delete(m.entries, pluginID)
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.plugin.Shutdown(ctx); err != nil && !errors.Is(err, pkgplugin.ErrNotExported) {
		m.log.Warn("plugin shutdown returned error", "plugin", pluginID, "error", err)
	}
	if err := e.plugin.Close(ctx); err != nil {
		m.log.Warn("plugin close returned error", "plugin", pluginID, "error", err)
	}
	if m.bus != nil {
		m.bus.Unregister(pluginID)
	}
	if m.store != nil {
		_ = m.store.ForgetAllSubscriptions(ctx, pluginID)
	}
	e.status = StatusStopped
	return nil
}

// Pause freezes tick delivery for a Running plugin without tearing down
// the sandbox instance (spec 4.4: "runtime-only freeze").
func (m *Manager) Pause(pluginID string) error {
	e := m.get(pluginID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning {
		e.status = StatusPaused
	}
	return nil
}

// Resume reverses Pause.
func (m *Manager) Resume(pluginID string) error {
	e := m.get(pluginID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusPaused {
		e.status = StatusRunning
	}
	return nil
}

// Status returns a plugin's current PluginStatus.
func (m *Manager) Status(pluginID string) (Status, bool) {
	e := m.get(pluginID)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// List returns a snapshot of every registered plugin.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		out = append(out, Info{PluginID: id, Metadata: e.meta, Status: e.status})
		e.mu.Unlock()
	}
	return out
}

// Deliver is the bus.Deliverer the Bus invokes, on its own per-plugin
// worker goroutine, for every admitted message (spec 4.5: delivery never
// runs on the sender's goroutine).
func (m *Manager) Deliver(ctx context.Context, to string, msg message.Message) error {
	e := m.get(to)
	if e == nil {
		return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPaused {
		return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
	}
	err := e.plugin.HandleMessage(ctx, msg.From, msg.Topic, msg.Payload)
	if err != nil {
		if errors.Is(err, pkgplugin.ErrNotExported) {
			perr := &kernelerr.PluginError{Plugin: to, Sub: kernelerr.PluginAbi, Err: fmt.Errorf("%w: handle_message not exported", kernelerr.ErrPluginAbi)}
			m.trapLocked(to, e, perr)
			return perr
		}
		m.trapLocked(to, e, err)
		return err
	}
	if m.store != nil {
		_ = m.store.TouchPlugin(ctx, to)
	}
	return nil
}

// Tick invokes a single plugin's optional tick() export. Suppressed while
// Paused (spec 9 open question 2) and for any status other than Running.
func (m *Manager) Tick(ctx context.Context, pluginID string) error {
	e := m.get(pluginID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return nil
	}
	if err := e.plugin.Tick(ctx); err != nil {
		if errors.Is(err, pkgplugin.ErrNotExported) {
			return nil
		}
		m.trapLocked(pluginID, e, err)
		return err
	}
	return nil
}

// TickAll invokes Tick for every currently Running plugin, skipping
// Paused/Stopped/Error instances. Errors are logged, not returned, so one
// plugin's trap never stops the sweep (spec 7: "delivery proceeds to
// other plugins").
func (m *Manager) TickAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Tick(ctx, id); err != nil {
			m.log.Warn("tick failed", "plugin", id, "error", err)
		}
	}
}

// HealthCheck proxies to a plugin's optional health_check() export.
func (m *Manager) HealthCheck(ctx context.Context, pluginID string) (json.RawMessage, error) {
	e := m.get(pluginID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plugin.HealthCheck(ctx)
}

// GetStats proxies to a plugin's optional get_stats() export.
func (m *Manager) GetStats(ctx context.Context, pluginID string) (json.RawMessage, error) {
	e := m.get(pluginID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plugin.GetStats(ctx)
}

// trapLocked quarantines a plugin after a sandbox trap (spec 4.4 "Fault
// isolation"): it records Error status, logs at warn, and removes the
// instance from the Bus's delivery tables. Caller must hold e.mu.
func (m *Manager) trapLocked(pluginID string, e *entry, err error) {
	e.status = StatusError
	m.log.Warn("plugin trapped", "plugin", pluginID, "error", err)
	if m.bus != nil {
		m.bus.Unregister(pluginID)
	}
}

// Reload attempts the single automatic recovery spec 4.4 allows ("the
// runtime may attempt reload once, then parks the plugin in Error until
// an operator re-enables it"). np is the freshly reloaded instance
// (typically produced by re-invoking wasm.LoadFromFile); config is
// replayed through Initialize exactly as at first load.
func (m *Manager) Reload(ctx context.Context, pluginID string, np pkgplugin.Plugin, config json.RawMessage) error {
	e := m.get(pluginID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusError {
		return ErrNotInErrorState
	}
	if e.reloadAttempted {
		return ErrReloadAlreadyAttempted
	}
	e.reloadAttempted = true

	if err := np.Initialize(ctx, config); err != nil {
		m.log.Warn("plugin reload initialize failed", "plugin", pluginID, "error", err)
		return &kernelerr.PluginError{Plugin: pluginID, Sub: kernelerr.PluginTrap, Err: err}
	}

	e.plugin = np
	e.meta = np.Metadata()
	e.status = StatusRunning
	if m.bus != nil {
		m.bus.Register(pluginID)
		if m.store != nil {
			if topics, err := m.store.Subscriptions(ctx, pluginID); err == nil {
				for _, t := range topics {
					_ = m.bus.Subscribe(pluginID, t)
				}
			}
		}
	}
	return nil
}

// ResetReloadAttempt clears the "reload already attempted" latch,
// permitting one further Reload call. This is the operator "re-enable"
// action of spec 4.4.
func (m *Manager) ResetReloadAttempt(pluginID string) error {
	e := m.get(pluginID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pluginID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reloadAttempted = false
	return nil
}

// ShutdownAll drives every registered plugin to Stopped. Used at kernel
// shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Unregister(ctx, id); err != nil {
			m.log.Warn("shutdown: unregister failed", "plugin", id, "error", err)
		}
	}
}
