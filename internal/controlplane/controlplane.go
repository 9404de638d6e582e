// Package controlplane is the request/response command set spec 6
// reserves for "the shell": the out-of-scope desktop dashboard. Rendering
// that shell is out of scope, but the commands it would issue and the
// events it would consume are not — spec 6 names them as a JSON
// request/response surface plus a single outbound event stream, and this
// kernel has no network transport (spec's own Non-goals), so they are
// exposed as a plain Go interface invoked in-process by cmd/kernel's
// cobra subcommands and by tests.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/logbuf"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/plugin"
	"github.com/hpeXt/wasmkernel/internal/store"
)

// Reloader is the subset of *loader.Loader the control plane needs. A
// narrow interface, not the concrete type, so tests can substitute a
// stub without constructing a real plugin directory and Bridge.
type Reloader interface {
	Reload(ctx context.Context, pluginID string) error
}

// ErrUnknownExport is returned by InvokeExport for a name outside the
// fixed set spec 4.4 defines (health_check, get_stats) when no topic
// routing is possible either.
var ErrUnknownExport = errors.New("controlplane: unknown export")

// ControlPlane implements spec 6's command set over an already-running
// kernel (Manager, Bus, Store, log buffer).
type ControlPlane struct {
	manager  *plugin.Manager
	bus      *bus.Bus
	store    *store.Store
	logs     *logbuf.Buffer
	reloader Reloader

	events  *broadcaster
	widgets *widgetRegistry
}

// New constructs a ControlPlane. reloader may be nil if hot reload is not
// wired (ReloadPlugin then always fails).
func New(mgr *plugin.Manager, b *bus.Bus, st *store.Store, logs *logbuf.Buffer, reloader Reloader) *ControlPlane {
	return &ControlPlane{
		manager: mgr, bus: b, store: st, logs: logs, reloader: reloader,
		events:  newBroadcaster(),
		widgets: &widgetRegistry{widgets: make(map[string]Widget)},
	}
}

// PluginSummary is the enumerate-plugins response shape.
type PluginSummary struct {
	PluginID string          `json:"plugin_id"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Status   string          `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ListPlugins enumerates every registered plugin (spec 6 "enumerate
// plugins").
func (cp *ControlPlane) ListPlugins() []PluginSummary {
	infos := cp.manager.List()
	out := make([]PluginSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, PluginSummary{
			PluginID: info.PluginID,
			Name:     info.Metadata.Name,
			Version:  info.Metadata.Version,
			Status:   info.Status.String(),
		})
	}
	return out
}

// ReloadPlugin re-loads a quarantined plugin from disk (spec 6 "reload
// plugins"), delegating to the Loader. Emits a lifecycle event on
// success.
func (cp *ControlPlane) ReloadPlugin(ctx context.Context, pluginID string) error {
	if cp.reloader == nil {
		return fmt.Errorf("controlplane: no reloader configured")
	}
	if err := cp.reloader.Reload(ctx, pluginID); err != nil {
		return err
	}
	cp.events.publish(Event{Type: EventLifecycle, Plugin: pluginID, Data: json.RawMessage(`{"action":"reloaded"}`)})
	return nil
}

// InvokeExport invokes a named plugin export with JSON arguments (spec 6
// "invoke a named plugin export with JSON arguments"). health_check and
// get_stats return their result synchronously, matching the fixed export
// set of spec 4.4; any other name is routed as a Bus message (Topic =
// name, Payload = args) since the Plugin ABI offers no other synchronous
// request/response channel — the caller gets only delivery confirmation,
// not the plugin's return value, for custom names.
func (cp *ControlPlane) InvokeExport(ctx context.Context, pluginID, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "health_check":
		return cp.manager.HealthCheck(ctx, pluginID)
	case "get_stats":
		return cp.manager.GetStats(ctx, pluginID)
	default:
		if cp.bus == nil {
			return nil, ErrUnknownExport
		}
		m := message.New("controlplane", pluginID, name, args, message.Normal, 0)
		if err := cp.bus.Send(ctx, m); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"delivered":true}`), nil
	}
}

// SubscribeTopic subscribes a plugin to a Bus topic on the front-end's
// behalf (spec 6 "subscribe/unsubscribe a front-end consumer to a
// topic"). The control plane does not itself receive bus traffic; it
// only authorizes the subscription on the named plugin's inbox.
func (cp *ControlPlane) SubscribeTopic(pluginID, topic string) error {
	if cp.bus == nil {
		return fmt.Errorf("controlplane: no bus configured")
	}
	if err := cp.bus.Subscribe(pluginID, topic); err != nil {
		return err
	}
	if cp.store != nil {
		_ = cp.store.RecordSubscription(context.Background(), pluginID, topic)
	}
	return nil
}

// UnsubscribeTopic reverses SubscribeTopic.
func (cp *ControlPlane) UnsubscribeTopic(pluginID, topic string) {
	if cp.bus != nil {
		cp.bus.Unsubscribe(pluginID, topic)
	}
	if cp.store != nil {
		_ = cp.store.ForgetSubscription(context.Background(), pluginID, topic)
	}
}

// SaveLayout persists a named dashboard layout verbatim (spec 6 "save...
// named dashboard layouts"). The kernel never interprets layout; only the
// out-of-scope shell reads it back.
func (cp *ControlPlane) SaveLayout(ctx context.Context, name string, layout json.RawMessage) error {
	return cp.store.SaveLayout(ctx, name, layout)
}

// ListLayouts returns every saved layout name (spec 6 "list... named
// dashboard layouts").
func (cp *ControlPlane) ListLayouts(ctx context.Context) ([]string, error) {
	return cp.store.ListLayouts(ctx)
}

// ApplyLayout fetches a saved layout by name (spec 6 "apply named
// dashboard layouts"). "Applying" a layout is the shell's job; the
// kernel's part is handing back the persisted document.
func (cp *ControlPlane) ApplyLayout(ctx context.Context, name string) (json.RawMessage, error) {
	layout, ok, err := cp.store.GetLayout(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("controlplane: layout %q not found", name)
	}
	return layout, nil
}

// FetchLogs returns a plugin's retained log lines (spec 6 "fetch plugin
// logs"), newest first. pluginID == "" returns every plugin's lines.
func (cp *ControlPlane) FetchLogs(pluginID string, limit int) []logbuf.Entry {
	var entries []logbuf.Entry
	if pluginID == "" {
		entries = cp.logs.All()
	} else {
		entries = cp.logs.ForPlugin(pluginID)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Widget is an inert record (spec 6 "create/remove inline widgets"): the
// kernel holds it in memory for the life of the process so the
// out-of-scope shell can read it back, without rendering or interpreting
// its contents. Widgets are not written to the Store.
type Widget struct {
	ID     string          `json:"id"`
	Plugin string          `json:"plugin"`
	Spec   json.RawMessage `json:"spec"`
}

// widgetRegistry is a process-lifetime set of created widgets. Unlike
// dashboard layouts (spec 6 explicitly says "save/list/apply", implying
// durability across restarts) spec 6 only asks that widgets be
// "create[d]/remove[d]", so an in-memory registry satisfies the
// requirement without a third migration for a feature the out-of-scope
// shell may never restart-preserve.
type widgetRegistry struct {
	mu      sync.Mutex
	widgets map[string]Widget
}

// CreateWidget registers an inline widget record.
func (cp *ControlPlane) CreateWidget(w Widget) {
	cp.widgets.mu.Lock()
	defer cp.widgets.mu.Unlock()
	cp.widgets.widgets[w.ID] = w
}

// RemoveWidget removes a previously created widget record. Idempotent.
func (cp *ControlPlane) RemoveWidget(id string) {
	cp.widgets.mu.Lock()
	defer cp.widgets.mu.Unlock()
	delete(cp.widgets.widgets, id)
}

// ListWidgets returns every currently registered widget.
func (cp *ControlPlane) ListWidgets() []Widget {
	cp.widgets.mu.Lock()
	defer cp.widgets.mu.Unlock()
	out := make([]Widget, 0, len(cp.widgets.widgets))
	for _, w := range cp.widgets.widgets {
		out = append(out, w)
	}
	return out
}
