package controlplane

import (
	"encoding/json"
	"sync"
)

// EventType is one of the three outbound event kinds spec 6 names: "The
// core emits outbound events (kernel-message, system-stats, lifecycle
// updates) on a single event stream."
type EventType string

const (
	EventKernelMessage EventType = "kernel-message"
	EventSystemStats   EventType = "system-stats"
	EventLifecycle     EventType = "lifecycle"
)

// Event is one item on the outbound event stream.
type Event struct {
	Type   EventType       `json:"type"`
	Plugin string          `json:"plugin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// broadcaster is the non-blocking channel fan-out adapted from
// internal/plugin/sse.go's SSEBroker: the http.Flusher/SSE transport is
// gone (spec's "no network transport" Non-goal), but the subscribe-once,
// drop-on-backpressure broadcast shape survives unchanged as the event
// side of this in-process control plane.
type broadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]string // channel -> plugin filter ("" = all)
}

func newBroadcaster() *broadcaster {
	return &broadcaster{clients: make(map[chan Event]string)}
}

// subscribe registers a consumer and returns its event channel, along
// with an unsubscribe func. pluginFilter limits delivery to events tagged
// with that plugin ("" receives every event).
func (b *broadcaster) subscribe(pluginFilter string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.clients[ch] = pluginFilter
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish fans event out to every matching subscriber. Non-blocking: a
// slow consumer has the event dropped rather than stalling the publisher.
func (b *broadcaster) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.clients {
		if filter != "" && filter != event.Plugin {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscribeEvents registers a front-end consumer on the outbound event
// stream (spec 6's "single event stream"). pluginFilter limits delivery
// to one plugin's events; "" receives kernel-message, system-stats, and
// lifecycle events for every plugin.
func (cp *ControlPlane) SubscribeEvents(pluginFilter string) (<-chan Event, func()) {
	return cp.events.subscribe(pluginFilter)
}

// PublishKernelMessage emits a kernel-message event, intended to be
// called from the Bus's delivery path for plugin-to-plugin traffic the
// shell displays live.
func (cp *ControlPlane) PublishKernelMessage(pluginID string, data json.RawMessage) {
	cp.events.publish(Event{Type: EventKernelMessage, Plugin: pluginID, Data: data})
}

// PublishSystemStats emits a system-stats event, intended to be called
// periodically (e.g. from the same scheduler driving tick()) with a
// snapshot of running plugin count, queue depths, and delivery counters.
func (cp *ControlPlane) PublishSystemStats(data json.RawMessage) {
	cp.events.publish(Event{Type: EventSystemStats, Data: data})
}

// PublishLifecycle emits a lifecycle event for a PluginStatus transition
// (register, pause, resume, trap, reload, unregister).
func (cp *ControlPlane) PublishLifecycle(pluginID string, data json.RawMessage) {
	cp.events.publish(Event{Type: EventLifecycle, Plugin: pluginID, Data: data})
}
