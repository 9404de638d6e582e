// Package bridge is the host-function trust boundary (spec 4.3): the only
// calls a sandboxed plugin may make back into the host. Every method here
// takes the caller's PluginId as an explicit parameter supplied by the
// Runtime's activation frame — never by the plugin — matching the
// teacher's SandboxedHostAPI wrapping pattern (internal/plugin/sandbox.go)
// generalized from DB/cache/HTTP/email permissions down to this kernel's
// store/bus call set.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/logbuf"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/store"
)

// Envelope is the tagged success/error envelope every Bridge call
// produces (spec 4.3: "responses are a tagged success/error envelope").
// The Bridge never aborts the sandbox on a domain error; it always
// returns an Envelope, even when Error is set.
type Envelope struct {
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

func ok(v json.RawMessage) Envelope { return Envelope{Ok: true, Value: v} }
func fail(err error) Envelope       { return Envelope{Ok: false, Error: err.Error()} }

// Limits bounds payload size and subscription count (spec 9 open
// questions, resolved in config.Limits).
type Limits struct {
	MaxPayloadBytes           int
	MaxSubscriptionsPerPlugin int
}

// Bridge implements the call set of spec 4.3. It holds no per-plugin
// state of its own; all state lives in the Store and the Bus, which it
// mediates access to.
type Bridge struct {
	store  *store.Store
	bus    *bus.Bus
	logs   *logbuf.Buffer
	limits Limits
}

func New(st *store.Store, b *bus.Bus, logs *logbuf.Buffer, limits Limits) *Bridge {
	return &Bridge{store: st, bus: b, logs: logs, limits: limits}
}

// Log records a structured line tagged with the caller's PluginId. Never
// fails observably to the plugin (spec 4.3) and never suspends (spec 5).
func (b *Bridge) Log(caller, level, message string, fields map[string]any) {
	b.logs.Log(caller, level, message, fields)
}

// StoreData delegates to Store.Put under the caller's namespace.
func (b *Bridge) StoreData(ctx context.Context, caller, key string, value json.RawMessage) Envelope {
	if len(value) > b.limits.MaxPayloadBytes {
		return fail(&kernelerr.PluginError{Plugin: caller, Sub: kernelerr.PluginDomain, Err: kernelerr.ErrPluginDomain})
	}
	if err := b.store.Put(ctx, caller, key, value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// GetData delegates to Store.Get. A missing key is success with an empty
// value, not an error (spec 4.3).
func (b *Bridge) GetData(ctx context.Context, caller, key string) Envelope {
	v, found, err := b.store.Get(ctx, caller, key)
	if err != nil {
		return fail(err)
	}
	if !found {
		return ok(nil)
	}
	return ok(v)
}

// DeleteData delegates to Store.Delete.
func (b *Bridge) DeleteData(ctx context.Context, caller, key string) Envelope {
	existed, err := b.store.Delete(ctx, caller, key)
	if err != nil {
		return fail(err)
	}
	raw, _ := json.Marshal(existed)
	return ok(raw)
}

// ListKeys delegates to Store.ListKeys.
func (b *Bridge) ListKeys(ctx context.Context, caller string) Envelope {
	keys, err := b.store.ListKeys(ctx, caller)
	if err != nil {
		return fail(err)
	}
	raw, _ := json.Marshal(keys)
	return ok(raw)
}

// SendRequest carries the argument shape plugins pass to send_message /
// publish_message (spec 4.3).
type SendRequest struct {
	To       string           `json:"to,omitempty"`
	Topic    string           `json:"topic,omitempty"`
	Payload  json.RawMessage  `json:"payload"`
	Priority message.Priority `json:"priority,omitempty"`
	TTLMillis int64           `json:"ttl_ms,omitempty"`
}

func (r SendRequest) ttl() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

// SendMessage constructs a Message with `from` forced to the caller and
// hands it to the Bus for direct delivery to req.To.
func (b *Bridge) SendMessage(ctx context.Context, caller string, req SendRequest) Envelope {
	if len(req.Payload) > b.limits.MaxPayloadBytes {
		return fail(&kernelerr.PluginError{Plugin: caller, Sub: kernelerr.PluginDomain, Err: kernelerr.ErrPluginDomain})
	}
	m := message.New(caller, req.To, req.Topic, req.Payload, req.Priority, req.ttl())
	if err := b.bus.Send(ctx, m); err != nil {
		return fail(err)
	}
	raw, _ := json.Marshal(m.ID)
	return ok(raw)
}

// PublishMessage is SendMessage with `to` = broadcast: delivery to every
// current subscriber of req.Topic.
func (b *Bridge) PublishMessage(ctx context.Context, caller string, req SendRequest) Envelope {
	if len(req.Payload) > b.limits.MaxPayloadBytes {
		return fail(&kernelerr.PluginError{Plugin: caller, Sub: kernelerr.PluginDomain, Err: kernelerr.ErrPluginDomain})
	}
	m := message.New(caller, message.Broadcast, req.Topic, req.Payload, req.Priority, req.ttl())
	errs := b.bus.Publish(ctx, m)
	raw, _ := json.Marshal(m.ID)
	if len(errs) > 0 {
		// Per-subscriber failures do not fail the publish call itself;
		// the caller gets the message id and may inspect logs for
		// individual delivery failures.
		for _, err := range errs {
			b.logs.Log(caller, "warn", "publish delivery failed: "+err.Error(), map[string]any{"topic": req.Topic})
		}
	}
	return ok(raw)
}

// SubscribeTopic records the subscription in both Store (for restart
// durability) and Bus (for live routing). Idempotent.
func (b *Bridge) SubscribeTopic(ctx context.Context, caller, topic string) Envelope {
	if err := b.bus.Subscribe(caller, topic); err != nil {
		return fail(err)
	}
	if err := b.store.RecordSubscription(ctx, caller, topic); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// UnsubscribeTopic removes the subscription from both Bus and Store.
// Idempotent.
func (b *Bridge) UnsubscribeTopic(ctx context.Context, caller, topic string) Envelope {
	b.bus.Unsubscribe(caller, topic)
	if err := b.store.ForgetSubscription(ctx, caller, topic); err != nil {
		return fail(err)
	}
	return ok(nil)
}
