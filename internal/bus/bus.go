// Package bus is the in-process asynchronous message router (spec 4.5):
// direct plugin-to-plugin delivery and topic-based publish/subscribe over
// bounded per-plugin inbound queues with priority-aware backpressure.
//
// No teacher file implements a priority/bounded queue directly; this
// generalizes the non-blocking channel-broadcast shape of
// internal/plugin/sse.go (SSEBroker) and the subscribe/emit map of
// streamspace's event_bus.go into a queue that can inspect and evict its
// own contents, which a plain Go channel cannot do.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/message"
)

// Deliverer invokes a plugin's handle_message export. The Bus calls this
// from its own worker goroutines, never from the sender's goroutine; the
// sender's Send still waits until the message's delivery has finished.
type Deliverer func(ctx context.Context, to string, m message.Message) error

// Options configures a Bus.
type Options struct {
	// QueueCapacity bounds each plugin's inbound queue (spec 4.5: "Each
	// plugin has one bounded inbound queue").
	QueueCapacity int
	// AdmissionDeadline bounds how long Low/Normal sends block waiting
	// for queue space before returning QueueFull (spec 4.5).
	AdmissionDeadline time.Duration
	// MaxSubscriptionsPerPlugin resolves spec 9 open question 1 (default
	// 128, configurable).
	MaxSubscriptionsPerPlugin int
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.AdmissionDeadline <= 0 {
		o.AdmissionDeadline = 2 * time.Second
	}
	if o.MaxSubscriptionsPerPlugin <= 0 {
		o.MaxSubscriptionsPerPlugin = 128
	}
	return o
}

// Bus routes messages between registered plugins.
type Bus struct {
	opts Options

	mu          sync.RWMutex
	inboxes     map[string]*inbox      // pluginID -> inbox
	subscribers map[string]map[string]struct{} // topic -> set of pluginID
	subCount    map[string]int         // pluginID -> number of subscriptions

	deliver Deliverer
	wg      sync.WaitGroup
}

// New constructs a Bus. deliver is called once per admitted message, on a
// dedicated per-plugin worker goroutine, to invoke that plugin's
// handle_message export.
func New(opts Options, deliver Deliverer) *Bus {
	return &Bus{
		opts:        opts.withDefaults(),
		inboxes:     make(map[string]*inbox),
		subscribers: make(map[string]map[string]struct{}),
		subCount:    make(map[string]int),
		deliver:     deliver,
	}
}

// Register creates a plugin's inbound queue and starts its delivery
// worker. Called by the Runtime when a plugin transitions to Running.
func (b *Bus) Register(pluginID string) {
	b.mu.Lock()
	if _, ok := b.inboxes[pluginID]; ok {
		b.mu.Unlock()
		return
	}
	ib := newInbox(b.opts.QueueCapacity)
	b.inboxes[pluginID] = ib
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runWorker(pluginID, ib)
}

// Unregister stops delivery to a plugin and drops its queue and
// subscriptions (spec 4.2: "subscriptions are dropped on plugin unload").
func (b *Bus) Unregister(pluginID string) {
	b.mu.Lock()
	ib, ok := b.inboxes[pluginID]
	delete(b.inboxes, pluginID)
	for topic, set := range b.subscribers {
		delete(set, pluginID)
		if len(set) == 0 {
			delete(b.subscribers, topic)
		}
	}
	delete(b.subCount, pluginID)
	b.mu.Unlock()
	if ok {
		ib.close()
	}
}

// Subscribe records pluginID as a subscriber of topic (spec 4.3
// subscribe_topic). Idempotent; bounded by MaxSubscriptionsPerPlugin.
func (b *Bus) Subscribe(pluginID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[topic]
	if !ok {
		set = make(map[string]struct{})
		b.subscribers[topic] = set
	}
	if _, already := set[pluginID]; already {
		return nil
	}
	if b.subCount[pluginID] >= b.opts.MaxSubscriptionsPerPlugin {
		return &kernelerr.BusError{Err: kernelerr.ErrQueueFull}
	}
	set[pluginID] = struct{}{}
	b.subCount[pluginID]++
	return nil
}

// Unsubscribe removes pluginID from topic's subscriber set. Idempotent.
// Takes effect immediately for subsequently published messages (spec
// 4.5); a message already admitted to pluginID's queue before this call
// is still delivered.
func (b *Bus) Unsubscribe(pluginID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[topic]; ok {
		if _, had := set[pluginID]; had {
			delete(set, pluginID)
			b.subCount[pluginID]--
			if len(set) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
}

// subscribersOf returns a snapshot of topic's current subscribers.
func (b *Bus) subscribersOf(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.subscribers[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Send delivers m directly to m.To (spec 4.5 "direct" mode). Blocks per
// the priority backpressure policy until the message is admitted, then
// waits until it is delivered (returning the Deliverer's error), evicted,
// expired, or the send is cancelled.
func (b *Bus) Send(ctx context.Context, m message.Message) error {
	if m.To == "" {
		return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
	}
	b.mu.RLock()
	ib, ok := b.inboxes[m.To]
	b.mu.RUnlock()
	if !ok {
		return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
	}
	return ib.enqueue(ctx, m, b.opts.AdmissionDeadline)
}

// Publish delivers m to every current subscriber of m.Topic other than
// the publisher itself (m.From) (spec 4.5
// "topic" mode and glossary Broadcast, topic "*"). Per-subscriber errors
// are collected but do not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, m message.Message) map[string]error {
	targets := b.subscribersOf(m.Topic)
	errs := make(map[string]error, len(targets))
	for _, id := range targets {
		if id == m.From {
			continue
		}
		mm := m
		mm.To = id
		b.mu.RLock()
		ib, ok := b.inboxes[id]
		b.mu.RUnlock()
		if !ok {
			errs[id] = &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
			continue
		}
		if err := ib.enqueue(ctx, mm, b.opts.AdmissionDeadline); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Shutdown stops every worker and waits for them to exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Unregister(id)
	}
	b.wg.Wait()
}

// runWorker drains ib in FIFO order, invoking deliver for each message and
// resolving its pending result.
func (b *Bus) runWorker(pluginID string, ib *inbox) {
	defer b.wg.Done()
	for {
		p, ok := ib.dequeue()
		if !ok {
			return
		}
		now := time.Now().UnixMilli()
		if p.msg.Expired(now) {
			p.resolve(&kernelerr.BusError{Err: kernelerr.ErrMessageExpired})
			continue
		}
		err := b.deliver(context.Background(), pluginID, p.msg)
		p.resolve(err)
	}
}
