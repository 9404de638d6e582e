// Package scheduler drives plugin Tick() calls on a fixed interval. It
// repurposes the teacher's cron.Cron-backed job scheduler
// (internal/services/scheduler) away from cron-expression jobs and toward
// one default recurring "@every" entry that ticks every plugin, plus an
// optional "@every" entry per plugin whose interval is overridden.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/hpeXt/wasmkernel/internal/plugin"
)

// DefaultTickInterval is used for any plugin without its own override.
const DefaultTickInterval = time.Second

type metrics struct {
	ticksTotal   prometheus.Counter
	tickFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_ticks_total",
			Help: "Total scheduler-driven Tick() invocations across all plugins.",
		}),
		tickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_tick_failures_total",
			Help: "Total Tick() invocations that trapped a plugin.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticksTotal, m.tickFailures)
	}
	return m
}

// Scheduler calls plugin.Manager.Tick on a recurring interval. Paused and
// errored plugins are skipped, since Manager.Tick itself is a no-op
// unless the plugin is StatusRunning.
type Scheduler struct {
	cron    *cron.Cron
	manager *plugin.Manager
	logger  *slog.Logger
	metrics *metrics

	mu              sync.Mutex
	overrides       map[string]cron.EntryID
	defaultEntry    cron.EntryID
	defaultInterval time.Duration
	started         bool
}

// New constructs a Scheduler. defaultInterval <= 0 falls back to
// DefaultTickInterval (spec 4.4: "fixed interval, configurable per
// plugin, default 1s").
func New(mgr *plugin.Manager, logger *slog.Logger, reg prometheus.Registerer, defaultInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultInterval <= 0 {
		defaultInterval = DefaultTickInterval
	}
	return &Scheduler{
		cron:            cron.New(),
		manager:         mgr,
		logger:          logger,
		metrics:         newMetrics(reg),
		overrides:       make(map[string]cron.EntryID),
		defaultInterval: defaultInterval,
	}
}

// Start registers the default tick entry and begins driving plugin
// Tick() calls in the background. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	id, err := s.cron.AddFunc(everySpec(s.defaultInterval), func() { s.tickDefault(ctx) })
	if err != nil {
		return fmt.Errorf("scheduler: register default tick: %w", err)
	}
	s.defaultEntry = id
	s.cron.Start()
	s.started = true
	return nil
}

// Stop halts all scheduled ticking and waits for any in-flight tick to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.cron.Stop().Done()
}

// AddPluginInterval gives pluginID its own tick cadence instead of the
// scheduler's default. Replaces any prior override for the same plugin.
func (s *Scheduler) AddPluginInterval(ctx context.Context, pluginID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.overrides[pluginID]; ok {
		s.cron.Remove(prev)
	}
	id, err := s.cron.AddFunc(everySpec(interval), func() { s.tickOne(ctx, pluginID) })
	if err != nil {
		return fmt.Errorf("scheduler: register interval for %s: %w", pluginID, err)
	}
	s.overrides[pluginID] = id
	return nil
}

// RemovePluginInterval reverts pluginID to the scheduler's default tick
// cadence.
func (s *Scheduler) RemovePluginInterval(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.overrides[pluginID]; ok {
		s.cron.Remove(id)
		delete(s.overrides, pluginID)
	}
}

// tickDefault ticks every registered plugin that does not have its own
// interval override, so an overridden plugin is never ticked twice in
// the same cycle.
func (s *Scheduler) tickDefault(ctx context.Context) {
	s.mu.Lock()
	skip := make(map[string]struct{}, len(s.overrides))
	for id := range s.overrides {
		skip[id] = struct{}{}
	}
	s.mu.Unlock()

	for _, info := range s.manager.List() {
		if _, excluded := skip[info.PluginID]; excluded {
			continue
		}
		s.tickOne(ctx, info.PluginID)
	}
}

func (s *Scheduler) tickOne(ctx context.Context, pluginID string) {
	s.metrics.ticksTotal.Inc()
	if err := s.manager.Tick(ctx, pluginID); err != nil {
		s.metrics.tickFailures.Inc()
		s.logger.Warn("scheduled tick failed", "plugin", pluginID, "error", err)
	}
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
