package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpeXt/wasmkernel/internal/bridge"
	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/config"
	"github.com/hpeXt/wasmkernel/internal/controlplane"
	"github.com/hpeXt/wasmkernel/internal/identity"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/logbuf"
	"github.com/hpeXt/wasmkernel/internal/plugin"
	"github.com/hpeXt/wasmkernel/internal/plugin/loader"
	"github.com/hpeXt/wasmkernel/internal/scheduler"
	"github.com/hpeXt/wasmkernel/internal/store"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kernel",
		Short:         "Local-first kernel for sandboxed WebAssembly plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to kernel.toml (defaults applied if absent)")
	root.AddCommand(newServeCommand())
	root.AddCommand(newPluginCommand())
	root.AddCommand(newTopicCommand())
	return root
}

// app holds every wired dependency a subcommand needs. Each invocation of
// this binary constructs its own app against the same on-disk Store and
// plugin directory another invocation (or a running `serve`) uses —
// SQLite's own locking (spec 4.2) is the only synchronization needed
// between them, since there is no in-process state a second process
// could otherwise observe.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	manager *plugin.Manager
	bus     *bus.Bus
	bridge  *bridge.Bridge
	loader  *loader.Loader
	sched   *scheduler.Scheduler
	cp      *controlplane.ControlPlane
}

func newLogger(cfg config.Log) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func loadTrustedKeys(dir string) ([]ed25519.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []ed25519.PublicKey
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read trusted key %s: %w", entry.Name(), err)
		}
		decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s is not a hex-encoded ed25519 public key", entry.Name())
		}
		keys = append(keys, ed25519.PublicKey(decoded))
	}
	return keys, nil
}

// bootstrap wires every component a subcommand needs, in the order spec
// §6 implies: config, identity, store, manager/bus/bridge, loader.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Kernel.Log)

	if _, _, err := identity.Acquire(ctx, identity.Options{
		EnvVar:         config.EnvPrivateKey,
		AllowEnvKey:    cfg.Identity.AllowEnvKey,
		FilePath:       filepath.Join(cfg.Kernel.DataDir, cfg.Identity.PrivateKeyFile),
		UseKeyring:     cfg.Identity.UseKeyring,
		KeyringTimeout: time.Duration(cfg.Identity.KeyringTimeoutSecs) * time.Second,
		KeyringService: "wasmkernel",
		KeyringAccount: "identity",
	}); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Kernel.DataDir, 0o755); err != nil {
		return nil, &kernelerr.StoreError{Err: err}
	}
	st, err := store.Open(filepath.Join(cfg.Kernel.DataDir, "kernel.db"), nil)
	if err != nil {
		return nil, err
	}

	logs := logbuf.New(10000)
	mgr := plugin.NewManager(st, logger)
	b := bus.New(bus.Options{
		QueueCapacity:             256,
		AdmissionDeadline:         5 * time.Second,
		MaxSubscriptionsPerPlugin: cfg.Limits.MaxSubscriptionsPerPlugin,
	}, mgr.Deliver)
	mgr.AttachBus(b)

	br := bridge.New(st, b, logs, bridge.Limits{
		MaxPayloadBytes:           cfg.Limits.MaxPayloadBytes,
		MaxSubscriptionsPerPlugin: cfg.Limits.MaxSubscriptionsPerPlugin,
	})

	var loaderOpts []loader.Option
	if cfg.Kernel.RequireSignedPlugins {
		keys, err := loadTrustedKeys(cfg.Kernel.TrustedKeysDir)
		if err != nil {
			return nil, &kernelerr.PluginError{Err: err}
		}
		loaderOpts = append(loaderOpts, loader.WithSignatureVerification(keys))
	}
	ld := loader.New(cfg.Kernel.PluginDir, mgr, br, logger, loaderOpts...)

	sched := scheduler.New(mgr, logger, nil, scheduler.DefaultTickInterval)
	cp := controlplane.New(mgr, b, st, logs, ld)

	return &app{
		cfg: cfg, logger: logger, store: st, manager: mgr,
		bus: b, bridge: br, loader: ld, sched: sched, cp: cp,
	}, nil
}

func (a *app) close() {
	a.sched.Stop()
	a.loader.StopWatch()
	a.manager.ShutdownAll(context.Background())
	a.bus.Shutdown()
	a.store.Close()
}
