package plugin_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/plugin"
	"github.com/hpeXt/wasmkernel/internal/store"
	pkgplugin "github.com/hpeXt/wasmkernel/pkg/plugin"
)

// stubPlugin is a pkgplugin.Plugin test double: no WASM involved, so the
// Manager's lifecycle and trap logic can be exercised directly.
type stubPlugin struct {
	meta pkgplugin.Metadata

	initErr     error
	handleErr   error
	tickErr     error
	handleCalls []string
}

func (s *stubPlugin) Metadata() pkgplugin.Metadata { return s.meta }
func (s *stubPlugin) Initialize(ctx context.Context, config json.RawMessage) error {
	return s.initErr
}
func (s *stubPlugin) HandleMessage(ctx context.Context, from, topic string, payload json.RawMessage) error {
	s.handleCalls = append(s.handleCalls, from)
	return s.handleErr
}
func (s *stubPlugin) Tick(ctx context.Context) error                             { return s.tickErr }
func (s *stubPlugin) Shutdown(ctx context.Context) error                         { return nil }
func (s *stubPlugin) HealthCheck(ctx context.Context) (json.RawMessage, error)   { return json.RawMessage(`{"ok":true}`), nil }
func (s *stubPlugin) GetStats(ctx context.Context) (json.RawMessage, error)      { return json.RawMessage(`{}`), nil }
func (s *stubPlugin) Close(ctx context.Context) error                           { return nil }

func newTestManager(t *testing.T) (*plugin.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := plugin.NewManager(st, nil)
	b := bus.New(bus.Options{}, mgr.Deliver)
	t.Cleanup(b.Shutdown)
	mgr.AttachBus(b)
	return mgr, st
}

func TestRegisterDrivesToRunning(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "hello", Version: "0.1.0"}}
	require.NoError(t, mgr.Register(context.Background(), "hello", p, json.RawMessage(`{}`)))

	status, ok := mgr.Status("hello")
	require.True(t, ok)
	require.Equal(t, plugin.StatusRunning, status)
}

func TestRegisterInitializeFailureNeverReachesRunning(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "broken"}, initErr: errors.New("bad config")}
	err := mgr.Register(context.Background(), "broken", p, json.RawMessage(`{}`))
	require.Error(t, err)

	status, ok := mgr.Status("broken")
	require.True(t, ok)
	require.Equal(t, plugin.StatusError, status)
}

func TestDuplicateRegisterFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "dup"}}
	require.NoError(t, mgr.Register(context.Background(), "dup", p, nil))
	err := mgr.Register(context.Background(), "dup", &stubPlugin{meta: pkgplugin.Metadata{Name: "dup"}}, nil)
	require.ErrorIs(t, err, plugin.ErrAlreadyRegistered)
}

func TestDeliverTrapsOnHandleMessageError(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "writer"}, handleErr: errors.New("trap")}
	require.NoError(t, mgr.Register(context.Background(), "writer", p, nil))

	err := mgr.Deliver(context.Background(), "writer", message.New("reader", "writer", "", json.RawMessage(`{}`), message.Normal, 0))
	require.Error(t, err)

	status, _ := mgr.Status("writer")
	require.Equal(t, plugin.StatusError, status)
}

func TestDeliverToUnknownPluginIsNoSuchPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Deliver(context.Background(), "ghost", message.New("a", "ghost", "", nil, message.Normal, 0))
	var be *kernelerr.BusError
	require.ErrorAs(t, err, &be)
}

func TestPauseSuppressesTick(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "ticker"}}
	require.NoError(t, mgr.Register(context.Background(), "ticker", p, nil))
	require.NoError(t, mgr.Pause("ticker"))

	require.NoError(t, mgr.Tick(context.Background(), "ticker"))
	status, _ := mgr.Status("ticker")
	require.Equal(t, plugin.StatusPaused, status)

	require.NoError(t, mgr.Resume("ticker"))
	status, _ = mgr.Status("ticker")
	require.Equal(t, plugin.StatusRunning, status)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "echo"}}
	require.NoError(t, mgr.Register(context.Background(), "echo", p, nil))
	require.NoError(t, mgr.Unregister(context.Background(), "echo"))

	_, ok := mgr.Status("echo")
	require.False(t, ok)
}

func TestReloadRequiresErrorState(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "running"}}
	require.NoError(t, mgr.Register(context.Background(), "running", p, nil))

	err := mgr.Reload(context.Background(), "running", &stubPlugin{meta: pkgplugin.Metadata{Name: "running"}}, nil)
	require.ErrorIs(t, err, plugin.ErrNotInErrorState)
}

func TestReloadOnceThenParksUntilReenable(t *testing.T) {
	mgr, _ := newTestManager(t)
	p := &stubPlugin{meta: pkgplugin.Metadata{Name: "flaky"}, initErr: errors.New("boom")}
	require.Error(t, mgr.Register(context.Background(), "flaky", p, nil))

	// First reload attempt also fails initialize: status stays Error and
	// the single automatic attempt is consumed.
	err := mgr.Reload(context.Background(), "flaky", &stubPlugin{meta: pkgplugin.Metadata{Name: "flaky"}, initErr: errors.New("still broken")}, nil)
	require.Error(t, err)

	err = mgr.Reload(context.Background(), "flaky", &stubPlugin{meta: pkgplugin.Metadata{Name: "flaky"}}, nil)
	require.ErrorIs(t, err, plugin.ErrReloadAlreadyAttempted)

	require.NoError(t, mgr.ResetReloadAttempt("flaky"))
	require.NoError(t, mgr.Reload(context.Background(), "flaky", &stubPlugin{meta: pkgplugin.Metadata{Name: "flaky"}}, nil))

	status, _ := mgr.Status("flaky")
	require.Equal(t, plugin.StatusRunning, status)
}
