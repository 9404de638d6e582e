package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpeXt/wasmkernel/internal/bus"
	"github.com/hpeXt/wasmkernel/internal/logbuf"
	"github.com/hpeXt/wasmkernel/internal/message"
	"github.com/hpeXt/wasmkernel/internal/store"
)

func newTestBridge(t *testing.T, deliver bus.Deliverer) (*Bridge, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if deliver == nil {
		deliver = func(ctx context.Context, to string, m message.Message) error { return nil }
	}
	b := bus.New(bus.Options{}, deliver)
	t.Cleanup(b.Shutdown)

	return New(st, b, logbuf.New(100), Limits{MaxPayloadBytes: 1 << 20, MaxSubscriptionsPerPlugin: 128}), st, b
}

func TestStoreDataUnderCallerNamespace(t *testing.T) {
	br, _, _ := newTestBridge(t, nil)
	ctx := context.Background()

	env := br.StoreData(ctx, "writer", "counter", json.RawMessage(`1`))
	require.True(t, env.Ok)

	env = br.GetData(ctx, "writer", "counter")
	require.True(t, env.Ok)
	require.JSONEq(t, `1`, string(env.Value))

	// A different caller must not see writer's namespace.
	env = br.GetData(ctx, "reader", "counter")
	require.True(t, env.Ok)
	require.Nil(t, env.Value)
}

func TestGetDataMissingKeyIsSuccess(t *testing.T) {
	br, _, _ := newTestBridge(t, nil)
	env := br.GetData(context.Background(), "reader", "nope")
	require.True(t, env.Ok)
	require.Empty(t, env.Error)
}

func TestListKeysAfterTwoPuts(t *testing.T) {
	br, _, _ := newTestBridge(t, nil)
	ctx := context.Background()
	require.True(t, br.StoreData(ctx, "writer", "counter", json.RawMessage(`1`)).Ok)
	require.True(t, br.StoreData(ctx, "writer", "counter", json.RawMessage(`2`)).Ok)

	env := br.ListKeys(ctx, "writer")
	require.True(t, env.Ok)
	var keys []string
	require.NoError(t, json.Unmarshal(env.Value, &keys))
	require.Equal(t, []string{"counter"}, keys)

	env = br.GetData(ctx, "writer", "counter")
	require.JSONEq(t, `2`, string(env.Value))
}

func TestSendMessageForcesFromToCaller(t *testing.T) {
	var captured message.Message
	br, _, b := newTestBridge(t, func(ctx context.Context, to string, m message.Message) error {
		captured = m
		return nil
	})
	b.Register("reader")

	env := br.SendMessage(context.Background(), "writer", SendRequest{
		To:      "reader",
		Payload: json.RawMessage(`"hi"`),
	})
	require.True(t, env.Ok)
	require.Eventually(t, func() bool { return captured.From == "writer" }, time.Second, time.Millisecond)
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	br, st, b := newTestBridge(t, nil)
	b.Register("echo")
	ctx := context.Background()

	env := br.SubscribeTopic(ctx, "echo", "ping")
	require.True(t, env.Ok)
	topics, err := st.Subscriptions(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, topics)

	env = br.UnsubscribeTopic(ctx, "echo", "ping")
	require.True(t, env.Ok)
	topics, err = st.Subscriptions(ctx, "echo")
	require.NoError(t, err)
	require.Empty(t, topics)
}

func TestOversizedPayloadIsDomainError(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New(bus.Options{}, func(ctx context.Context, to string, m message.Message) error { return nil })
	t.Cleanup(b.Shutdown)
	br := New(st, b, logbuf.New(10), Limits{MaxPayloadBytes: 4, MaxSubscriptionsPerPlugin: 128})

	env := br.StoreData(context.Background(), "writer", "k", json.RawMessage(`"too big"`))
	require.False(t, env.Ok)
	require.NotEmpty(t, env.Error)
}
