package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/message"
)

func recordingDeliverer() (Deliverer, func() []message.Message) {
	var mu sync.Mutex
	var got []message.Message
	return func(ctx context.Context, to string, m message.Message) error {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			return nil
		}, func() []message.Message {
			mu.Lock()
			defer mu.Unlock()
			out := make([]message.Message, len(got))
			copy(out, got)
			return out
		}
}

func TestDirectSendNoSuchPlugin(t *testing.T) {
	deliver, _ := recordingDeliverer()
	b := New(Options{}, deliver)

	m := message.New("pinger", "ghost", "", json.RawMessage(`1`), message.Normal, 0)
	err := b.Send(context.Background(), m)
	require.ErrorIs(t, err, kernelerr.ErrNoSuchPlugin)
}

func TestTopicPublishDeliversOnce(t *testing.T) {
	deliver, got := recordingDeliverer()
	b := New(Options{}, deliver)
	b.Register("echo")
	require.NoError(t, b.Subscribe("echo", "ping"))

	m := message.New("pinger", "", "ping", json.RawMessage(`[1,2]`), message.Normal, 0)
	errs := b.Publish(context.Background(), m)
	require.Empty(t, errs)

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, time.Millisecond)
	delivered := got()[0]
	require.Equal(t, "pinger", delivered.From)
	require.JSONEq(t, `[1,2]`, string(delivered.Payload))

	b.Shutdown()
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	deliver, got := recordingDeliverer()
	b := New(Options{}, deliver)
	b.Register("echo")
	require.NoError(t, b.Subscribe("echo", "ping"))
	b.Unsubscribe("echo", "ping")

	errs := b.Publish(context.Background(), message.New("pinger", "", "ping", json.RawMessage(`1`), message.Normal, 0))
	require.Empty(t, errs) // publish to zero subscribers is not an error
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, got())

	b.Shutdown()
}

func TestExpiredMessageIsDiscarded(t *testing.T) {
	deliver, got := recordingDeliverer()
	b := New(Options{}, deliver)
	b.Register("reader")

	past := time.Now().Add(-time.Hour).UnixMilli()
	m := message.New("writer", "reader", "", json.RawMessage(`1`), message.Normal, 0)
	m.ExpiresAt = &past

	err := b.Send(context.Background(), m)
	require.Error(t, err)
	require.Empty(t, got())

	b.Shutdown()
}

func TestFIFOPerSenderReceiverPair(t *testing.T) {
	// Hold the single worker busy so sends queue up, then release it and
	// check delivery order.
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var order []int
	deliver := func(ctx context.Context, to string, m message.Message) error {
		once.Do(func() { <-release })
		var n int
		_ = json.Unmarshal(m.Payload, &n)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	}
	b := New(Options{QueueCapacity: 8}, deliver)
	b.Register("reader")

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(i)
		go b.Send(context.Background(), message.New("writer", "reader", "", payload, message.Normal, 0))
		time.Sleep(time.Millisecond) // let send i be admitted before send i+1 starts
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	b.Shutdown()
}

func TestCriticalEvictsOldestLowerPriority(t *testing.T) {
	// Block the worker so the queue actually fills and stays full.
	block := make(chan struct{})
	deliver := func(ctx context.Context, to string, m message.Message) error {
		<-block
		return nil
	}
	b := New(Options{QueueCapacity: 2, AdmissionDeadline: 50 * time.Millisecond}, deliver)
	b.Register("reader")

	// First message is immediately picked up by the worker and blocks it;
	// it leaves the queue when picked up, so the queue then holds
	// QueueCapacity further messages before it is full.
	results := make(chan error, 4)
	go func() {
		results <- b.Send(context.Background(), message.New("w1", "reader", "", json.RawMessage(`0`), message.Normal, 0))
	}()
	time.Sleep(10 * time.Millisecond) // let the worker pick up message 0 and block

	go func() {
		results <- b.Send(context.Background(), message.New("w1", "reader", "", json.RawMessage(`1`), message.Normal, 0))
	}()
	go func() {
		results <- b.Send(context.Background(), message.New("w1", "reader", "", json.RawMessage(`2`), message.Normal, 0))
	}()
	time.Sleep(20 * time.Millisecond) // let both Normal messages be admitted, queue now full

	criticalErr := make(chan error, 1)
	go func() {
		criticalErr <- b.Send(context.Background(), message.New("w2", "reader", "", json.RawMessage(`9`), message.Critical, 0))
	}()

	// One of the two queued Normal sends should now resolve QueueFull
	// (the evicted one); the Critical send should be admitted without
	// waiting for the admission deadline. Every admitted send waits for
	// its delivery, so while the worker is blocked the evicted send is the
	// only one that can return: release the worker after the first result.
	var queueFullCount int
	for i := 0; i < 2; i++ {
		err := <-results
		if i == 0 {
			close(block)
		}
		if err != nil {
			queueFullCount++
			require.ErrorIs(t, err, kernelerr.ErrQueueFull)
		}
	}
	require.Equal(t, 1, queueFullCount)

	require.NoError(t, <-criticalErr)
	<-results // the remaining delivered Normal message
	b.Shutdown()
}
