package streaming

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func assertSilent(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if ok {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatch(t *testing.T) {
	msg := Message{Topic: TopicResolveResponse, Key: "c-1"}

	assert.True(t, Filter{}.Match(msg))
	assert.True(t, Filter{Topics: []string{TopicResolveRequest, TopicResolveResponse}}.Match(msg))
	assert.True(t, Filter{Key: "c-1"}.Match(msg))
	assert.False(t, Filter{Key: "c-2"}.Match(msg))
	assert.False(t, Filter{Topics: []string{TopicResolveRequest}}.Match(msg))
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{Topics: []string{TopicResolveRequest}})
	require.NoError(t, err)
	defer cancel()

	msg := Message{Topic: TopicResolveRequest, Key: "c-1", Payload: json.RawMessage(`{"dependencies":[]}`)}
	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, msg, receive(t, ch))

	require.NoError(t, bus.Publish(ctx, Message{Topic: TopicResolveResponse, Key: "c-1"}))
	assertSilent(t, ch)
}

func TestMemoryBus_KeyFilter(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{Topics: []string{TopicResolveResponse}, Key: "mine"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, Message{Topic: TopicResolveResponse, Key: "theirs"}))
	require.NoError(t, bus.Publish(ctx, Message{Topic: TopicResolveResponse, Key: "mine"}))

	assert.Equal(t, "mine", receive(t, ch).Key)
	assertSilent(t, ch)
}

func TestMemoryBus_CancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, bus.Publish(ctx, Message{Topic: "x"}))
	_, ok := <-ch
	assert.False(t, ok)

	bus.mu.RLock()
	assert.Empty(t, bus.subs)
	bus.mu.RUnlock()
}

func TestMemoryBus_Backpressure(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, Message{Topic: "tick"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestMemoryBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Publish(ctx, Message{Topic: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := bus.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for k := 0; k < 5; k++ {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestMemoryBus_CancelledContext(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Publish(ctx, Message{Topic: "x"}), context.Canceled)
	_, _, err := bus.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

// Runs against a live server when STAGECRAFT_TEST_REDIS_ADDR is set.
func TestRedisBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("STAGECRAFT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STAGECRAFT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialRedis(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	bus := NewRedisBus(client, WithPrefix("stagecraft-test-"+uuid.NewString()+":"))
	ch, unsubscribe, err := bus.Subscribe(ctx, Filter{Topics: []string{TopicResolveResponse}, Key: "c-1"})
	require.NoError(t, err)
	defer unsubscribe()

	all, unsubscribeAll, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer unsubscribeAll()

	require.NoError(t, bus.Publish(ctx, Message{Topic: TopicResolveResponse, Key: "c-2"}))
	want := Message{Topic: TopicResolveResponse, Key: "c-1", Payload: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, bus.Publish(ctx, want))

	got := receive(t, ch)
	assert.Equal(t, want.Key, got.Key)
	assert.JSONEq(t, string(want.Payload), string(got.Payload))

	assert.Equal(t, "c-2", receive(t, all).Key)
	assert.Equal(t, "c-1", receive(t, all).Key)
}
