package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribePublishOrdering(t *testing.T) {
	b := NewBus()
	t.Cleanup(func() { _ = b.Close() })

	var mu sync.Mutex
	var received []int

	_, cancel := b.Subscribe("events:s1", func(msg any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.(int))
	})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), "events:s1", i)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, received)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	t.Cleanup(func() { _ = b.Close() })

	count := 0
	token, cancel := b.Subscribe("events:s1", func(msg any) { count++ })
	_ = token
	cancel()

	b.Publish(context.Background(), "events:s1", "hello")
	require.Equal(t, 0, count)
}

func TestChannelIsolation(t *testing.T) {
	b := NewBus()
	t.Cleanup(func() { _ = b.Close() })

	var a, c int
	b.Subscribe("events:a", func(msg any) { a++ })
	b.Subscribe("events:c", func(msg any) { c++ })

	b.Publish(context.Background(), "events:a", 1)
	require.Equal(t, 1, a)
	require.Equal(t, 0, c)
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	count := 0
	b.Subscribe("events:s1", func(msg any) { count++ })
	require.NoError(t, b.Close())
	b.Publish(context.Background(), "events:s1", "x")
	require.Equal(t, 0, count)
}

func TestEventsControlChannelNames(t *testing.T) {
	require.Equal(t, "events:abc", EventsChannel("abc"))
	require.Equal(t, "control:abc", ControlChannel("abc"))
}

func TestResetReplacesGlobalBus(t *testing.T) {
	old := Global()
	Reset()
	require.NotSame(t, old, Global())
}

func TestPublishIsSynchronousPerCall(t *testing.T) {
	b := NewBus()
	t.Cleanup(func() { _ = b.Close() })

	done := make(chan struct{})
	b.Subscribe("events:s1", func(msg any) {
		time.Sleep(5 * time.Millisecond)
		close(done)
	})
	b.Publish(context.Background(), "events:s1", 1)
	select {
	case <-done:
	default:
		t.Fatal("expected subscriber to have already run by the time Publish returned")
	}
}
