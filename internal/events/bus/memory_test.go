package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
)

func TestMemoryEventBusExactMatch(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	received := []string{}
	sub, err := b.Subscribe(AgentTopic("a1"), func(ctx context.Context, subject string, e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), AgentTopic("a1"), NewEvent("agent.paused", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), AgentTopic("a2"), NewEvent("agent.paused", "test", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryEventBusWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	count := make(chan struct{}, 10)
	sub, err := b.Subscribe(">", func(ctx context.Context, subject string, e *Event) {
		count <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), AgentTopic("a1"), NewEvent("x", "t", nil)))
	require.NoError(t, b.Publish(context.Background(), TeamTopic("t1"), NewEvent("y", "t", nil)))

	require.Eventually(t, func() bool { return len(count) == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryEventBusDropsOnOverflow(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	block := make(chan struct{})
	sub, err := b.Subscribe(AgentTopic("slow"), func(ctx context.Context, subject string, e *Event) {
		<-block
	})
	require.NoError(t, err)
	defer func() {
		close(block)
		sub.Unsubscribe()
	}()

	for i := 0; i < DefaultQueueSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), AgentTopic("slow"), NewEvent("x", "t", nil)))
	}

	require.Greater(t, b.Dropped(), int64(0))
}

func TestMemoryEventBusCloseWithActiveSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())

	_, err := b.Subscribe(">", func(ctx context.Context, subject string, e *Event) {})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() deadlocked with an active subscription")
	}
}

func TestMemoryEventBusClosedRejectsPublishAndSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	require.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "t", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, subject string, e *Event) {})
	require.Error(t, err)
	require.False(t, b.IsConnected())
}
