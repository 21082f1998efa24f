package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func waitForEvents(t *testing.T, received *[]string, mu *sync.Mutex, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*received)
		mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", want)
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []string

	sub, err := b.Subscribe("cli.session.started", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	err = b.Publish(context.Background(), "cli.session.started",
		NewEvent("cli:session:started", "supervisor", nil))
	require.NoError(t, err)

	waitForEvents(t, &received, &mu, 1)
	mu.Lock()
	assert.Equal(t, []string{"cli:session:started"}, received)
	mu.Unlock()
}

func TestMemoryEventBus_WildcardSingleToken(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []string

	_, err := b.Subscribe("agent.progress.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.progress.dev", NewEvent("dev-agent:progress", "dev", nil)))
	require.NoError(t, b.Publish(ctx, "agent.progress.qa", NewEvent("qa-agent:progress", "qa", nil)))
	// Two tokens after the prefix should not match a single *.
	require.NoError(t, b.Publish(ctx, "agent.progress.dev.extra", NewEvent("ignored", "dev", nil)))

	waitForEvents(t, &received, &mu, 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Len(t, received, 2)
	assert.NotContains(t, received, "ignored")
	mu.Unlock()
}

func TestMemoryEventBus_WildcardTail(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []string

	_, err := b.Subscribe("cli.session.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "cli.session.started", NewEvent("a", "s", nil)))
	require.NoError(t, b.Publish(ctx, "cli.session.output", NewEvent("b", "s", nil)))
	require.NoError(t, b.Publish(ctx, "pipeline.state.changed", NewEvent("c", "s", nil)))

	waitForEvents(t, &received, &mu, 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b"}, received)
	mu.Unlock()
}

func TestMemoryEventBus_QueueGroupRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	var total []string

	handler := func(name string) EventHandler {
		return func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[name]++
			total = append(total, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := b.QueueSubscribe("jobs.dispatch", "workers", handler("w1"))
	require.NoError(t, err)
	_, err = b.QueueSubscribe("jobs.dispatch", "workers", handler("w2"))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "jobs.dispatch", NewEvent("job", "queue", nil)))
	}

	waitForEvents(t, &total, &mu, 4)

	mu.Lock()
	defer mu.Unlock()
	// Each publish is delivered once, spread across the group.
	assert.Equal(t, 4, counts["w1"]+counts["w2"])
	assert.Equal(t, 2, counts["w1"])
	assert.Equal(t, 2, counts["w2"])
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []string

	sub, err := b.Subscribe("cli.session.started", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e.ID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "cli.session.started", NewEvent("x", "s", nil)))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Empty(t, received)
	mu.Unlock()
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))

	sub, err := b.Subscribe("cli.session.started", func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "cli.session.started", NewEvent("x", "s", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("cli.session.output", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
