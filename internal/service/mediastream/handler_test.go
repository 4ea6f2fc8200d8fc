package mediastream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h := NewHandler(SpeechConfig{}, zap.NewNop())
	t.Cleanup(h.Shutdown)
	return h
}

func TestQueueTTSRunsInOrder(t *testing.T) {
	h := newTestHandler(t)

	var mu sync.Mutex
	var order []int

	var handles []*TaskHandle
	for i := 0; i < 10; i++ {
		i := i
		handles = append(handles, h.QueueTTS("stream-1", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, handle := range handles {
		require.NoError(t, handle.Wait(ctx))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestQueueTTSNeverOverlapsWithinStream(t *testing.T) {
	h := newTestHandler(t)

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	var handles []*TaskHandle
	for i := 0; i < 8; i++ {
		handles = append(handles, h.QueueTTS("stream-1", func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, handle := range handles {
		require.NoError(t, handle.Wait(ctx))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestStreamsRunConcurrently(t *testing.T) {
	h := newTestHandler(t)

	// Each stream's task waits for the other to start; progress is only
	// possible if the two streams run in parallel.
	started1 := make(chan struct{})
	started2 := make(chan struct{})

	h1 := h.QueueTTS("stream-1", func(ctx context.Context) error {
		close(started1)
		select {
		case <-started2:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("peer stream never started")
		}
	})
	h2 := h.QueueTTS("stream-2", func(ctx context.Context) error {
		close(started2)
		select {
		case <-started1:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("peer stream never started")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Wait(ctx))
	require.NoError(t, h2.Wait(ctx))
}

func TestClearQueueCancelsRunningAndDiscardsPending(t *testing.T) {
	h := newTestHandler(t)

	started := make(chan struct{})
	running := h.QueueTTS("stream-1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ran := false
	pending := h.QueueTTS("stream-1", func(ctx context.Context) error {
		ran = true
		return nil
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	h.ClearQueue("stream-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, running.Wait(ctx), context.Canceled)
	assert.ErrorIs(t, pending.Wait(ctx), context.Canceled)
	assert.False(t, ran, "discarded task must never start")
}

func TestClearQueueKeepsStreamUsable(t *testing.T) {
	h := newTestHandler(t)

	h.ClearQueue("stream-1")

	handle := h.QueueTTS("stream-1", func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
}

func TestTaskErrorSurfacesThroughHandle(t *testing.T) {
	h := newTestHandler(t)

	wantErr := fmt.Errorf("synth backend unreachable")
	handle := h.QueueTTS("stream-1", func(ctx context.Context) error { return wantErr })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, handle.Wait(ctx), wantErr)
}

func TestCloseStream(t *testing.T) {
	h := newTestHandler(t)

	started := make(chan struct{})
	running := h.QueueTTS("stream-1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	h.CloseStream("stream-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, running.Wait(ctx), context.Canceled)
	assert.Nil(t, h.Speech("stream-1"))
}

func TestShutdownResolvesEverything(t *testing.T) {
	h := NewHandler(SpeechConfig{}, zap.NewNop())

	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		streamID := fmt.Sprintf("stream-%d", i)
		handles = append(handles, h.QueueTTS(streamID, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
		handles = append(handles, h.QueueTTS(streamID, func(ctx context.Context) error { return nil }))
	}

	h.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, handle := range handles {
		assert.ErrorIs(t, handle.Wait(ctx), context.Canceled)
	}

	// New work after shutdown is refused outright.
	late := h.QueueTTS("stream-9", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(ctx), context.Canceled)
}
