package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherFIFO(t *testing.T) {
	d := NewDispatcher[int](0)
	require.True(t, d.Push(1))
	require.True(t, d.Push(2))
	v, ok := d.TryPop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = d.TryPop()
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = d.TryPop()
	require.False(t, ok)
}

func TestDispatcherPopBlocksUntilPush(t *testing.T) {
	d := NewDispatcher[string](0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Push("hello")
	}()
	v, ok := d.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "hello", v)
}

func TestDispatcherPopRespectsContextCancellation(t *testing.T) {
	d := NewDispatcher[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := d.Pop(ctx)
	require.False(t, ok)
}

func TestDispatcherPushBlocksAtCapacity(t *testing.T) {
	d := NewDispatcher[int](1)
	require.True(t, d.Push(1))

	pushed := make(chan bool, 1)
	go func() { pushed <- d.Push(2) }()

	select {
	case <-pushed:
		t.Fatal("push should have blocked at capacity")
	case <-time.After(10 * time.Millisecond):
	}

	_, _ = d.TryPop()
	require.True(t, <-pushed)
}

func TestDispatcherCloseUnblocksPop(t *testing.T) {
	d := NewDispatcher[int](0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Close()
	}()
	_, ok := d.Pop(context.Background())
	require.False(t, ok)
}
