package eventstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPreservesPushOrder(t *testing.T) {
	s := New[int]()
	for i := 0; i < 5; i++ {
		require.True(t, s.Push(i))
	}
	s.End()

	var got []int
	for {
		v, ok, err := s.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestStreamPushAfterEndIsNoop(t *testing.T) {
	s := New[string]()
	s.End()
	s.End()

	assert.False(t, s.Push("late"))
	assert.Equal(t, 0, s.Len())

	_, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamNextBlocksUntilPush(t *testing.T) {
	s := New[string]()
	got := make(chan string, 1)

	go func() {
		v, ok, err := s.Next(context.Background())
		if err == nil && ok {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	s.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not resume after push")
	}
}

func TestStreamNextUnblocksOnEnd(t *testing.T) {
	s := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok, _ := s.Next(context.Background())
		done <- ok
	}()

	s.End()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe End")
	}
}

func TestStreamNextHonorsCancellation(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := s.Next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Next ignored context cancellation")
	}
}

func TestStreamDeliversEachElementOnce(t *testing.T) {
	s := New[int]()
	const total = 200

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok, err := s.Next(context.Background())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		s.Push(i)
	}
	s.End()
	wg.Wait()

	require.Len(t, seen, total)
	for v, n := range seen {
		assert.Equalf(t, 1, n, "element %d delivered %d times", v, n)
	}
}

func TestStreamAllStopsAtEnd(t *testing.T) {
	s := New[string]()
	s.Push("a")
	s.Push("b")
	s.End()

	var got []string
	for v := range s.All(context.Background()) {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStreamAllBreakLeavesRemainder(t *testing.T) {
	s := New[int]()
	for i := 1; i <= 3; i++ {
		s.Push(i)
	}
	for v := range s.All(context.Background()) {
		if v == 1 {
			break
		}
	}
	assert.Equal(t, 2, s.Len())
}
