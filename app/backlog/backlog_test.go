package backlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklog_FIFO(t *testing.T) {
	b := New(4)
	b.Enqueue("a")
	b.Enqueue("b")
	b.Enqueue("c")

	for _, want := range []string{"a", "b", "c"} {
		got, err := b.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBacklog_EmptyDequeue(t *testing.T) {
	b := New(0)
	_, err := b.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)

	b.Enqueue("a")
	_, err = b.Dequeue()
	require.NoError(t, err)
	_, err = b.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBacklog_Growth(t *testing.T) {
	b := New(2)
	for i := 0; i < 100; i++ {
		b.Enqueue(fmt.Sprintf("tok-%03d", i))
	}
	assert.Equal(t, 100, b.Len())

	for i := 0; i < 100; i++ {
		got, err := b.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("tok-%03d", i), got, "order preserved across growth")
	}
	assert.True(t, b.IsEmpty())
}

func TestBacklog_GrowthWrapped(t *testing.T) {
	// force front to wrap before growing
	b := New(4)
	b.Enqueue("x")
	b.Enqueue("y")
	_, err := b.Dequeue()
	require.NoError(t, err)
	_, err = b.Dequeue()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		b.Enqueue(fmt.Sprintf("%d", i))
	}
	got := b.Snapshot()
	require.Len(t, got, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), got[i])
	}
}

func TestBacklog_IsFull(t *testing.T) {
	b := New(2)
	assert.False(t, b.IsFull())
	b.Enqueue("a")
	b.Enqueue("b")
	assert.True(t, b.IsFull())
	b.Enqueue("c") // doubles
	assert.False(t, b.IsFull())
	assert.Equal(t, 3, b.Len())
}

func TestBacklog_Snapshot(t *testing.T) {
	b := New(4)
	b.Enqueue("a")
	b.Enqueue("b")

	snap := b.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap)
	assert.Equal(t, 2, b.Len(), "snapshot doesn't consume")

	got, err := b.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestBacklog_Concurrent(t *testing.T) {
	b := New(2)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Enqueue(fmt.Sprintf("%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, b.Len(), "no elements lost under concurrent enqueue")

	seen := make(map[string]struct{})
	for {
		tok, err := b.Dequeue()
		if err != nil {
			break
		}
		_, dup := seen[tok]
		require.False(t, dup, "duplicate element %s", tok)
		seen[tok] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}
