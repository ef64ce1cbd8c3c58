package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spinneret/spinneret/spider"
)

func TestTaskQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	require.True(t, q.Push(spider.NewTask("http://a")))
	require.True(t, q.Push(spider.NewTask("http://b")))
	require.True(t, q.Push(spider.NewTask("http://c")))
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"http://a", "http://b", "http://c"} {
		task, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, task.URL)
	}
	require.Equal(t, 0, q.Len())
}

func TestTaskQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	got := make(chan *spider.Task, 1)
	go func() {
		task, ok := q.Pop()
		if ok {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Push(spider.NewTask("http://late")))

	select {
	case task := <-got:
		require.Equal(t, "http://late", task.URL)
	case <-time.After(time.Second):
		t.Fatal("pop never observed the push")
	}
}

func TestTaskQueueCloseWakesBlockedPop(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop never observed the close")
	}
}

func TestTaskQueueDrainsAfterClose(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	require.True(t, q.Push(spider.NewTask("http://queued")))
	q.Close()

	require.False(t, q.Push(spider.NewTask("http://refused")))

	task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "http://queued", task.URL)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestTaskQueueTryPop(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	_, ok := q.TryPop()
	require.False(t, ok)

	require.True(t, q.Push(spider.NewTask("http://a")))
	task, ok := q.TryPop()
	require.True(t, ok)
	require.Equal(t, "http://a", task.URL)
}
