package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolSubmitRunsTask(t *testing.T) {
	wp := NewWorkerPool(2)
	defer wp.Close()

	var ran int64
	done := make(chan struct{})
	ok := wp.Submit(func() {
		atomic.AddInt64(&ran, 1)
		close(done)
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPoolRecoversPanickingTask(t *testing.T) {
	wp := NewWorkerPool(1)
	defer wp.Close()

	wp.Submit(func() { panic("boom") })

	done := make(chan struct{})
	wp.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stalled after panicking task")
	}

	stats := wp.Stats()
	assert.GreaterOrEqual(t, stats.Failed, int64(1))
}

func TestWorkerPoolSubmitAfterCloseFails(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Close()
	assert.False(t, wp.Submit(func() {}))
}

func TestSafeMapBasicOperations(t *testing.T) {
	sm := NewSafeMap()
	sm.Set("a", 1)
	sm.Set("b", 2)

	v, ok := sm.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 2, sm.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, sm.Keys())

	sm.Delete("a")
	_, ok = sm.Get("a")
	assert.False(t, ok)

	seen := map[string]interface{}{}
	sm.ForEach(func(k string, v interface{}) { seen[k] = v })
	assert.Equal(t, map[string]interface{}{"b": 2}, seen)
}
