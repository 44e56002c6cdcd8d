package ingest

import (
	"sync"
	"testing"
	"time"
)

func TestBatcher(t *testing.T) {
	t.Run("size_threshold_triggers_flush", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := NewBatcher[int](3, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)
		b.Add(3) // should trigger flush

		// Wait for async flush goroutine
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 flush, got %d", len(batches))
		}
		if len(batches[0]) != 3 || batches[0][0] != 1 || batches[0][1] != 2 || batches[0][2] != 3 {
			t.Errorf("flushed items = %v, want [1 2 3]", batches[0])
		}
	})

	t.Run("under_threshold_no_immediate_flush", func(t *testing.T) {
		var mu sync.Mutex
		var flushed bool

		b := NewBatcher[int](10, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			flushed = true
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if flushed {
			t.Error("expected no flush under threshold")
		}
	})

	t.Run("stop_flushes_remaining_and_blocks_adds", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := NewBatcher[int](100, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})

		b.Add(10)
		b.Add(20)
		b.Stop()

		// After Stop, adds should be silently dropped
		b.Add(30)

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 flush on stop, got %d", len(batches))
		}
		if len(batches[0]) != 2 || batches[0][0] != 10 || batches[0][1] != 20 {
			t.Errorf("flushed items = %v, want [10 20]", batches[0])
		}
	})

	t.Run("time_based_flush", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := NewBatcher[int](100, 50*time.Millisecond, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)

		// Wait for timer-based flush
		time.Sleep(150 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 time-based flush, got %d", len(batches))
		}
		if len(batches[0]) != 2 || batches[0][0] != 1 || batches[0][1] != 2 {
			t.Errorf("flushed items = %v, want [1 2]", batches[0])
		}
	})

	t.Run("flushes_run_in_order", func(t *testing.T) {
		var mu sync.Mutex
		var got []int

		b := NewBatcher[int](1, time.Hour, func(items []int) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			got = append(got, items...)
		})
		for i := 0; i < 20; i++ {
			b.Add(i)
		}
		b.Stop()
		b.Stop()

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 20 {
			t.Fatalf("flushed %d items, want 20", len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("item %d = %d, flushes out of order: %v", i, v, got)
			}
		}
	})

	t.Run("pending_counts_unflushed", func(t *testing.T) {
		b := NewBatcher[string](10, time.Hour, func([]string) {})
		defer b.Stop()

		b.Add("a")
		b.Add("b")
		if n := b.Pending(); n != 2 {
			t.Errorf("Pending() = %d, want 2", n)
		}
		b.Flush()
		if n := b.Pending(); n != 0 {
			t.Errorf("Pending() after Flush = %d, want 0", n)
		}
	})
}
