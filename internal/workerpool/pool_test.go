package workerpool

import (
	"sync/atomic"
	"testing"
)

func TestMapPreservesOrder(t *testing.T) {
	p := New(4)
	defer p.Close()

	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	results := Map(p, items, func(n int) int { return n * n })

	for i, n := range items {
		if results[i] != n*n {
			t.Errorf("results[%d] = %d, want %d", i, results[i], n*n)
		}
	}
}

func TestMapEmpty(t *testing.T) {
	p := New(2)
	defer p.Close()

	results := Map(p, []int(nil), func(n int) int { return n })
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Close()

	var active, maxActive int32
	items := make([]int, 20)
	Map(p, items, func(int) int {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		atomic.AddInt32(&active, -1)
		return 0
	})

	if maxActive > 2 {
		t.Errorf("observed %d concurrent jobs, pool size is 2", maxActive)
	}
}

func TestPoolSizeFloor(t *testing.T) {
	p := New(0)
	defer p.Close()

	results := Map(p, []int{1, 2, 3}, func(n int) int { return n + 1 })
	want := []int{2, 3, 4}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}
