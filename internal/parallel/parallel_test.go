package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunPreservesOrderAndValues(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	out := Run(context.Background(), items, DefaultOptions(), func(_ context.Context, item int, _ int) (int, error) {
		return item * 2, nil
	})
	if len(out) != len(items) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(items))
	}
	for i, o := range out {
		if !o.OK || o.Index != i || o.Value != items[i]*2 {
			t.Errorf("out[%d] = %+v, want OK with Index=%d Value=%d", i, o, i, items[i]*2)
		}
	}
}

func TestRunCapsConcurrency(t *testing.T) {
	var current, max int32
	items := make([]int, 20)
	opts := Options{MaxConcurrency: 3}
	Run(context.Background(), items, opts, func(_ context.Context, _ int, _ int) (int, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
		return 0, nil
	})
	if max > 3 {
		t.Errorf("observed concurrency %d, want <= 3", max)
	}
}

func TestRunCollectsPerItemErrors(t *testing.T) {
	boom := errors.New("boom")
	items := []int{1, 2, 3}
	out := Run(context.Background(), items, DefaultOptions(), func(_ context.Context, item int, _ int) (int, error) {
		if item == 2 {
			return 0, boom
		}
		return item, nil
	})
	if out[1].OK || !errors.Is(out[1].Err, boom) {
		t.Errorf("out[1] = %+v, want a failed outcome wrapping boom", out[1])
	}
	if !out[0].OK || !out[2].OK {
		t.Error("items 1 and 3 should have succeeded")
	}
}

func TestCombineErrorsNilWhenAllOK(t *testing.T) {
	out := []Outcome[int]{{OK: true}, {OK: true}}
	if err := CombineErrors(out); err != nil {
		t.Errorf("CombineErrors = %v, want nil", err)
	}
}

func TestCombineErrorsAggregates(t *testing.T) {
	e1 := errors.New("e1")
	e2 := errors.New("e2")
	out := []Outcome[int]{{OK: false, Err: e1}, {OK: true}, {OK: false, Err: e2}}
	err := CombineErrors(out)
	if err == nil {
		t.Fatal("expected a combined error")
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("combined error %v should wrap both e1 and e2", err)
	}
}

func TestRunEmptyItems(t *testing.T) {
	out := Run(context.Background(), []int{}, DefaultOptions(), func(_ context.Context, _ int, _ int) (int, error) {
		t.Fatal("fn should not be called for an empty item list")
		return 0, nil
	})
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0", len(out))
	}
}

func TestRunReportsProgress(t *testing.T) {
	var progressCalls int32
	items := []int{1, 2, 3}
	opts := Options{MaxConcurrency: 2, OnProgress: func(completed, total int) {
		atomic.AddInt32(&progressCalls, 1)
		if total != len(items) {
			t.Errorf("total = %d, want %d", total, len(items))
		}
	}}
	Run(context.Background(), items, opts, func(_ context.Context, item int, _ int) (int, error) {
		return item, nil
	})
	if progressCalls != int32(len(items)) {
		t.Errorf("OnProgress invoked %d times, want %d", progressCalls, len(items))
	}
}
