package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xec-sh/xec-go/internal/result"
)

func TestKeyIgnoresEnvOrderAndDistinguishesAdapter(t *testing.T) {
	a := Key("echo", []string{"hi"}, "/tmp", map[string]string{"A": "1", "B": "2"}, "local")
	b := Key("echo", []string{"hi"}, "/tmp", map[string]string{"B": "2", "A": "1"}, "local")
	if a != b {
		t.Errorf("Key should be order-independent over env map, got %q != %q", a, b)
	}
	c := Key("echo", []string{"hi"}, "/tmp", map[string]string{"A": "1", "B": "2"}, "ssh:host")
	if a == c {
		t.Error("different adapter identity should change the key")
	}
}

func TestCacheGetMiss(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := c.Get("nope"); ok {
		t.Error("Get on empty cache returned a hit")
	}
}

func TestCacheRunCachesOkResult(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &result.Result{ExitCode: 0}, nil
	}
	ctx := context.Background()
	if _, err := c.Run(ctx, "k1", time.Minute, false, op); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := c.Run(ctx, "k1", time.Minute, false, op); err != nil {
		t.Fatalf("Run() second call error = %v", err)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1 (second Run should hit cache)", calls)
	}
}

func TestCacheRunDoesNotCacheFailureByDefault(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &result.Result{ExitCode: 1}, nil
	}
	ctx := context.Background()
	c.Run(ctx, "k2", time.Minute, false, op)
	c.Run(ctx, "k2", time.Minute, false, op)
	if calls != 2 {
		t.Errorf("op invoked %d times, want 2 (non-ok result must not be cached unless cacheOnNothrow)", calls)
	}
}

func TestCacheRunCachesFailureWhenNothrow(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &result.Result{ExitCode: 1}, nil
	}
	ctx := context.Background()
	c.Run(ctx, "k3", time.Minute, true, op)
	c.Run(ctx, "k3", time.Minute, true, op)
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1 when cacheOnNothrow is set", calls)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.put("k4", &result.Result{ExitCode: 0}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, ok := c.Get("k4"); ok {
		t.Error("Get returned an entry past its TTL")
	}
}

func TestCacheEvictsLRUOverCapacity(t *testing.T) {
	c, err := New(2, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.put("a", &result.Result{}, time.Minute)
	c.put("b", &result.Result{}, time.Minute)
	c.put("c", &result.Result{}, time.Minute) // evicts "a"
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should have been evicted once over capacity")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should still be cached")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should still be cached")
	}
}

func TestCacheInvalidateGlob(t *testing.T) {
	c, err := New(10, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.put("ssh:host1:abc", &result.Result{}, time.Minute)
	c.put("ssh:host2:abc", &result.Result{}, time.Minute)
	c.put("local:abc", &result.Result{}, time.Minute)

	c.Invalidate([]string{"ssh:*"})

	if _, ok := c.Get("ssh:host1:abc"); ok {
		t.Error("ssh:host1:abc should have been invalidated")
	}
	if _, ok := c.Get("ssh:host2:abc"); ok {
		t.Error("ssh:host2:abc should have been invalidated")
	}
	if _, ok := c.Get("local:abc"); !ok {
		t.Error("local:abc should not have been invalidated")
	}
}

func TestGlobMatch(t *testing.T) {
	tests := map[string]struct {
		pattern string
		s       string
		want    bool
	}{
		"exact match":    {"abc", "abc", true},
		"exact mismatch": {"abc", "abd", false},
		"prefix star":    {"ssh:*", "ssh:host:key", true},
		"no match":       {"ssh:*", "local:key", false},
		"middle star":    {"a*c", "abc", true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := globMatch(tc.pattern, tc.s); got != tc.want {
				t.Errorf("globMatch(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
			}
		})
	}
}
