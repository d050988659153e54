package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

func TestDefaultRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"connection error retries":  {&result.ConnectionError{Host: "h"}, true},
		"adapter error retries":     {&result.AdapterError{Adapter: "ssh"}, true},
		"command error never retries by default": {&result.CommandError{ExitCode: 1}, false},
		"unrelated error never retries":          {errors.New("boom"), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := DefaultRetryable(tc.err); got != tc.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestAttemptSucceedsWithoutRetry(t *testing.T) {
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &result.Result{ExitCode: 0}, nil
	}
	res, err := Attempt(context.Background(), nil, nil, op)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1 (nil policy disables retry)", calls)
	}
}

func TestAttemptRetriesUntilSuccess(t *testing.T) {
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, &result.ConnectionError{Host: "h"}
		}
		return &result.Result{ExitCode: 0}, nil
	}
	policy := &command.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
	res, err := Attempt(context.Background(), policy, nil, op)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if res == nil || res.ExitCode != 0 {
		t.Errorf("res = %+v, want exit 0", res)
	}
	if calls != 3 {
		t.Errorf("op invoked %d times, want 3", calls)
	}
}

func TestAttemptGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &result.ConnectionError{Host: "h"}
	}
	policy := &command.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
	_, err := Attempt(context.Background(), policy, nil, op)
	var retryErr *result.RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("err = %v, want *result.RetryError", err)
	}
	if retryErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", retryErr.Attempts)
	}
	if calls != 3 {
		t.Errorf("op invoked %d times, want 3", calls)
	}
}

func TestAttemptDoesNotRetryCommandErrorByDefault(t *testing.T) {
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &result.CommandError{ExitCode: 1}
	}
	policy := &command.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	_, err := Attempt(context.Background(), policy, nil, op)
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1 (CommandError isn't retryable by default)", calls)
	}
}

func TestAttemptHonorsCustomRetryable(t *testing.T) {
	var calls int32
	op := func(ctx context.Context) (*result.Result, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return nil, &result.CommandError{ExitCode: 1}
		}
		return &result.Result{ExitCode: 0}, nil
	}
	policy := &command.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Retryable:    func(error) bool { return true },
	}
	res, err := Attempt(context.Background(), policy, nil, op)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestJitterBand(t *testing.T) {
	lo, hi := JitterBand(100*time.Millisecond, 0.1)
	if lo != 90*time.Millisecond || hi != 110*time.Millisecond {
		t.Errorf("JitterBand = [%v, %v], want [90ms, 110ms]", lo, hi)
	}
}
