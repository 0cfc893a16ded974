package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	calls := 0
	badRequest := NewAdapterError("mainex", "place order", 400, errors.New("invalid symbol"))

	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return badRequest
	})
	if !errors.Is(err, badRequest) {
		t.Fatalf("err = %v, want the adapter error", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, a client error must not be retried", calls)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return NewAdapterError("mainex", "get balance", 503, errors.New("unavailable"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return NewAdapterError("mainex", "get balance", 500, errors.New("unavailable"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after cancellation, want 1", calls)
	}
}

func TestIsRetriableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"no response", NewAdapterError("ex", "op", 0, errors.New("timeout")), true},
		{"rate limited", NewAdapterError("ex", "op", 429, errors.New("too many requests")), true},
		{"server error", NewAdapterError("ex", "op", 502, errors.New("bad gateway")), true},
		{"client error", NewAdapterError("ex", "op", 400, errors.New("bad request")), false},
		{"not found", NewAdapterError("ex", "op", 404, errors.New("unknown order")), false},
		{"wrapped server error", fmt.Errorf("poll: %w", NewAdapterError("ex", "op", 500, errors.New("boom"))), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetriable(tc.err); got != tc.want {
				t.Errorf("IsRetriable = %v, want %v", got, tc.want)
			}
		})
	}
}
