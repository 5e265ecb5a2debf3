package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunSchedulesTasks(t *testing.T) {
	t.Parallel()

	var fast, slow atomic.Int32
	var mu sync.Mutex
	var failed []string

	s := New(zerolog.Nop(),
		Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
			slow.Add(1)
			return errors.New("feed down")
		}},
		Task{Name: "disabled", Run: func(context.Context) error {
			t.Error("task without interval ran")
			return nil
		}},
	)
	s.OnError(func(task string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, task+": "+err.Error())
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for fast.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("fast task ran %d times", fast.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if slow.Load() != 1 {
		t.Fatalf("slow task ran %d times, want only the initial run", slow.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "slow: feed down" {
		t.Fatalf("unexpected failures %v", failed)
	}
}

func TestCancelledRunIsNotAFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	reported := false
	s := New(zerolog.Nop(), Task{Name: "collect", Interval: time.Hour, Run: func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}})
	s.OnError(func(string, error) { reported = true })

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if reported {
		t.Fatal("cancellation reported as failure")
	}
}
