package agentbase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimkit/pimsync/internal/logging"
)

func TestScheduler_HighPriorityRunsBeforeLow(t *testing.T) {
	s := NewScheduler(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	ran := make(chan struct{}, 2)

	s.Submit(&Task{Kind: TaskCustom, Priority: PriorityLow, Run: func(context.Context) error {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
		ran <- struct{}{}
		return nil
	}})
	s.Submit(&Task{Kind: TaskCustom, Priority: PriorityHigh, Run: func(context.Context) error {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		ran <- struct{}{}
		return nil
	}})

	go s.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks to run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0], "the high priority task submitted second should still run first")
}

func TestScheduler_CanceledTaskIsSkipped(t *testing.T) {
	s := NewScheduler(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	handle := s.Submit(&Task{Kind: TaskCustom, Priority: PriorityNormal, Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	handle.Cancel()

	go s.Start(ctx)

	select {
	case <-ran:
		t.Fatal("a canceled task should never run")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestScheduler_FailedTaskRetries(t *testing.T) {
	s := NewScheduler(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int
	var mu sync.Mutex
	done := make(chan struct{})

	s.Submit(&Task{Kind: TaskCustom, Priority: PriorityNormal, Run: func(context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return assertError{}
		}
		close(done)
		return nil
	}})

	go s.Start(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retried task to succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
