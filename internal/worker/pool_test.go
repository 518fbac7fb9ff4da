package worker

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/queue"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	q, err := queue.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), queue.Options{
		RedeliveryTimeout: time.Minute,
		MaxAttempts:       3,
		RetryBackoff:      time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testPool(t *testing.T, q *queue.Queue) *Pool {
	t.Helper()
	return NewPool(q, Options{
		WorkerID:     "test-worker",
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Second,
	}, log.NewWithOptions(io.Discard, log.Options{}))
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want types.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := q.Get(context.Background(), id)
	t.Fatalf("task %s status = %s, want %s", id, task.Status, want)
}

func TestPoolExecutesTask(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	pool := testPool(t, q)
	pool.Register(types.TaskPromote, func(_ context.Context, payload []byte) error {
		if string(payload) != `{"x":1}` {
			t.Errorf("payload = %s", payload)
		}
		handled.Add(1)
		return nil
	})

	id, err := q.Enqueue(ctx, types.TaskPromote, []byte(`{"x":1}`), time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go pool.Run(ctx)
	waitForStatus(t, q, id, types.TaskSucceeded)
	if handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", handled.Load())
	}
}

func TestPoolTerminalFailure(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := testPool(t, q)
	pool.Register(types.TaskPromote, func(context.Context, []byte) error {
		return &types.ValidationError{Field: "payload", Reason: "garbage"}
	})

	id, err := q.Enqueue(ctx, types.TaskPromote, []byte("junk"), time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go pool.Run(ctx)
	waitForStatus(t, q, id, types.TaskFailedTerminal)

	task, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, terminal failure must not retry", task.Attempts)
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	pool := testPool(t, q)
	pool.Register(types.TaskPromote, func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			return types.Transient("flaky dependency", errors.New("unavailable"))
		}
		return nil
	})

	id, err := q.Enqueue(ctx, types.TaskPromote, nil, time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go pool.Run(ctx)
	// First attempt fails retryable; after backoff the second succeeds.
	waitForStatus(t, q, id, types.TaskSucceeded)
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	pool := testPool(t, q)
	pool.Register(types.TaskCompact, func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			panic("index out of range")
		}
		return nil
	})

	id, err := q.Enqueue(ctx, types.TaskCompact, nil, time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go pool.Run(ctx)
	waitForStatus(t, q, id, types.TaskSucceeded)
}

func TestPoolUnhandledTypeFailsTerminal(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := testPool(t, q)
	pool.Register(types.TaskPromote, func(context.Context, []byte) error { return nil })

	// A forget task is never leased because the pool only registered
	// promote; it must simply stay scheduled.
	forgetID, err := q.Enqueue(ctx, types.TaskForget, nil, time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	promoteID, err := q.Enqueue(ctx, types.TaskPromote, nil, time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go pool.Run(ctx)
	waitForStatus(t, q, promoteID, types.TaskSucceeded)

	task, err := q.Get(ctx, forgetID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != types.TaskScheduled {
		t.Fatalf("unregistered type status = %s, want scheduled", task.Status)
	}
}
