// Package worker runs the task-processing loop: lease batches from the
// queue, dispatch to registered handlers under a concurrency bound, and
// classify failures as retryable or terminal. A companion reaper loop
// reclaims leases from crashed or hung workers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/queue"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// HandlerFunc processes one task payload. Returned errors are classified
// with types.IsRetryable; handlers signal "already done" by returning nil.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Options tune the pool.
type Options struct {
	WorkerID       string
	Concurrency    int
	LeaseBatchSize int
	PollInterval   time.Duration
	TaskTimeout    time.Duration
	ReaperInterval time.Duration
}

// Pool pulls leased tasks and executes their handlers concurrently.
type Pool struct {
	queue    *queue.Queue
	handlers map[types.TaskType]HandlerFunc
	opts     Options
	logger   *log.Logger
}

// NewPool constructs a pool over q with no handlers registered.
func NewPool(q *queue.Queue, opts Options, logger *log.Logger) *Pool {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LeaseBatchSize <= 0 {
		opts.LeaseBatchSize = 8
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 15 * time.Second
	}
	return &Pool{
		queue:    q,
		handlers: make(map[types.TaskType]HandlerFunc),
		opts:     opts,
		logger:   logger,
	}
}

// Register binds a handler to a task type. Must be called before Run.
func (p *Pool) Register(taskType types.TaskType, fn HandlerFunc) {
	p.handlers[taskType] = fn
}

// Run blocks until ctx is done, leasing and executing tasks. Task failures
// never stop the loop.
func (p *Pool) Run(ctx context.Context) {
	taskTypes := make([]types.TaskType, 0, len(p.handlers))
	for t := range p.handlers {
		taskTypes = append(taskTypes, t)
	}
	if len(taskTypes) == 0 {
		p.logger.Warn("worker pool started with no handlers registered")
		return
	}

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		tasks, err := p.queue.Lease(ctx, p.opts.WorkerID, taskTypes, p.opts.LeaseBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("lease failed", "error", err)
		}
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		for _, task := range tasks {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(task types.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				p.execute(ctx, task)
			}(task)
		}
	}
}

// RunReaper blocks until ctx is done, periodically reclaiming expired
// leases so crashed workers' tasks get redelivered.
func (p *Pool) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapExpired(ctx, time.Now().UTC())
			if err != nil {
				p.logger.Warn("lease reaper failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("lease reaper reclaimed tasks", "count", n)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, task types.Task) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		p.fail(ctx, task, fmt.Sprintf("no handler for type %s", task.Type), false)
		return
	}

	tctx, cancel := context.WithTimeout(ctx, p.opts.TaskTimeout)
	defer cancel()

	err := p.runHandler(tctx, handler, task.Payload)
	if err == nil {
		if cerr := p.queue.Complete(ctx, task.ID); cerr != nil {
			p.logger.Warn("complete failed; lease likely reaped", "task_id", task.ID, "error", cerr)
		}
		return
	}

	retryable := types.IsRetryable(err) || tctx.Err() != nil
	p.fail(ctx, task, err.Error(), retryable)
}

// runHandler recovers handler panics so a bad task cannot take down the
// worker process.
func (p *Pool) runHandler(ctx context.Context, handler HandlerFunc, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Transient("handler panic", fmt.Errorf("%v", r))
			p.logger.Error("task handler panicked", "panic", r)
		}
	}()
	return handler(ctx, payload)
}

func (p *Pool) fail(ctx context.Context, task types.Task, cause string, retryable bool) {
	p.logger.Warn("task failed",
		"task_id", task.ID, "type", task.Type, "attempt", task.Attempts,
		"retryable", retryable, "error", cause)
	if err := p.queue.Fail(ctx, task.ID, cause, retryable); err != nil {
		p.logger.Warn("record task failure failed", "task_id", task.ID, "error", err)
	}
}
