package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forensiclab/agent/internal/lease"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskFunc executes one leased task. Its error is scoped to the task.
type TaskFunc func(ctx context.Context, task lease.Task) error

// ErrDropped marks a task that was submitted but never run because the
// pool's context ended first.
var ErrDropped = errors.New("task dropped before start")

// Result is what a worker reports back once a task is done.
type Result struct {
	Task     lease.Task
	TaskID   lease.TaskID
	Worker   int
	Err      error
	Duration time.Duration
}

// Pool runs tasks on a fixed number of workers within the process. A
// dispatcher reserves a worker with Ready before leasing, so a task is
// never leased without a worker able to start it immediately.
type Pool struct {
	workers int
	run     TaskFunc
	logger  *zap.Logger

	slots   chan struct{}
	queue   chan lease.Task
	results chan Result
	group   *errgroup.Group
}

func NewPool(workers int, run TaskFunc, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		run:     run,
		logger:  logger,
		slots:   make(chan struct{}, workers),
		queue:   make(chan lease.Task, workers),
		results: make(chan Result, workers),
	}
}

// Start launches the workers. They run until Close; once ctx is done,
// tasks still submitted come back unrun with ErrDropped.
func (p *Pool) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for task := range p.queue {
		res := Result{Task: task, TaskID: task.ID, Worker: worker}
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrDropped, err)
			p.logger.Warn("dropping queued task", zap.String("task_id", task.ID.String()), zap.Error(err))
		} else {
			start := time.Now()
			res.Err = p.run(ctx, task)
			res.Duration = time.Since(start)
		}
		<-p.slots
		p.results <- res
	}
	return nil
}

// Ready blocks until a worker is free and reserves it. Every successful
// Ready must be followed by either Submit or Release.
func (p *Pool) Ready(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives back a reservation that was not used.
func (p *Pool) Release() {
	<-p.slots
}

// Submit hands a task to the reserved worker.
func (p *Pool) Submit(task lease.Task) {
	p.queue <- task
}

// Results delivers one Result per submitted task. It must be drained
// until Close closes it.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting tasks, waits for running ones and closes Results.
func (p *Pool) Close() error {
	close(p.queue)
	var err error
	if p.group != nil {
		err = p.group.Wait()
	}
	close(p.results)
	return err
}
