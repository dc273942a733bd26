package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/forensiclab/agent/internal/communicator"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/status"
	"go.uber.org/zap"
)

// Options selects what a runner leases and how it paces itself.
type Options struct {
	TaskType      string
	StorageFilter string

	// SourceOverride and DestOverride replace the task's own paths. They
	// are used to exercise an agent locally against a test coordinator.
	SourceOverride string
	DestOverride   string

	PollInterval time.Duration
	Sleep        lease.SleepFunc
	Environment  string
}

// Runner is the sequential agent loop: lease, execute, report, poll again.
type Runner struct {
	rt    *Runtime
	opts  Options
	sleep lease.SleepFunc

	mu       sync.Mutex
	active   map[lease.TaskID]status.Code
	finished int
	aborted  int
	lastPoll time.Time
}

func NewRunner(rt *Runtime, opts Options) *Runner {
	if opts.TaskType == "" {
		opts.TaskType = lease.TypeCopy
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = lease.Sleep
	}
	return &Runner{
		rt:     rt,
		opts:   opts,
		sleep:  sleep,
		active: make(map[lease.TaskID]status.Code),
	}
}

// Run polls until ctx is done. It only returns early on errors that make
// polling pointless, such as a coordinator speaking another protocol.
func (r *Runner) Run(ctx context.Context) error {
	r.rt.Logger.Info("agent loop started",
		zap.String("agent_id", r.rt.AgentID),
		zap.String("task_type", r.opts.TaskType),
		zap.String("storage_filter", r.opts.StorageFilter),
		zap.Duration("poll_interval", r.opts.PollInterval),
	)
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				r.rt.Logger.Info("agent loop stopped")
				return nil
			}
			return err
		}
	}
}

// RunOnce leases at most one task and executes it. When nothing is
// available it sleeps the poll interval before returning. The boolean
// reports whether a task was leased.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	task, ok, err := r.Obtain(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, r.sleep(ctx, r.opts.PollInterval)
	}
	if err := r.Execute(ctx, task); stopsLoop(err) {
		return true, err
	}
	return true, nil
}

// Obtain leases one task of the configured type.
func (r *Runner) Obtain(ctx context.Context) (lease.Task, bool, error) {
	r.mu.Lock()
	r.lastPoll = time.Now()
	r.mu.Unlock()
	return r.rt.Leases.Obtain(ctx, r.opts.TaskType, r.opts.StorageFilter)
}

// Idle sleeps the poll interval.
func (r *Runner) Idle(ctx context.Context) error {
	return r.sleep(ctx, r.opts.PollInterval)
}

// State implements communicator.StateSource.
func (r *Runner) State() communicator.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := communicator.AgentState{
		AgentID:     r.rt.AgentID,
		Environment: r.opts.Environment,
		Active:      len(r.active),
		Finished:    r.finished,
		Aborted:     r.aborted,
		LastPoll:    r.lastPoll,
	}
	for id, code := range r.active {
		if code.IsExecuting() {
			st.Executing = true
		}
		if len(r.active) == 1 {
			st.TaskID = id.String()
			st.Status = int(code)
		}
	}
	if r.rt.Client != nil {
		st.BaseURL = r.rt.Client.BaseURL()
	}
	return st
}

func (r *Runner) acquire(task lease.Task) {
	r.mu.Lock()
	r.active[task.ID] = task.Status
	r.mu.Unlock()
}

func (r *Runner) track(id lease.TaskID, code status.Code) {
	if code == status.KeepCurrent {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		r.active[id] = code
	}
	switch {
	case code == status.Aborted:
		r.aborted++
	case code.IsTerminal():
		r.finished++
	}
}

func (r *Runner) release(id lease.TaskID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// stopsLoop reports whether err makes further polling pointless. Only a
// coordinator speaking another protocol does; connectivity failures after
// startup are left to the next poll.
func stopsLoop(err error) bool {
	return errors.Is(err, apperr.ErrProtocol)
}

// report pushes a status through the lease manager and keeps the local
// state in step with what the coordinator accepted.
func (r *Runner) report(ctx context.Context, task lease.Task, code status.Code, message string, opts ...lease.UpdateOption) (bool, error) {
	ok, err := r.rt.Leases.Update(ctx, task.ID, code, message, opts...)
	if err != nil {
		if errors.Is(err, lease.ErrStatusRegression) {
			r.rt.Logger.Error("status regression refused",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
		return false, err
	}
	if ok {
		r.track(task.ID, code)
	}
	return ok, nil
}
