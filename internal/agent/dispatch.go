package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/supervisor"
	"go.uber.org/zap"
)

const (
	// reapInterval paces the isolated dispatcher while every slot is busy.
	reapInterval = time.Second
	// drainTimeout bounds how long shutdown waits for running children.
	drainTimeout = time.Minute
	// abandonTimeout bounds the abort sent for a task dropped at shutdown.
	abandonTimeout = 30 * time.Second
)

// MsgDropped is reported for a leased task the agent stopped before starting.
const MsgDropped = "agent stopped before the task started"

// RunPool leases tasks for a fixed number of in-process workers. A worker
// slot is reserved before each lease so nothing is leased that cannot start
// right away.
func (r *Runner) RunPool(ctx context.Context, workers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := supervisor.NewPool(workers, r.Execute, r.rt.Logger.Named("pool"))
	pool.Start(ctx)

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for res := range pool.Results() {
			r.settle(res)
			if stopsLoop(res.Err) {
				fatalMu.Lock()
				if fatal == nil {
					fatal = res.Err
				}
				fatalMu.Unlock()
				cancel()
			}
		}
	}()

	r.rt.Logger.Info("worker pool started", zap.Int("workers", workers))
	err := r.dispatch(ctx, pool)
	if cerr := pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	<-drained

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatal != nil {
		return fatal
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// settle handles one pool result. A task the pool dropped at shutdown was
// leased but never started, so it is aborted on a context of its own.
func (r *Runner) settle(res supervisor.Result) {
	if !errors.Is(res.Err, supervisor.ErrDropped) {
		r.rt.Logger.Debug("worker finished task",
			zap.String("task_id", res.TaskID.String()),
			zap.Int("worker", res.Worker),
			zap.Duration("duration", res.Duration),
			zap.Error(res.Err),
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	cause := &apperr.Error{Kind: apperr.KindApplication, Op: "dispatch " + res.TaskID.String(), Msg: MsgDropped, Err: res.Err}
	r.abort(ctx, res.Task, cause, r.rt.Logger)
}

func (r *Runner) dispatch(ctx context.Context, pool *supervisor.Pool) error {
	for {
		if err := pool.Ready(ctx); err != nil {
			return err
		}
		task, ok, err := r.Obtain(ctx)
		if err != nil {
			pool.Release()
			return err
		}
		if !ok {
			pool.Release()
			if err := r.Idle(ctx); err != nil {
				return err
			}
			continue
		}
		pool.Submit(task)
	}
}

// RunIsolated runs every leased task in its own child process, at most
// limit at a time. Storage is resolved here so children inherit the
// mapping instead of repeating it.
func (r *Runner) RunIsolated(ctx context.Context, sup *supervisor.Supervisor, limit int) error {
	if limit < 1 {
		limit = 1
	}
	leased := make(map[lease.TaskID]lease.Task)
	r.rt.Logger.Info("isolated dispatcher started", zap.Int("limit", limit))

	var err error
	for err == nil {
		r.reap(ctx, sup, leased)
		if sup.Running() >= limit {
			err = r.sleep(ctx, reapInterval)
			continue
		}

		task, ok, oerr := r.Obtain(ctx)
		if oerr != nil {
			err = oerr
			break
		}
		if !ok {
			err = r.Idle(ctx)
			continue
		}
		if serr := r.spawn(ctx, sup, task); serr != nil {
			r.rt.Logger.Error("failed to start worker",
				zap.String("task_id", task.ID.String()),
				zap.Error(serr),
			)
			r.abort(ctx, task, serr, r.rt.Logger)
			continue
		}
		leased[task.ID] = task
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := sup.Wait(waitCtx); werr != nil {
		r.rt.Logger.Warn("workers still running at shutdown", zap.Int("running", sup.Running()))
	}
	r.reap(waitCtx, sup, leased)

	if ctx.Err() != nil && !stopsLoop(err) {
		return nil
	}
	return err
}

func (r *Runner) spawn(ctx context.Context, sup *supervisor.Supervisor, task lease.Task) error {
	if task.Storage != "" {
		if _, err := r.rt.Storage.ResolveValid(ctx, task.Storage); err != nil {
			return err
		}
	}
	_, err := sup.Spawn(ctx, supervisor.ChildContext{
		AgentID:  r.rt.AgentID,
		Profile:  r.rt.Profile,
		BaseURL:  r.rt.Client.BaseURL(),
		Storages: r.rt.Storage.Snapshot(),
		Task:     task,
	})
	return err
}

// reap collects exited children. A child that exits with an error and
// without reporting a terminal status leaves its task to the parent, which
// aborts it.
func (r *Runner) reap(ctx context.Context, sup *supervisor.Supervisor, leased map[lease.TaskID]lease.Task) {
	for _, h := range sup.ReapAll() {
		task, ok := leased[h.TaskID]
		delete(leased, h.TaskID)
		if h.ExitErr == nil || !ok {
			continue
		}
		if h.Finished() {
			r.rt.Logger.Warn("worker failed after finishing its task",
				zap.String("task_id", h.TaskID.String()),
				zap.Stringer("status", h.Report.Status),
				zap.Error(h.ExitErr),
			)
			continue
		}
		cause := &apperr.Error{Kind: apperr.KindApplication, Op: "worker " + h.TaskID.String(), Msg: fmt.Sprintf("worker exited: %v", h.ExitErr)}
		r.abort(ctx, task, cause, r.rt.Logger)
	}
}

// RunChild executes the single task handed over by a parent process and
// returns the report for the parent. Task failures are reported by the
// child itself and are not an error.
func (r *Runner) RunChild(ctx context.Context, cc supervisor.ChildContext) (supervisor.ChildReport, error) {
	r.rt.Storage.Preload(cc.Storages)
	r.rt.Leases.Adopt(cc.Task)

	err := r.Execute(ctx, cc.Task)
	code, _ := r.rt.Leases.Recorded(cc.Task.ID)
	rep := supervisor.ChildReport{TaskID: cc.Task.ID, Status: code}
	if err == nil || errors.Is(err, errAlreadyTerminal) || code.IsTerminal() {
		return rep, nil
	}
	// the parent aborts the task when the child could not
	return rep, fmt.Errorf("task %s left at %s: %w", cc.Task.ID, code, err)
}
