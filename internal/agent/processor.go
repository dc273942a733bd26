package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/forensiclab/agent/internal/executor"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/status"
	"github.com/forensiclab/agent/internal/storage"
	"go.uber.org/zap"
)

const (
	MsgUnsupportedType = "unsupported task type"
	MsgMissingPaths    = "task without source or destination"
	MsgOutsideStorage  = "destination outside the task storage"
)

// CopyResult is attached to the terminal update of a copy task.
type CopyResult struct {
	Destination string  `json:"destino"`
	Files       int     `json:"arquivos"`
	Bytes       int64   `json:"bytes"`
	Seconds     float64 `json:"segundos"`
}

// ToolResult is attached to the terminal update of a tool task.
type ToolResult struct {
	ExitCode int     `json:"codigo_saida"`
	Seconds  float64 `json:"segundos"`
	Output   string  `json:"saida,omitempty"`
}

// notStarted marks a task whose start could not be reported. Such a task
// is left to the coordinator untouched.
type notStarted struct {
	err error
}

func (e *notStarted) Error() string { return "task not started: " + e.err.Error() }
func (e *notStarted) Unwrap() error { return e.err }

var errAlreadyTerminal = errors.New("task already terminal")

// Execute runs one leased task to a terminal status. A task-scoped failure
// is reported as Aborted and returned; the caller keeps polling.
func (r *Runner) Execute(ctx context.Context, task lease.Task) error {
	r.acquire(task)
	defer r.release(task.ID)
	logger := r.rt.Logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("type", task.Type),
	)
	logger.Info("executing task",
		zap.String("storage", task.Storage),
		zap.String("source", task.Source),
		zap.String("destination", task.Destination),
	)

	var (
		result  any
		summary string
		err     error
	)
	switch task.Type {
	case lease.TypeCopy:
		result, summary, err = r.handleCopy(ctx, task, logger)
	default:
		template, ok := r.rt.Tools[task.Type]
		if !ok {
			err = apperr.New(apperr.KindApplication, "execute "+task.ID.String(), MsgUnsupportedType)
			break
		}
		result, summary, err = r.handleTool(ctx, task, template, logger)
	}

	var ns *notStarted
	switch {
	case errors.As(err, &ns):
		logger.Warn("task skipped", zap.Error(err))
		return err
	case err != nil:
		logger.Error("task failed", zap.Error(err))
		r.abort(ctx, task, err, logger)
		return err
	}

	if _, err := r.report(ctx, task, status.FinishedSuccess, summary, lease.WithResult(result)); err != nil {
		logger.Error("failed to report task completion", zap.Error(err))
		return err
	}
	logger.Info("task finished", zap.String("summary", summary))
	return nil
}

func (r *Runner) handleCopy(ctx context.Context, task lease.Task, logger *zap.Logger) (any, string, error) {
	src, dst, _, err := r.paths(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if err := r.begin(ctx, task, status.InProgress, "copy started"); err != nil {
		return nil, "", err
	}

	logger.Info("copy_transfer_start", zap.String("source", src), zap.String("destination", dst))
	sink := func(path string) {
		if _, err := r.report(ctx, task, status.KeepCurrent, "copying "+path); err != nil {
			logger.Warn("progress update failed", zap.String("path", path), zap.Error(err))
		}
	}
	out, err := r.rt.Transfer.Transfer(ctx, src, dst, sink)
	if err != nil {
		return nil, "", err
	}
	logger.Info("copy_transfer_done",
		zap.Int("files", out.Files),
		zap.Int64("bytes", out.Bytes),
		zap.Duration("elapsed", out.Elapsed),
	)

	result := CopyResult{
		Destination: out.Destination,
		Files:       out.Files,
		Bytes:       out.Bytes,
		Seconds:     out.Elapsed.Seconds(),
	}
	return result, fmt.Sprintf("copy finished: %d files, %d bytes", out.Files, out.Bytes), nil
}

func (r *Runner) handleTool(ctx context.Context, task lease.Task, template string, logger *zap.Logger) (any, string, error) {
	src, dst, st, err := r.paths(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if err := r.begin(ctx, task, status.ToolRunning, "running "+task.Type); err != nil {
		return nil, "", err
	}

	command := executor.Expand(template, map[string]string{
		"task_id":      task.ID.String(),
		"source":       src,
		"destination":  dst,
		"storage":      st.Name,
		"storage_root": st.Root,
	})
	logger.Info("tool_execute_start", zap.String("command", command))
	res, err := r.rt.Exec.Execute(ctx, command)
	if err != nil {
		msg := "tool failed"
		if res != nil {
			msg = fmt.Sprintf("tool failed with exit code %d", res.ExitCode)
		}
		return nil, "", &apperr.Error{Kind: apperr.KindApplication, Op: "run " + task.Type, Msg: msg, Err: err}
	}
	logger.Info("tool_execute_done", zap.Duration("duration", res.Duration))

	result := ToolResult{
		ExitCode: res.ExitCode,
		Seconds:  res.Duration.Seconds(),
		Output:   tail(res.Output, 4096),
	}
	return result, task.Type + " finished", nil
}

// begin reports the status that marks the task as started. The status is
// only sent when it advances the task, otherwise a message-only update is
// used so a task leased further along never regresses.
func (r *Runner) begin(ctx context.Context, task lease.Task, code status.Code, message string) error {
	if prev, known := r.rt.Leases.Recorded(task.ID); known && prev >= code {
		code = status.KeepCurrent
	}
	ok, err := r.report(ctx, task, code, message)
	if err != nil {
		return &notStarted{err: err}
	}
	if !ok {
		return &notStarted{err: errAlreadyTerminal}
	}
	return nil
}

func (r *Runner) abort(ctx context.Context, task lease.Task, cause error, logger *zap.Logger) {
	if _, err := r.report(ctx, task, status.Aborted, apperr.Message(cause)); err != nil {
		logger.Error("failed to report abort", zap.Error(err))
	}
}

// paths resolves the task's source and destination. Relative paths live
// under the task's storage, which is validated before anything is written.
// A destination taken from the task must lie under that storage; only an
// operator override may point elsewhere.
func (r *Runner) paths(ctx context.Context, task lease.Task) (string, string, storage.Storage, error) {
	src, dst := task.Source, task.Destination
	if r.opts.SourceOverride != "" {
		src = r.opts.SourceOverride
	}
	if r.opts.DestOverride != "" {
		dst = r.opts.DestOverride
	}
	if src == "" || dst == "" {
		return "", "", storage.Storage{}, apperr.New(apperr.KindTransfer, "execute "+task.ID.String(), MsgMissingPaths)
	}

	var st storage.Storage
	if task.Storage != "" {
		var err error
		st, err = r.rt.Storage.ResolveValid(ctx, task.Storage)
		if err != nil {
			return "", "", storage.Storage{}, err
		}
	}

	resolve := func(p string) (string, error) {
		if filepath.IsAbs(p) {
			return filepath.Clean(p), nil
		}
		if st.Root == "" {
			return "", apperr.New(apperr.KindStorage, "execute "+task.ID.String(), "relative path without storage")
		}
		return filepath.Join(st.Root, p), nil
	}
	src, err := resolve(src)
	if err != nil {
		return "", "", storage.Storage{}, err
	}
	dst, err = resolve(dst)
	if err != nil {
		return "", "", storage.Storage{}, err
	}
	if r.opts.DestOverride == "" && !st.Contains(dst) {
		return "", "", storage.Storage{}, &apperr.Error{Kind: apperr.KindStorage, Op: "execute " + task.ID.String(), Path: dst, Msg: MsgOutsideStorage}
	}
	return src, dst, st, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
