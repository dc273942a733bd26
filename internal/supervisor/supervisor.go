// Package supervisor runs leased tasks in parallel, either on an
// in-process worker pool or, when a task needs OS-level isolation, as one
// child process per task.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/status"
	"github.com/forensiclab/agent/internal/storage"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChildContext is everything a child worker needs, handed over explicitly
// on its stdin at spawn time.
type ChildContext struct {
	AgentID  string                     `yaml:"agent_id"`
	Profile  config.Profile             `yaml:"profile"`
	BaseURL  string                     `yaml:"base_url"`
	Storages map[string]storage.Storage `yaml:"storages"`
	Task     lease.Task                 `yaml:"task"`
}

// ReadChildContext decodes the context a parent wrote to r.
func ReadChildContext(r io.Reader) (ChildContext, error) {
	var cc ChildContext
	if err := yaml.NewDecoder(r).Decode(&cc); err != nil {
		return ChildContext{}, fmt.Errorf("failed to decode child context: %w", err)
	}
	if cc.Task.ID == "" {
		return ChildContext{}, fmt.Errorf("child context has no task")
	}
	if cc.BaseURL == "" {
		return ChildContext{}, fmt.Errorf("child context has no coordinator url")
	}
	return cc, nil
}

// ChildReport is written by a child to its stdout before it exits, naming
// the last status it got the coordinator to accept.
type ChildReport struct {
	TaskID lease.TaskID `yaml:"task_id"`
	Status status.Code  `yaml:"status"`
}

// WriteChildReport encodes rep for the parent.
func WriteChildReport(w io.Writer, rep ChildReport) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to encode child report: %w", err)
	}
	return enc.Close()
}

func readChildReport(data []byte, id lease.TaskID) (ChildReport, bool) {
	var rep ChildReport
	if len(bytes.TrimSpace(data)) == 0 {
		return ChildReport{}, false
	}
	if err := yaml.Unmarshal(data, &rep); err != nil || rep.TaskID != id {
		return ChildReport{}, false
	}
	return rep, true
}

// Handle tracks one child while its task is in flight.
type Handle struct {
	TaskID    lease.TaskID
	PID       int
	StartedAt time.Time
	// ExitErr is set once the process has exited; nil means exit code 0.
	ExitErr error
	// Report is what the child wrote to stdout, when it wrote anything.
	Report   ChildReport
	Reported bool

	done chan struct{}
}

// Finished reports whether the child got a terminal status accepted
// before exiting, whatever its exit code.
func (h *Handle) Finished() bool {
	return h.Reported && h.Report.Status.IsTerminal()
}

// Exited reports whether the child has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type Config struct {
	// Binary and Args start a child worker; the context is written to its stdin.
	Binary string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

// Supervisor is a registry of child processes. It does not bound how many
// run at once; callers check Running before calling Spawn.
type Supervisor struct {
	binary string
	args   []string
	env    []string
	logger *zap.Logger

	mu      sync.Mutex
	handles map[lease.TaskID]*Handle
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	binary := cfg.Binary
	if binary == "" {
		binary, _ = os.Executable()
	}
	return &Supervisor{
		binary:  binary,
		args:    cfg.Args,
		env:     cfg.Env,
		logger:  logger,
		handles: make(map[lease.TaskID]*Handle),
	}
}

// Spawn starts a child worker for cc.Task.
func (s *Supervisor) Spawn(ctx context.Context, cc ChildContext) (*Handle, error) {
	payload, err := yaml.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode child context: %w", err)
	}

	s.mu.Lock()
	if _, busy := s.handles[cc.Task.ID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s already has a running worker", cc.Task.ID)
	}
	s.mu.Unlock()

	var stdout bytes.Buffer
	cmd := exec.Command(s.binary, s.args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.env...)
	configureChild(cmd)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for task %s: %w", cc.Task.ID, err)
	}

	h := &Handle{
		TaskID:    cc.Task.ID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		h.ExitErr = cmd.Wait()
		h.Report, h.Reported = readChildReport(stdout.Bytes(), h.TaskID)
		close(h.done)
	}()

	s.mu.Lock()
	s.handles[h.TaskID] = h
	s.mu.Unlock()

	s.logger.Info("worker spawned",
		zap.String("task_id", h.TaskID.String()),
		zap.Int("pid", h.PID),
	)
	return h, nil
}

// ReapAll removes and returns the handles whose process has exited.
func (s *Supervisor) ReapAll() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exited []*Handle
	for id, h := range s.handles {
		if !h.Exited() {
			continue
		}
		delete(s.handles, id)
		exited = append(exited, h)
		s.logger.Info("worker exited",
			zap.String("task_id", id.String()),
			zap.Int("pid", h.PID),
			zap.Duration("ran", time.Since(h.StartedAt)),
			zap.Bool("finished", h.Finished()),
			zap.Error(h.ExitErr),
		)
	}
	return exited
}

// Running is the number of children not yet reaped.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Wait blocks until every registered child has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	for _, h := range pending {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
