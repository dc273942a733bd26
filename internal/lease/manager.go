// Package lease obtains tasks from the coordinator and pushes their status
// updates, enforcing the task status state machine locally.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/forensiclab/agent/internal/communicator"
	"github.com/forensiclab/agent/internal/stats"
	"github.com/forensiclab/agent/internal/status"
	"go.uber.org/zap"
)

// Remote procedures.
const (
	ProcObtain = "obtain-task"
	ProcUpdate = "update-task"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 10 * time.Second
	defaultRetention     = time.Hour
)

// ErrStatusRegression is returned when an update would move a task back to
// a lower status than the one already reported. Nothing is sent.
var ErrStatusRegression = errors.New("lease: status regression")

// Caller is the part of the RPC client the manager needs.
type Caller interface {
	Call(ctx context.Context, procedure string, params url.Values) (*communicator.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	Caller  Caller
	AgentID string
	// Host, when set, is sampled on every lease request and sent along so
	// the coordinator knows which workstation holds the task.
	Host          func() *stats.HostInfo
	RetryAttempts int
	// RetryDelay separates update attempts. Zero means the default, a
	// negative value retries immediately.
	RetryDelay time.Duration
	// Retention is how long a terminal status stays in the ledger.
	Retention time.Duration
	Sleep     SleepFunc
	Now       func() time.Time
	Logger    *zap.Logger
}

type ledgerEntry struct {
	code status.Code
	// closedAt is when the task reached a terminal status
	closedAt time.Time
}

// Manager is safe for use by several workers of one process.
type Manager struct {
	caller        Caller
	agentID       string
	host          func() *stats.HostInfo
	retryAttempts int
	retryDelay    time.Duration
	retention     time.Duration
	sleep         SleepFunc
	now           func() time.Time
	logger        *zap.Logger

	mu       sync.Mutex
	recorded map[TaskID]ledgerEntry
}

func NewManager(cfg Config) *Manager {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	switch {
	case delay == 0:
		delay = defaultRetryDelay
	case delay < 0:
		delay = 0
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		caller:        cfg.Caller,
		agentID:       cfg.AgentID,
		host:          cfg.Host,
		retryAttempts: attempts,
		retryDelay:    delay,
		retention:     retention,
		sleep:         sleep,
		now:           now,
		logger:        logger,
		recorded:      make(map[TaskID]ledgerEntry),
	}
}

type obtainReply struct {
	Available flag  `json:"disponivel"`
	Task      *Task `json:"tarefa"`
}

// Obtain asks the coordinator for a task of the given type. When none is
// eligible, or the request fails for a recoverable reason, it returns
// available=false and the caller backs off. Obtain itself never sleeps.
// Only protocol errors are returned, since they mean the coordinator is
// incompatible and polling again is pointless.
func (m *Manager) Obtain(ctx context.Context, taskType, storageFilter string) (Task, bool, error) {
	m.mu.Lock()
	m.prune()
	m.mu.Unlock()

	params := url.Values{}
	params.Set("tipo", taskType)
	if storageFilter != "" {
		params.Set("storage", storageFilter)
	}
	if m.agentID != "" {
		params.Set("agente", m.agentID)
	}
	if m.host != nil {
		setHostParams(params, m.host())
	}

	resp, err := m.caller.Call(ctx, ProcObtain, params)
	if err != nil {
		if errors.Is(err, apperr.ErrProtocol) {
			return Task{}, false, err
		}
		m.logger.Warn("lease request failed", zap.String("type", taskType), zap.Error(err))
		return Task{}, false, nil
	}

	var reply obtainReply
	if err := resp.DecodeData(&reply); err != nil {
		return Task{}, false, &apperr.Error{Kind: apperr.KindProtocol, Op: "obtain " + taskType, Msg: "invalid task payload", Err: err}
	}
	if !reply.Available || reply.Task == nil {
		m.logger.Debug("no task available", zap.String("type", taskType), zap.String("storage", storageFilter))
		return Task{}, false, nil
	}
	if reply.Task.ID == "" {
		return Task{}, false, apperr.New(apperr.KindProtocol, "obtain "+taskType, "task without id")
	}

	task := *reply.Task
	if task.Type == "" {
		task.Type = taskType
	}

	// a fresh lease resets whatever this process remembered about the id
	m.mu.Lock()
	m.recorded[task.ID] = m.entry(task.Status)
	m.mu.Unlock()

	m.logger.Info("task leased",
		zap.String("task_id", task.ID.String()),
		zap.String("type", task.Type),
		zap.String("storage", task.Storage),
		zap.Stringer("status", task.Status),
	)
	return task, true, nil
}

// UpdateOption customizes an update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	result any
}

// WithResult attaches result data to the update. Large results are sent in
// the request body.
func WithResult(v any) UpdateOption {
	return func(o *updateOptions) {
		o.result = v
	}
}

// Update pushes a status change for a task. It returns true when the
// coordinator accepted it.
//
// Regressions are rejected locally with ErrStatusRegression. Updates to a
// task already in a terminal status are dropped and logged. Network
// failures are retried with a fixed delay; running out of attempts returns
// false and the last error, the caller decides whether that is fatal for
// the task.
func (m *Manager) Update(ctx context.Context, id TaskID, code status.Code, message string, opts ...UpdateOption) (bool, error) {
	if !code.Valid() {
		return false, fmt.Errorf("lease: invalid status code %d", int(code))
	}

	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	rec, known := m.recorded[id]
	m.mu.Unlock()
	prev := rec.code

	if known && prev.IsTerminal() {
		m.logger.Info("update ignored, task already terminal",
			zap.String("task_id", id.String()),
			zap.Stringer("recorded", prev),
			zap.Stringer("requested", code),
			zap.String("message", message),
		)
		return false, nil
	}
	if known && !status.CanTransition(prev, code) {
		return false, fmt.Errorf("%w: task %s from %s to %s", ErrStatusRegression, id, prev, code)
	}

	params := url.Values{}
	params.Set("codigo_tarefa", id.String())
	params.Set("codigo_situacao", strconv.Itoa(int(code)))
	params.Set("status", message)
	if o.result != nil {
		data, err := json.Marshal(o.result)
		if err != nil {
			return false, fmt.Errorf("lease: failed to marshal result: %w", err)
		}
		params.Set("dados", string(data))
	}

	var lastErr error
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		_, err := m.caller.Call(ctx, ProcUpdate, params)
		if err == nil {
			m.record(id, code)
			m.logger.Debug("task updated",
				zap.String("task_id", id.String()),
				zap.Stringer("status", code),
				zap.String("message", message),
			)
			return true, nil
		}
		lastErr = err
		if !errors.Is(err, apperr.ErrConnectivity) {
			m.logger.Warn("task update refused",
				zap.String("task_id", id.String()),
				zap.Stringer("status", code),
				zap.Error(err),
			)
			return false, err
		}

		m.logger.Warn("task update failed, retrying",
			zap.String("task_id", id.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.retryAttempts),
			zap.Error(err),
		)
		if attempt == m.retryAttempts {
			break
		}
		if err := m.sleep(ctx, m.retryDelay); err != nil {
			return false, err
		}
	}

	return false, fmt.Errorf("lease: update of task %s gave up after %d attempts: %w", id, m.retryAttempts, lastErr)
}

func (m *Manager) record(id TaskID, code status.Code) {
	if code == status.KeepCurrent {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, known := m.recorded[id]
	if !known || status.CanTransition(prev.code, code) {
		m.recorded[id] = m.entry(code)
	}
}

func (m *Manager) entry(code status.Code) ledgerEntry {
	e := ledgerEntry{code: code}
	if code.IsTerminal() {
		e.closedAt = m.now()
	}
	return e
}

// prune forgets tasks that have been terminal for longer than the
// retention. Callers hold m.mu.
func (m *Manager) prune() {
	cutoff := m.now().Add(-m.retention)
	for id, e := range m.recorded {
		if e.code.IsTerminal() && e.closedAt.Before(cutoff) {
			delete(m.recorded, id)
		}
	}
}

// Recorded returns the last status this process reported for id.
func (m *Manager) Recorded(id TaskID) (status.Code, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recorded[id]
	return e.code, ok
}

// Tracked is the number of tasks the ledger remembers.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recorded)
}

func setHostParams(params url.Values, h *stats.HostInfo) {
	if h == nil {
		return
	}
	if h.Hostname != "" {
		params.Set("maquina", h.Hostname)
	}
	if h.OS != "" {
		params.Set("so", h.OS)
	}
	if h.Platform != "" {
		params.Set("plataforma", h.Platform)
	}
	if h.Uptime > 0 {
		params.Set("uptime", strconv.FormatUint(h.Uptime, 10))
	}
	if h.RAMUsage > 0 {
		params.Set("uso_ram", strconv.FormatFloat(h.RAMUsage, 'f', 1, 64))
	}
}

// Adopt records a task leased by another process, typically the parent that
// handed it to this worker, so later updates are checked against its status.
func (m *Manager) Adopt(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded[task.ID] = m.entry(task.Status)
}
