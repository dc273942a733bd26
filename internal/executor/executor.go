package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

type CommandResult struct {
	Success  bool
	Output   string
	ExitCode int
	Duration time.Duration
}

// Executor runs external commands: drive mappings and the forensic tools
// behind non-copy task types.
type Executor struct {
	timeout time.Duration
}

func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Executor{timeout: timeout}
}

// Execute runs command through the platform shell.
func (e *Executor) Execute(ctx context.Context, command string) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if runtime.GOOS == "windows" {
		return e.ExecuteArgs(ctx, "cmd", "/C", command)
	}
	return e.ExecuteArgs(ctx, "sh", "-c", command)
}

// ExecuteArgs runs name with args, without a shell.
func (e *Executor) ExecuteArgs(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	// grandchildren may keep the output pipes open after a kill
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := &CommandResult{
		Duration: duration,
		Output:   stdout.String(),
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Output = "command timed out"
			result.ExitCode = -1
			return result, fmt.Errorf("command timed out after %v", e.timeout)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Output = strings.TrimSpace(stderr.String() + "\n" + stdout.String())
		} else {
			result.ExitCode = -1
			result.Output = err.Error()
		}
		return result, fmt.Errorf("%s failed (exit %d): %w", name, result.ExitCode, err)
	}

	result.Success = true
	result.ExitCode = 0
	return result, nil
}

// Expand substitutes {key} placeholders in a command template.
func Expand(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
