package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// DefaultGrace is how long a command may keep running after SIGTERM
// before it is killed.
const DefaultGrace = 500 * time.Millisecond

// ErrTimeout reports a command killed by its deadline. Output gathered
// before the kill is still returned.
var ErrTimeout = errors.New("tools: command timed out")

// CommandRunner abstracts external command execution for handlers.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host. A non-zero Timeout bounds
// every call on top of ctx. On deadline the command gets SIGTERM and Grace
// to exit (flushing what it has) before SIGKILL.
type ExecRunner struct {
	Timeout time.Duration
	Grace   time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return stdout.Bytes(), stderr.Bytes(), -1, ErrTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
