package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"courier/internal/agents"
)

// ExecErrorKind classifies subprocess failures.
type ExecErrorKind string

const (
	ExecTimeout       ExecErrorKind = "timeout"
	ExecMaxBuffer     ExecErrorKind = "maxBufferExceeded"
	ExecMissingBinary ExecErrorKind = "missingBinary"
	ExecNonZeroExit   ExecErrorKind = "nonZeroExit"
	ExecEmptyOutput   ExecErrorKind = "emptyOutput"
)

// ExecError is a subprocess failure with its partial stdout attached.
type ExecError struct {
	Kind   ExecErrorKind
	Stdout string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("agent exec failed (%s): %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExecOptions are per-run subprocess settings.
type ExecOptions struct {
	Timeout     time.Duration
	MaxBuffer   int
	NeedsPty    bool
	MergeStderr bool
}

// Executor runs an agent command and returns its stdout.
type Executor interface {
	Run(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error)
}

// ShellExecutor runs commands through `bash -lc` so agent command
// lines can use expansions, pipes, and redirections.
type ShellExecutor struct{}

// errBufferExceeded aborts a run whose output passed the cap.
var errBufferExceeded = errors.New("output buffer cap exceeded")

// cappedBuffer fails the write that would push past max, which kills
// the pipe and surfaces as ExecMaxBuffer.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.max {
		allowed := b.max - b.buf.Len()
		if allowed > 0 {
			b.buf.Write(p[:allowed])
		}
		b.truncated = true
		return 0, errBufferExceeded
	}
	return b.buf.Write(p)
}

func (x *ShellExecutor) Run(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error) {
	line := cmd.Line
	if opts.MergeStderr {
		line += " 2>&1"
	}
	if opts.NeedsPty {
		// script(1) lends the agent a pseudo-terminal.
		line = "script -qec " + agents.ShellQuote(line) + " /dev/null"
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, "bash", "-lc", line)
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	out := &cappedBuffer{max: opts.MaxBuffer}
	c.Stdout = out
	if !opts.MergeStderr {
		c.Stderr = &bytes.Buffer{}
	}

	err := c.Run()
	stdout := out.buf.String()

	// The failed pipe write kills the child with SIGPIPE, so the exit
	// error would otherwise mask the cap breach. Check the buffer first.
	if out.truncated {
		return stdout, &ExecError{Kind: ExecMaxBuffer, Stdout: stdout,
			Err: fmt.Errorf("output exceeded %d bytes", opts.MaxBuffer)}
	}

	if err == nil {
		if len(bytes.TrimSpace(out.buf.Bytes())) == 0 {
			return "", &ExecError{Kind: ExecEmptyOutput, Err: errors.New("agent produced no output")}
		}
		return stdout, nil
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return stdout, &ExecError{Kind: ExecTimeout, Stdout: stdout,
			Err: fmt.Errorf("killed after %s", opts.Timeout)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// bash reports a missing binary as exit 127.
		if exitErr.ExitCode() == 127 {
			return stdout, &ExecError{Kind: ExecMissingBinary, Stdout: stdout, Err: err}
		}
		return stdout, &ExecError{Kind: ExecNonZeroExit, Stdout: stdout,
			Err: fmt.Errorf("exit %d: %w", exitErr.ExitCode(), err)}
	}
	return stdout, &ExecError{Kind: ExecNonZeroExit, Stdout: stdout, Err: err}
}
