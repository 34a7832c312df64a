// Package verify judges a task's post-effect by running its verification
// command and classifying the exit status.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// DefaultTimeout caps how long a verification command may run.
const DefaultTimeout = 5 * time.Minute

// Result is the classified outcome of one verification.
type Result struct {
	Success  bool
	ExitCode int
	Output   string // combined stdout and stderr
	Detail   string // short diagnostic when Success is false
}

// Runner executes verification commands. The zero value is not usable;
// construct with New.
type Runner struct {
	workDir string
	timeout time.Duration
}

// New creates a Runner bound to a working directory. A zero timeout uses
// DefaultTimeout.
func New(workDir string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{workDir: workDir, timeout: timeout}
}

// shellMetaChars are the characters whose presence routes the command
// through the system shell instead of direct argv execution. $(...) and
// backtick expansion are covered by "$" and "`".
const shellMetaChars = "|><&;$`*?[]"

// needsShell reports whether the command uses shell features.
func needsShell(command string) bool {
	return strings.ContainsAny(command, shellMetaChars)
}

// Run executes the command and returns Success iff the subprocess exited
// normally with the wanted code. Signals, other exit codes, and launch
// failures are all Failure with a diagnostic.
func (r *Runner) Run(ctx context.Context, command string, wantCode int) Result {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if needsShell(command) {
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	} else {
		words, err := shellquote.Split(command)
		if err != nil {
			return Result{Detail: fmt.Sprintf("could not parse verify command: %v", err)}
		}
		if len(words) == 0 {
			return Result{Detail: "empty verify command"}
		}
		cmd = exec.CommandContext(runCtx, words[0], words[1:]...)
	}
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	res := Result{Output: output.String()}
	switch {
	case err == nil:
		res.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		res.Detail = fmt.Sprintf("verify command timed out after %s", r.timeout)
		res.ExitCode = -1
		return res
	case ctx.Err() != nil:
		res.Detail = "verify command cancelled"
		res.ExitCode = -1
		return res
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Detail = fmt.Sprintf("could not run verify command: %v", err)
			res.ExitCode = -1
			return res
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Detail = fmt.Sprintf("verify command killed by signal %s", ws.Signal())
			res.ExitCode = -1
			return res
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if res.ExitCode == wantCode {
		res.Success = true
	} else {
		res.Detail = fmt.Sprintf("verify command exited %d, wanted %d", res.ExitCode, wantCode)
	}
	return res
}
