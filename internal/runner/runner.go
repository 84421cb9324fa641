// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runner executes external lifecycle commands with bounded waits.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

var (
	// ErrTimedOut is returned when a command exceeds its wait budget.
	// The spawned command is forcibly terminated before this is returned.
	ErrTimedOut = errors.New("command timed out")

	// ErrEmptyCommand is returned when the argument list is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// Result holds the outcome of a completed command.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes external commands to completion within a timeout.
// On timeout the command receives SIGTERM, then SIGKILL after KillGrace.
type Runner struct {
	// Env is the environment for spawned commands. Defaults to os.Environ().
	Env []string

	// Stdout and Stderr receive command output. Default: inherited.
	Stdout io.Writer
	Stderr io.Writer

	// KillGrace is how long a timed-out command gets between SIGTERM and
	// SIGKILL. Default: 3s.
	KillGrace time.Duration
}

// New creates a Runner with default settings.
func New() *Runner {
	return &Runner{
		Env:       os.Environ(),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		KillGrace: 3 * time.Second,
	}
}

// Run spawns argv[0] with argv[1:] and waits for completion, bounded by
// timeout (and by ctx). A non-zero exit is not an error; the code is in the
// Result. Spawn failures (missing binary, permissions) are returned as-is
// so callers can fail the enclosing transition immediately.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Env = r.Env
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Stdin = nil

	// On deadline, ask nicely first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.KillGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", argv[0], err)
	}

	err := cmd.Wait()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return &Result{ExitCode: -1, Duration: duration}, ErrTimedOut
	}
	if ctx.Err() != nil {
		return &Result{ExitCode: -1, Duration: duration}, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{ExitCode: exitErr.ExitCode(), Duration: duration}, nil
		}
		return &Result{ExitCode: -1, Duration: duration}, fmt.Errorf("command %s failed: %w", argv[0], err)
	}

	return &Result{ExitCode: 0, Duration: duration}, nil
}
