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

// Package identity verifies that a pid record names a live process whose
// name matches an expected value.
//
// Pid values in a pid record can outlive the process they once named, and
// the kernel reuses pids. Every decision to signal a process must therefore
// be preceded by a fresh Verify call in the same cycle; a Record is a
// point-in-time snapshot and must never be cached across cycles.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrNotFound is returned when the pid does not refer to a live process.
	ErrNotFound = errors.New("process not found")

	// ErrNameMismatch is returned when the process name does not match the
	// expected name. Callers treat this as "do not act on this pid".
	ErrNameMismatch = errors.New("process name mismatch")

	// ErrInvalidPID is returned when the pid record contains non-numeric or
	// non-positive data.
	ErrInvalidPID = errors.New("invalid PID in record")
)

// Record is a point-in-time snapshot of a verified process identity.
type Record struct {
	PID          int
	ObservedName string
	VerifiedAt   time.Time
}

// ReadRecord reads and parses the pid value from the record file.
// Returns ErrInvalidPID (wrapped) if the content is not a positive integer.
func ReadRecord(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, pidStr)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}

	return pid, nil
}

// Verify reads the pid record at path and confirms it names a live process
// whose name matches expectedName (case-insensitive). It returns a fresh
// Record on success.
//
// Failure modes, distinguishable with errors.Is:
//   - read/parse failures surface as the underlying error or ErrInvalidPID
//   - ErrNotFound when no live process has the recorded pid
//   - ErrNameMismatch when the process name differs from expectedName
//
// Verify is purely observational and has no side effects.
func Verify(path, expectedName string) (*Record, error) {
	pid, err := ReadRecord(path)
	if err != nil {
		return nil, err
	}

	if !Alive(pid) {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	name, err := processName(pid)
	if err != nil {
		// The process vanished between the liveness probe and the name read.
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	if !nameMatches(name, expectedName) {
		return nil, fmt.Errorf("%w: pid %d is %q, expected %q", ErrNameMismatch, pid, name, expectedName)
	}

	return &Record{
		PID:          pid,
		ObservedName: name,
		VerifiedAt:   time.Now(),
	}, nil
}

// Alive checks whether a process with the given pid exists.
func Alive(pid int) bool {
	// On Unix, FindProcess always succeeds, so send signal 0.
	// This doesn't deliver a signal, just checks existence and permissions.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// SendSignal sends a signal to the given process.
// Callers must hold a Record obtained in the same verification cycle.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}

	return nil
}

// nameMatches compares an observed process name against the expected one.
// The kernel truncates comm names to 15 bytes, so a truncated observation
// still matches a longer expected name.
func nameMatches(observed, expected string) bool {
	if strings.EqualFold(observed, expected) {
		return true
	}
	if len(observed) == commNameMax && len(expected) > commNameMax {
		return strings.EqualFold(observed, expected[:commNameMax])
	}
	return false
}

// commNameMax is the kernel's TASK_COMM_LEN minus the NUL terminator.
const commNameMax = 15
