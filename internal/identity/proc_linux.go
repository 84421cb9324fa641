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

//go:build linux

package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// procRoot is overridable in tests to point at a fixture tree.
var procRoot = "/proc"

// processName returns the short command name of the process by reading
// /proc/[pid]/comm, falling back to the basename of argv[0] from
// /proc/[pid]/cmdline for processes that rewrite their comm.
func processName(pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procRoot, pid))
	if err == nil {
		name := strings.TrimSpace(string(comm))
		if name != "" {
			return name, nil
		}
	}

	cmdline, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", procRoot, pid))
	if err != nil {
		return "", fmt.Errorf("failed to read process name for pid %d: %w", pid, err)
	}

	// cmdline is NUL-separated; argv[0] is the first field
	argv0, _, _ := strings.Cut(string(cmdline), "\x00")
	argv0 = strings.TrimSpace(argv0)
	if argv0 == "" {
		return "", fmt.Errorf("empty cmdline for pid %d", pid)
	}

	return filepath.Base(argv0), nil
}
