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

package supervisor

// State represents the daemon lifecycle state. Exactly one State value
// exists per supervisor; it is mutated only by the control loop and read
// through an atomic so status queries never block the loop.
type State int32

const (
	// Stopped means no daemon is being tracked. Terminal after a stop.
	Stopped State = iota
	// Starting means the start command ran and the pid record is awaited.
	Starting
	// Running means the tracked process was verified live and matching.
	Running
	// Stopping means a stop request is in progress.
	Stopping
	// Crashed means the daemon was lost or never started. Terminal.
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}
