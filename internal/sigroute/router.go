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

// Package sigroute maps supervisor-level OS signals to actions: forwarding
// a signal to the tracked process, or running an auxiliary command.
package sigroute

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrUnhookableSignal is returned when registering a trigger the
	// kernel does not allow to be caught.
	ErrUnhookableSignal = errors.New("signal cannot be hooked")
)

// Kind discriminates the action variants.
type Kind int

const (
	// NoOp means the signal is not registered; nothing happens.
	NoOp Kind = iota
	// Forward means the target signal is sent to the tracked process.
	Forward
	// Run means the mapped command is executed.
	Run
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Run:
		return "run"
	default:
		return "noop"
	}
}

// Action is the routing decision for one incoming signal.
type Action struct {
	Kind    Kind
	Target  syscall.Signal // Forward only
	Command []string       // Run only
}

type entry struct {
	trigger syscall.Signal
	action  Action
}

// Router holds an ordered set of (trigger, action) mappings.
// Lookup is by trigger; if a trigger was registered more than once, the
// last registration wins. A Router is built once during configuration and
// is read-only afterwards, so it is safe for concurrent Route calls.
type Router struct {
	entries []entry
}

// New creates an empty router.
func New() *Router {
	return &Router{}
}

// RegisterForward maps trigger to a forwarded target signal.
func (r *Router) RegisterForward(trigger, target syscall.Signal) error {
	if err := hookable(trigger); err != nil {
		return err
	}
	r.entries = append(r.entries, entry{
		trigger: trigger,
		action:  Action{Kind: Forward, Target: target},
	})
	return nil
}

// RegisterCommand maps trigger to an auxiliary command.
func (r *Router) RegisterCommand(trigger syscall.Signal, argv []string) error {
	if err := hookable(trigger); err != nil {
		return err
	}
	if len(argv) == 0 {
		return errors.New("empty command for signal mapping")
	}
	r.entries = append(r.entries, entry{
		trigger: trigger,
		action:  Action{Kind: Run, Command: argv},
	})
	return nil
}

// Route returns the action for the given signal. Unregistered signals
// yield a NoOp action; registering termination signals explicitly is a
// configuration responsibility, not a hidden default.
func (r *Router) Route(sig os.Signal) Action {
	sys, ok := sig.(syscall.Signal)
	if !ok {
		return Action{Kind: NoOp}
	}

	// Last-registered-wins: scan from the end.
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].trigger == sys {
			return r.entries[i].action
		}
	}
	return Action{Kind: NoOp}
}

// Registered reports whether the signal has any mapping.
func (r *Router) Registered(sig syscall.Signal) bool {
	for _, e := range r.entries {
		if e.trigger == sig {
			return true
		}
	}
	return false
}

// Triggers returns the distinct set of trigger signals, in registration
// order, for use with signal.Notify.
func (r *Router) Triggers() []os.Signal {
	seen := make(map[syscall.Signal]bool, len(r.entries))
	var out []os.Signal
	for _, e := range r.entries {
		if !seen[e.trigger] {
			seen[e.trigger] = true
			out = append(out, e.trigger)
		}
	}
	return out
}

func hookable(sig syscall.Signal) error {
	if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		return fmt.Errorf("%w: %s", ErrUnhookableSignal, SignalName(sig))
	}
	return nil
}
