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

// Package supervisor drives the daemon lifecycle state machine.
//
// One control loop owns the DaemonState. The OS-signal listener, the
// liveness-poll ticker and the pid-record watcher only deliver events into
// the loop's select; they never mutate state. Signal actions and lifecycle
// transitions are strictly sequential and never overlap, and every signal
// send is preceded by a fresh identity verification in the same cycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/identity"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/runner"
	"github.com/tombee/warden/internal/sigroute"
)

// defaultPollInterval is the fixed liveness and start-confirmation poll
// interval.
const defaultPollInterval = 500 * time.Millisecond

// Verifier checks that a pid record names a live, matching process.
type Verifier interface {
	Verify(pidRecordPath, expectedName string) (*identity.Record, error)
}

// CommandRunner executes an external command bounded by a timeout.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (*runner.Result, error)
}

// Signaller sends a signal to a verified pid.
type Signaller func(pid int, sig syscall.Signal) error

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(pidRecordPath, expectedName string) (*identity.Record, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(path, name string) (*identity.Record, error) {
	return f(path, name)
}

// ExitError carries the supervisor's process exit code.
// The exit status is the only cross-process-boundary error signal.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// Options configures a Supervisor.
type Options struct {
	// Config is the compiled configuration. Required.
	Config *config.Compiled

	// Logger receives structured lifecycle events. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Verifier defaults to identity.Verify.
	Verifier Verifier

	// Runner defaults to runner.New().
	Runner CommandRunner

	// Signaller defaults to identity.SendSignal.
	Signaller Signaller

	// Alive defaults to identity.Alive.
	Alive func(pid int) bool

	// PollInterval defaults to 500ms.
	PollInterval time.Duration

	// DisableWatcher turns off the fsnotify pid-record accelerator.
	DisableWatcher bool
}

// Supervisor owns the daemon lifecycle state machine.
type Supervisor struct {
	cfg       *config.Compiled
	logger    *slog.Logger
	metrics   *Metrics
	verifier  Verifier
	runner    CommandRunner
	signaller Signaller
	alive     func(pid int) bool

	pollInterval   time.Duration
	disableWatcher bool
	stopSet        map[os.Signal]bool

	// state and trackedPID are written only by the control loop and read
	// atomically by external status queries.
	state      atomic.Int32
	trackedPID atomic.Int64

	// verifyLogLimit throttles repeated verification-failure logging so a
	// persistently broken pid record does not flood the log on every poll.
	verifyLogLimit *rate.Limiter
}

// New creates a Supervisor. The returned supervisor is in state Stopped
// until Run is called.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, errors.New("supervisor: Config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Verifier == nil {
		opts.Verifier = VerifierFunc(identity.Verify)
	}
	if opts.Runner == nil {
		opts.Runner = runner.New()
	}
	if opts.Signaller == nil {
		opts.Signaller = identity.SendSignal
	}
	if opts.Alive == nil {
		opts.Alive = identity.Alive
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	stopSet := make(map[os.Signal]bool, len(opts.Config.StopSignals))
	for _, sig := range opts.Config.StopSignals {
		stopSet[sig] = true
	}

	return &Supervisor{
		cfg:            opts.Config,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		verifier:       opts.Verifier,
		runner:         opts.Runner,
		signaller:      opts.Signaller,
		alive:          opts.Alive,
		pollInterval:   opts.PollInterval,
		disableWatcher: opts.DisableWatcher,
		stopSet:        stopSet,
		verifyLogLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

// State returns the current lifecycle state without blocking the control
// loop.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// TrackedPID returns the most recently verified pid, or 0.
func (s *Supervisor) TrackedPID() int {
	return int(s.trackedPID.Load())
}

// Run executes the full supervisor lifecycle: start the daemon, supervise
// it until it exits or a stop is requested, then stop it. It returns nil
// after a clean self-initiated stop and an *ExitError otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.preflight(); err != nil {
		return err
	}

	// Subscribe before starting so no early signal is lost. Stop signals
	// and routed triggers share the queue; the loop consumes strictly in
	// arrival order.
	sigCh := make(chan os.Signal, 8)
	notify := append(s.cfg.Router.Triggers(), s.cfg.StopSignals...)
	signal.Notify(sigCh, notify...)
	defer signal.Stop(sigCh)

	var hints <-chan struct{}
	if !s.disableWatcher {
		watcher, err := newRecordWatcher(s.cfg.PIDFile, s.logger)
		if err != nil {
			s.logger.Debug("pid record watcher unavailable, relying on polling",
				log.Error(err))
		} else {
			hints = watcher.Hints()
			defer watcher.Close()
		}
	}

	rec, err := s.start(ctx, hints)
	if err != nil {
		s.setState(Crashed)
		return err
	}

	s.trackedPID.Store(int64(rec.PID))
	s.setState(Running)
	s.logger.Info("daemon running",
		slog.String(log.EventKey, "running"),
		slog.Int(log.PIDKey, rec.PID),
		slog.String("process_name", rec.ObservedName))

	return s.loop(ctx, sigCh, hints)
}

// preflight refuses to start when the pid record already names a live
// matching process, and removes a stale record so the start confirmation
// cannot latch onto an old pid value.
func (s *Supervisor) preflight() error {
	_, statErr := os.Stat(s.cfg.PIDFile)
	if os.IsNotExist(statErr) {
		return nil
	}

	rec, err := s.verifier.Verify(s.cfg.PIDFile, s.cfg.ProcessName)
	if err == nil {
		s.logger.Error("daemon already running",
			slog.String(log.EventKey, "already_running"),
			slog.Int(log.PIDKey, rec.PID))
		return &ExitError{Code: 1, Message: "process in pid record is already running"}
	}

	if err := os.Remove(s.cfg.PIDFile); err != nil && !os.IsNotExist(err) {
		return &ExitError{Code: 1, Message: "failed to remove stale pid record", Cause: err}
	}
	s.logger.Info("removed stale pid record",
		slog.String(log.EventKey, "stale_record_removed"),
		slog.String("pidfile", s.cfg.PIDFile))
	return nil
}

// start runs the start command and polls identity until the pid record
// resolves to a matching live process or the start-wait budget elapses.
func (s *Supervisor) start(ctx context.Context, hints <-chan struct{}) (*identity.Record, error) {
	s.setState(Starting)
	s.logger.Info("starting daemon",
		slog.String(log.EventKey, "start"),
		slog.Any("command", s.cfg.StartCommand))

	// The start command runs concurrently with the confirmation poll: a
	// launcher may fork the daemon and exit, or may itself stay in the
	// foreground until terminated. Once identity is confirmed, a launcher
	// still running is told to go away (SIGTERM, then SIGKILL).
	cmdCtx, cancelCmd := context.WithCancel(ctx)
	defer cancelCmd()

	type cmdOutcome struct {
		res *runner.Result
		err error
	}
	cmdDone := make(chan cmdOutcome, 1)
	go func() {
		res, err := s.runner.Run(cmdCtx, s.cfg.StartCommand, s.cfg.StartWait)
		cmdDone <- cmdOutcome{res, err}
	}()

	deadline := time.NewTimer(s.cfg.StartWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if rec, err := s.verify(); err == nil {
			cancelCmd()
			s.metrics.observeCommand("start")
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, &ExitError{Code: 1, Message: "start interrupted", Cause: ctx.Err()}

		case <-deadline.C:
			s.logger.Error("daemon did not start within the wait budget",
				slog.String(log.EventKey, "start_timeout"),
				log.Duration("budget", s.cfg.StartWait.Milliseconds()))
			return nil, &ExitError{Code: 1, Message: "start timeout"}

		case out := <-cmdDone:
			if out.err != nil && !errors.Is(out.err, context.Canceled) {
				if errors.Is(out.err, runner.ErrTimedOut) {
					// The launcher hitting its bound is the same failed
					// transition as the deadline firing.
					s.logger.Error("start command timed out",
						slog.String(log.EventKey, "start_timeout"))
					return nil, &ExitError{Code: 1, Message: "start timeout"}
				}
				s.logger.Error("start command failed to run",
					slog.String(log.EventKey, "start_failure"),
					log.Error(out.err))
				s.metrics.observeCommand("spawn_error")
				return nil, &ExitError{Code: 1, Message: "failed to run start command", Cause: out.err}
			}
			if out.res != nil {
				s.logger.Debug("start command exited",
					slog.Int("exit_code", out.res.ExitCode),
					log.Duration("duration", out.res.Duration.Milliseconds()))
			}
			// Keep polling: the daemon the launcher forked may not have
			// written its pid record yet.
			cmdDone = nil

		case <-ticker.C:
		case <-hints:
		}
	}
}

// loop is the Running-state control loop. It consumes signal and poll
// events strictly in arrival order; no two signal actions or transitions
// ever overlap.
func (s *Supervisor) loop(ctx context.Context, sigCh <-chan os.Signal, hints <-chan struct{}) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.stop("context cancelled")

		case sig := <-sigCh:
			if s.stopSet[sig] {
				s.logger.Info("stop requested",
					slog.String(log.EventKey, "stop_request"),
					slog.String(log.SignalKey, signalName(sig)))
				return s.stop(signalName(sig))
			}
			if err := s.handleSignal(ctx, sig); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.checkLiveness(); err != nil {
				return err
			}

		case <-hints:
			if err := s.checkLiveness(); err != nil {
				return err
			}
		}
	}
}

// checkLiveness reverifies the tracked identity. Loss of the expected
// process moves the supervisor to Crashed; a pid-record read failure is
// logged and retried on the next poll cycle only.
func (s *Supervisor) checkLiveness() error {
	rec, err := s.verify()
	if err == nil {
		s.trackedPID.Store(int64(rec.PID))
		return nil
	}

	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrNameMismatch) {
		s.logger.Error("daemon process lost",
			slog.String(log.EventKey, "daemon_lost"),
			log.Error(err))
		s.setState(Crashed)
		return &ExitError{Code: 1, Message: "daemon exited unexpectedly", Cause: err}
	}

	// ReadError: transient until proven otherwise; next tick retries.
	return nil
}

// handleSignal executes the routed action for a non-stop signal. Signal
// handling is strictly sequential: a mapped command blocks the loop until
// it completes or its bound elapses.
func (s *Supervisor) handleSignal(ctx context.Context, sig os.Signal) error {
	action := s.cfg.Router.Route(sig)

	switch action.Kind {
	case sigroute.Forward:
		rec, err := s.verify()
		if err != nil {
			s.logger.Warn("forward skipped, identity verification failed",
				slog.String(log.EventKey, "missed_forward"),
				slog.String(log.SignalKey, signalName(sig)),
				log.Error(err))
			if s.metrics != nil {
				s.metrics.ForwardsMissed.Inc()
			}
			return nil
		}
		if err := s.signaller(rec.PID, action.Target); err != nil {
			s.logger.Warn("forward failed",
				slog.String(log.EventKey, "missed_forward"),
				slog.String(log.SignalKey, signalName(sig)),
				log.Error(err))
			if s.metrics != nil {
				s.metrics.ForwardsMissed.Inc()
			}
			return nil
		}
		s.logger.Info("signal forwarded",
			slog.String(log.EventKey, "forward"),
			slog.String(log.SignalKey, signalName(sig)),
			slog.String("target", sigroute.SignalName(action.Target)),
			slog.Int(log.PIDKey, rec.PID))
		if s.metrics != nil {
			s.metrics.SignalsForwarded.Inc()
		}
		return nil

	case sigroute.Run:
		s.logger.Info("running mapped signal command",
			slog.String(log.EventKey, "signal_command"),
			slog.String(log.SignalKey, signalName(sig)),
			slog.Any("command", action.Command))
		res, err := s.runner.Run(ctx, action.Command, s.cfg.SignalWait)
		switch {
		case errors.Is(err, runner.ErrTimedOut):
			s.logger.Error("signal command timed out",
				slog.String(log.SignalKey, signalName(sig)))
			s.metrics.observeCommand("timeout")
		case err != nil:
			s.logger.Error("signal command failed to run",
				slog.String(log.SignalKey, signalName(sig)),
				log.Error(err))
			s.metrics.observeCommand("spawn_error")
		default:
			s.logger.Info("signal command completed",
				slog.Int("exit_code", res.ExitCode),
				log.Duration("duration", res.Duration.Milliseconds()))
			s.metrics.observeCommand("signal")
		}
		// The command may have restarted the daemon under a new pid;
		// reverify immediately instead of waiting for the next tick.
		return s.checkLiveness()

	default:
		s.logger.Debug("ignoring unmapped signal",
			slog.String(log.SignalKey, signalName(sig)))
		return nil
	}
}

// stop drives the Running → Stopping → Stopped transition. Stopping an
// already-gone daemon is a no-op, not an error. The stop-wait budget
// covers the stop command and the disappearance poll together.
func (s *Supervisor) stop(reason string) error {
	s.setState(Stopping)
	s.logger.Info("stopping daemon",
		slog.String(log.EventKey, "stop"),
		slog.String("reason", reason))

	rec, err := s.verify()
	if err != nil {
		s.logger.Info("tracked process already gone, skipping stop command",
			slog.String(log.EventKey, "stop_skipped"),
			log.Error(err))
		s.setState(Stopped)
		return nil
	}

	deadline := time.Now().Add(s.cfg.StopWait)

	if len(s.cfg.StopCommand) > 0 {
		res, err := s.runner.Run(context.Background(), s.cfg.StopCommand, s.cfg.StopWait)
		switch {
		case errors.Is(err, runner.ErrTimedOut):
			s.logger.Warn("stop command timed out",
				slog.String(log.EventKey, "stop_timeout"))
			s.metrics.observeCommand("timeout")
		case err != nil:
			s.logger.Error("stop command failed to run",
				slog.String(log.EventKey, "stop_failure"),
				log.Error(err))
			s.metrics.observeCommand("spawn_error")
			s.setState(Stopped)
			return &ExitError{Code: 1, Message: "failed to run stop command", Cause: err}
		default:
			s.logger.Debug("stop command exited",
				slog.Int("exit_code", res.ExitCode),
				log.Duration("duration", res.Duration.Milliseconds()))
			s.metrics.observeCommand("stop")
		}
	}

	// Poll for disappearance of the pid verified above. No signal is ever
	// sent here, so pid reuse during the window can at worst delay the
	// verdict until the budget elapses.
	for time.Now().Before(deadline) {
		if !s.alive(rec.PID) {
			s.logger.Info("daemon stopped",
				slog.String(log.EventKey, "stopped"),
				slog.Int(log.PIDKey, rec.PID))
			s.setState(Stopped)
			return nil
		}
		time.Sleep(s.pollInterval)
	}

	if !s.alive(rec.PID) {
		s.setState(Stopped)
		return nil
	}

	// Best-effort: the supervisor does not force-kill unless the stop
	// command itself does so.
	s.logger.Warn("daemon still running after stop-wait budget",
		slog.String(log.EventKey, "stop_timeout"),
		slog.Int(log.PIDKey, rec.PID))
	s.setState(Stopped)
	return &ExitError{Code: 1, Message: "stop timeout"}
}

func (s *Supervisor) verify() (*identity.Record, error) {
	rec, err := s.verifier.Verify(s.cfg.PIDFile, s.cfg.ProcessName)
	if err != nil && s.verifyLogLimit.Allow() {
		s.logger.Debug("identity verification failed", log.Error(err))
	}
	return rec, err
}

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.metrics.observeTransition(st)
	s.logger.Info("state transition",
		slog.String("from", old.String()),
		slog.String(log.StateKey, st.String()))
}

func signalName(sig os.Signal) string {
	if sys, ok := sig.(syscall.Signal); ok {
		return sigroute.SignalName(sys)
	}
	return sig.String()
}
