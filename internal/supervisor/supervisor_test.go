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

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/identity"
	"github.com/tombee/warden/internal/runner"
	"github.com/tombee/warden/internal/sigroute"
)

const testPID = 4321

type fakeVerifier struct {
	mu sync.Mutex
	fn func() (*identity.Record, error)
}

func (f *fakeVerifier) Verify(string, string) (*identity.Record, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn()
}

func (f *fakeVerifier) succeed(pid int) {
	f.mu.Lock()
	f.fn = func() (*identity.Record, error) {
		return &identity.Record{PID: pid, ObservedName: "leader", VerifiedAt: time.Now()}, nil
	}
	f.mu.Unlock()
}

func (f *fakeVerifier) fail(err error) {
	f.mu.Lock()
	f.fn = func() (*identity.Record, error) { return nil, err }
	f.mu.Unlock()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	res   *runner.Result
	err   error
}

func (f *fakeRunner) Run(_ context.Context, argv []string, _ time.Duration) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	res, err := f.res, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &runner.Result{ExitCode: 0, Duration: time.Millisecond}
	}
	return res, nil
}

func (f *fakeRunner) commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func (f *fakeRunner) ran(argv []string) bool {
	for _, call := range f.commands() {
		if len(call) != len(argv) {
			continue
		}
		match := true
		for i := range call {
			if call[i] != argv[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

type sentSignal struct {
	pid int
	sig syscall.Signal
}

type sigRecorder struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (r *sigRecorder) send(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentSignal{pid, sig})
	r.mu.Unlock()
	return nil
}

func (r *sigRecorder) all() []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentSignal(nil), r.sent...)
}

var (
	startArgv = []string{"/usr/bin/app", "start"}
	stopArgv  = []string{"/usr/bin/app", "stop"}
)

func testCompiled(t *testing.T) *config.Compiled {
	t.Helper()
	return &config.Compiled{
		ProcessName:  "leader",
		PIDFile:      filepath.Join(t.TempDir(), "app.pid"),
		StartCommand: startArgv,
		StopCommand:  stopArgv,
		StartWait:    2 * time.Second,
		StopWait:     time.Second,
		SignalWait:   time.Second,
		Router:       sigroute.New(),
		StopSignals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type harness struct {
	sup      *Supervisor
	cfg      *config.Compiled
	verifier *fakeVerifier
	runner   *fakeRunner
	signals  *sigRecorder
	alive    func(int) bool
}

func newHarness(t *testing.T, cfg *config.Compiled, pollInterval time.Duration) *harness {
	t.Helper()

	h := &harness{
		cfg:      cfg,
		verifier: &fakeVerifier{},
		runner:   &fakeRunner{},
		signals:  &sigRecorder{},
	}
	h.verifier.succeed(testPID)
	h.alive = func(int) bool { return false }

	sup, err := New(Options{
		Config:         cfg,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        NewMetrics(nil),
		Verifier:       h.verifier,
		Runner:         h.runner,
		Signaller:      h.signals.send,
		Alive:          func(pid int) bool { return h.alive(pid) },
		PollInterval:   pollInterval,
		DisableWatcher: true,
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

// run starts the supervisor in the background and returns the channel its
// result will land on.
func (h *harness) run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()
	return errCh
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return sup.State() == want },
		3*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func waitForExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not exit")
		return nil
	}
}

func TestRun_StartsAndStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)
	assert.Equal(t, testPID, h.sup.TrackedPID())
	assert.True(t, h.runner.ran(startArgv), "start command not executed")

	cancel()
	require.NoError(t, waitForExit(t, errCh))
	assert.Equal(t, Stopped, h.sup.State())
	assert.True(t, h.runner.ran(stopArgv), "stop command not executed")
}

func TestRun_StartTimeout(t *testing.T) {
	cfg := testCompiled(t)
	cfg.StartWait = 50 * time.Millisecond
	h := newHarness(t, cfg, 10*time.Millisecond)
	h.verifier.fail(identity.ErrNotFound)

	err := waitForExit(t, h.run(context.Background()))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "start timeout")
	assert.Equal(t, Crashed, h.sup.State())
}

func TestRun_StartCommandTimeoutIsStartTimeout(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	h.verifier.fail(identity.ErrNotFound)
	h.runner.err = runner.ErrTimedOut

	err := waitForExit(t, h.run(context.Background()))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Message, "start timeout")
	assert.Equal(t, Crashed, h.sup.State())
}

func TestRun_StartCommandSpawnError(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	h.verifier.fail(identity.ErrNotFound)
	h.runner.err = errors.New("exec format error")

	err := waitForExit(t, h.run(context.Background()))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "failed to run start command")
	assert.Equal(t, Crashed, h.sup.State())
}

func TestRun_DaemonLost(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	errCh := h.run(context.Background())
	waitForState(t, h.sup, Running)

	h.verifier.fail(identity.ErrNotFound)

	err := waitForExit(t, errCh)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "daemon exited unexpectedly")
	assert.Equal(t, Crashed, h.sup.State())
}

func TestRun_NameMismatchIsDaemonLoss(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	errCh := h.run(context.Background())
	waitForState(t, h.sup, Running)

	h.verifier.fail(identity.ErrNameMismatch)

	err := waitForExit(t, errCh)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, Crashed, h.sup.State())
}

func TestRun_ReadErrorIsRetriedNotFatal(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	// A record read failure is transient: several poll cycles must pass
	// without the supervisor giving up.
	h.verifier.fail(errors.New("permission denied"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Running, h.sup.State())

	h.verifier.succeed(testPID)
	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestRun_ForwardsMappedSignal(t *testing.T) {
	cfg := testCompiled(t)
	require.NoError(t, cfg.Router.RegisterForward(syscall.SIGUSR1, syscall.SIGUSR2))
	h := newHarness(t, cfg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, func() bool { return len(h.signals.all()) == 1 },
		3*time.Second, 5*time.Millisecond, "signal never forwarded")
	sent := h.signals.all()[0]
	assert.Equal(t, testPID, sent.pid)
	assert.Equal(t, syscall.SIGUSR2, sent.sig)
	assert.Equal(t, Running, h.sup.State())

	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestRun_MissedForwardWhenVerificationFails(t *testing.T) {
	cfg := testCompiled(t)
	require.NoError(t, cfg.Router.RegisterForward(syscall.SIGUSR1, syscall.SIGUSR1))
	h := newHarness(t, cfg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	h.verifier.fail(identity.ErrNotFound)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.sup.metrics.ForwardsMissed) == 1
	}, 3*time.Second, 5*time.Millisecond, "missed forward never recorded")
	assert.Empty(t, h.signals.all(), "no signal may be sent on verification failure")
	assert.Equal(t, Running, h.sup.State())

	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestRun_SignalCommand(t *testing.T) {
	reloadArgv := []string{"/usr/bin/app", "reload"}
	cfg := testCompiled(t)
	require.NoError(t, cfg.Router.RegisterCommand(syscall.SIGWINCH, reloadArgv))
	h := newHarness(t, cfg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGWINCH))

	require.Eventually(t, func() bool { return h.runner.ran(reloadArgv) },
		3*time.Second, 5*time.Millisecond, "mapped command never executed")
	assert.Equal(t, Running, h.sup.State())
	assert.Empty(t, h.signals.all())

	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestRun_StopOnSIGTERM(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	errCh := h.run(context.Background())
	waitForState(t, h.sup, Running)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	require.NoError(t, waitForExit(t, errCh))
	assert.Equal(t, Stopped, h.sup.State())
	assert.True(t, h.runner.ran(stopArgv), "stop command not executed")
}

func TestRun_StopIsIdempotentWhenDaemonAlreadyGone(t *testing.T) {
	h := newHarness(t, testCompiled(t), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	h.verifier.fail(identity.ErrNotFound)
	cancel()

	require.NoError(t, waitForExit(t, errCh))
	assert.Equal(t, Stopped, h.sup.State())
	assert.False(t, h.runner.ran(stopArgv), "stop command must be skipped when the daemon is gone")
}

func TestRun_StopTimeout(t *testing.T) {
	cfg := testCompiled(t)
	cfg.StopWait = 100 * time.Millisecond
	h := newHarness(t, cfg, 10*time.Millisecond)
	h.alive = func(int) bool { return true }
	ctx, cancel := context.WithCancel(context.Background())

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)
	cancel()

	err := waitForExit(t, errCh)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "stop timeout")
	assert.Equal(t, Stopped, h.sup.State())
}

func TestRun_StopCommandSpawnError(t *testing.T) {
	h := newHarness(t, testCompiled(t), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	h.runner.mu.Lock()
	h.runner.err = errors.New("exec format error")
	h.runner.mu.Unlock()
	cancel()

	err := waitForExit(t, errCh)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Message, "failed to run stop command")
	assert.Equal(t, Stopped, h.sup.State())
}

func TestPreflight_RefusesWhenAlreadyRunning(t *testing.T) {
	cfg := testCompiled(t)
	require.NoError(t, os.WriteFile(cfg.PIDFile, []byte("4321\n"), 0600))
	h := newHarness(t, cfg, 10*time.Millisecond)

	err := waitForExit(t, h.run(context.Background()))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "already running")
	assert.Empty(t, h.runner.commands(), "no command may run when the daemon is already up")
}

func TestPreflight_RemovesStaleRecord(t *testing.T) {
	cfg := testCompiled(t)
	require.NoError(t, os.WriteFile(cfg.PIDFile, []byte("99999\n"), 0600))
	h := newHarness(t, cfg, 10*time.Millisecond)

	// The stale record fails verification once; after removal the freshly
	// started daemon verifies cleanly.
	var calls int
	var mu sync.Mutex
	h.verifier.mu.Lock()
	h.verifier.fn = func() (*identity.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, identity.ErrNotFound
		}
		return &identity.Record{PID: testPID, ObservedName: "leader", VerifiedAt: time.Now()}, nil
	}
	h.verifier.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	_, statErr := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(statErr), "stale pid record should have been removed")

	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestState_ReadableWithoutBlockingTheLoop(t *testing.T) {
	h := newHarness(t, testCompiled(t), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, Stopped, h.sup.State())
	errCh := h.run(ctx)
	waitForState(t, h.sup, Running)

	// Concurrent readers while the loop is parked in its select.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = h.sup.State()
				_ = h.sup.TrackedPID()
			}
		}()
	}
	wg.Wait()

	cancel()
	require.NoError(t, waitForExit(t, errCh))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
