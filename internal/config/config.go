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

// Package config loads and validates supervisor configuration from a YAML
// file and command-line flags, and compiles the signal mapping tables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/warden/internal/sigroute"
)

const (
	// DefaultStartWait is the default start-wait timeout in seconds.
	DefaultStartWait = 120
	// DefaultStopWait is the default stop-wait timeout in seconds.
	DefaultStopWait = 10
)

var (
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required configuration field")

	// ErrInvalidMapping is returned for malformed signal mapping syntax.
	ErrInvalidMapping = errors.New("invalid signal mapping")
)

// Config is the raw configuration surface. It is immutable for the process
// lifetime once compiled; the mapping fields use the same string syntax on
// the command line and in the YAML file.
type Config struct {
	// ProcessName is the expected name of the daemon's master process.
	ProcessName string `yaml:"process_name"`

	// PIDFile is the path to the pid record the daemon writes.
	PIDFile string `yaml:"pidfile"`

	// StartCommand and StopCommand are comma-separated token lists.
	StartCommand string `yaml:"start_command"`
	StopCommand  string `yaml:"stop_command"`

	// StartWait and StopWait are transition budgets in seconds.
	StartWait int `yaml:"start_wait"`
	StopWait  int `yaml:"stop_wait"`

	// SignalWait bounds mapped signal commands, in seconds.
	// Zero means "use StartWait".
	SignalWait int `yaml:"signal_wait"`

	// SignalCommands maps signals to commands: "SIG1=cmd,arg;SIG2=...".
	SignalCommands string `yaml:"signal_commands"`

	// Passthrough maps signals to forwarded signals: "SIG1[=SIG2];SIG3".
	// A bare signal forwards under its own number.
	Passthrough string `yaml:"passthrough"`

	// MetricsAddr, when set, exposes Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with default timeouts.
func Default() *Config {
	return &Config{
		StartWait: DefaultStartWait,
		StopWait:  DefaultStopWait,
	}
}

// Load reads a YAML config file. Missing file with an empty path is not an
// error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.ProcessName == "" {
		errs = append(errs, fmt.Errorf("%w: process_name", ErrMissingField))
	}
	if c.PIDFile == "" {
		errs = append(errs, fmt.Errorf("%w: pidfile", ErrMissingField))
	}
	if c.StartCommand == "" {
		errs = append(errs, fmt.Errorf("%w: start_command", ErrMissingField))
	}
	if c.StartWait < 0 {
		errs = append(errs, fmt.Errorf("start_wait must not be negative, got %d", c.StartWait))
	}
	if c.StopWait < 0 {
		errs = append(errs, fmt.Errorf("stop_wait must not be negative, got %d", c.StopWait))
	}
	if c.SignalWait < 0 {
		errs = append(errs, fmt.Errorf("signal_wait must not be negative, got %d", c.SignalWait))
	}

	return errors.Join(errs...)
}

// SplitCommand splits a comma-separated command string into an argument
// list. Tokens are trimmed; empty tokens are dropped.
func SplitCommand(s string) []string {
	if s == "" {
		return nil
	}
	var argv []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			argv = append(argv, tok)
		}
	}
	return argv
}

// Compiled is the configuration after parsing and signal table compilation,
// ready to hand to the supervisor.
type Compiled struct {
	ProcessName  string
	PIDFile      string
	StartCommand []string
	StopCommand  []string
	StartWait    time.Duration
	StopWait     time.Duration
	SignalWait   time.Duration
	Router       *sigroute.Router
	StopSignals  []os.Signal
	MetricsAddr  string
}

// Compile validates the configuration and builds the signal router and the
// stop-signal set.
//
// Precedence rules (logged as warnings when they apply):
//   - a passthrough for a signal wins over a mapped command for it
//   - the stop command wins over a command mapped onto SIGTERM
//   - SIGINT/SIGTERM act as stop requests unless remapped; remapping SIGINT
//     means Ctrl-C no longer stops the supervisor
func (c *Config) Compile(logger *slog.Logger) (*Compiled, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	router := sigroute.New()

	// Passthrough mappings register first; conflicts with commands are
	// resolved explicitly below.
	passthrough := make(map[syscall.Signal]bool)
	if c.Passthrough != "" {
		for _, chunk := range strings.Split(c.Passthrough, ";") {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			parts := strings.SplitN(chunk, "=", 2)
			trigger, err := sigroute.ParseSignal(parts[0])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
			}
			target := trigger
			if len(parts) == 2 {
				target, err = sigroute.ParseSignal(parts[1])
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
				}
			}
			if err := router.RegisterForward(trigger, target); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
			}
			passthrough[trigger] = true
		}
	}

	stopCommand := SplitCommand(c.StopCommand)

	if c.SignalCommands != "" {
		for _, chunk := range strings.Split(c.SignalCommands, ";") {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			parts := strings.SplitN(chunk, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("%w: expected SIG=command, got %q", ErrInvalidMapping, chunk)
			}
			trigger, err := sigroute.ParseSignal(parts[0])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
			}
			if passthrough[trigger] {
				logger.Warn("both passthrough and command mapped for signal, using passthrough",
					slog.String("signal", sigroute.SignalName(trigger)))
				continue
			}
			if trigger == syscall.SIGTERM && len(stopCommand) > 0 {
				logger.Warn("both stop command and signal command defined for SIGTERM, using stop command")
				continue
			}
			argv := SplitCommand(parts[1])
			if err := router.RegisterCommand(trigger, argv); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
			}
		}
	}

	// SIGINT and SIGTERM request a stop unless remapped.
	var stopSignals []os.Signal
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		if router.Registered(sig) {
			if sig == syscall.SIGINT {
				logger.Warn("SIGINT is remapped, Ctrl-C will not stop the supervisor")
			}
			continue
		}
		stopSignals = append(stopSignals, sig)
	}

	startWait := time.Duration(c.StartWait) * time.Second
	signalWait := time.Duration(c.SignalWait) * time.Second
	if c.SignalWait == 0 {
		signalWait = startWait
	}

	return &Compiled{
		ProcessName:  c.ProcessName,
		PIDFile:      c.PIDFile,
		StartCommand: SplitCommand(c.StartCommand),
		StopCommand:  stopCommand,
		StartWait:    startWait,
		StopWait:     time.Duration(c.StopWait) * time.Second,
		SignalWait:   signalWait,
		Router:       router,
		StopSignals:  stopSignals,
		MetricsAddr:  c.MetricsAddr,
	}, nil
}
