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

package cli

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/supervisor"
)

func newRunCommand() *cobra.Command {
	var configFile string
	flagCfg := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and supervise the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			logger = log.WithSession(logger, uuid.NewString())
			slog.SetDefault(logger)

			cfg, err := config.Load(configFile)
			if err != nil {
				return &supervisor.ExitError{Code: 2, Message: "invalid configuration", Cause: err}
			}
			applyOverrides(cmd.Flags(), flagCfg, cfg)

			compiled, err := cfg.Compile(logger)
			if err != nil {
				return &supervisor.ExitError{Code: 2, Message: "invalid configuration", Cause: err}
			}

			var metrics *supervisor.Metrics
			if compiled.MetricsAddr != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(collectors.NewGoCollector())
				metrics = supervisor.NewMetrics(registry)
				go serveMetrics(compiled.MetricsAddr, registry, logger)
			}

			sup, err := supervisor.New(supervisor.Options{
				Config:  compiled,
				Logger:  logger,
				Metrics: metrics,
			})
			if err != nil {
				return &supervisor.ExitError{Code: 2, Message: "invalid configuration", Cause: err}
			}

			return sup.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to YAML config file (flags override file values)")
	flags.StringVarP(&flagCfg.ProcessName, "name", "n", "", "Expected name of the daemon's master process")
	flags.StringVarP(&flagCfg.PIDFile, "pidfile", "p", "", "Path to the pid record the daemon writes")
	flags.StringVarP(&flagCfg.StartCommand, "start-cmd", "c", "", "Start command, comma-separated tokens")
	flags.StringVarP(&flagCfg.StopCommand, "stop-cmd", "C", "", "Stop command, comma-separated tokens")
	flags.IntVarP(&flagCfg.StartWait, "start-wait", "w", config.DefaultStartWait, "Seconds to wait for the daemon to start")
	flags.IntVarP(&flagCfg.StopWait, "stop-wait", "W", config.DefaultStopWait, "Seconds to wait for the daemon to stop")
	flags.IntVar(&flagCfg.SignalWait, "signal-wait", 0, "Seconds to wait for mapped signal commands (default: start-wait)")
	flags.StringVarP(&flagCfg.SignalCommands, "signal-cmds", "s", "", `Signal command mappings: SIG1=cmd,arg;SIG2=...`)
	flags.StringVarP(&flagCfg.Passthrough, "passthrough", "S", "", `Signal forward mappings: SIG1[=OTHERSIG];SIG2`)
	flags.StringVar(&flagCfg.MetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (optional)")

	return cmd
}

// applyOverrides copies flag values the user actually set over the
// file-loaded configuration, so precedence is flags > file > defaults.
func applyOverrides(flags *pflag.FlagSet, flagCfg, cfg *config.Config) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("name", func() { cfg.ProcessName = flagCfg.ProcessName })
	set("pidfile", func() { cfg.PIDFile = flagCfg.PIDFile })
	set("start-cmd", func() { cfg.StartCommand = flagCfg.StartCommand })
	set("stop-cmd", func() { cfg.StopCommand = flagCfg.StopCommand })
	set("start-wait", func() { cfg.StartWait = flagCfg.StartWait })
	set("stop-wait", func() { cfg.StopWait = flagCfg.StopWait })
	set("signal-wait", func() { cfg.SignalWait = flagCfg.SignalWait })
	set("signal-cmds", func() { cfg.SignalCommands = flagCfg.SignalCommands })
	set("passthrough", func() { cfg.Passthrough = flagCfg.Passthrough })
	set("metrics-addr", func() { cfg.MetricsAddr = flagCfg.MetricsAddr })
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("serving metrics", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", log.Error(err))
	}
}
