// Copyright 2026 The jive5ab-bridge Authors
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

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/turtacn/jive5ab-bridge/pkg/bridge"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/logging"
)

// serveFlags are the command-line overrides for the configuration file.
// Only flags the user set are applied.
type serveFlags struct {
	configPath     string
	listen         string
	backend        string
	pollInterval   time.Duration
	startupTimeout time.Duration
	shutdownGrace  time.Duration
	metricsAddr    string
	grpcAddr       string
	logLevel       string
	logFormat      string
	mqttBroker     string
	journalDSN     string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "configuration file (.yaml, .yml or .json)")
	fs.StringVar(&f.listen, "listen", "", "KATCP listen address")
	fs.StringVar(&f.backend, "backend", "", "jive5ab control address (host:port)")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "sensor poll interval")
	fs.DurationVar(&f.startupTimeout, "startup-timeout", 0, "how long to wait for the recorder at startup")
	fs.DurationVar(&f.shutdownGrace, "shutdown-grace", 0, "how long in-flight requests may take at shutdown")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus and HTTP health address (empty string disables)")
	fs.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC health address (empty string disables)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (json, console)")
	fs.StringVar(&f.mqttBroker, "mqtt-broker", "", "mirror sensors to this MQTT broker")
	fs.StringVar(&f.journalDSN, "journal-dsn", "", "journal commands to this PostgreSQL DSN")
}

// apply overrides cfg with every flag that was set on fs.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("listen") {
		cfg.Bridge.ListenAddr = f.listen
	}
	if fs.Changed("backend") {
		cfg.Backend.Address = f.backend
	}
	if fs.Changed("poll-interval") {
		cfg.Bridge.PollInterval = config.Duration(f.pollInterval)
	}
	if fs.Changed("startup-timeout") {
		cfg.Bridge.StartupTimeout = config.Duration(f.startupTimeout)
	}
	if fs.Changed("shutdown-grace") {
		cfg.Bridge.ShutdownGrace = config.Duration(f.shutdownGrace)
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.Health.GRPCAddr = f.grpcAddr
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("mqtt-broker") {
		cfg.MQTT.Enabled = f.mqttBroker != ""
		cfg.MQTT.Broker = f.mqttBroker
	}
	if fs.Changed("journal-dsn") {
		cfg.Journal.Enabled = f.journalDSN != ""
		cfg.Journal.DSN = f.journalDSN
	}
}

// load reads the configuration file, if any, and applies the flags.
func (f *serveFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	f.apply(fs, cfg)
	return cfg, cfg.Validate()
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Example: `  jive5ab-bridge serve --backend 127.0.0.1:2620
  jive5ab-bridge serve --config /etc/jive5ab-bridge.yaml --listen :7147`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
			if err != nil {
				return err
			}

			b, err := bridge.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info().
				Str("version", bridge.Version).
				Str("listen", cfg.Bridge.ListenAddr).
				Str("recorder", cfg.Backend.Address).
				Msg("starting jive5ab-bridge")
			return b.Run(ctx)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
