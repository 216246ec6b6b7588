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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/jive5ab-bridge/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}
	cmd.AddCommand(newConfigPrintCmd())
	cmd.AddCommand(newConfigWriteCmd())
	return cmd
}

func newConfigPrintCmd() *cobra.Command {
	var flags serveFlags
	var format string
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Long:  `Print the configuration serve would run with: defaults, then the file, then flags.`,
		Example: `  jive5ab-bridge config print --config bridge.yaml --backend 10.0.0.5:2620
  jive5ab-bridge config print --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml, json)")
	return cmd
}

func newConfigWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "write <path>",
		Short:   "Write the default configuration to a file",
		Example: `  jive5ab-bridge config write /etc/jive5ab-bridge.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return err
		},
	}
}
