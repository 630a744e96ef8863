// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TonyStef/Grov-sub001/internal/version"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command. Running grov with no subcommand
// starts the proxy.
var rootCmd = &cobra.Command{
	Use:   "grov",
	Short: "Grov - transparent context proxy for coding agents",
	Long: heredoc.Doc(`
		Grov sits between your coding agent and the Anthropic API as a
		transparent proxy. It injects team memory into outgoing requests
		without disturbing the prompt cache, tracks task sessions and the
		steps taken in them, detects when the agent drifts off goal, and
		resets oversized conversations to a handoff summary.

		Requests it cannot understand pass through unchanged.
	`),
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Assigned here rather than in the composite literal because runServe
	// refers back to rootCmd, which the compiler rejects as an
	// initialization cycle.
	rootCmd.Run = runServe

	cobra.OnInitialize(initConfig)

	// Custom help template with Getting Started and Support at bottom
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}

Getting Started:
  1. Save the helper API key:     grov auth set
  2. Start the proxy:             grov
  3. Point your agent at it:      ANTHROPIC_BASE_URL=http://127.0.0.1:4141

Support:
  GitHub: https://github.com/TonyStef/Grov-sub001/issues
`)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./grov.yaml, then $GROV_DATA_DIR/config.yaml)")

	// Proxy flags
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "listen host")
	rootCmd.PersistentFlags().Int("port", 4141, "listen port")
	rootCmd.PersistentFlags().Int("clear-threshold", 160000, "context tokens before the conversation is reset (0=disabled)")

	// Upstream flags
	rootCmd.PersistentFlags().String("upstream", "https://api.anthropic.com", "upstream API base URL")

	// Assist flags
	rootCmd.PersistentFlags().String("assist-key", "", "auxiliary-model API key (or use keyring/env)")
	rootCmd.PersistentFlags().String("assist-model", "", "auxiliary model name")

	// Drift and session flags
	rootCmd.PersistentFlags().Int("drift-interval", 3, "score alignment every Nth end-of-turn")
	rootCmd.PersistentFlags().String("retention", "24h", "completed-session retention window")

	// Store flags
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default: data dir)")

	// Logging flags
	rootCmd.PersistentFlags().Bool("debug", false, "enable the structured debug file log")

	// Bind flags to viper
	_ = viper.BindPFlag("proxy.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("proxy.port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("proxy.clear_threshold", rootCmd.PersistentFlags().Lookup("clear-threshold"))

	_ = viper.BindPFlag("upstream.base_url", rootCmd.PersistentFlags().Lookup("upstream"))

	_ = viper.BindPFlag("assist.api_key", rootCmd.PersistentFlags().Lookup("assist-key"))
	_ = viper.BindPFlag("assist.model", rootCmd.PersistentFlags().Lookup("assist-model"))

	_ = viper.BindPFlag("drift.check_interval", rootCmd.PersistentFlags().Lookup("drift-interval"))
	_ = viper.BindPFlag("session.retention", rootCmd.PersistentFlags().Lookup("retention"))

	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))

	_ = viper.BindPFlag("logging.debug", rootCmd.PersistentFlags().Lookup("debug"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
