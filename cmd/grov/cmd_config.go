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
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage grov configuration",
	Long:  `Manage the grov configuration file and inspect the effective configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a commented example configuration file",
	Run:   runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the configuration merged from flags, config file, environment, and defaults. Secrets are masked.`,
	Run:   runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configDir := DataDir()
	configPath := filepath.Join(configDir, DefaultConfigFileName+".yaml")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.WriteFile(configPath, []byte(GenerateExampleConfig()), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config file created: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("1. Save the helper API key:  grov auth set")
	fmt.Println("2. Start the proxy:          grov")
	fmt.Println("3. Point your coding agent at it:")
	fmt.Printf("   export ANTHROPIC_BASE_URL=http://127.0.0.1:%d\n", config.Proxy.Port)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Proxy:")
	fmt.Printf("  Host: %s\n", config.Proxy.Host)
	fmt.Printf("  Port: %d\n", config.Proxy.Port)
	fmt.Printf("  Max Body Bytes: %d\n", config.Proxy.MaxBodyBytes)
	fmt.Printf("  Clear Threshold: %d\n", config.Proxy.ClearThreshold)
	fmt.Printf("  Precompute Ratio: %.2f\n", config.Proxy.PrecomputeRatio)
	fmt.Printf("  Bypass Models: %s\n", strings.Join(config.Proxy.BypassModels, ", "))
	fmt.Println()

	fmt.Println("Upstream:")
	fmt.Printf("  Base URL: %s\n", config.Upstream.BaseURL)
	fmt.Printf("  Timeout: %ds\n", config.Upstream.TimeoutSeconds)
	fmt.Println()

	fmt.Println("Assist:")
	fmt.Printf("  Model: %s\n", config.Assist.Model)
	if config.Assist.BaseURL != "" {
		fmt.Printf("  Base URL: %s\n", config.Assist.BaseURL)
	}
	if config.Assist.APIKey != "" {
		fmt.Printf("  API Key: %s\n", maskSecret(config.Assist.APIKey))
	} else {
		fmt.Printf("  API Key: (not set, watching %s)\n", CredentialsPath())
	}
	fmt.Println()

	fmt.Println("Drift:")
	fmt.Printf("  Check Interval: every %d turns\n", config.Drift.CheckInterval)
	fmt.Println()

	fmt.Println("Session:")
	fmt.Printf("  Retention: %s\n", config.Session.Retention)
	fmt.Println()

	fmt.Println("Store:")
	fmt.Printf("  Path: %s\n", config.Store.Path)
	if config.Store.EncryptionKey != "" {
		fmt.Printf("  Encryption Key: %s\n", maskSecret(config.Store.EncryptionKey))
	} else {
		fmt.Printf("  Encryption Key: (not set)\n")
	}
	fmt.Println()

	fmt.Println("Workers:")
	fmt.Printf("  Count: %d\n", config.Workers.Count)
	fmt.Printf("  Queue: %d\n", config.Workers.Queue)
	fmt.Println()

	fmt.Println("Logging:")
	fmt.Printf("  Debug: %t\n", config.Logging.Debug)
	fmt.Printf("  File: %s\n", config.Logging.File)
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
