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
	"golang.org/x/term"
)

// defaultSecretKey is what auth set/clear act on when no key name is
// given: the auxiliary-model API key.
const defaultSecretKey = "assist_api_key"

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage secrets in the system keyring",
	Long: heredoc.Doc(`
		Store and remove grov secrets in the operating system keyring
		(Keychain on macOS, Credential Manager on Windows, Secret Service
		on Linux). Secrets stored this way never touch the config file.
	`),
}

var authSetCmd = &cobra.Command{
	Use:   "set [key-name]",
	Short: "Save a secret to the system keyring",
	Long: heredoc.Doc(`
		Prompt for a secret with terminal echo disabled and save it to
		the system keyring. Without a key name the auxiliary-model API
		key is set.
	`),
	Args: cobra.MaximumNArgs(1),
	Run:  runAuthSet,
}

var authClearCmd = &cobra.Command{
	Use:   "clear [key-name]",
	Short: "Remove a secret from the system keyring",
	Args:  cobra.MaximumNArgs(1),
	Run:   runAuthClear,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authClearCmd)
}

// secretKeyArg resolves the optional positional key name and validates it
// against the known mappings.
func secretKeyArg(args []string) string {
	keyName := defaultSecretKey
	if len(args) == 1 {
		keyName = args[0]
	}

	for _, known := range ListAvailableSecretKeys() {
		if keyName == known {
			return keyName
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown key name: %s\n", keyName)
	fmt.Fprintf(os.Stderr, "Available keys:\n")
	for _, k := range ListAvailableSecretKeys() {
		fmt.Fprintf(os.Stderr, "  - %s\n", k)
	}
	os.Exit(1)
	return ""
}

func runAuthSet(cmd *cobra.Command, args []string) {
	keyName := secretKeyArg(args)

	fmt.Printf("Enter %s (input hidden): ", keyName)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // New line after hidden input
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	secret := string(secretBytes)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Secret cannot be empty\n")
		os.Exit(1)
	}

	if err := SaveSecretToKeyring(keyName, secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving to keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saved %s to system keyring\n", keyName)
}

func runAuthClear(cmd *cobra.Command, args []string) {
	keyName := secretKeyArg(args)

	if err := DeleteSecretFromKeyring(keyName); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Removed %s from system keyring\n", keyName)
}
