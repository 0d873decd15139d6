// Copyright 2026 Teradata
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

	"github.com/spf13/cobra"

	"github.com/teradata-labs/rye/pkg/signing"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the signing key and trust store",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a signing key and trust it",
	Long: `Generate an Ed25519 signing key, store it under ~/.ai/keys/ and add
its public key to the trust store. Refuses to overwrite an existing key.`,
	Run: runKeysInit,
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the signing key fingerprint and trusted keys",
	Run:   runKeysShow,
}

func init() {
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)
}

func runKeysInit(cmd *cobra.Command, args []string) {
	home, err := os.UserHomeDir()
	if err != nil {
		fail(err)
	}
	if _, err := os.Stat(keyPath(home)); err == nil {
		fail(fmt.Errorf("signing key already exists at %s", keyPath(home)))
	}

	key, err := signing.GenerateKey()
	if err != nil {
		fail(err)
	}
	if err := signing.SaveKey(key, keyPath(home)); err != nil {
		fail(err)
	}

	trust, err := signing.LoadTrustStore(trustPath(home))
	if err != nil {
		fail(err)
	}
	trust.Add(key.Public)
	if err := trust.Save(trustPath(home)); err != nil {
		fail(err)
	}

	printJSON(map[string]interface{}{
		"key_path":    keyPath(home),
		"trust_path":  trustPath(home),
		"fingerprint": key.Fingerprint(),
	})
}

func runKeysShow(cmd *cobra.Command, args []string) {
	home, err := os.UserHomeDir()
	if err != nil {
		fail(err)
	}
	key, err := signing.LoadKey(keyPath(home))
	if err != nil {
		fail(fmt.Errorf("no signing key (run 'rye keys init'): %w", err))
	}
	trust, err := signing.LoadTrustStore(trustPath(home))
	if err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{
		"fingerprint": key.Fingerprint(),
		"trusted":     trust.Fingerprints(),
	})
}
