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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/rye/pkg/signing"
)

var signCmd = &cobra.Command{
	Use:   "sign <file>...",
	Short: "Sign artifact files in place",
	Long: `Prepend a signature header to each file using the comment syntax for
its extension. Already-signed files are re-signed over their current body.

Examples:
  rye sign .ai/directives/review.md
  rye sign .ai/tools/*.py
`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSign,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>...",
	Short: "Verify artifact signature headers",
	Args:  cobra.MinimumNArgs(1),
	Run:   runVerify,
}

func runSign(cmd *cobra.Command, args []string) {
	home, err := os.UserHomeDir()
	if err != nil {
		fail(err)
	}
	key, err := signing.LoadKey(keyPath(home))
	if err != nil {
		fail(fmt.Errorf("no signing key (run 'rye keys init'): %w", err))
	}

	signed := make([]map[string]interface{}, 0, len(args))
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			fail(err)
		}
		body := signing.StripHeader(raw)
		prefix := signing.PrefixForExtension(filepath.Ext(path))
		if err := os.WriteFile(path, signing.SignFileContent(body, prefix, key), 0o644); err != nil {
			fail(err)
		}
		signed = append(signed, map[string]interface{}{
			"path":        path,
			"fingerprint": key.Fingerprint(),
		})
	}
	printJSON(map[string]interface{}{"signed": signed})
}

func runVerify(cmd *cobra.Command, args []string) {
	home, err := os.UserHomeDir()
	if err != nil {
		fail(err)
	}
	trust, err := signing.LoadTrustStore(trustPath(home))
	if err != nil {
		fail(err)
	}

	failed := false
	results := make([]map[string]interface{}, 0, len(args))
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			fail(err)
		}
		hash, verr := signing.VerifyFileContent(raw, trust)
		entry := map[string]interface{}{"path": path, "valid": verr == nil}
		if verr != nil {
			entry["error"] = verr.Error()
			failed = true
		} else {
			entry["hash"] = hash
		}
		results = append(results, entry)
	}
	printJSON(map[string]interface{}{"results": results})
	if failed {
		os.Exit(1)
	}
}
