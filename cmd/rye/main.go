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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teradata-labs/rye/internal/log"
)

var (
	projectPath string
	debugMode   bool
	quietMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "rye",
	Short: "Rye agent kernel - run signed directives as bounded threads",
	Long: `Rye spawns signed Markdown directives as permission-controlled,
budget-bounded LLM threads. Threads write crash-resilient signed
transcripts, cascade spend to their parents, and hand off to fresh
threads when the context window fills.

Every command prints JSON to stdout; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", ".", "Project root containing the .ai/ directory")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging (equivalent to RYE_DEBUG=1)")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Log errors only")

	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	cobra.OnInitialize(func() {
		switch {
		case debugMode:
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			cfg.OutputPaths = []string{"stderr"}
			if l, err := cfg.Build(); err == nil {
				log.SetLogger(l)
			}
		case quietMode:
			cfg := zap.NewProductionConfig()
			cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
			cfg.OutputPaths = []string{"stderr"}
			if l, err := cfg.Build(); err == nil {
				log.SetLogger(l)
			}
		}
	})
	defer func() { _ = log.Sync() }()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printJSON writes v to stdout as indented JSON. Stdout carries only
// operation results.
func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
