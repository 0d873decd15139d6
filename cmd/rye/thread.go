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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/rye/pkg/entry"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/transcript"
)

var (
	runAsync         bool
	runModel         string
	runInputs        []string
	runLimits        []string
	runResumeFrom    string
	runResumeMessage string

	execParams string

	waitTimeout time.Duration

	resumeMessage string

	chainSearch string

	transcriptVerify bool
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Run and manage directive threads",
	Long:  `Spawn directives as threads, wait on them, inspect their transcripts and continuation chains, and stop them.`,
}

var threadRunCmd = &cobra.Command{
	Use:   "run <directive-id>",
	Short: "Run a directive as a new thread",
	Long: `Run a directive as a new thread. Synchronous by default: blocks until
the thread finalizes and prints its result. With --async, spawns a
detached child process and prints the thread id and pid immediately.

Examples:
  rye thread run demo/review --input change_set=HEAD~3
  rye thread run nightly/report --async --limit spend=0.5
`,
	Args: cobra.ExactArgs(1),
	Run:  runThreadRun,
}

var threadExecCmd = &cobra.Command{
	Use:    "exec",
	Hidden: true,
	Short:  "Execute an already-registered thread (detached child entrypoint)",
	Run:    runThreadExec,
}

var threadStatusCmd = &cobra.Command{
	Use:   "status <thread-id>",
	Short: "Show a thread's registry record",
	Args:  cobra.ExactArgs(1),
	Run:   runThreadStatus,
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active threads",
	Run:   runThreadList,
}

var threadWaitCmd = &cobra.Command{
	Use:   "wait <thread-id>...",
	Short: "Wait for threads to finish",
	Long: `Wait until every named thread's continuation chain reaches a terminal
status, then print the terminal records. Exits 0 only if every chain
ended in completed.

Examples:
  rye thread wait review-a1b2c3d4
  rye thread wait review-a1b2c3d4 report-e5f6a7b8 --timeout 10m
`,
	Args: cobra.MinimumNArgs(1),
	Run:  runThreadWait,
}

var threadCancelCmd = &cobra.Command{
	Use:   "cancel <thread-id>",
	Short: "Request cooperative cancellation of an in-process thread",
	Args:  cobra.ExactArgs(1),
	Run:   runThreadCancel,
}

var threadKillCmd = &cobra.Command{
	Use:   "kill <thread-id>",
	Short: "Terminate a thread's process group",
	Long: `Terminate a detached thread: SIGTERM to its process group, SIGKILL
after the grace period. Killed threads cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	Run:  runThreadKill,
}

var threadResumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Resume a finished thread in a fresh continuation",
	Long: `Spawn a continuation of a terminal thread. The previous transcript is
verified and reconstructed; killed threads are refused.

Examples:
  rye thread resume review-a1b2c3d4 --message "also check the tests"
`,
	Args: cobra.ExactArgs(1),
	Run:  runThreadResume,
}

var threadChainCmd = &cobra.Command{
	Use:   "chain <thread-id>",
	Short: "Show a thread's continuation chain",
	Long: `Print the continuation chain starting at a thread. With --search,
instead print the messages across all chain transcripts containing the
given substring.`,
	Args: cobra.ExactArgs(1),
	Run:  runThreadChain,
}

var threadTranscriptCmd = &cobra.Command{
	Use:   "transcript <thread-id>",
	Short: "Reconstruct a thread's conversation from its transcript",
	Long: `Print the message history reconstructed from a thread's transcript.
With --verify, print the signature chain verification result instead.`,
	Args: cobra.ExactArgs(1),
	Run:  runThreadTranscript,
}

func init() {
	threadCmd.AddCommand(threadRunCmd)
	threadCmd.AddCommand(threadExecCmd)
	threadCmd.AddCommand(threadStatusCmd)
	threadCmd.AddCommand(threadListCmd)
	threadCmd.AddCommand(threadWaitCmd)
	threadCmd.AddCommand(threadCancelCmd)
	threadCmd.AddCommand(threadKillCmd)
	threadCmd.AddCommand(threadResumeCmd)
	threadCmd.AddCommand(threadChainCmd)
	threadCmd.AddCommand(threadTranscriptCmd)

	threadRunCmd.Flags().BoolVar(&runAsync, "async", false, "Spawn detached and return immediately")
	threadRunCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model or tier override")
	threadRunCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Directive input as key=value (repeatable)")
	threadRunCmd.Flags().StringArrayVarP(&runLimits, "limit", "l", nil, "Limit override as name=value (repeatable)")
	threadRunCmd.Flags().StringVar(&runResumeFrom, "resume-from", "", "Continue from a previous thread's transcript")
	threadRunCmd.Flags().StringVar(&runResumeMessage, "resume-message", "", "Extra user message appended after the continuation prompt")

	threadExecCmd.Flags().StringVar(&execParams, "params", "", "Entry operation parameters as JSON")

	threadWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Minute, "Give up after this long (0 waits forever)")

	threadResumeCmd.Flags().StringVar(&resumeMessage, "message", "", "Extra user message appended after the continuation prompt")

	threadChainCmd.Flags().StringVar(&chainSearch, "search", "", "Search the chain's transcripts for a substring")

	threadTranscriptCmd.Flags().BoolVar(&transcriptVerify, "verify", false, "Verify the signature chain instead of printing messages")
}

func runThreadRun(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	params := map[string]interface{}{"directive_id": args[0]}
	if runAsync {
		params["async"] = true
	}
	if runModel != "" {
		params["model"] = runModel
	}
	if inputs := parsePairs(runInputs); len(inputs) > 0 {
		params["inputs"] = inputs
	}
	if limits := parseLimitPairs(runLimits); len(limits) > 0 {
		params["limit_overrides"] = limits
	}
	if runResumeFrom != "" {
		params["previous_thread_id"] = runResumeFrom
	}
	if runResumeMessage != "" {
		params["resume_message"] = runResumeMessage
	}

	result, err := k.Service.Run(context.Background(), params)
	finishRun(result, err)
}

// runThreadExec is the detached child entrypoint: the parent registered
// the thread and passed its id through the environment.
func runThreadExec(cmd *cobra.Command, args []string) {
	threadID := os.Getenv(entry.EnvThreadID)
	if threadID == "" {
		fmt.Fprintf(os.Stderr, "Error: %s is not set\n", entry.EnvThreadID)
		os.Exit(1)
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(execParams), &params); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad --params: %v\n", err)
		os.Exit(1)
	}

	k := mustOpenKernel()
	defer k.Close()

	result, err := k.Service.RunRegistered(context.Background(), params, threadID)
	finishRun(result, err)
}

func runThreadStatus(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	rec, err := k.Registry.GetThread(args[0])
	if err != nil {
		fail(err)
	}
	printJSON(rec)
}

func runThreadList(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	records, err := k.Registry.ListActive()
	if err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{"threads": records, "count": len(records)})
}

func runThreadWait(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	result, err := k.Orchestrator.WaitThreads(context.Background(), args, waitTimeout)
	if err != nil {
		fail(err)
	}
	printJSON(result)
	if !result.AllSucceeded {
		os.Exit(1)
	}
}

func runThreadCancel(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	if err := k.Orchestrator.CancelThread(args[0]); err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{"thread_id": args[0], "cancelled": true})
}

func runThreadKill(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	if err := k.Orchestrator.KillThread(args[0]); err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{"thread_id": args[0], "status": registry.StatusKilled})
}

func runThreadResume(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	// Resume from the chain tip so a continued thread picks up where
	// its last continuation stopped.
	rec, err := k.Orchestrator.ResumableThread(args[0])
	if err != nil {
		fail(err)
	}

	params := map[string]interface{}{
		"directive_id":       rec.DirectiveID,
		"previous_thread_id": rec.ThreadID,
	}
	if resumeMessage != "" {
		params["resume_message"] = resumeMessage
	}
	result, err := k.Service.Run(context.Background(), params)
	finishRun(result, err)
}

func runThreadChain(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	chain, err := k.Registry.GetChain(args[0])
	if err != nil {
		fail(err)
	}
	if chainSearch == "" {
		printJSON(map[string]interface{}{"chain": chain, "length": len(chain)})
		return
	}

	type hit struct {
		ThreadID string `json:"thread_id"`
		Role     string `json:"role"`
		Content  string `json:"content"`
	}
	var hits []hit
	for _, rec := range chain {
		path := filepath.Join(k.Service.ThreadsDir, filepath.FromSlash(rec.ThreadID), "transcript.jsonl")
		messages, err := transcript.ReconstructFile(path)
		if err != nil {
			continue
		}
		for _, msg := range messages {
			if strings.Contains(msg.Content, chainSearch) {
				hits = append(hits, hit{ThreadID: rec.ThreadID, Role: msg.Role, Content: msg.Content})
			}
		}
	}
	printJSON(map[string]interface{}{"query": chainSearch, "matches": hits})
}

func runThreadTranscript(cmd *cobra.Command, args []string) {
	k := mustOpenKernel()
	defer k.Close()

	path := filepath.Join(k.Service.ThreadsDir, filepath.FromSlash(args[0]), "transcript.jsonl")
	if transcriptVerify {
		result, err := transcript.VerifyFile(path, k.Trust, false)
		if err != nil {
			fail(err)
		}
		printJSON(result)
		if !result.Valid {
			os.Exit(1)
		}
		return
	}
	messages, err := transcript.ReconstructFile(path)
	if err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{"thread_id": args[0], "messages": messages})
}

// finishRun prints an entry result and exits per the documented codes:
// JSON always goes to stdout, 1 signals a failed or unstartable thread.
func finishRun(result *entry.Result, err error) {
	if result == nil && err != nil {
		fail(err)
	}
	printJSON(result)
	if err != nil || !result.Success {
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func mustOpenKernel() *kernel {
	k, err := openKernel()
	if err != nil {
		fail(err)
	}
	return k
}

func parsePairs(pairs []string) map[string]interface{} {
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if ok {
			out[key] = value
		}
	}
	return out
}

func parseLimitPairs(pairs []string) map[string]interface{} {
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: limit %s is not numeric\n", p)
			os.Exit(1)
		}
		out[key] = f
	}
	return out
}
