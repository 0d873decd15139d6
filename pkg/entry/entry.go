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

// Package entry is the kernel's public operation: it validates a
// thread-directive request, loads and composes the directive, reserves
// budget, registers the thread, builds the safety harness and either
// runs the thread in-process or spawns it as a detached child.
package entry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/artifact"
	"github.com/teradata-labs/rye/pkg/budget"
	"github.com/teradata-labs/rye/pkg/capability"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/directive"
	"github.com/teradata-labs/rye/pkg/dispatch"
	"github.com/teradata-labs/rye/pkg/harness"
	"github.com/teradata-labs/rye/pkg/hooks"
	"github.com/teradata-labs/rye/pkg/orchestrator"
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/runner"
	"github.com/teradata-labs/rye/pkg/signing"
	"github.com/teradata-labs/rye/pkg/transcript"
	"github.com/teradata-labs/rye/pkg/types"
)

// Environment variables detached children consume.
const (
	EnvParentThreadID = "RYE_PARENT_THREAD_ID"
	EnvThreadID       = "RYE_THREAD_ID"
)

// DefaultMaxSpend bounds a root thread whose directive declares no
// spend limit.
const DefaultMaxSpend = 5.0

// ResumeImpossibleError reports a continuation whose source transcript
// failed integrity verification. Partial reconstruction is never
// attempted.
type ResumeImpossibleError struct {
	PreviousThreadID string
	Reason           string
}

func (e *ResumeImpossibleError) Error() string {
	return fmt.Sprintf("cannot resume from thread %s: %s", e.PreviousThreadID, e.Reason)
}

// Result is the thread-directive operation's response shape.
type Result struct {
	Success    bool                   `json:"success"`
	ThreadID   string                 `json:"thread_id"`
	Status     string                 `json:"status"`
	Directive  string                 `json:"directive"`
	PID        int                    `json:"pid,omitempty"`
	Cost       *types.Usage           `json:"cost,omitempty"`
	ResultText string                 `json:"result_text,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Service wires the kernel subsystems behind the entry operation.
type Service struct {
	Store        *artifact.Store
	Registry     *registry.Registry
	Ledger       *budget.Ledger
	Config       *config.Cascade
	Resolver     *provider.Resolver
	Orchestrator *orchestrator.Orchestrator
	SigningKey   *signing.Key
	Trust        *signing.TrustStore

	// ThreadsDir holds per-thread directories (transcript.jsonl,
	// thread.json, spawn.log, artifacts/).
	ThreadsDir string
	// KnowledgeDir receives the human-readable transcript mirrors.
	KnowledgeDir string
	ProjectPath  string

	// Tools binds primary verbs to their tools for each new dispatcher.
	Tools map[string]dispatch.Tool
	// ToolSchemas is the generic tool list offered to the model.
	ToolSchemas []types.ToolSchema

	// SpawnArgs renders the child CLI invocation for async spawns.
	SpawnArgs func(in *Input, threadID string) []string
	// SpawnEnv builds the explicit child environment for async spawns.
	SpawnEnv func(in *Input, threadID string) []string
}

// Run executes the thread-directive operation. Validation failures and
// setup errors return (nil, err); a thread that ran returns its result
// even when the thread itself failed.
func (s *Service) Run(ctx context.Context, params map[string]interface{}) (*Result, error) {
	in, err := ValidateInput(params)
	if err != nil {
		return nil, err
	}

	d, err := directive.Load(s.Store, in.DirectiveID)
	if err != nil {
		return nil, err
	}

	resilience := s.resilience()
	threadID := newThreadID(d.ID)
	limits, err := s.resolveLimits(d, in)
	if err != nil {
		return nil, err
	}

	if err := s.reserveBudget(threadID, limits, in); err != nil {
		return nil, err
	}

	rec := &registry.Record{
		ThreadID:    threadID,
		DirectiveID: d.ID,
		ParentID:    in.ParentThreadID,
	}
	if in.PreviousThreadID != "" {
		rec.PreviousThreadID = in.PreviousThreadID
		rec.ChainRootID = s.chainRoot(in.PreviousThreadID)
	}
	if err := s.Registry.Register(rec); err != nil {
		_ = s.Ledger.Release(threadID, registry.StatusError)
		return nil, err
	}

	// Continuation: reconstruct before the harness so an unverifiable
	// source transcript fails fast.
	var seed []types.Message
	if in.PreviousThreadID != "" {
		seed, err = s.reconstructContinuation(d, in, resilience)
		if err != nil {
			s.abort(threadID, err)
			return &Result{
				ThreadID: threadID, Status: registry.StatusError,
				Directive: d.ID, Error: err.Error(),
			}, err
		}
	}

	if in.Async {
		return s.spawnDetached(d, in, threadID)
	}
	return s.runInProcess(ctx, d, in, threadID, limits, seed, resilience)
}

// RunRegistered executes an already-registered thread in-process. It is
// the detached child's entrypoint: the parent validated the input,
// reserved budget and registered the record before spawning, so only
// directive loading, limit resolution and continuation reconstruction
// happen here.
func (s *Service) RunRegistered(ctx context.Context, params map[string]interface{}, threadID string) (*Result, error) {
	in, err := ValidateInput(params)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}
	d, err := directive.Load(s.Store, in.DirectiveID)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}
	resilience := s.resilience()
	limits, err := s.resolveLimits(d, in)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}

	var seed []types.Message
	if in.PreviousThreadID != "" {
		seed, err = s.reconstructContinuation(d, in, resilience)
		if err != nil {
			s.abort(threadID, err)
			return &Result{
				ThreadID: threadID, Status: registry.StatusError,
				Directive: d.ID, Error: err.Error(),
			}, err
		}
	}
	return s.runInProcess(ctx, d, in, threadID, limits, seed, resilience)
}

// runInProcess drives the thread to completion on the caller's
// goroutine and returns its finalized result.
func (s *Service) runInProcess(ctx context.Context, d *directive.Directive, in *Input, threadID string, limits map[string]float64, seed []types.Message, resilience config.ResilienceConfig) (*Result, error) {
	har, err := s.buildHarness(d, in, threadID, limits)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}

	client, err := s.Resolver.Resolve(s.modelSelector(d, in), d.Model.Provider)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}

	threadDir := filepath.Join(s.ThreadsDir, filepath.FromSlash(threadID))
	writer, err := transcript.OpenWriter(filepath.Join(threadDir, "transcript.jsonl"), threadID, s.SigningKey)
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}
	defer func() { _ = writer.Close() }()

	dispatcher := dispatch.New(har)
	for primary, tool := range s.Tools {
		dispatcher.RegisterTool(primary, tool)
	}

	r := &runner.Runner{
		ThreadID:         threadID,
		ParentThreadID:   in.ParentThreadID,
		PreviousThreadID: in.PreviousThreadID,
		Depth:            in.Depth,
		Directive:        d,
		Provider:         client,
		Harness:          har,
		Dispatcher:       dispatcher,
		Transcript:       writer,
		Registry:         s.Registry,
		Ledger:           s.Ledger,
		Guard:            transcript.NewGuard(resilience.ToolResultByteBudget, filepath.Join(threadDir, "artifacts")),
		Knowledge:        s.Store,
		Resilience:       resilience,
		Tools:            s.ToolSchemas,
		KnowledgePath:    filepath.Join(s.KnowledgeDir, filepath.FromSlash(threadID)+".md"),
		SeedMessages:     seed,
		Inputs:           in.Inputs,
		Handoff:          s.handoffFunc(d, in, limits),
	}

	done := s.Orchestrator.TrackLocal(threadID, har)
	runResult := r.Run(ctx)
	done()

	s.writeThreadSnapshot(threadDir, threadID, d.ID, runResult)

	return &Result{
		Success:    runResult.Success,
		ThreadID:   threadID,
		Status:     runResult.Status,
		Directive:  d.ID,
		Cost:       &runResult.Cost,
		ResultText: runResult.ResultText,
		Outputs:    runResult.Outputs,
		Error:      runResult.Error,
	}, nil
}

// spawnDetached starts the thread as a child kernel process and returns
// immediately with the pid.
func (s *Service) spawnDetached(d *directive.Directive, in *Input, threadID string) (*Result, error) {
	if s.SpawnArgs == nil {
		return nil, fmt.Errorf("async spawns are not configured")
	}
	env := []string{EnvThreadID + "=" + threadID}
	if in.ParentThreadID != "" {
		env = append(env, EnvParentThreadID+"="+in.ParentThreadID)
	}
	if s.SpawnEnv != nil {
		env = append(env, s.SpawnEnv(in, threadID)...)
	}

	pid, err := s.Orchestrator.SpawnDetached(orchestrator.SpawnSpec{
		ThreadID: threadID,
		Args:     s.SpawnArgs(in, threadID),
		Env:      env,
		LogDir:   filepath.Join(s.ThreadsDir, filepath.FromSlash(threadID)),
		WorkDir:  s.ProjectPath,
	})
	if err != nil {
		s.abort(threadID, err)
		return nil, err
	}
	return &Result{
		Success:   true,
		ThreadID:  threadID,
		Status:    registry.StatusCreated,
		Directive: d.ID,
		PID:       pid,
	}, nil
}

// reconstructContinuation verifies the previous transcript with the
// configured strictness and rebuilds the trailing message window.
func (s *Service) reconstructContinuation(d *directive.Directive, in *Input, resilience config.ResilienceConfig) ([]types.Message, error) {
	prevPath := filepath.Join(s.ThreadsDir, filepath.FromSlash(in.PreviousThreadID), "transcript.jsonl")
	allowTrailing := resilience.IntegrityMode != "strict"

	verification, err := transcript.VerifyFile(prevPath, s.Trust, allowTrailing)
	if err != nil {
		return nil, &ResumeImpossibleError{PreviousThreadID: in.PreviousThreadID, Reason: err.Error()}
	}
	if !verification.Valid {
		return nil, &ResumeImpossibleError{PreviousThreadID: in.PreviousThreadID,
			Reason: "transcript signature chain is invalid"}
	}

	messages, err := transcript.ReconstructFile(prevPath)
	if err != nil {
		return nil, &ResumeImpossibleError{PreviousThreadID: in.PreviousThreadID, Reason: err.Error()}
	}
	messages = transcript.TrimToBudget(messages, resilience.ResumeCeilingTokens)

	prompt := d.ContinuationPrompt
	if prompt == "" {
		prompt = resilience.ContinuationPrompt
	}
	messages = append(messages, types.Message{Role: "user", Content: prompt, Timestamp: time.Now().UTC()})
	if in.ResumeMessage != "" {
		messages = append(messages, types.Message{Role: "user", Content: in.ResumeMessage, Timestamp: time.Now().UTC()})
	}
	return messages, nil
}

// handoffFunc spawns the continuation thread for a context-exhausted
// runner.
func (s *Service) handoffFunc(d *directive.Directive, in *Input, limits map[string]float64) runner.HandoffFunc {
	return func(ctx context.Context, threadID string) (string, error) {
		params := map[string]interface{}{
			"directive_id":       d.ID,
			"previous_thread_id": threadID,
		}
		if in.ParentThreadID != "" {
			params["parent_thread_id"] = in.ParentThreadID
		}
		if len(in.ParentCapabilities) > 0 {
			params["parent_capabilities"] = in.ParentCapabilities
		}
		if in.Depth > 0 {
			params["depth"] = in.Depth
		}
		if len(limits) > 0 {
			overrides := make(map[string]interface{}, len(limits))
			for k, v := range limits {
				overrides[k] = v
			}
			params["limit_overrides"] = overrides
		}
		result, err := s.Run(ctx, params)
		if err != nil {
			return "", err
		}
		return result.ThreadID, nil
	}
}

// buildHarness merges cascaded hook and risk tables with the
// directive's own and derives the thread's effective capabilities.
func (s *Service) buildHarness(d *directive.Directive, in *Input, threadID string, limits map[string]float64) (*harness.Harness, error) {
	var hooksCfg struct {
		Hooks []hooks.Hook `yaml:"hooks"`
	}
	if err := s.Config.Decode("hooks", &hooksCfg); err != nil {
		return nil, fmt.Errorf("failed to load hook table: %w", err)
	}
	var risks config.RisksConfig
	if err := s.Config.Decode("risks", &risks); err != nil {
		return nil, fmt.Errorf("failed to load risk table: %w", err)
	}

	var parentToken *capability.Token
	if len(in.ParentCapabilities) > 0 {
		parentToken = capability.Mint(in.ParentCapabilities, "thread", d.ID, in.ParentThreadID, 24*time.Hour)
	}

	return harness.New(harness.Config{
		ThreadID:      threadID,
		DirectiveName: d.ID,
		ProjectPath:   s.ProjectPath,
		Limits:        limits,
		Permissions:   d.Permissions,
		ParentToken:   parentToken,
		Acknowledged:  d.AcknowledgedRisks,
		Risks:         &risks,
		Hooks:         mergeHooks(hooksCfg.Hooks, d.Hooks),
		Suppress:      d.Context.Suppress,
	})
}

// resolveLimits overlays caller overrides on the directive's limits,
// then clamps under the parent's when this is a child spawn. Depth
// decrements through the clamp; a parent with no depth budget left
// cannot spawn at all. Continuations inherit their predecessor's
// resolved limits unchanged: a handoff is the same unit of work, not a
// new level of recursion.
func (s *Service) resolveLimits(d *directive.Directive, in *Input) (map[string]float64, error) {
	merged := make(map[string]float64, len(d.Limits))
	for k, v := range d.Limits {
		merged[k] = v
	}
	if in.ParentThreadID == "" || in.PreviousThreadID != "" {
		for k, v := range in.LimitOverrides {
			merged[k] = v
		}
		return merged, nil
	}
	// Child spawn: the injected overrides are the parent's resolved
	// limits, a ceiling the child cannot raise.
	if parentDepth, ok := in.LimitOverrides[directive.LimitDepth]; ok && parentDepth <= 0 {
		return nil, &harness.LimitExceededError{
			Code: directive.LimitDepth, Limit: parentDepth, Observed: float64(in.Depth),
			ThreadID: in.ParentThreadID, Directive: d.ID,
		}
	}
	return directive.ClampLimits(merged, in.LimitOverrides), nil
}

func (s *Service) reserveBudget(threadID string, limits map[string]float64, in *Input) error {
	maxSpend := limits[directive.LimitSpend]
	if maxSpend <= 0 {
		maxSpend = DefaultMaxSpend
	}
	if in.ParentThreadID != "" {
		return s.Ledger.Reserve(threadID, maxSpend, in.ParentThreadID)
	}
	return s.Ledger.Register(threadID, maxSpend)
}

func (s *Service) modelSelector(d *directive.Directive, in *Input) string {
	if in.Model != "" {
		return in.Model
	}
	if d.Model.Tier != "" {
		return d.Model.Tier
	}
	return d.Model.ID
}

func (s *Service) resilience() config.ResilienceConfig {
	var cfg config.ResilienceConfig
	if err := s.Config.Decode("resilience", &cfg); err != nil {
		log.Warn("failed to load resilience config, using defaults", zap.Error(err))
	}
	cfg.Defaults()
	return cfg
}

// chainRoot returns the continuation chain root for a predecessor.
func (s *Service) chainRoot(previousThreadID string) string {
	prev, err := s.Registry.GetThread(previousThreadID)
	if err != nil {
		return previousThreadID
	}
	if prev.ChainRootID != "" {
		return prev.ChainRootID
	}
	return previousThreadID
}

// abort marks a registered-but-never-ran thread failed and releases its
// budget.
func (s *Service) abort(threadID string, cause error) {
	log.Error("thread setup failed", zap.String("thread_id", threadID), zap.Error(cause))
	if err := s.Registry.UpdateStatus(threadID, registry.StatusError); err != nil {
		log.Warn("failed to mark aborted thread", zap.String("thread_id", threadID), zap.Error(err))
	}
	if err := s.Ledger.Release(threadID, registry.StatusError); err != nil {
		log.Warn("failed to release aborted budget", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// writeThreadSnapshot persists the signed thread.json metadata snapshot.
func (s *Service) writeThreadSnapshot(threadDir, threadID, directiveID string, result *runner.Result) {
	snapshot := map[string]interface{}{
		"thread_id":    threadID,
		"directive_id": directiveID,
		"status":       result.Status,
		"result_text":  result.ResultText,
		"cost":         result.Cost,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	body = append(body, '\n')
	signed := signing.SignFileContent(body, "//", s.SigningKey)
	if err := os.WriteFile(filepath.Join(threadDir, "thread.json"), signed, 0o644); err != nil {
		log.Warn("failed to write thread snapshot", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// mergeHooks overlays directive hooks on the cascaded table,
// replacing by id.
func mergeHooks(base, overlay []hooks.Hook) []hooks.Hook {
	out := append([]hooks.Hook(nil), base...)
	index := make(map[string]int, len(out))
	for i, h := range out {
		index[h.ID] = i
	}
	for _, h := range overlay {
		if i, ok := index[h.ID]; ok {
			out[i] = h
			continue
		}
		index[h.ID] = len(out)
		out = append(out, h)
	}
	return out
}

// newThreadID derives a stable, path-safe thread id from the directive
// basename.
func newThreadID(directiveID string) string {
	base := strings.ReplaceAll(path.Base(directiveID), " ", "-")
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}
