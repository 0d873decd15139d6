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

// Package runner drives the LLM loop for one thread: prompt assembly,
// provider calls with hook-driven retry, tool dispatch, limit and
// cancellation checks at turn boundaries, context-exhaustion handoff,
// and finalization with signed transcript state.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/transcript"
	"github.com/teradata-labs/rye/pkg/types"
)

// DirectiveReturnToolID is the sentinel tool id that carries a
// directive's structured outputs back to the caller.
const DirectiveReturnToolID = "directive_return"

// nudgePrompt is appended when the model produces neither text nor
// tool calls.
const nudgePrompt = "Your last response was empty. Continue the task, or call directive_return with your results if you are done."

// Result is the finalized outcome of a thread run.
type Result struct {
	Success              bool                   `json:"success"`
	Status               string                 `json:"status"`
	ThreadID             string                 `json:"thread_id"`
	ResultText           string                 `json:"result_text,omitempty"`
	Outputs              map[string]interface{} `json:"outputs,omitempty"`
	Cost                 types.Usage            `json:"cost"`
	ContinuationThreadID string                 `json:"continuation_thread_id,omitempty"`
	Error                string                 `json:"error,omitempty"`
}

// HandoffFunc spawns a continuation thread for a context-exhausted
// thread and returns the successor id.
type HandoffFunc func(ctx context.Context, threadID string) (string, error)

// KnowledgeLoader loads verified knowledge artifacts for directive
// context blocks; satisfied by *artifact.Store.
type KnowledgeLoader interface {
	LoadVerified(itemType, id string) (*artifact.Artifact, error)
}

// Runner executes one thread.
type Runner struct {
	ThreadID       string
	ParentThreadID string
	// PreviousThreadID is the predecessor in a continuation chain, empty
	// for fresh threads.
	PreviousThreadID string
	Depth            int

	Directive  *directive.Directive
	Provider   types.Provider
	Harness    *harness.Harness
	Dispatcher *dispatch.Dispatcher
	Transcript *transcript.Writer
	Registry   *registry.Registry
	Ledger     *budget.Ledger
	Guard      *transcript.Guard
	Knowledge  KnowledgeLoader
	Resilience config.ResilienceConfig

	// Tools is the generic tool-schema list offered to the model,
	// built from the primary tool manifests.
	Tools []types.ToolSchema

	// Sinks receive raw streaming chunks in addition to the transcript.
	Sinks []types.StreamSink

	// Handoff is invoked on context exhaustion; nil disables handoff.
	Handoff HandoffFunc

	// KnowledgePath is where the human-readable markdown mirror is
	// re-rendered at step boundaries.
	KnowledgePath string

	// SeedMessages replaces first-message assembly for continuation
	// threads.
	SeedMessages []types.Message

	// Inputs are the caller-supplied directive inputs.
	Inputs map[string]interface{}

	// SystemPromptOverride is appended after hook-built system blocks.
	SystemPromptOverride string

	// Sleep is swappable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	messages []types.Message
	nudges   int
}

// Run drives the loop to a terminal status. The returned result always
// carries the final status; Run never panics the thread away.
func (r *Runner) Run(ctx context.Context) *Result {
	if r.Sleep == nil {
		r.Sleep = time.Sleep
	}

	if err := r.Registry.UpdateStatus(r.ThreadID, registry.StatusRunning); err != nil {
		return r.finalize(ctx, registry.StatusError, "", nil, fmt.Errorf("failed to mark thread running: %w", err))
	}
	_ = r.Transcript.Append(transcript.EventThreadStart, map[string]interface{}{
		"directive_id": r.Directive.ID,
		"parent_id":    r.ParentThreadID,
		"depth":        r.Depth,
		"model":        r.Provider.Model(),
	})

	systemPrompt, err := r.buildSystemPrompt()
	if err != nil {
		return r.finalize(ctx, registry.StatusError, "", nil, err)
	}
	if err := r.seedConversation(); err != nil {
		return r.finalize(ctx, registry.StatusError, "", nil, err)
	}

	for {
		// Pre-turn limit check.
		if breach := r.Harness.CheckLimits(); breach != nil {
			handled, hookErr := r.fireLimitHooks(breach)
			if hookErr != nil {
				log.Warn("limit hooks failed", zap.String("thread_id", r.ThreadID), zap.Error(hookErr))
			}
			if !handled {
				return r.finalize(ctx, registry.StatusError, "", nil, breach)
			}
		}

		if r.Harness.Cancelled() || ctx.Err() != nil {
			return r.finalize(ctx, registry.StatusCancelled, "", nil, nil)
		}

		turn := r.Harness.Usage().Turns
		if turn > 0 {
			if err := r.checkpoint(turn); err != nil {
				// A failed checkpoint means unsigned history; stop.
				return r.finalize(ctx, registry.StatusError, "", nil, err)
			}
		}

		turn = r.Harness.AddTurn()
		r.emitCognitionIn(turn)

		resp, err := r.callProviderWithRetry(ctx, systemPrompt)
		if err != nil {
			return r.finalize(ctx, registry.StatusError, "", nil, err)
		}

		r.Harness.AddUsage(resp.Usage.TotalTokens, resp.Usage.SpendUSD)
		r.appendAssistant(resp)

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Text) == "" && r.nudges < r.Resilience.NudgeMaxAttempts {
				r.nudges++
				r.appendUser(nudgePrompt)
				continue
			}
			return r.finalize(ctx, registry.StatusCompleted, resp.Text, nil, nil)
		}

		done, result := r.runToolCalls(ctx, resp)
		if done {
			return result
		}

		r.fireAfterStep()

		if next, ok := r.maybeHandoff(ctx); ok {
			return next
		}
	}
}

// buildSystemPrompt concatenates build_system_prompt hook blocks,
// directive system-context knowledge and the caller override.
func (r *Runner) buildSystemPrompt() (string, error) {
	ctx := r.ambientContext()
	blocks, err := r.Harness.Engine.Collect(hooks.EventBuildSystemPrompt, ctx)
	if err != nil {
		return "", fmt.Errorf("failed to build system prompt: %w", err)
	}
	var parts []string
	parts = append(parts, blocks.Before...)
	for _, id := range r.Directive.Context.System {
		content, err := r.loadKnowledge(id)
		if err != nil {
			return "", err
		}
		parts = append(parts, content)
	}
	parts = append(parts, blocks.After...)
	if r.SystemPromptOverride != "" {
		parts = append(parts, r.SystemPromptOverride)
	}
	return strings.Join(compactStrings(parts), "\n\n"), nil
}

// seedConversation assembles the first user message for a fresh
// thread, or replays the reconstructed history for a continuation with
// hook context inserted near the end so chronology is preserved.
func (r *Runner) seedConversation() error {
	ctx := r.ambientContext()
	blocks, err := r.Harness.Engine.Collect(hooks.EventThreadStarted, ctx)
	if err != nil {
		return fmt.Errorf("thread_started hooks failed: %w", err)
	}

	if len(r.SeedMessages) > 0 {
		r.messages = append(r.messages, r.SeedMessages...)
		if extra := strings.Join(compactStrings(append(blocks.Before, blocks.After...)), "\n\n"); extra != "" {
			// Insert near, not before, the last user message.
			r.appendUser(extra)
		}
		_ = r.Transcript.Append(transcript.EventThreadResumed, map[string]interface{}{
			"previous_thread_id": r.PreviousThreadID,
			"seed_messages":      len(r.SeedMessages),
		})
		return nil
	}

	var parts []string
	parts = append(parts, blocks.Before...)
	for _, id := range r.Directive.Context.Before {
		content, err := r.loadKnowledge(id)
		if err != nil {
			return err
		}
		parts = append(parts, content)
	}
	parts = append(parts, r.userPrompt())
	for _, id := range r.Directive.Context.After {
		content, err := r.loadKnowledge(id)
		if err != nil {
			return err
		}
		parts = append(parts, content)
	}
	parts = append(parts, blocks.After...)
	r.appendUser(strings.Join(compactStrings(parts), "\n\n"))
	return nil
}

// userPrompt merges the directive body with caller inputs.
func (r *Runner) userPrompt() string {
	body := r.Directive.Body
	if len(r.Inputs) == 0 {
		return body
	}
	encoded, err := json.MarshalIndent(r.Inputs, "", "  ")
	if err != nil {
		return body
	}
	return body + "\n\n## Inputs\n\n```json\n" + string(encoded) + "\n```"
}

func (r *Runner) loadKnowledge(id string) (string, error) {
	if r.Knowledge == nil {
		return "", fmt.Errorf("directive references knowledge %q but no loader is configured", id)
	}
	art, err := r.Knowledge.LoadVerified("knowledge", id)
	if err != nil {
		return "", fmt.Errorf("failed to load context knowledge %s: %w", id, err)
	}
	return string(art.Content), nil
}

// callProviderWithRetry performs one provider call, consulting error
// hooks on retryable failures. Retries do not consume turns.
func (r *Runner) callProviderWithRetry(ctx context.Context, systemPrompt string) (*types.Response, error) {
	policy := r.Resilience.Retry
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := r.callProvider(ctx, systemPrompt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) || attempt >= policy.MaxAttempts {
			return nil, lastErr
		}
		decision, hookErr := r.Harness.Engine.Fire(hooks.EventError, r.errorContext(err, attempt))
		if hookErr != nil {
			log.Warn("error hooks failed", zap.String("thread_id", r.ThreadID), zap.Error(hookErr))
			return nil, lastErr
		}
		if decision == nil || !strings.EqualFold(strings.TrimSpace(decision.Value), "retry") {
			return nil, lastErr
		}
		delay := harness.RetryDelay(policy, attempt, r.ThreadID)
		log.Info("retrying provider call",
			zap.String("thread_id", r.ThreadID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		r.Sleep(delay)
	}
}

func (r *Runner) callProvider(ctx context.Context, systemPrompt string) (*types.Response, error) {
	if streaming, ok := r.Provider.(types.StreamingProvider); ok {
		return streaming.CreateStreamingCompletion(ctx, r.messages, r.Tools, r.Sinks, systemPrompt)
	}
	return r.Provider.CreateCompletion(ctx, r.messages, r.Tools, systemPrompt)
}

// runToolCalls serializes the turn's tool calls in model order.
// Returns (true, result) when a call finalized the thread.
func (r *Runner) runToolCalls(ctx context.Context, resp *types.Response) (bool, *Result) {
	for _, tc := range resp.ToolCalls {
		action, err := parseAction(tc)
		if err != nil {
			r.appendToolError(tc.ID, err.Error())
			continue
		}

		if action.ItemID == DirectiveReturnToolID {
			outputs, missing := r.extractOutputs(action)
			if len(missing) > 0 {
				r.appendToolError(tc.ID, fmt.Sprintf("directive_return missing required outputs: %s", strings.Join(missing, ", ")))
				continue
			}
			_ = r.Transcript.Append(transcript.EventToolCallResult, map[string]interface{}{
				"tool_call_id": tc.ID,
				"content":      "directive_return accepted",
			})
			if _, err := r.Harness.Engine.Fire(hooks.EventDirectiveReturn, r.ambientContext()); err != nil {
				log.Warn("directive_return hooks failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
			}
			text := resp.Text
			if s, ok := outputs["summary"].(string); ok && text == "" {
				text = s
			}
			return true, r.finalize(ctx, registry.StatusCompleted, text, outputs, nil)
		}

		if isThreadSpawn(action) {
			r.Harness.AddSpawn()
		}

		result, err := r.Dispatcher.Dispatch(ctx, action, r.threadContext())
		if err != nil {
			if denied, ok := err.(*capability.PermissionDeniedError); ok {
				r.appendToolError(tc.ID, denied.Error())
				continue
			}
			r.appendToolError(tc.ID, err.Error())
			continue
		}

		content := encodeResult(result)
		guarded := content
		if r.Guard != nil {
			g, guardErr := r.Guard.Apply(content, r.contextRatio())
			if guardErr != nil {
				log.Warn("tool result guard failed", zap.String("thread_id", r.ThreadID), zap.Error(guardErr))
			} else {
				guarded = g
			}
		}
		isError := result["status"] == "error"
		_ = r.Transcript.Append(transcript.EventToolCallResult, map[string]interface{}{
			"tool_call_id": tc.ID,
			"content":      guarded,
			"is_error":     isError,
		})
		r.messages = append(r.messages, types.Message{
			Role: "tool", ToolCallID: tc.ID, Content: guarded, IsError: isError,
			Timestamp: time.Now().UTC(),
		})
	}
	return false, nil
}

func (r *Runner) maybeHandoff(ctx context.Context) (*Result, bool) {
	window := r.Provider.ContextWindow()
	if window <= 0 || r.Handoff == nil {
		return nil, false
	}
	threshold := r.Resilience.ContextThreshold
	ratio := r.contextRatio()
	if ratio < threshold {
		return nil, false
	}
	_ = r.Transcript.Append(transcript.EventContextLimitReached, map[string]interface{}{
		"estimated_tokens": transcript.EstimateMessages(r.messages),
		"context_window":   window,
		"ratio":            ratio,
	})
	successor, err := r.Handoff(ctx, r.ThreadID)
	if err != nil {
		log.Error("handoff failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
		return r.finalize(ctx, registry.StatusError, "", nil, fmt.Errorf("context exhausted and handoff failed: %w", err)), true
	}
	_ = r.Transcript.Append(transcript.EventThreadHandoff, map[string]interface{}{
		"continuation_thread_id": successor,
	})
	result := r.finalize(ctx, registry.StatusContinued, "", nil, nil)
	result.ContinuationThreadID = successor
	_ = r.Registry.SetContinuation(r.ThreadID, successor)
	return result, true
}

func (r *Runner) contextRatio() float64 {
	window := r.Provider.ContextWindow()
	if window <= 0 {
		return 0
	}
	return float64(transcript.EstimateMessages(r.messages)) / float64(window)
}

// finalize is every exit path: registry status, final checkpoint,
// knowledge rendering, budget release and after_complete hooks.
func (r *Runner) finalize(ctx context.Context, status, resultText string, outputs map[string]interface{}, cause error) *Result {
	usage := r.Harness.Usage()
	result := &Result{
		Success:    status == registry.StatusCompleted || status == registry.StatusContinued,
		Status:     status,
		ThreadID:   r.ThreadID,
		ResultText: resultText,
		Outputs:    outputs,
		Cost: types.Usage{
			TotalTokens: usage.Tokens,
			SpendUSD:    usage.Spend,
		},
	}
	if cause != nil {
		result.Error = r.describeError(cause)
	}

	eventType := transcript.EventThreadCompleted
	payload := map[string]interface{}{
		"status": status,
		"result": resultText,
		"spend":  usage.Spend,
		"turns":  usage.Turns,
	}
	if status == registry.StatusError {
		eventType = transcript.EventThreadError
		payload["error"] = result.Error
	}
	_ = r.Transcript.Append(eventType, payload)

	if err := r.Registry.UpdateStatus(r.ThreadID, status); err != nil {
		log.Warn("failed to set final status", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}
	if err := r.Registry.SetResult(r.ThreadID, resultText, encodeUsage(usage)); err != nil {
		log.Warn("failed to record result", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}

	if err := r.checkpoint(usage.Turns); err != nil {
		log.Error("final checkpoint failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}

	if r.Ledger != nil {
		if _, err := r.Ledger.ReportActual(r.ThreadID, usage.Spend); err != nil {
			log.Warn("failed to report spend", zap.String("thread_id", r.ThreadID), zap.Error(err))
		} else if r.ParentThreadID != "" {
			if err := r.Ledger.CascadeSpend(r.ThreadID, r.ParentThreadID, usage.Spend); err != nil {
				log.Warn("failed to cascade spend", zap.String("thread_id", r.ThreadID), zap.Error(err))
			}
		}
		if err := r.Ledger.Release(r.ThreadID, status); err != nil {
			log.Warn("failed to release budget", zap.String("thread_id", r.ThreadID), zap.Error(err))
		}
	}

	if _, err := r.Harness.Engine.Fire(hooks.EventAfterComplete, r.ambientContext()); err != nil {
		log.Warn("after_complete hooks failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}
	return result
}

// describeError includes recent conversation snippets so the caller
// can see what the model was doing when it broke.
func (r *Runner) describeError(cause error) string {
	var b strings.Builder
	b.WriteString(cause.Error())
	if snippet := r.lastAssistantSnippet(); snippet != "" {
		b.WriteString("; last assistant output: ")
		b.WriteString(snippet)
	}
	return b.String()
}

func (r *Runner) lastAssistantSnippet() string {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Role == "assistant" && r.messages[i].Content != "" {
			s := r.messages[i].Content
			if len(s) > 200 {
				s = s[:200] + "…"
			}
			return s
		}
	}
	return ""
}

func (r *Runner) checkpoint(step int) error {
	if err := r.Transcript.Checkpoint(step); err != nil {
		return fmt.Errorf("transcript checkpoint failed: %w", err)
	}
	r.renderKnowledge()
	return nil
}

func (r *Runner) renderKnowledge() {
	if r.KnowledgePath == "" {
		return
	}
	events, err := transcript.ParseEvents(readFileQuiet(r.Transcript.Path()))
	if err != nil {
		return
	}
	if err := transcript.WriteKnowledge(r.KnowledgePath, r.ThreadID, r.Directive.ID, events); err != nil {
		log.Debug("knowledge rendering failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}
}

func (r *Runner) fireLimitHooks(breach *harness.LimitExceededError) (bool, error) {
	ctx := r.ambientContext()
	ctx["limit"] = map[string]interface{}{
		"code":     breach.Code,
		"limit":    breach.Limit,
		"observed": breach.Observed,
	}
	ctx["recent"] = map[string]interface{}{"assistant": r.lastAssistantSnippet()}
	decision, err := r.Harness.Engine.Fire(hooks.EventLimit, ctx)
	if err != nil {
		return false, err
	}
	return decision != nil && strings.EqualFold(strings.TrimSpace(decision.Value), "continue"), nil
}

func (r *Runner) fireAfterStep() {
	usage := r.Harness.Usage()
	ctx := r.ambientContext()
	ctx["usage"] = map[string]interface{}{
		"turns":  usage.Turns,
		"tokens": usage.Tokens,
		"spend":  usage.Spend,
		"spawns": usage.Spawns,
	}
	if _, err := r.Harness.Engine.Fire(hooks.EventAfterStep, ctx); err != nil {
		log.Warn("after_step hooks failed", zap.String("thread_id", r.ThreadID), zap.Error(err))
	}
}

func (r *Runner) errorContext(err error, attempt int) map[string]interface{} {
	ctx := r.ambientContext()
	errInfo := map[string]interface{}{"message": err.Error(), "attempt": attempt}
	var callErr *provider.CallError
	if errors.As(err, &callErr) {
		errInfo["status"] = callErr.HTTPStatus
		errInfo["type"] = callErr.ErrorType
		errInfo["request_id"] = callErr.RequestID
		errInfo["retryable"] = callErr.Retryable
	}
	ctx["error"] = errInfo
	return ctx
}

func (r *Runner) ambientContext() map[string]interface{} {
	return map[string]interface{}{
		"thread_id":    r.ThreadID,
		"parent_id":    r.ParentThreadID,
		"directive_id": r.Directive.ID,
		"model":        r.Provider.Model(),
		"depth":        r.Depth,
	}
}

func (r *Runner) threadContext() *dispatch.ThreadContext {
	return &dispatch.ThreadContext{
		ThreadID:     r.ThreadID,
		Depth:        r.Depth,
		Limits:       r.Harness.Limits,
		Capabilities: r.Harness.Token.Caps,
		ProjectPath:  r.Harness.ProjectPath,
	}
}

func (r *Runner) emitCognitionIn(turn int) {
	payload := map[string]interface{}{"turn": turn}
	if n := len(r.messages); n > 0 && r.messages[n-1].Role == "user" {
		payload["content"] = r.messages[n-1].Content
	}
	_ = r.Transcript.Append(transcript.EventCognitionIn, payload)
}

func (r *Runner) appendAssistant(resp *types.Response) {
	if resp.Thinking != "" {
		_ = r.Transcript.Append(transcript.EventCognitionReasoning, map[string]interface{}{
			"content": resp.Thinking,
		})
	}
	_ = r.Transcript.Append(transcript.EventCognitionOut, map[string]interface{}{
		"content":       resp.Text,
		"finish_reason": resp.FinishReason,
	})
	msg := types.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls, Timestamp: time.Now().UTC()}
	r.messages = append(r.messages, msg)
	for _, tc := range resp.ToolCalls {
		_ = r.Transcript.Append(transcript.EventToolCallStart, map[string]interface{}{
			"tool_call_id": tc.ID,
			"name":         tc.Name,
			"input":        tc.Input,
		})
	}
}

func (r *Runner) appendUser(content string) {
	r.messages = append(r.messages, types.Message{Role: "user", Content: content, Timestamp: time.Now().UTC()})
}

func (r *Runner) appendToolError(toolCallID, message string) {
	_ = r.Transcript.Append(transcript.EventToolCallResult, map[string]interface{}{
		"tool_call_id": toolCallID,
		"content":      message,
		"is_error":     true,
	})
	r.messages = append(r.messages, types.Message{
		Role: "tool", ToolCallID: toolCallID, Content: message, IsError: true,
		Timestamp: time.Now().UTC(),
	})
}

// extractOutputs validates the declared outputs present in a
// directive_return call.
func (r *Runner) extractOutputs(action dispatch.Action) (map[string]interface{}, []string) {
	outputs := make(map[string]interface{}, len(action.Params))
	for k, v := range action.Params {
		outputs[k] = v
	}
	var missing []string
	for _, name := range r.Directive.RequiredOutputs() {
		if _, ok := outputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	return outputs, missing
}
