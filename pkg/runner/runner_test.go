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

package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teradata-labs/rye/pkg/budget"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/directive"
	"github.com/teradata-labs/rye/pkg/dispatch"
	"github.com/teradata-labs/rye/pkg/harness"
	"github.com/teradata-labs/rye/pkg/hooks"
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/signing"
	"github.com/teradata-labs/rye/pkg/transcript"
	"github.com/teradata-labs/rye/pkg/types"
)

type fakeProvider struct {
	model     string
	window    int
	responses []*types.Response
	errs      []error
	calls     int
	seen      [][]types.Message
}

func (p *fakeProvider) CreateCompletion(_ context.Context, messages []types.Message, _ []types.ToolSchema, _ string) (*types.Response, error) {
	p.seen = append(p.seen, append([]types.Message(nil), messages...))
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", i)
	}
	return p.responses[i], nil
}

func (p *fakeProvider) Name() string       { return "fake" }
func (p *fakeProvider) Model() string      { return p.model }
func (p *fakeProvider) ContextWindow() int { return p.window }

func textResponse(text string) *types.Response {
	return &types.Response{Text: text, FinishReason: "end_turn",
		Usage: types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, SpendUSD: 0.01}}
}

func toolCallResponse(id, name string, input map[string]interface{}) *types.Response {
	return &types.Response{FinishReason: "tool_use",
		ToolCalls: []types.ToolCall{{ID: id, Name: name, Input: input}},
		Usage:     types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, SpendUSD: 0.01}}
}

func returnCall(id string, outputs map[string]interface{}) *types.Response {
	return toolCallResponse(id, DirectiveReturnToolID, outputs)
}

type runnerEnv struct {
	reg  *registry.Registry
	led  *budget.Ledger
	har  *harness.Harness
	prov *fakeProvider
	run  *Runner
}

func newRunnerEnv(t *testing.T, prov *fakeProvider, tool dispatch.ToolFunc, mutate func(*harness.Config)) *runnerEnv {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "threads.db"))
	if err != nil {
		t.Fatalf("Open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	if err := reg.Register(&registry.Record{ThreadID: "th-1", DirectiveID: "task"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	led, err := budget.Open(filepath.Join(dir, "budget.db"))
	if err != nil {
		t.Fatalf("Open ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	if err := led.Register("th-1", 5.0); err != nil {
		t.Fatalf("Register budget: %v", err)
	}

	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	w, err := transcript.OpenWriter(filepath.Join(dir, "transcript.jsonl"), "th-1", key)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	cfg := harness.Config{
		ThreadID:      "th-1",
		DirectiveName: "task",
		Limits:        map[string]float64{directive.LimitTurns: 10},
		Permissions:   []string{"rye.execute.tool.*"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	har, err := harness.New(cfg)
	if err != nil {
		t.Fatalf("harness.New: %v", err)
	}

	d := dispatch.New(har)
	if tool == nil {
		tool = func(_ context.Context, _ dispatch.Action, _ *dispatch.ThreadContext) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "success"}, nil
		}
	}
	d.RegisterTool(dispatch.PrimaryExecute, tool)

	resilience := config.ResilienceConfig{}
	resilience.Defaults()

	r := &Runner{
		ThreadID:   "th-1",
		Directive:  &directive.Directive{ID: "task", Body: "List the repository files."},
		Provider:   prov,
		Harness:    har,
		Dispatcher: d,
		Transcript: w,
		Registry:   reg,
		Ledger:     led,
		Resilience: resilience,
		Sleep:      func(time.Duration) {},
	}
	return &runnerEnv{reg: reg, led: led, har: har, prov: prov, run: r}
}

func TestRun_DirectiveReturnCompletes(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000,
		responses: []*types.Response{returnCall("tc1", map[string]interface{}{"summary": "all done"})}}
	env := newRunnerEnv(t, prov, nil, nil)
	env.run.Directive.Outputs = []directive.Output{{Name: "summary", Type: "string", Required: true}}

	result := env.run.Run(context.Background())
	if !result.Success || result.Status != registry.StatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Outputs["summary"] != "all done" {
		t.Errorf("outputs = %v", result.Outputs)
	}

	rec, err := env.reg.GetThread("th-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if rec.Status != registry.StatusCompleted {
		t.Errorf("registry status = %s", rec.Status)
	}
	entry, err := env.led.Get("th-1")
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Status != budget.StatusReleased {
		t.Errorf("budget not released: %s", entry.Status)
	}
	if entry.Actual != 0.01 {
		t.Errorf("actual spend = %v", entry.Actual)
	}
}

func TestRun_ToolCallFeedsResultBack(t *testing.T) {
	var got dispatch.Action
	tool := func(_ context.Context, action dispatch.Action, _ *dispatch.ThreadContext) (map[string]interface{}, error) {
		got = action
		return map[string]interface{}{"status": "success", "content": "hello from tool"}, nil
	}
	prov := &fakeProvider{model: "m", window: 100000, responses: []*types.Response{
		toolCallResponse("tc1", "rye_execute", map[string]interface{}{
			"item_type": "tool", "item_id": "fs/read", "path": "README.md"}),
		returnCall("tc2", map[string]interface{}{"summary": "read it"}),
	}}
	env := newRunnerEnv(t, prov, tool, nil)

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCompleted {
		t.Fatalf("status = %s (error %q)", result.Status, result.Error)
	}
	if got.ItemID != "fs/read" || got.Primary != dispatch.PrimaryExecute {
		t.Errorf("tool saw action %+v", got)
	}
	if got.Params["path"] != "README.md" {
		t.Errorf("params not lifted: %v", got.Params)
	}

	// The second provider call must see the tool result message.
	if len(prov.seen) != 2 {
		t.Fatalf("provider calls = %d", len(prov.seen))
	}
	second := prov.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "tc1" {
		t.Fatalf("last message = %+v", last)
	}
	if !strings.Contains(last.Content, "hello from tool") {
		t.Errorf("tool content lost: %q", last.Content)
	}
}

func TestRun_PermissionDenialBecomesToolError(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000, responses: []*types.Response{
		toolCallResponse("tc1", "rye_execute", map[string]interface{}{
			"item_type": "tool", "item_id": "net/fetch"}),
		returnCall("tc2", map[string]interface{}{}),
	}}
	env := newRunnerEnv(t, prov, nil, func(cfg *harness.Config) {
		cfg.Permissions = []string{"rye.execute.tool.fs.*"}
	})

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCompleted {
		t.Fatalf("status = %s (error %q)", result.Status, result.Error)
	}
	second := prov.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !last.IsError {
		t.Fatalf("denial not surfaced as tool error: %+v", last)
	}
	if !strings.Contains(last.Content, "permission") {
		t.Errorf("denial message = %q", last.Content)
	}
}

func TestRun_MissingRequiredOutputRejected(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000, responses: []*types.Response{
		returnCall("tc1", map[string]interface{}{"summary": "done"}),
		returnCall("tc2", map[string]interface{}{"summary": "done", "report": "full report"}),
	}}
	env := newRunnerEnv(t, prov, nil, nil)
	env.run.Directive.Outputs = []directive.Output{
		{Name: "summary", Required: true},
		{Name: "report", Required: true},
	}

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCompleted {
		t.Fatalf("status = %s (error %q)", result.Status, result.Error)
	}
	if result.Outputs["report"] != "full report" {
		t.Errorf("outputs = %v", result.Outputs)
	}
	second := prov.seen[1]
	last := second[len(second)-1]
	if !last.IsError || !strings.Contains(last.Content, "report") {
		t.Errorf("missing-output rejection = %+v", last)
	}
}

func TestRun_TurnLimitStopsThread(t *testing.T) {
	call := func(id string) *types.Response {
		return toolCallResponse(id, "rye_execute", map[string]interface{}{
			"item_type": "tool", "item_id": "fs/read"})
	}
	prov := &fakeProvider{model: "m", window: 100000,
		responses: []*types.Response{call("tc1"), call("tc2"), call("tc3")}}
	env := newRunnerEnv(t, prov, nil, func(cfg *harness.Config) {
		cfg.Limits = map[string]float64{directive.LimitTurns: 2}
	})

	result := env.run.Run(context.Background())
	if result.Success || result.Status != registry.StatusError {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(result.Error, directive.LimitTurns) {
		t.Errorf("error = %q", result.Error)
	}
	if prov.calls != 2 {
		t.Errorf("provider calls = %d, want 2", prov.calls)
	}
}

func TestRun_EmptyResponseNudged(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000, responses: []*types.Response{
		textResponse(""), textResponse(""), textResponse("done here"),
	}}
	env := newRunnerEnv(t, prov, nil, nil)

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCompleted || result.ResultText != "done here" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if prov.calls != 3 {
		t.Errorf("provider calls = %d, want 3", prov.calls)
	}
	third := prov.seen[2]
	last := third[len(third)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "empty") {
		t.Errorf("nudge not delivered: %+v", last)
	}
	// Nudged turns still count.
	if env.har.Usage().Turns != 3 {
		t.Errorf("turns = %d", env.har.Usage().Turns)
	}
}

func TestRun_RetryableErrorRetriedWithoutTurn(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000,
		errs:      []error{&provider.CallError{Provider: "fake", HTTPStatus: 529, Retryable: true, Message: "overloaded"}},
		responses: []*types.Response{nil, textResponse("recovered")}}
	env := newRunnerEnv(t, prov, nil, func(cfg *harness.Config) {
		cfg.Hooks = []hooks.Hook{{
			ID:    "retry-on-overload",
			Event: hooks.EventError,
			Layer: hooks.LayerControl0,
			Action: hooks.Action{Primary: "execute", ItemType: "tool", ItemID: "retry_policy"},
		}}
		cfg.Dispatch = func(hooks.Action) (string, error) { return "retry", nil }
	})

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCompleted || result.ResultText != "recovered" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if prov.calls != 2 {
		t.Errorf("provider calls = %d", prov.calls)
	}
	if env.har.Usage().Turns != 1 {
		t.Errorf("retry consumed a turn: %d", env.har.Usage().Turns)
	}
}

func TestRun_NonRetryableErrorFails(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000,
		errs: []error{&provider.CallError{Provider: "fake", HTTPStatus: 400, Retryable: false, Message: "bad request"}}}
	env := newRunnerEnv(t, prov, nil, nil)

	result := env.run.Run(context.Background())
	if result.Success || result.Status != registry.StatusError {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(result.Error, "bad request") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRun_CancelledBeforeFirstTurn(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 100000}
	env := newRunnerEnv(t, prov, nil, nil)
	env.har.Cancel()

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusCancelled {
		t.Fatalf("status = %s", result.Status)
	}
	if prov.calls != 0 {
		t.Errorf("provider called %d times after cancellation", prov.calls)
	}
}

func TestRun_ContextExhaustionHandsOff(t *testing.T) {
	prov := &fakeProvider{model: "m", window: 20, responses: []*types.Response{
		toolCallResponse("tc1", "rye_execute", map[string]interface{}{
			"item_type": "tool", "item_id": "fs/read"}),
	}}
	env := newRunnerEnv(t, prov, nil, nil)
	env.run.Handoff = func(_ context.Context, threadID string) (string, error) {
		if threadID != "th-1" {
			t.Errorf("handoff for %s", threadID)
		}
		return "th-2", nil
	}

	result := env.run.Run(context.Background())
	if result.Status != registry.StatusContinued || !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ContinuationThreadID != "th-2" {
		t.Errorf("continuation = %q", result.ContinuationThreadID)
	}
	rec, err := env.reg.GetThread("th-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if rec.Status != registry.StatusContinued || rec.ContinuationThreadID != "th-2" {
		t.Errorf("registry record = %+v", rec)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		call    types.ToolCall
		want    dispatch.Action
		wantErr bool
	}{
		{
			name: "execute with lifted params",
			call: types.ToolCall{Name: "rye_execute", Input: map[string]interface{}{
				"item_type": "tool", "item_id": "fs/read", "path": "a.txt"}},
			want: dispatch.Action{Primary: "execute", ItemType: "tool", ItemID: "fs/read",
				Params: map[string]interface{}{"path": "a.txt"}},
		},
		{
			name: "params sub-object merged",
			call: types.ToolCall{Name: "rye_search", Input: map[string]interface{}{
				"item_type": "knowledge", "item_id": "notes",
				"params": map[string]interface{}{"query": "budget"}}},
			want: dispatch.Action{Primary: "search", ItemType: "knowledge", ItemID: "notes",
				Params: map[string]interface{}{"query": "budget"}},
		},
		{
			name: "directive_return passes input through",
			call: types.ToolCall{Name: "directive_return", Input: map[string]interface{}{"summary": "x"}},
			want: dispatch.Action{Primary: "execute", ItemType: "tool", ItemID: "directive_return",
				Params: map[string]interface{}{"summary": "x"}},
		},
		{
			name:    "unknown tool",
			call:    types.ToolCall{Name: "bash", Input: map[string]interface{}{"item_id": "x"}},
			wantErr: true,
		},
		{
			name:    "missing item_id",
			call:    types.ToolCall{Name: "rye_load", Input: map[string]interface{}{"item_type": "knowledge"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAction(tt.call)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAction: %v", err)
			}
			if got.Primary != tt.want.Primary || got.ItemType != tt.want.ItemType || got.ItemID != tt.want.ItemID {
				t.Errorf("action = %+v", got)
			}
			for k, v := range tt.want.Params {
				if got.Params[k] != v {
					t.Errorf("param %s = %v, want %v", k, got.Params[k], v)
				}
			}
		})
	}
}
