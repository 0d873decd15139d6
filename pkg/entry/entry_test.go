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

package entry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/teradata-labs/rye/pkg/artifact"
	"github.com/teradata-labs/rye/pkg/budget"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/directive"
	"github.com/teradata-labs/rye/pkg/harness"
	"github.com/teradata-labs/rye/pkg/hooks"
	"github.com/teradata-labs/rye/pkg/orchestrator"
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/signing"
	"github.com/teradata-labs/rye/pkg/transcript"
)

const taskDirective = `<directive>
  <id>task</id>
  <version>1.0</version>
  <description>Greets the caller</description>
  <model tier="standard">m</model>
  <limits>
    <limit name="turns" value="5"/>
    <limit name="spend" value="2.0"/>
  </limits>
  <permissions>
    <capability>rye.execute.tool.*</capability>
  </permissions>
</directive>

Say hello and stop.
`

func fakeProviderSchema(baseURL string) string {
	return fmt.Sprintf(`name: fake
base_url: %s
models:
  m:
    context_window: 100000
    price_in: 1.0
    price_out: 5.0
response_schema:
  text_path: text
  finish_reason_path: finish
  input_tokens_path: usage.in
  output_tokens_path: usage.out
`, baseURL)
}

func writeSigned(t *testing.T, root, typeDir, rel, body string, key *signing.Key) {
	t.Helper()
	path := filepath.Join(root, artifact.AIDirName, typeDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	prefix := signing.PrefixForExtension(filepath.Ext(rel))
	if err := os.WriteFile(path, signing.SignFileContent([]byte(body), prefix, key), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newService assembles a full kernel over a fake provider HTTP server.
func newService(t *testing.T, providerResponse string) *Service {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(providerResponse))
	}))
	t.Cleanup(server.Close)

	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	trust := signing.NewTrustStore()
	trust.Add(key.Public)

	root := t.TempDir()
	project := filepath.Join(root, "project")
	writeSigned(t, project, "directives", "task.md", taskDirective, key)
	writeSigned(t, project, "config", "providers/fake.yaml", fakeProviderSchema(server.URL), key)

	store := artifact.NewStore(project, filepath.Join(root, "user"), nil, trust)

	reg, err := registry.Open(filepath.Join(root, "threads.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	led, err := budget.Open(filepath.Join(root, "budget.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = led.Close() })

	resolver := provider.NewResolver(store, provider.ModelsConfig{
		Tiers: map[string]provider.TierRef{"standard": {Provider: "fake", Model: "m"}},
	}, nil)

	return &Service{
		Store:        store,
		Registry:     reg,
		Ledger:       led,
		Config:       config.NewCascade(nil, filepath.Join(root, "usercfg"), filepath.Join(root, "projcfg")),
		Resolver:     resolver,
		Orchestrator: orchestrator.New(reg),
		SigningKey:   key,
		Trust:        trust,
		ThreadsDir:   filepath.Join(project, ".ai", "agent", "threads"),
		KnowledgeDir: filepath.Join(project, ".ai", "knowledge", "agent", "threads"),
		ProjectPath:  project,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	svc := newService(t, `{"text":"kernel says hi","finish":"stop","usage":{"in":10,"out":5}}`)

	result, err := svc.Run(context.Background(), map[string]interface{}{"directive_id": "task"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Status != registry.StatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ResultText != "kernel says hi" {
		t.Errorf("result text = %q", result.ResultText)
	}
	if result.Directive != "task" {
		t.Errorf("directive = %q", result.Directive)
	}

	rec, err := svc.Registry.GetThread(result.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if rec.Status != registry.StatusCompleted {
		t.Errorf("registry status = %s", rec.Status)
	}

	threadDir := filepath.Join(svc.ThreadsDir, result.ThreadID)
	verification, err := transcript.VerifyFile(filepath.Join(threadDir, "transcript.jsonl"), svc.Trust, false)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !verification.Valid {
		t.Error("finalized transcript has no valid signature chain")
	}
	snapshot, err := os.ReadFile(filepath.Join(threadDir, "thread.json"))
	if err != nil {
		t.Fatalf("thread.json missing: %v", err)
	}
	if _, err := signing.VerifyFileContent(snapshot, svc.Trust); err != nil {
		t.Errorf("thread.json signature: %v", err)
	}

	entry, err := svc.Ledger.Get(result.ThreadID)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Status != budget.StatusReleased {
		t.Errorf("budget not released: %s", entry.Status)
	}
}

func TestRun_UnknownKeyRejected(t *testing.T) {
	svc := newService(t, `{}`)

	_, err := svc.Run(context.Background(), map[string]interface{}{
		"directive_id": "task",
		"max_turns":    10,
	})
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputError, got %v", err)
	}
	if !strings.Contains(err.Error(), "max_turns") {
		t.Errorf("violation should name the unknown key: %v", err)
	}
}

func TestRun_MissingDirectiveID(t *testing.T) {
	svc := newService(t, `{}`)
	if _, err := svc.Run(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRun_ResumeImpossibleOnTamperedTranscript(t *testing.T) {
	svc := newService(t, `{"text":"hi","finish":"stop","usage":{"in":1,"out":1}}`)

	// Previous transcript signed by a key outside the trust store.
	rogueKey, err := signing.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	prevPath := filepath.Join(svc.ThreadsDir, "old-1", "transcript.jsonl")
	w, err := transcript.OpenWriter(prevPath, "old-1", rogueKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(transcript.EventCognitionIn, map[string]interface{}{"content": "start"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Checkpoint(1); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()

	result, err := svc.Run(context.Background(), map[string]interface{}{
		"directive_id":       "task",
		"previous_thread_id": "old-1",
	})
	var resumeErr *ResumeImpossibleError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("expected ResumeImpossibleError, got %v", err)
	}
	if resumeErr.PreviousThreadID != "old-1" {
		t.Errorf("error names %q", resumeErr.PreviousThreadID)
	}
	if result == nil || result.Status != registry.StatusError {
		t.Fatalf("result = %+v", result)
	}

	// The failed continuation is still registered, as an errored thread.
	rec, err := svc.Registry.GetThread(result.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if rec.Status != registry.StatusError {
		t.Errorf("registry status = %s", rec.Status)
	}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr bool
		check   func(t *testing.T, in *Input)
	}{
		{
			name:   "minimal",
			params: map[string]interface{}{"directive_id": "task"},
			check: func(t *testing.T, in *Input) {
				if in.DirectiveID != "task" || in.Async {
					t.Errorf("decoded %+v", in)
				}
			},
		},
		{
			name: "full",
			params: map[string]interface{}{
				"directive_id":    "task",
				"async":           true,
				"inputs":          map[string]interface{}{"target": "x"},
				"model":           "fast",
				"limit_overrides": map[string]interface{}{"turns": 3.0},
			},
			check: func(t *testing.T, in *Input) {
				if !in.Async || in.Model != "fast" || in.LimitOverrides["turns"] != 3 {
					t.Errorf("decoded %+v", in)
				}
				if in.Inputs["target"] != "x" {
					t.Errorf("inputs = %v", in.Inputs)
				}
			},
		},
		{
			name: "injected parent context",
			params: map[string]interface{}{
				"directive_id":        "task",
				"parent_thread_id":    "p-1",
				"depth":               2,
				"parent_capabilities": []interface{}{"rye.execute.tool.fs.*"},
			},
			check: func(t *testing.T, in *Input) {
				if in.ParentThreadID != "p-1" || in.Depth != 2 || len(in.ParentCapabilities) != 1 {
					t.Errorf("decoded %+v", in)
				}
			},
		},
		{
			name:    "unknown key",
			params:  map[string]interface{}{"directive_id": "task", "timeout": 5},
			wantErr: true,
		},
		{
			name:    "missing directive id",
			params:  map[string]interface{}{"async": true},
			wantErr: true,
		},
		{
			name:    "wrong type",
			params:  map[string]interface{}{"directive_id": 42},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ValidateInput(tt.params)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateInput: %v", err)
			}
			tt.check(t, in)
		})
	}
}

func TestResolveLimits_ChildClampedUnderParent(t *testing.T) {
	svc := &Service{}
	d := &directive.Directive{Limits: map[string]float64{
		directive.LimitTurns: 50,
		directive.LimitSpend: 3.0,
	}}
	in := &Input{
		ParentThreadID: "p-1",
		LimitOverrides: map[string]float64{ // parent's resolved limits
			directive.LimitTurns: 10,
			directive.LimitSpend: 1.0,
			directive.LimitDepth: 3,
		},
	}
	limits, err := svc.resolveLimits(d, in)
	if err != nil {
		t.Fatalf("resolveLimits: %v", err)
	}
	if limits[directive.LimitTurns] != 10 || limits[directive.LimitSpend] != 1.0 {
		t.Errorf("child not clamped: %v", limits)
	}
	if limits[directive.LimitDepth] != 2 {
		t.Errorf("depth = %v, want parent-1", limits[directive.LimitDepth])
	}
}

func TestResolveLimits_SpawnDeniedWhenDepthExhausted(t *testing.T) {
	svc := &Service{}
	d := &directive.Directive{ID: "task", Limits: map[string]float64{directive.LimitTurns: 50}}
	in := &Input{
		ParentThreadID: "p-1",
		Depth:          3,
		LimitOverrides: map[string]float64{directive.LimitDepth: 0},
	}
	_, err := svc.resolveLimits(d, in)
	var limitErr *harness.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %v", err)
	}
	if limitErr.Code != directive.LimitDepth {
		t.Errorf("code = %q, want depth", limitErr.Code)
	}
}

func TestResolveLimits_ContinuationInheritsUnchanged(t *testing.T) {
	svc := &Service{}
	d := &directive.Directive{Limits: map[string]float64{directive.LimitTurns: 50}}
	in := &Input{
		ParentThreadID:   "p-1",
		PreviousThreadID: "old-1",
		LimitOverrides: map[string]float64{ // predecessor's resolved limits
			directive.LimitTurns: 10,
			directive.LimitDepth: 1,
		},
	}
	limits, err := svc.resolveLimits(d, in)
	if err != nil {
		t.Fatalf("a handoff is not a new recursion level: %v", err)
	}
	if limits[directive.LimitDepth] != 1 {
		t.Errorf("depth = %v, continuation must not decrement", limits[directive.LimitDepth])
	}
	if limits[directive.LimitTurns] != 10 {
		t.Errorf("turns = %v", limits[directive.LimitTurns])
	}
}

func TestRun_ChildSpawnDeniedWhenDepthExhausted(t *testing.T) {
	svc := newService(t, `{}`)

	_, err := svc.Run(context.Background(), map[string]interface{}{
		"directive_id":     "task",
		"parent_thread_id": "p-1",
		"depth":            2,
		"limit_overrides":  map[string]interface{}{"depth": 0.0},
	})
	var limitErr *harness.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %v", err)
	}
	if limitErr.Code != directive.LimitDepth {
		t.Errorf("code = %q, want depth", limitErr.Code)
	}
}

func TestMergeHooks_DirectiveReplacesByID(t *testing.T) {
	base := []hooks.Hook{
		{ID: "audit", Event: hooks.EventAfterStep, Layer: hooks.LayerInfra},
		{ID: "guard", Event: hooks.EventError, Layer: hooks.LayerControl0},
	}
	overlay := []hooks.Hook{
		{ID: "guard", Event: hooks.EventError, Layer: hooks.LayerControl1},
		{ID: "extra", Event: hooks.EventThreadStarted},
	}
	merged := mergeHooks(base, overlay)
	if len(merged) != 3 {
		t.Fatalf("len = %d", len(merged))
	}
	if merged[0].ID != "audit" || merged[1].ID != "guard" || merged[2].ID != "extra" {
		t.Errorf("order lost: %v", []string{merged[0].ID, merged[1].ID, merged[2].ID})
	}
	if merged[1].Layer != hooks.LayerControl1 {
		t.Errorf("overlay did not replace: layer %d", merged[1].Layer)
	}
}
