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

package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/teradata-labs/rye/pkg/signing"
	"github.com/teradata-labs/rye/pkg/types"
)

func newSigned(t *testing.T) (*signing.Key, *signing.TrustStore) {
	t.Helper()
	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	trust := signing.NewTrustStore()
	trust.Add(key.Public)
	return key, trust
}

func writeTranscript(t *testing.T, key *signing.Key) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thread.jsonl")
	w, err := OpenWriter(path, "t-1", key)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(w.Append(EventThreadStart, map[string]interface{}{"directive_id": "demo/dir"}))
	must(w.Append(EventCognitionIn, map[string]interface{}{"content": "list the files"}))
	must(w.Append(EventCognitionOut, map[string]interface{}{"content": "I'll list them."}))
	must(w.Append(EventToolCallStart, map[string]interface{}{
		"tool_call_id": "call-1", "name": "fs_list", "input": map[string]interface{}{"path": "."},
	}))
	must(w.Append(EventToolCallResult, map[string]interface{}{
		"tool_call_id": "call-1", "content": "a.txt\nb.txt",
	}))
	must(w.Checkpoint(1))
	must(w.Append(EventCognitionOut, map[string]interface{}{"content": "Two files: a.txt and b.txt."}))
	must(w.Checkpoint(2))
	return path
}

func TestVerify_AllCheckpointsValid(t *testing.T) {
	key, trust := newSigned(t)
	path := writeTranscript(t, key)

	res, err := VerifyFile(path, trust, false)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !res.Valid {
		t.Error("expected valid transcript")
	}
	if res.LastCheckpointStep != 2 {
		t.Errorf("last checkpoint step = %d, want 2", res.LastCheckpointStep)
	}
	if res.TrailingUnsignedBytes != 0 {
		t.Errorf("trailing bytes = %d, want 0", res.TrailingUnsignedBytes)
	}
}

func TestVerify_TrailingUnsigned(t *testing.T) {
	key, trust := newSigned(t)
	path := writeTranscript(t, key)

	// Simulate a crash after the last checkpoint.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	trailing := `{"timestamp":"2026-01-01T00:00:00Z","thread_id":"t-1","event_type":"cognition_in","payload":{"content":"more"}}` + "\n"
	if _, err := f.WriteString(trailing); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// Strict mode refuses unsigned trailing bytes.
	res, err := VerifyFile(path, trust, false)
	if err == nil {
		t.Fatal("expected error in strict mode")
	}
	if res.TrailingUnsignedBytes != int64(len(trailing)) {
		t.Errorf("trailing bytes = %d, want %d", res.TrailingUnsignedBytes, len(trailing))
	}

	// Tolerant mode accepts them and reports the count.
	res, err = VerifyFile(path, trust, true)
	if err != nil {
		t.Fatalf("tolerant verify: %v", err)
	}
	if !res.Valid {
		t.Error("expected valid in tolerant mode")
	}
	if res.LastCheckpointStep != 2 {
		t.Errorf("last checkpoint step = %d, want 2", res.LastCheckpointStep)
	}
}

func TestVerify_TamperedPrefix(t *testing.T) {
	key, trust := newSigned(t)
	path := writeTranscript(t, key)

	raw, _ := os.ReadFile(path)
	tampered := []byte(strings.Replace(string(raw), "list the files", "rm everything!", 1))
	if len(tampered) != len(raw) {
		t.Fatal("tamper must preserve offsets for this test")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := VerifyFile(path, trust, true); err == nil {
		t.Error("expected checkpoint failure after tampering signed range")
	}
}

func TestVerify_UntrustedSigner(t *testing.T) {
	key, _ := newSigned(t)
	path := writeTranscript(t, key)

	_, err := VerifyFile(path, signing.NewTrustStore(), true)
	if err == nil {
		t.Error("expected failure with empty trust store")
	}
}

func TestReconstruct(t *testing.T) {
	key, _ := newSigned(t)
	path := writeTranscript(t, key)

	messages, err := ReconstructFile(path)
	if err != nil {
		t.Fatalf("ReconstructFile: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "list the files" {
		t.Errorf("message 0 = %+v", messages[0])
	}
	if messages[1].Role != "assistant" || len(messages[1].ToolCalls) != 1 {
		t.Fatalf("message 1 should carry the tool call: %+v", messages[1])
	}
	if messages[1].ToolCalls[0].Name != "fs_list" {
		t.Errorf("tool call name = %s", messages[1].ToolCalls[0].Name)
	}
	if messages[2].Role != "tool" || messages[2].ToolCallID != "call-1" {
		t.Errorf("message 2 = %+v", messages[2])
	}
	if messages[3].Role != "assistant" {
		t.Errorf("message 3 = %+v", messages[3])
	}
}

func TestReconstruct_OrphanToolResult(t *testing.T) {
	events := []Event{
		{EventType: EventCognitionOut, Payload: map[string]interface{}{"content": "hm"}},
		{EventType: EventToolCallResult, Payload: map[string]interface{}{"tool_call_id": "ghost", "content": "x"}},
	}
	_, err := Reconstruct(events)
	if _, ok := err.(*ShapeError); !ok {
		t.Errorf("expected *ShapeError, got %T: %v", err, err)
	}
}

func TestParseEvents_ToleratesBrokenTrailingLine(t *testing.T) {
	content := []byte(`{"event_type":"cognition_in","payload":{"content":"hi"}}` + "\n" +
		`{"event_type":"cogni`)
	events, err := ParseEvents(content)
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestParseEvents_InteriorCorruptionFails(t *testing.T) {
	content := []byte(`not json at all` + "\n" +
		`{"event_type":"cognition_in","payload":{"content":"hi"}}` + "\n")
	_, err := ParseEvents(content)
	if _, ok := err.(*CorruptError); !ok {
		t.Errorf("expected *CorruptError, got %T", err)
	}
}

func TestGuard_SpillAndDedupe(t *testing.T) {
	dir := t.TempDir()
	g := NewGuard(2048, dir)

	small := "fits fine"
	out, err := g.Apply(small, 0.1)
	if err != nil || out != small {
		t.Fatalf("small result changed: %q, %v", out, err)
	}

	big := strings.Repeat("x", 4096)
	out1, err := g.Apply(big, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out1, "stored at") {
		t.Errorf("expected artifact reference, got %q", out1[:60])
	}

	// Identical payload reuses the artifact.
	out2, err := g.Apply(big, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if out1 != out2 {
		t.Error("identical payloads should produce identical references")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("artifact dir has %d files, want 1", len(entries))
	}
}

func TestGuard_BudgetTightensUnderPressure(t *testing.T) {
	g := NewGuard(8192, t.TempDir())
	if got := g.EffectiveBudget(0.5); got != 8192 {
		t.Errorf("budget at 0.5 = %d", got)
	}
	if got := g.EffectiveBudget(0.8); got != 4096 {
		t.Errorf("budget at 0.8 = %d", got)
	}
	if got := g.EffectiveBudget(0.95); got != 2048 {
		t.Errorf("budget at 0.95 = %d", got)
	}
}

func TestTrimToBudget_NeverOpensWithToolResult(t *testing.T) {
	key, _ := newSigned(t)
	path := writeTranscript(t, key)
	messages, err := ReconstructFile(path)
	if err != nil {
		t.Fatal(err)
	}
	trimmed := TrimToBudget(messages, 10)
	if len(trimmed) == 0 {
		t.Fatal("trim dropped everything")
	}
	if trimmed[0].Role == "tool" {
		t.Error("trimmed history must not open with a tool result")
	}
}

func TestTrimToBudget_ReRootsOnUserMessage(t *testing.T) {
	messages := []types.Message{
		{Role: "user", Content: strings.Repeat("context ", 100)},
		{Role: "assistant", Content: "working on it"},
		{Role: "user", Content: "and the follow-up"},
		{Role: "assistant", Content: "done"},
	}
	trimmed := TrimToBudget(messages, 50)
	if len(trimmed) == 0 || len(trimmed) == len(messages) {
		t.Fatalf("trim kept %d of %d messages", len(trimmed), len(messages))
	}
	if trimmed[0].Role != "user" {
		t.Fatalf("trimmed history opens with role %q, want user", trimmed[0].Role)
	}
	if trimmed[len(trimmed)-1].Content != "done" {
		t.Error("newest message lost in trim")
	}
}

func TestRenderMarkdown(t *testing.T) {
	key, _ := newSigned(t)
	path := writeTranscript(t, key)
	raw, _ := os.ReadFile(path)
	events, err := ParseEvents(raw)
	if err != nil {
		t.Fatal(err)
	}
	md := RenderMarkdown("t-1", "demo/dir", events)
	for _, want := range []string{"# Thread t-1", "demo/dir", "fs_list", "list the files"} {
		if !strings.Contains(md, want) {
			t.Errorf("rendered markdown missing %q", want)
		}
	}
}
