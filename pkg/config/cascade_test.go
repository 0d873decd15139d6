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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCascade_MapOverrides(t *testing.T) {
	root := t.TempDir()
	system := filepath.Join(root, "system")
	user := filepath.Join(root, "user")
	project := filepath.Join(root, "project")

	writeConfig(t, system, "resilience", "context_threshold: 0.9\nintegrity_mode: strict\n")
	writeConfig(t, user, "resilience", "context_threshold: 0.85\n")
	writeConfig(t, project, "resilience", "resume_ceiling_tokens: 8000\n")

	c := NewCascade([]string{system}, user, project)
	var cfg ResilienceConfig
	if err := c.Decode("resilience", &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.ContextThreshold != 0.85 {
		t.Errorf("user override lost: %v", cfg.ContextThreshold)
	}
	if cfg.IntegrityMode != "strict" {
		t.Errorf("system value lost: %v", cfg.IntegrityMode)
	}
	if cfg.ResumeCeilingTokens != 8000 {
		t.Errorf("project override lost: %v", cfg.ResumeCeilingTokens)
	}
}

func TestCascade_IDListMergeByID(t *testing.T) {
	root := t.TempDir()
	system := filepath.Join(root, "system")
	project := filepath.Join(root, "project")

	writeConfig(t, system, "hooks", `
hooks:
  - id: audit
    event: after_step
    layer: 3
  - id: guard
    event: limit
    layer: 0
`)
	writeConfig(t, project, "hooks", `
hooks:
  - id: guard
    event: limit
    layer: 1
  - id: extra
    event: error
    layer: 0
`)

	c := NewCascade([]string{system}, "", project)
	merged, err := c.Load("hooks")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	list, ok := merged["hooks"].([]interface{})
	if !ok {
		t.Fatalf("hooks is %T", merged["hooks"])
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 hooks after id merge, got %d", len(list))
	}
	// Same id replaced, not appended; order is base order then new ids.
	guard := list[1].(map[string]interface{})
	if guard["id"] != "guard" || guard["layer"] != 1 {
		t.Errorf("guard entry not replaced by project layer: %v", guard)
	}
	if list[2].(map[string]interface{})["id"] != "extra" {
		t.Errorf("new id not appended: %v", list[2])
	}
}

func TestCascade_PlainListReplacedWholesale(t *testing.T) {
	root := t.TempDir()
	system := filepath.Join(root, "system")
	project := filepath.Join(root, "project")

	writeConfig(t, system, "events", "flush:\n  - a\n  - b\n")
	writeConfig(t, project, "events", "flush:\n  - c\n")

	c := NewCascade([]string{system}, "", project)
	merged, err := c.Load("events")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	list := merged["flush"].([]interface{})
	if len(list) != 1 || list[0] != "c" {
		t.Errorf("plain list should be replaced wholesale, got %v", list)
	}
}

func TestCascade_MissingFilesAndCache(t *testing.T) {
	c := NewCascade([]string{filepath.Join(t.TempDir(), "nope")}, "", "")
	merged, err := c.Load("risks")
	if err != nil {
		t.Fatalf("Load with no files: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("expected empty merge, got %v", merged)
	}

	// Cached result stays stable across loads.
	again, _ := c.Load("risks")
	if len(again) != 0 {
		t.Errorf("cache returned %v", again)
	}
}

func TestResilienceDefaults(t *testing.T) {
	var cfg ResilienceConfig
	cfg.Defaults()
	if cfg.ContextThreshold != 0.9 || cfg.ResumeCeilingTokens != 16000 {
		t.Errorf("bad defaults: %+v", cfg)
	}
	if cfg.IntegrityMode != "strict" || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("bad defaults: %+v", cfg)
	}
}
