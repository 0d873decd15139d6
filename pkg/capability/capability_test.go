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

package capability

import (
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		granted  string
		required string
		want     bool
	}{
		{"exact", "rye.execute.tool.fs.read", "rye.execute.tool.fs.read", true},
		{"prefix dominates", "rye.execute", "rye.execute.tool.fs.read", true},
		{"wildcard segment", "rye.execute.tool.*.read", "rye.execute.tool.fs.read", true},
		{"trailing wildcard dominates suffix", "rye.execute.tool.fs.*", "rye.execute.tool.fs.read.deep", true},
		{"different primary", "rye.search.tool.fs.read", "rye.execute.tool.fs.read", false},
		{"narrower granted", "rye.execute.tool.fs.read", "rye.execute.tool", false},
		{"trailing wildcard vs shorter required", "rye.execute.tool.*", "rye.execute.tool", true},
		{"wildcard does not cross segments", "rye.*", "other.execute.tool", false},
		{"different item type", "rye.execute.tool.fs.*", "rye.execute.knowledge.fs.read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.granted, tt.required); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestExpand_Implications(t *testing.T) {
	got := Expand([]string{"rye.execute.tool.fs.read"})

	want := map[string]bool{
		"rye.execute.tool.fs.read": true,
		"rye.search.tool.fs.read":  true,
		"rye.load.tool.fs.read":    true,
	}
	if len(got) != len(want) {
		t.Fatalf("Expand returned %v, want %d caps", got, len(want))
	}
	for _, cap := range got {
		if !want[cap] {
			t.Errorf("unexpected expanded cap %q", cap)
		}
	}
}

func TestExpand_SignImpliesLoadOnly(t *testing.T) {
	got := Expand([]string{"rye.sign.knowledge.report"})
	if len(got) != 2 {
		t.Fatalf("Expand = %v, want 2 caps", got)
	}
	ok, missing := CheckAll([]string{"rye.sign.knowledge.report"}, []string{"rye.load.knowledge.report"})
	if !ok {
		t.Errorf("sign should imply load, missing %v", missing)
	}
	ok, _ = CheckAll([]string{"rye.sign.knowledge.report"}, []string{"rye.execute.knowledge.report"})
	if ok {
		t.Error("sign must not imply execute")
	}
}

func TestCheckAll_EmptyGrantedDeniesAll(t *testing.T) {
	ok, missing := CheckAll(nil, []string{"rye.load.knowledge.notes"})
	if ok {
		t.Fatal("empty capability set must deny everything")
	}
	if len(missing) != 1 || missing[0] != "rye.load.knowledge.notes" {
		t.Errorf("missing = %v", missing)
	}
}

func TestAttenuate_Intersection(t *testing.T) {
	parent := Mint([]string{"rye.execute.tool.fs.*"}, "kernel", "dir/parent", "t-parent", time.Hour)

	// Child declares broader than parent: clamped down to the parent cap.
	child := Attenuate(parent, []string{"rye.execute.*"}, "dir/child", "t-child")
	if len(child.Caps) != 1 || child.Caps[0] != "rye.execute.tool.fs.*" {
		t.Fatalf("child caps = %v, want [rye.execute.tool.fs.*]", child.Caps)
	}
	if child.ParentID != parent.TokenID {
		t.Error("attenuated token must link to its source token")
	}

	// Denied dispatch outside the intersection.
	ok, missing := CheckAll(child.Caps, []string{"rye.execute.tool.net.fetch"})
	if ok {
		t.Fatal("expected denial outside attenuated set")
	}
	if len(missing) != 1 || missing[0] != "rye.execute.tool.net.fetch" {
		t.Errorf("missing = %v", missing)
	}
}

func TestAttenuate_NoEscalation(t *testing.T) {
	parent := Mint([]string{"rye.load.knowledge.docs.*", "rye.execute.tool.fs.read"}, "kernel", "d", "t", time.Hour)
	child := Attenuate(parent, []string{
		"rye.load.knowledge.docs.intro",
		"rye.execute.tool.net.fetch",
		"rye.sign.knowledge.docs.intro",
	}, "d/c", "t/c")

	parentExpanded := Expand(parent.Caps)
	for _, cap := range Expand(child.Caps) {
		if !MatchAny(parentExpanded, cap) {
			t.Errorf("escalation: child cap %q not dominated by parent set", cap)
		}
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("rye.execute.tool.fs/read")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "rye.execute.tool.fs.read" {
		t.Errorf("Normalize = %q", got)
	}
	if _, err := Normalize("other.execute.tool.x"); err == nil {
		t.Error("expected error for foreign root")
	}
}

func TestIsSystem(t *testing.T) {
	if !IsSystem("rye.system.trust.rotate") {
		t.Error("expected system cap")
	}
	if IsSystem("rye.execute.tool.fs.read") {
		t.Error("unexpected system classification")
	}
}

func TestRequired(t *testing.T) {
	got := Required("execute", "tool", "fs/read")
	if got != "rye.execute.tool.fs.read" {
		t.Errorf("Required = %q", got)
	}
}
