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

// Package hooks implements the declarative hook tables evaluated at
// named checkpoints in the thread runner: condition matching, template
// interpolation, layered dispatch, and suppression.
package hooks

import "fmt"

// Runner checkpoint events.
const (
	EventBuildSystemPrompt = "build_system_prompt"
	EventThreadStarted     = "thread_started"
	EventAfterStep         = "after_step"
	EventError             = "error"
	EventLimit             = "limit"
	EventDirectiveReturn   = "directive_return"
	EventAfterComplete     = "after_complete"
)

// Hook layers. Layers 0-2 are control: the first non-empty result wins
// and may redirect control flow. Layer 3 is infra/telemetry: every
// matching hook runs and results are ignored.
const (
	LayerControl0 = 0
	LayerControl1 = 1
	LayerControl2 = 2
	LayerInfra    = 3
)

// Hook positions for context-building events.
const (
	PositionBefore = "before"
	PositionAfter  = "after"
)

// Action is the dispatchable payload of a hook: a primary action on a
// resolved artifact, with interpolatable params.
type Action struct {
	Primary  string                 `yaml:"primary"`
	ItemType string                 `yaml:"item_type"`
	ItemID   string                 `yaml:"item_id"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
}

// Hook is one rule in a hook table.
type Hook struct {
	ID        string     `yaml:"id"`
	Event     string     `yaml:"event"`
	Layer     int        `yaml:"layer"`
	Position  string     `yaml:"position,omitempty"`
	Condition *Condition `yaml:"condition,omitempty"`
	Action    Action     `yaml:"action"`
}

// Table is a named hook list, the shape of the cascaded hooks.yaml.
type Table struct {
	Hooks []Hook `yaml:"hooks"`
}

// OverrideError reports a hook that returned empty output for an error
// event that carried a non-empty error, which would hide the failure.
type OverrideError struct {
	HookID string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("hook %s attempted to blank a non-empty error", e.HookID)
}

// Suppress returns hooks minus those whose id or action item_id exactly
// matches an entry in suppress. Basename matching is deliberately not
// supported.
func Suppress(table []Hook, suppress []string) []Hook {
	if len(suppress) == 0 {
		return table
	}
	drop := make(map[string]bool, len(suppress))
	for _, s := range suppress {
		drop[s] = true
	}
	var kept []Hook
	for _, h := range table {
		if drop[h.ID] || drop[h.Action.ItemID] {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}
