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

// Package directive parses and composes directives: user-authored
// Markdown units of work with an XML metadata block declaring model,
// limits, permissions, risk acknowledgments, hooks, context and
// outputs.
package directive

import (
	"fmt"

	"github.com/teradata-labs/rye/pkg/hooks"
)

// Limit codes a directive may bound.
const (
	LimitTurns    = "turns"
	LimitTokens   = "tokens"
	LimitSpend    = "spend"
	LimitSpawns   = "spawns"
	LimitDepth    = "depth"
	LimitDuration = "duration_seconds"
)

// KnownLimits lists every recognized limit code.
var KnownLimits = []string{LimitTurns, LimitTokens, LimitSpend, LimitSpawns, LimitDepth, LimitDuration}

// Model selects the model a directive runs on: a tier name or an
// explicit id, with an optional provider hint.
type Model struct {
	ID       string
	Tier     string
	Provider string
}

// Risk is an explicit acknowledgment of a classified risk.
type Risk struct {
	Name   string
	Reason string
}

// Context maps prompt positions to knowledge ids, plus the hook
// suppression list.
type Context struct {
	System   []string
	Before   []string
	After    []string
	Suppress []string
}

// Output declares one field of a directive's structured return.
type Output struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Directive is a parsed unit of work.
type Directive struct {
	ID          string
	Version     string
	Extends     string
	Description string
	Body        string

	Model             Model
	Limits            map[string]float64
	Permissions       []string
	AcknowledgedRisks []Risk
	Hooks             []hooks.Hook
	Context           Context
	Outputs           []Output

	// ContinuationPrompt overrides the system default appended after a
	// context handoff.
	ContinuationPrompt string
}

// ValidationError reports a structurally invalid directive.
type ValidationError struct {
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("directive %s invalid: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("directive invalid: %s", e.Reason)
}

// NotFoundError reports a missing directive.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("directive %s not found", e.ID)
}

// RequiredOutputs returns the names of required output fields.
func (d *Directive) RequiredOutputs() []string {
	var required []string
	for _, o := range d.Outputs {
		if o.Required {
			required = append(required, o.Name)
		}
	}
	return required
}

// ClampLimits resolves a child's limits against its parent thread's:
// every shared numeric limit is capped at the parent's value, missing
// child limits inherit the parent's, and depth always decrements.
func ClampLimits(child, parent map[string]float64) map[string]float64 {
	resolved := make(map[string]float64, len(parent))
	for code, parentVal := range parent {
		if code == LimitDepth {
			continue
		}
		childVal, ok := child[code]
		if !ok || childVal > parentVal {
			resolved[code] = parentVal
		} else {
			resolved[code] = childVal
		}
	}
	for code, childVal := range child {
		if code == LimitDepth {
			continue
		}
		if _, ok := resolved[code]; !ok {
			resolved[code] = childVal
		}
	}
	if parentDepth, ok := parent[LimitDepth]; ok {
		depth := parentDepth - 1
		if depth < 0 {
			depth = 0
		}
		resolved[LimitDepth] = depth
	} else if childDepth, ok := child[LimitDepth]; ok {
		resolved[LimitDepth] = childDepth
	}
	return resolved
}
