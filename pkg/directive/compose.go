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

package directive

import (
	"fmt"

	"github.com/teradata-labs/rye/pkg/artifact"
	"github.com/teradata-labs/rye/pkg/hooks"
)

// Loader resolves and verifies artifacts by (type, id). Satisfied by
// *artifact.Store.
type Loader interface {
	LoadVerified(itemType, id string) (*artifact.Artifact, error)
}

// Load resolves, verifies, parses and composes the directive with the
// given id, walking its extends chain.
func Load(store Loader, id string) (*Directive, error) {
	return loadChain(store, id, map[string]bool{})
}

func loadChain(store Loader, id string, visiting map[string]bool) (*Directive, error) {
	if visiting[id] {
		return nil, &ValidationError{ID: id, Reason: "extends chain contains a cycle"}
	}
	visiting[id] = true

	art, err := store.LoadVerified("directive", id)
	if err != nil {
		if _, ok := err.(*artifact.NotFoundError); ok {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	d, err := Parse(art.Content, id)
	if err != nil {
		return nil, err
	}
	if d.Extends == "" {
		return d, nil
	}

	base, err := loadChain(store, d.Extends, visiting)
	if err != nil {
		return nil, fmt.Errorf("failed to load base directive for %s: %w", id, err)
	}
	return Compose(base, d), nil
}

// Compose overlays a child directive on its base. Scalars: child wins
// when set. Permissions: union with duplicates removed. Limits: child
// entries override per code. Hooks: replaced by id, new ids appended.
// Context lists: base then child. Outputs: child replaces wholesale
// when declared.
func Compose(base, child *Directive) *Directive {
	out := *child

	if out.Version == "" {
		out.Version = base.Version
	}
	if out.Description == "" {
		out.Description = base.Description
	}
	if out.Body == "" {
		out.Body = base.Body
	}
	if out.Model.ID == "" && out.Model.Tier == "" {
		out.Model = base.Model
	}
	if out.ContinuationPrompt == "" {
		out.ContinuationPrompt = base.ContinuationPrompt
	}

	limits := make(map[string]float64, len(base.Limits)+len(child.Limits))
	for k, v := range base.Limits {
		limits[k] = v
	}
	for k, v := range child.Limits {
		limits[k] = v
	}
	out.Limits = limits

	out.Permissions = unionStrings(base.Permissions, child.Permissions)
	out.AcknowledgedRisks = unionRisks(base.AcknowledgedRisks, child.AcknowledgedRisks)
	out.Hooks = mergeHooks(base.Hooks, child.Hooks)

	out.Context = Context{
		System:   append(append([]string{}, base.Context.System...), child.Context.System...),
		Before:   append(append([]string{}, base.Context.Before...), child.Context.Before...),
		After:    append(append([]string{}, base.Context.After...), child.Context.After...),
		Suppress: unionStrings(base.Context.Suppress, child.Context.Suppress),
	}

	if len(out.Outputs) == 0 {
		out.Outputs = base.Outputs
	}
	return &out
}

func unionStrings(base, overlay []string) []string {
	seen := make(map[string]bool, len(base)+len(overlay))
	var out []string
	for _, s := range append(append([]string{}, base...), overlay...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionRisks(base, overlay []Risk) []Risk {
	seen := make(map[string]bool, len(base)+len(overlay))
	var out []Risk
	for _, r := range append(append([]Risk{}, base...), overlay...) {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r)
		}
	}
	return out
}

func mergeHooks(base, overlay []hooks.Hook) []hooks.Hook {
	var out []hooks.Hook
	replaced := make(map[string]hooks.Hook, len(overlay))
	for _, h := range overlay {
		replaced[h.ID] = h
	}
	used := make(map[string]bool, len(overlay))
	for _, h := range base {
		if r, ok := replaced[h.ID]; ok {
			out = append(out, r)
			used[h.ID] = true
		} else {
			out = append(out, h)
		}
	}
	for _, h := range overlay {
		if !used[h.ID] {
			out = append(out, h)
		}
	}
	return out
}
