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

// Package capability implements the dotted capability calculus used to
// authorize every tool dispatch.
//
// A capability is a dotted string of the form
// <root>.<primary>.<item_type>.<specifics> or any prefix of it, ordered
// from broad to narrow by dot count. "*" at any position is a wildcard.
// Matching is segment-aware, never plain glob, so "*.*" cannot
// accidentally dominate unrelated namespaces.
package capability

import (
	"fmt"
	"strings"
)

// Root is the capability root namespace.
const Root = "rye"

// SystemNamespace is the reserved namespace for kernel-internal
// capabilities; directives cannot mint these without explicit risk
// acknowledgment.
const SystemNamespace = Root + ".system"

// Wildcard matches any single segment, and as the final segment any
// remaining suffix.
const Wildcard = "*"

// Primary actions.
const (
	PrimaryExecute = "execute"
	PrimarySearch  = "search"
	PrimaryLoad    = "load"
	PrimarySign    = "sign"
)

// implications is the fixed primary-implication lattice:
// execute implies search and load; sign implies load.
var implications = map[string][]string{
	PrimaryExecute: {PrimarySearch, PrimaryLoad},
	PrimarySign:    {PrimaryLoad},
}

// Capability is a parsed capability string.
type Capability struct {
	// Segments are the dotted components, broad to narrow
	Segments []string
}

// Parse splits a dotted capability string into segments.
func Parse(cap string) (Capability, error) {
	cap = strings.TrimSpace(cap)
	if cap == "" {
		return Capability{}, fmt.Errorf("empty capability string")
	}
	segments := strings.Split(cap, ".")
	for i, seg := range segments {
		if seg == "" {
			return Capability{}, fmt.Errorf("capability %q has empty segment at position %d", cap, i)
		}
	}
	return Capability{Segments: segments}, nil
}

// String renders the capability back to dotted form.
func (c Capability) String() string {
	return strings.Join(c.Segments, ".")
}

// Primary returns the primary-action segment, or "" for a bare root cap.
func (c Capability) Primary() string {
	if len(c.Segments) < 2 {
		return ""
	}
	return c.Segments[1]
}

// Expand applies the primary-implication lattice element-wise: every cap
// whose primary implies other primaries contributes the same cap with the
// implied primary substituted. Expansion is a closure; it never widens
// item types or specifics beyond what the source cap grants.
func Expand(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	var out []string
	add := func(cap string) {
		if !seen[cap] {
			seen[cap] = true
			out = append(out, cap)
		}
	}
	for _, raw := range caps {
		parsed, err := Parse(raw)
		if err != nil {
			continue
		}
		add(parsed.String())
		primary := parsed.Primary()
		for _, implied := range implications[primary] {
			derived := make([]string, len(parsed.Segments))
			copy(derived, parsed.Segments)
			derived[1] = implied
			add(strings.Join(derived, "."))
		}
	}
	return out
}

// Match reports whether the granted capability (possibly wildcarded)
// dominates the required capability segment-for-segment. A granted cap
// that is a strict prefix of the required cap dominates it.
func Match(granted, required string) bool {
	g, err := Parse(granted)
	if err != nil {
		return false
	}
	r, err := Parse(required)
	if err != nil {
		return false
	}
	for i, seg := range g.Segments {
		if i >= len(r.Segments) {
			// Granted is narrower than required: a trailing wildcard
			// still dominates the exhausted position, anything else
			// does not.
			return seg == Wildcard && i == len(g.Segments)-1
		}
		if seg == Wildcard {
			continue
		}
		if seg != r.Segments[i] {
			return false
		}
	}
	return true
}

// MatchAny reports whether any granted cap dominates required.
func MatchAny(granted []string, required string) bool {
	for _, g := range granted {
		if Match(g, required) {
			return true
		}
	}
	return false
}

// CheckAll reports whether every required cap matches some cap in
// expand(granted). The second return value lists the missing caps.
// An empty granted set denies everything (fail-closed).
func CheckAll(granted, required []string) (bool, []string) {
	expanded := Expand(granted)
	var missing []string
	for _, req := range required {
		if !MatchAny(expanded, req) {
			missing = append(missing, req)
		}
	}
	return len(missing) == 0, missing
}

// IsSystem reports whether cap falls under the reserved system namespace.
func IsSystem(cap string) bool {
	return cap == SystemNamespace || strings.HasPrefix(cap, SystemNamespace+".")
}

// Required composes the canonical required capability for a dispatch of
// primary on (itemType, itemID). Path-form item ids use "/" which maps to
// dotted specifics.
func Required(primary, itemType, itemID string) string {
	specifics := strings.ReplaceAll(itemID, "/", ".")
	return strings.Join([]string{Root, primary, itemType, specifics}, ".")
}

// Normalize canonicalizes a declared permission to flat dotted form.
// Accepts either flat form ("rye.execute.tool.fs.read") or path-ish
// specifics ("rye.execute.tool.fs/read").
func Normalize(cap string) (string, error) {
	cap = strings.ReplaceAll(strings.TrimSpace(cap), "/", ".")
	parsed, err := Parse(cap)
	if err != nil {
		return "", err
	}
	if parsed.Segments[0] != Root && parsed.Segments[0] != Wildcard {
		return "", fmt.Errorf("capability %q must be rooted at %q", cap, Root)
	}
	return parsed.String(), nil
}

// PermissionDeniedError reports a failed capability check with the list
// of required caps no granted cap dominated.
type PermissionDeniedError struct {
	Missing []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: missing capabilities %v", e.Missing)
}
