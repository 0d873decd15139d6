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
	"time"

	"github.com/google/uuid"
)

// Token is an immutable bundle of capabilities minted for one thread.
// Attenuation produces a new token; tokens are never mutated after mint
// (copy-on-attenuate).
type Token struct {
	// Caps is the effective capability set, flat canonical form
	Caps []string `json:"caps"`

	// Aud is the audience the token is scoped to
	Aud string `json:"aud"`

	// Exp is the expiry instant
	Exp time.Time `json:"exp"`

	// DirectiveID is the directive the token was minted for
	DirectiveID string `json:"directive_id"`

	// ThreadID is the thread that holds the token
	ThreadID string `json:"thread_id"`

	// TokenID uniquely identifies this token
	TokenID string `json:"token_id"`

	// ParentID is the source token id for attenuated tokens
	ParentID string `json:"parent_id,omitempty"`
}

// Mint creates a root token holding caps as-is. Root tokens (no parent)
// take declared permissions verbatim; risk classification in the harness
// still applies.
func Mint(caps []string, aud, directiveID, threadID string, ttl time.Duration) *Token {
	return &Token{
		Caps:        append([]string(nil), caps...),
		Aud:         aud,
		Exp:         time.Now().Add(ttl),
		DirectiveID: directiveID,
		ThreadID:    threadID,
		TokenID:     uuid.NewString(),
	}
}

// Attenuate returns a child token holding the intersection of childCaps
// with expand(parent.Caps): a declared cap dominated by a parent cap is
// kept as declared; a declared cap that dominates a parent cap is clamped
// down to that parent cap. The result is never a superset of the parent
// in effect.
func Attenuate(parent *Token, childCaps []string, directiveID, threadID string) *Token {
	expanded := Expand(parent.Caps)
	seen := make(map[string]bool)
	var granted []string
	add := func(cap string) {
		if !seen[cap] {
			seen[cap] = true
			granted = append(granted, cap)
		}
	}
	for _, declared := range childCaps {
		for _, parentCap := range expanded {
			if Match(parentCap, declared) {
				add(declared)
			} else if Match(declared, parentCap) {
				add(parentCap)
			}
		}
	}
	return &Token{
		Caps:        granted,
		Aud:         parent.Aud,
		Exp:         parent.Exp,
		DirectiveID: directiveID,
		ThreadID:    threadID,
		TokenID:     uuid.NewString(),
		ParentID:    parent.TokenID,
	}
}

// Expired reports whether the token has passed its expiry.
func (t *Token) Expired() bool {
	return !t.Exp.IsZero() && time.Now().After(t.Exp)
}
