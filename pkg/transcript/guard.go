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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/teradata-labs/rye/pkg/signing"
)

const guardPreviewBytes = 1024

// Guard keeps oversized tool results out of the model context. Results
// over the byte budget are written to an artifact file and replaced with
// a reference plus a preview; identical payloads reuse the same
// artifact. The budget tightens as the context window fills.
type Guard struct {
	// ByteBudget is the baseline size above which results are spilled.
	ByteBudget int

	// ArtifactDir is where spilled results are stored.
	ArtifactDir string

	mu   sync.Mutex
	seen map[string]string // content hash -> artifact path
}

// NewGuard returns a guard with the given baseline budget.
func NewGuard(byteBudget int, artifactDir string) *Guard {
	return &Guard{
		ByteBudget:  byteBudget,
		ArtifactDir: artifactDir,
		seen:        make(map[string]string),
	}
}

// EffectiveBudget returns the byte budget after tightening for context
// pressure. contextRatio is used/window in [0,1].
func (g *Guard) EffectiveBudget(contextRatio float64) int {
	budget := g.ByteBudget
	switch {
	case contextRatio >= 0.9:
		budget /= 4
	case contextRatio >= 0.75:
		budget /= 2
	}
	if budget < 1024 {
		budget = 1024
	}
	return budget
}

// Apply returns the result unchanged when it fits the effective budget,
// otherwise spills it to an artifact and returns a reference string.
func (g *Guard) Apply(result string, contextRatio float64) (string, error) {
	budget := g.EffectiveBudget(contextRatio)
	if len(result) <= budget {
		return result, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	contentHash := signing.HashContent([]byte(result))
	path, ok := g.seen[contentHash]
	if !ok {
		if err := os.MkdirAll(g.ArtifactDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create artifact directory: %w", err)
		}
		path = filepath.Join(g.ArtifactDir, contentHash[:16]+".txt")
		if err := os.WriteFile(path, []byte(result), 0o644); err != nil {
			return "", fmt.Errorf("failed to spill tool result: %w", err)
		}
		g.seen[contentHash] = path
	}

	preview := result
	if len(preview) > guardPreviewBytes {
		preview = preview[:guardPreviewBytes]
	}
	return fmt.Sprintf("[tool result: %d bytes, stored at %s, sha256 %s]\n--- preview (first %d bytes) ---\n%s",
		len(result), path, contentHash[:16], len(preview), preview), nil
}
