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
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/artifact"
	"github.com/teradata-labs/rye/pkg/budget"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/dispatch"
	"github.com/teradata-labs/rye/pkg/entry"
	"github.com/teradata-labs/rye/pkg/orchestrator"
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/registry"
	"github.com/teradata-labs/rye/pkg/signing"
	"github.com/teradata-labs/rye/pkg/types"
)

// kernel bundles the wired subsystems behind one open/close pair.
type kernel struct {
	Service      *entry.Service
	Registry     *registry.Registry
	Ledger       *budget.Ledger
	Orchestrator *orchestrator.Orchestrator
	Store        *artifact.Store
	Trust        *signing.TrustStore
	Project      string
	Home         string
}

func keyPath(home string) string {
	return filepath.Join(home, ".ai", "keys", "rye.key")
}

func trustPath(home string) string {
	return filepath.Join(home, ".ai", "keys", "trust.yaml")
}

// openKernel assembles the full kernel for the project named by the
// --project flag. The signing key and trust store live in the user
// tier; everything thread-scoped lives under the project's .ai/.
func openKernel() (*kernel, error) {
	project, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	key, err := signing.LoadKey(keyPath(home))
	if err != nil {
		return nil, fmt.Errorf("no signing key at %s (run 'rye keys init'): %w", keyPath(home), err)
	}
	trust, err := signing.LoadTrustStore(trustPath(home))
	if err != nil {
		return nil, err
	}

	store := artifact.NewStore(project, home, nil, trust)

	agentDir := filepath.Join(project, ".ai", "agent")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent directory: %w", err)
	}
	reg, err := registry.Open(filepath.Join(agentDir, "threads.db"))
	if err != nil {
		return nil, err
	}
	led, err := budget.Open(filepath.Join(agentDir, "budget.db"))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	cascade := config.NewCascade(nil,
		filepath.Join(home, ".ai", "config"),
		filepath.Join(project, ".ai", "config"))

	var models provider.ModelsConfig
	if err := cascade.Decode("models", &models); err != nil {
		log.Warn("failed to load models config", zap.Error(err))
	}
	resolver := provider.NewResolver(store, models, []string{home, project})

	orch := orchestrator.New(reg)

	svc := &entry.Service{
		Store:        store,
		Registry:     reg,
		Ledger:       led,
		Config:       cascade,
		Resolver:     resolver,
		Orchestrator: orch,
		SigningKey:   key,
		Trust:        trust,
		ThreadsDir:   filepath.Join(agentDir, "threads"),
		KnowledgeDir: filepath.Join(project, ".ai", "knowledge", "agent", "threads"),
		ProjectPath:  project,
		ToolSchemas:  primaryToolSchemas(),
	}
	svc.Tools = primaryTools(svc, store, key, project, home)
	svc.SpawnArgs = func(in *entry.Input, threadID string) []string {
		return []string{"thread", "exec", "--project", project, "--params", encodeSpawnParams(in)}
	}
	svc.SpawnEnv = func(in *entry.Input, threadID string) []string {
		env := []string{"HOME=" + home, "PATH=" + os.Getenv("PATH")}
		if v := os.Getenv("RYE_DEBUG"); v != "" {
			env = append(env, "RYE_DEBUG="+v)
		}
		return env
	}

	return &kernel{
		Service:      svc,
		Registry:     reg,
		Ledger:       led,
		Orchestrator: orch,
		Store:        store,
		Trust:        trust,
		Project:      project,
		Home:         home,
	}, nil
}

func (k *kernel) Close() {
	_ = k.Store.Close()
	_ = k.Ledger.Close()
	_ = k.Registry.Close()
}

// primaryTools binds the primary verbs. The kernel owns thread spawning
// and artifact access; tool execution runtimes (python, shell) register
// additional execute backends in deployments that carry them.
func primaryTools(svc *entry.Service, store *artifact.Store, key *signing.Key, project, home string) map[string]dispatch.Tool {
	return map[string]dispatch.Tool{
		dispatch.PrimaryExecute: dispatch.ToolFunc(func(ctx context.Context, action dispatch.Action, tc *dispatch.ThreadContext) (map[string]interface{}, error) {
			if action.ItemID == dispatch.ThreadDirectiveToolID {
				result, err := svc.Run(ctx, action.Params)
				if err != nil {
					return nil, err
				}
				return toMap(result)
			}
			return nil, fmt.Errorf("no execution backend for tool %s", action.ItemID)
		}),
		dispatch.PrimaryLoad: dispatch.ToolFunc(func(ctx context.Context, action dispatch.Action, tc *dispatch.ThreadContext) (map[string]interface{}, error) {
			art, err := store.LoadVerified(action.ItemType, action.ItemID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"content": string(art.Content),
				"hash":    art.Hash,
				"tier":    art.Tier,
			}, nil
		}),
		dispatch.PrimarySearch: dispatch.ToolFunc(func(ctx context.Context, action dispatch.Action, tc *dispatch.ThreadContext) (map[string]interface{}, error) {
			query, _ := action.Params["query"].(string)
			if query == "" {
				query = action.ItemID
			}
			matches := searchArtifacts([]string{project, home}, action.ItemType, query)
			return map[string]interface{}{"matches": matches}, nil
		}),
		dispatch.PrimarySign: dispatch.ToolFunc(func(ctx context.Context, action dispatch.Action, tc *dispatch.ThreadContext) (map[string]interface{}, error) {
			content, _ := action.Params["content"].(string)
			if content == "" {
				return nil, fmt.Errorf("sign requires a content parameter")
			}
			ext, _ := action.Params["extension"].(string)
			prefix := signing.PrefixForExtension(ext)
			signed := signing.SignFileContent([]byte(content), prefix, key)
			return map[string]interface{}{"signed": string(signed)}, nil
		}),
	}
}

// artifactDirs maps searchable item types to their tier subdirectories.
var artifactDirs = map[string]string{
	"directive": "directives",
	"tool":      "tools",
	"knowledge": "knowledge",
}

// searchArtifacts walks the given tier roots for artifact ids containing
// the query substring. Project matches shadow user matches by id.
func searchArtifacts(roots []string, itemType, query string) []string {
	dirs := artifactDirs
	if itemType != "" {
		if sub, ok := artifactDirs[itemType]; ok {
			dirs = map[string]string{itemType: sub}
		}
	}
	seen := make(map[string]bool)
	var matches []string
	for _, root := range roots {
		for _, sub := range dirs {
			base := filepath.Join(root, artifact.AIDirName, sub)
			_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				rel, relErr := filepath.Rel(base, path)
				if relErr != nil {
					return nil
				}
				id := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
				if seen[sub+"/"+id] || !strings.Contains(id, query) {
					return nil
				}
				seen[sub+"/"+id] = true
				matches = append(matches, sub+"/"+id)
				return nil
			})
		}
	}
	return matches
}

// primaryToolSchemas is the generic tool list offered to every model:
// one wrapper per primary verb plus the return sentinel.
func primaryToolSchemas() []types.ToolSchema {
	actionSchema := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"item_type": map[string]interface{}{"type": "string", "description": "Artifact type: tool, directive, knowledge, config or bundle"},
				"item_id":   map[string]interface{}{"type": "string", "description": desc},
				"params":    map[string]interface{}{"type": "object", "description": "Arguments passed to the resolved artifact"},
			},
			"required": []interface{}{"item_type", "item_id"},
		}
	}
	return []types.ToolSchema{
		{
			Name:        "rye_execute",
			Description: "Execute a resolved artifact: run a tool, or spawn a child thread via the thread_directive tool.",
			InputSchema: actionSchema("Id of the tool to run"),
		},
		{
			Name:        "rye_search",
			Description: "Search available artifacts by id substring.",
			InputSchema: actionSchema("Search query"),
		},
		{
			Name:        "rye_load",
			Description: "Load a signed artifact's verified content.",
			InputSchema: actionSchema("Id of the artifact to load"),
		},
		{
			Name:        "rye_sign",
			Description: "Sign content with the thread's signing key.",
			InputSchema: actionSchema("Unused; pass content in params"),
		},
		{
			Name:        "directive_return",
			Description: "Return final results and end the thread. Pass each declared output as a top-level key.",
			InputSchema: map[string]interface{}{"type": "object"},
		},
	}
}

// encodeSpawnParams serializes a validated input back to the entry
// operation's wire shape for the detached child.
func encodeSpawnParams(in *entry.Input) string {
	params := map[string]interface{}{"directive_id": in.DirectiveID}
	if len(in.Inputs) > 0 {
		params["inputs"] = in.Inputs
	}
	if in.Model != "" {
		params["model"] = in.Model
	}
	if len(in.LimitOverrides) > 0 {
		params["limit_overrides"] = in.LimitOverrides
	}
	if in.ParentThreadID != "" {
		params["parent_thread_id"] = in.ParentThreadID
	}
	if in.PreviousThreadID != "" {
		params["previous_thread_id"] = in.PreviousThreadID
	}
	if in.ResumeMessage != "" {
		params["resume_message"] = in.ResumeMessage
	}
	if in.Depth > 0 {
		params["depth"] = in.Depth
	}
	if len(in.ParentCapabilities) > 0 {
		params["parent_capabilities"] = in.ParentCapabilities
	}
	out, _ := json.Marshal(params)
	return string(out)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
