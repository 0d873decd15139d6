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

package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teradata-labs/rye/pkg/artifact"
)

// TierRef binds a model tier name to a provider and model id.
type TierRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ModelsConfig is the cascaded tier table (config/models.yaml).
type ModelsConfig struct {
	Tiers map[string]TierRef `yaml:"tiers"`
	// Default tier used when a directive names none.
	Default string `yaml:"default"`
}

// SchemaLoader loads verified provider schema artifacts; satisfied by
// *artifact.Store.
type SchemaLoader interface {
	LoadVerified(itemType, id string) (*artifact.Artifact, error)
}

// Resolver turns a directive's model declaration into a bound client.
type Resolver struct {
	store  SchemaLoader
	models ModelsConfig
	// EnvDirs are searched for .env credential files, lowest priority
	// first (user dir then project dir).
	EnvDirs []string
}

// NewResolver builds a resolver over the artifact store and the
// cascaded tier table.
func NewResolver(store SchemaLoader, models ModelsConfig, envDirs []string) *Resolver {
	return &Resolver{store: store, models: models, EnvDirs: envDirs}
}

// Resolve maps (tier-or-model, provider hint) to a ready client.
// An explicit model id with a provider hint bypasses the tier table.
func (r *Resolver) Resolve(modelOrTier, providerHint string) (*Client, error) {
	providerName := providerHint
	model := modelOrTier

	if modelOrTier == "" {
		modelOrTier = r.models.Default
	}
	if ref, ok := r.models.Tiers[modelOrTier]; ok {
		providerName = ref.Provider
		model = ref.Model
	} else if providerHint == "" {
		return nil, fmt.Errorf("model %q is neither a known tier nor paired with a provider hint", modelOrTier)
	}

	schemaArt, err := r.store.LoadVerified("config", "providers/"+providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider schema %s: %w", providerName, err)
	}
	schema, err := ParseSchema(schemaArt.Content)
	if err != nil {
		return nil, err
	}

	apiKey := ""
	if schema.APIKeyEnv != "" {
		apiKey = r.lookupCredential(schema.APIKeyEnv)
	}
	return NewClient(schema, model, apiKey)
}

// lookupCredential resolves a credential variable through the layered
// .env cascade, later dirs overriding earlier, with the process
// environment taking final precedence.
func (r *Resolver) lookupCredential(name string) string {
	value := ""
	for _, dir := range r.EnvDirs {
		env := parseEnvFile(filepath.Join(dir, ".env"))
		if v, ok := env[name]; ok {
			value = v
		}
	}
	if v := os.Getenv(name); v != "" {
		value = v
	}
	return value
}

func parseEnvFile(path string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = strings.Trim(val, `"'`)
		out[key] = val
	}
	return out
}
