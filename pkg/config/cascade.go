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

// Package config implements the three-tier configuration cascade.
//
// For each configuration name, three YAML sources are deep-merged in
// order: system default, user override, project override. Maps merge per
// key with the later layer winning; lists of objects carrying an "id"
// field merge by id (later layers replace entries with the same id);
// lists without ids are replaced wholesale. Hook tables stay extensible
// by id and the merge stays deterministic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigDirName is the configuration directory under each tier's .ai root.
const ConfigDirName = "config"

// Cascade loads and merges configuration files across the three tiers.
// Merged results are cached lazily per name; the cache lives for the
// process (invalidated on restart).
type Cascade struct {
	// SystemDirs are system bundle config directories, lowest priority first
	SystemDirs []string

	// UserDir is the user-tier config directory
	UserDir string

	// ProjectDir is the project-tier config directory, highest priority
	ProjectDir string

	mu    sync.Mutex
	cache map[string]map[string]interface{}
}

// NewCascade creates a cascade over the given tier config directories.
func NewCascade(systemDirs []string, userDir, projectDir string) *Cascade {
	return &Cascade{
		SystemDirs: systemDirs,
		UserDir:    userDir,
		ProjectDir: projectDir,
		cache:      make(map[string]map[string]interface{}),
	}
}

// Load returns the merged configuration map for name (without the .yaml
// extension). Missing files at any tier are skipped; if no tier has the
// file, an empty map is returned.
func (c *Cascade) Load(name string) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[name]; ok {
		return cached, nil
	}

	merged := make(map[string]interface{})
	var paths []string
	for _, dir := range c.SystemDirs {
		paths = append(paths, filepath.Join(dir, name+".yaml"))
	}
	if c.UserDir != "" {
		paths = append(paths, filepath.Join(c.UserDir, name+".yaml"))
	}
	if c.ProjectDir != "" {
		paths = append(paths, filepath.Join(c.ProjectDir, name+".yaml"))
	}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		var layer map[string]interface{}
		if err := yaml.Unmarshal(raw, &layer); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		merged = DeepMerge(merged, layer)
	}

	c.cache[name] = merged
	return merged, nil
}

// Decode loads the merged configuration for name and unmarshals it into
// out via a YAML round trip, so typed config structs reuse yaml tags.
func (c *Cascade) Decode(name string, out interface{}) error {
	merged, err := c.Load(name)
	if err != nil {
		return err
	}
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to re-marshal config %s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	return nil
}

// Invalidate drops the cached merge for name, or all names when empty.
func (c *Cascade) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		c.cache = make(map[string]map[string]interface{})
		return
	}
	delete(c.cache, name)
}

// DeepMerge merges overlay into base, returning a new map. Base and
// overlay are not modified.
func DeepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		switch typedOv := ov.(type) {
		case map[string]interface{}:
			if typedBv, ok := bv.(map[string]interface{}); ok {
				out[k] = DeepMerge(typedBv, typedOv)
				continue
			}
			out[k] = ov
		case []interface{}:
			if typedBv, ok := bv.([]interface{}); ok {
				out[k] = mergeLists(typedBv, typedOv)
				continue
			}
			out[k] = ov
		default:
			out[k] = ov
		}
	}
	return out
}

// mergeLists merges two lists. Lists of objects carrying an "id" field
// merge by id: overlay entries replace base entries with the same id and
// new ids append in overlay order. Any other list shape is replaced
// wholesale by the overlay.
func mergeLists(base, overlay []interface{}) []interface{} {
	baseIDs := listIDs(base)
	overlayIDs := listIDs(overlay)
	if baseIDs == nil || overlayIDs == nil {
		return overlay
	}

	out := make([]interface{}, 0, len(base)+len(overlay))
	replaced := make(map[string]interface{}, len(overlay))
	for i, id := range overlayIDs {
		replaced[id] = overlay[i]
	}
	seen := make(map[string]bool, len(base))
	for i, id := range baseIDs {
		seen[id] = true
		if ov, ok := replaced[id]; ok {
			out = append(out, ov)
		} else {
			out = append(out, base[i])
		}
	}
	for i, id := range overlayIDs {
		if !seen[id] {
			out = append(out, overlay[i])
		}
	}
	return out
}

// listIDs returns the "id" of every entry if all entries are objects with
// a string id, else nil.
func listIDs(list []interface{}) []string {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil
		}
		id, ok := obj["id"].(string)
		if !ok || id == "" {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}
