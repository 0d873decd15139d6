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

// Package artifact resolves artifact ids to signed files through the
// three-tier filesystem: project, then user, then each system bundle.
// Shadowing is explicit: a higher-priority file wins without warning.
// Every load used for execution verifies the artifact's signature header.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/signing"
)

// AIDirName is the artifact root directory under each tier.
const AIDirName = ".ai"

// Tier identifies where an artifact was resolved from.
type Tier string

const (
	TierProject Tier = "project"
	TierUser    Tier = "user"
	TierSystem  Tier = "system"
)

// typeInfo is the data-driven lookup table for item types: directory
// name and candidate extensions in priority order.
var typeInfo = map[string]struct {
	dir  string
	exts []string
}{
	"directive": {"directives", []string{".md"}},
	"tool":      {"tools", []string{".py", ".yaml", ".sh"}},
	"knowledge": {"knowledge", []string{".md"}},
	"config":    {"config", []string{".yaml"}},
	"bundle":    {"bundles", nil},
}

// NotFoundError reports that no tier holds the requested artifact.
type NotFoundError struct {
	ItemType string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in any tier", e.ItemType, e.ID)
}

// Resolved describes a successful tier lookup.
type Resolved struct {
	ItemType string
	ID       string
	Path     string
	Tier     Tier
}

// Artifact is a verified, loaded artifact. Content is the body with the
// signature header stripped; Hash is the verified content hash.
// Loaded artifacts are copy-on-read: the store never mutates them.
type Artifact struct {
	Resolved
	Content []byte
	Hash    string
}

// cacheEntry caches a verification result keyed by path identity.
type cacheEntry struct {
	modTime int64
	size    int64
	hash    string
	content []byte
}

// Store performs tiered resolution and verified loading.
type Store struct {
	// ProjectRoot, UserRoot and SystemRoots are tier roots; each tier's
	// artifacts live under <root>/.ai/<type_dir>/.
	ProjectRoot string
	UserRoot    string
	SystemRoots []string

	// Trust verifies signature headers on load.
	Trust *signing.TrustStore

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	watcher *fsnotify.Watcher
}

// NewStore creates a store over the given tier roots.
func NewStore(projectRoot, userRoot string, systemRoots []string, trust *signing.TrustStore) *Store {
	return &Store{
		ProjectRoot: projectRoot,
		UserRoot:    userRoot,
		SystemRoots: systemRoots,
		Trust:       trust,
		cache:       make(map[string]*cacheEntry),
	}
}

// TierAllowed reports whether an artifact resolved from consumer may pull
// a dependency resolved from dep. System artifacts may only depend on
// system; user on user or system; project on any tier.
func TierAllowed(consumer, dep Tier) bool {
	switch consumer {
	case TierSystem:
		return dep == TierSystem
	case TierUser:
		return dep == TierUser || dep == TierSystem
	case TierProject:
		return true
	}
	return false
}

// Resolve locates an artifact id through the tiers in strict order:
// project, user, then each system bundle.
func (s *Store) Resolve(itemType, id string) (*Resolved, error) {
	info, ok := typeInfo[itemType]
	if !ok {
		return nil, fmt.Errorf("unknown item type %q", itemType)
	}
	type tierRoot struct {
		root string
		tier Tier
	}
	var roots []tierRoot
	if s.ProjectRoot != "" {
		roots = append(roots, tierRoot{s.ProjectRoot, TierProject})
	}
	if s.UserRoot != "" {
		roots = append(roots, tierRoot{s.UserRoot, TierUser})
	}
	for _, sys := range s.SystemRoots {
		roots = append(roots, tierRoot{sys, TierSystem})
	}

	rel := filepath.FromSlash(id)
	for _, tr := range roots {
		for _, ext := range info.exts {
			path := filepath.Join(tr.root, AIDirName, info.dir, rel+ext)
			if fileExists(path) {
				return &Resolved{ItemType: itemType, ID: id, Path: path, Tier: tr.tier}, nil
			}
		}
		if info.exts == nil { // bundles resolve to a directory
			path := filepath.Join(tr.root, AIDirName, info.dir, rel)
			if dirExists(path) {
				return &Resolved{ItemType: itemType, ID: id, Path: path, Tier: tr.tier}, nil
			}
		}
	}
	return nil, &NotFoundError{ItemType: itemType, ID: id}
}

// LoadVerified resolves, reads and verifies an artifact. Verification is
// cached by path identity (mtime+size); a changed file re-verifies.
func (s *Store) LoadVerified(itemType, id string) (*Artifact, error) {
	resolved, err := s.Resolve(itemType, id)
	if err != nil {
		return nil, err
	}
	return s.loadVerifiedPath(resolved)
}

func (s *Store) loadVerifiedPath(resolved *Resolved) (*Artifact, error) {
	info, err := os.Stat(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact %s: %w", resolved.Path, err)
	}

	s.mu.Lock()
	entry, ok := s.cache[resolved.Path]
	s.mu.Unlock()
	if ok && entry.modTime == info.ModTime().UnixNano() && entry.size == info.Size() {
		return &Artifact{Resolved: *resolved, Content: entry.content, Hash: entry.hash}, nil
	}

	raw, err := os.ReadFile(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", resolved.Path, err)
	}
	hash, err := signing.VerifyFileContent(raw, s.Trust)
	if err != nil {
		if ie, ok := err.(*signing.IntegrityError); ok {
			ie.Path = resolved.Path
		}
		return nil, err
	}
	body := signing.StripHeader(raw)

	s.mu.Lock()
	s.cache[resolved.Path] = &cacheEntry{
		modTime: info.ModTime().UnixNano(),
		size:    info.Size(),
		hash:    hash,
		content: body,
	}
	s.mu.Unlock()

	return &Artifact{Resolved: *resolved, Content: body, Hash: hash}, nil
}

// Watch starts fsnotify-based cache invalidation over each tier's .ai
// directory. Best-effort: a tier without the directory is skipped.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create artifact watcher: %w", err)
	}
	s.watcher = watcher

	roots := append([]string{}, s.SystemRoots...)
	if s.UserRoot != "" {
		roots = append(roots, s.UserRoot)
	}
	if s.ProjectRoot != "" {
		roots = append(roots, s.ProjectRoot)
	}
	for _, root := range roots {
		aiDir := filepath.Join(root, AIDirName)
		_ = filepath.WalkDir(aiDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				_ = watcher.Add(path)
			}
			return nil
		})
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
					s.mu.Lock()
					delete(s.cache, ev.Name)
					s.mu.Unlock()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("artifact watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watcher, if started.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// InvalidatePath drops the cached verification for a path.
func (s *Store) InvalidatePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, path)
}

// TypeDir returns the directory name for an item type ("" if unknown).
func TypeDir(itemType string) string {
	return typeInfo[itemType].dir
}

// IsInternalToolPath reports whether a tool id falls under the kernel's
// internal sub-tool namespace, which bypasses capability checks.
func IsInternalToolPath(id string) bool {
	return strings.HasPrefix(id, "rye/agent/threads/internal/")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
