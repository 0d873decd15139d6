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

package signing

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the bundle manifest file name.
const ManifestFileName = "manifest.yaml"

// Manifest describes a signed bundle: every covered file's SHA-256,
// with the manifest itself carrying a signature header.
type Manifest struct {
	Name    string          `yaml:"name"`
	Version string          `yaml:"version"`
	Files   []ManifestEntry `yaml:"files"`
}

// ManifestEntry records one file covered by the bundle.
type ManifestEntry struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// LoadManifest reads and verifies a bundle manifest, then checks every
// covered file's hash against the manifest. Returns the parsed manifest.
func LoadManifest(bundleDir string, trust *TrustStore) (*Manifest, error) {
	path := filepath.Join(bundleDir, ManifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle manifest: %w", err)
	}
	if _, err := VerifyFileContent(raw, trust); err != nil {
		if ie, ok := err.(*IntegrityError); ok {
			ie.Path = path
		}
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(StripHeader(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to parse bundle manifest %s: %w", path, err)
	}
	for _, entry := range m.Files {
		fileRaw, err := os.ReadFile(filepath.Join(bundleDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("bundle file %s unreadable: %v", entry.Path, err)}
		}
		if HashContent(fileRaw) != entry.SHA256 {
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("bundle file %s hash mismatch", entry.Path)}
		}
	}
	return &m, nil
}

// WriteManifest hashes the listed files under bundleDir, signs the manifest
// and writes it to <bundleDir>/manifest.yaml.
func WriteManifest(bundleDir, name, version string, files []string, key *Key) (*Manifest, error) {
	m := &Manifest{Name: name, Version: version}
	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(bundleDir, filepath.FromSlash(f)))
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle file %s: %w", f, err)
		}
		m.Files = append(m.Files, ManifestEntry{Path: f, SHA256: HashContent(raw)})
	}
	body, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle manifest: %w", err)
	}
	signed := SignFileContent(body, PrefixForExtension(".yaml"), key)
	if err := os.WriteFile(filepath.Join(bundleDir, ManifestFileName), signed, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write bundle manifest: %w", err)
	}
	return m, nil
}
