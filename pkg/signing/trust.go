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
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// TrustStore maps key fingerprints to Ed25519 public keys.
// Thread-safe: lookups and additions can race with each other.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// trustFile is the on-disk YAML shape of a trust store.
type trustFile struct {
	Keys map[string]string `yaml:"keys"` // fingerprint -> hex public key
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// LoadTrustStore reads a trust store YAML file mapping fingerprints to
// hex-encoded public keys. A missing file yields an empty store so a
// fresh install fails closed on verification rather than on startup.
func LoadTrustStore(path string) (*TrustStore, error) {
	store := NewTrustStore()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read trust store: %w", err)
	}
	var tf trustFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse trust store %s: %w", path, err)
	}
	for fp, hexPub := range tf.Keys {
		pub, err := hex.DecodeString(hexPub)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust store %s: bad public key for fingerprint %s", path, fp)
		}
		key := ed25519.PublicKey(pub)
		if Fingerprint(key) != fp {
			return nil, fmt.Errorf("trust store %s: fingerprint %s does not match key", path, fp)
		}
		store.Add(key)
	}
	return store, nil
}

// Save writes the trust store to path as YAML.
func (t *TrustStore) Save(path string) error {
	t.mu.RLock()
	tf := trustFile{Keys: make(map[string]string, len(t.keys))}
	for fp, pub := range t.keys {
		tf.Keys[fp] = hex.EncodeToString(pub)
	}
	t.mu.RUnlock()

	raw, err := yaml.Marshal(&tf)
	if err != nil {
		return fmt.Errorf("failed to marshal trust store: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write trust store: %w", err)
	}
	return nil
}

// Add registers a public key under its fingerprint.
func (t *TrustStore) Add(pub ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[Fingerprint(pub)] = pub
}

// Lookup returns the public key for a fingerprint.
func (t *TrustStore) Lookup(fingerprint string) (ed25519.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pub, ok := t.keys[fingerprint]
	return pub, ok
}

// Len returns the number of trusted keys.
func (t *TrustStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

// Fingerprints returns the sorted fingerprints of all trusted keys.
func (t *TrustStore) Fingerprints() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.keys))
	for fp := range t.keys {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}
