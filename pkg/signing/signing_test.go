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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestKey(t *testing.T) (*Key, *TrustStore) {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	trust := NewTrustStore()
	trust.Add(key.Public)
	return key, trust
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, trust := newTestKey(t)
	content := []byte("# Directive\n\nDo the thing.\n")

	header := Sign(content, "#", key)
	hash, err := Verify(header, content, trust)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if hash != HashContent(content) {
		t.Errorf("Expected hash %s, got %s", HashContent(content), hash)
	}
}

func TestSignFileContent_ReplacesHeader(t *testing.T) {
	key, trust := newTestKey(t)
	body := []byte("body line 1\nbody line 2\n")

	once := SignFileContent(body, "#", key)
	twice := SignFileContent(once, "#", key)

	// Body hash is unchanged across re-signing.
	h1, err := VerifyFileContent(once, trust)
	if err != nil {
		t.Fatalf("verify first signing: %v", err)
	}
	h2, err := VerifyFileContent(twice, trust)
	if err != nil {
		t.Fatalf("verify second signing: %v", err)
	}
	if h1 != h2 {
		t.Errorf("body hash changed on re-sign: %s vs %s", h1, h2)
	}
	if got := strings.Count(string(twice), Marker); got != 1 {
		t.Errorf("expected exactly one header line, found %d", got)
	}
}

func TestVerify_TamperedContent(t *testing.T) {
	key, trust := newTestKey(t)
	signed := SignFileContent([]byte("original\n"), "#", key)
	tampered := append([]byte{}, signed...)
	tampered = append(tampered, []byte("injected\n")...)

	_, err := VerifyFileContent(tampered, trust)
	if err == nil {
		t.Fatal("expected integrity error for tampered content")
	}
	if _, ok := err.(*IntegrityError); !ok {
		t.Errorf("expected *IntegrityError, got %T", err)
	}
}

func TestVerify_UntrustedKey(t *testing.T) {
	key, _ := newTestKey(t)
	signed := SignFileContent([]byte("content\n"), "#", key)

	_, err := VerifyFileContent(signed, NewTrustStore())
	if err == nil {
		t.Fatal("expected integrity error for untrusted key")
	}
}

func TestParseHeader_MarkdownPrefix(t *testing.T) {
	key, trust := newTestKey(t)
	signed := SignFileContent([]byte("knowledge text\n"), "<!--", key)

	line := strings.SplitN(string(signed), "\n", 2)[0]
	if !strings.HasSuffix(line, "-->") {
		t.Errorf("markdown header should close the comment, got %q", line)
	}
	if _, err := VerifyFileContent(signed, trust); err != nil {
		t.Fatalf("verify markdown-signed content: %v", err)
	}
}

func TestKeySaveLoad(t *testing.T) {
	key, _ := newTestKey(t)
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	if err := SaveKey(key, path); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	loaded, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if loaded.Fingerprint() != key.Fingerprint() {
		t.Errorf("fingerprint mismatch after reload")
	}
}

func TestTrustStoreSaveLoad(t *testing.T) {
	key, trust := newTestKey(t)
	path := filepath.Join(t.TempDir(), "trust.yaml")

	if err := trust.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadTrustStore(path)
	if err != nil {
		t.Fatalf("LoadTrustStore: %v", err)
	}
	if _, ok := loaded.Lookup(key.Fingerprint()); !ok {
		t.Error("expected fingerprint in reloaded trust store")
	}
}

func TestLoadTrustStore_Missing(t *testing.T) {
	store, err := LoadTrustStore(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing trust store should yield empty store, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d keys", store.Len())
	}
}

func TestManifestRoundTrip(t *testing.T) {
	key, trust := newTestKey(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "tool.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteManifest(dir, "demo", "1.0.0", []string{"tool.py"}, key); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	m, err := LoadManifest(dir, trust)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Path != "tool.py" {
		t.Errorf("unexpected manifest files: %+v", m.Files)
	}

	// Tamper with a covered file.
	if err := os.WriteFile(filepath.Join(dir, "tool.py"), []byte("print('evil')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(dir, trust); err == nil {
		t.Error("expected integrity error after tampering with bundle file")
	}
}
