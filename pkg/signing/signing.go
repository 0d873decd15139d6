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

// Package signing implements the detached signature header used on every
// artifact the kernel loads for execution: directives, tools, knowledge,
// configs, bundle manifests and transcript checkpoints.
//
// The header occupies line 1 of a signed file:
//
//	<prefix> rye:signed:<ISO8601>:<hex_sha256_of_body>:<base64_ed25519_sig>:<hex_fingerprint>
//
// where <prefix> is the file's comment syntax. The hash covers everything
// after the header line; the signature covers "<timestamp>:<hash>" so a
// replayed header cannot be moved onto different content.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Marker identifies a signature header line.
const Marker = "rye:signed:"

// commentPrefixes maps file extensions to their comment syntax.
// Data-driven so new artifact types only need a table entry.
var commentPrefixes = map[string]string{
	".md":   "<!--",
	".py":   "#",
	".yaml": "#",
	".yml":  "#",
	".sh":   "#",
	".go":   "//",
	".js":   "//",
	".json": "//",
}

// PrefixForExtension returns the comment prefix for a file extension.
// Unknown extensions default to "#".
func PrefixForExtension(ext string) string {
	if p, ok := commentPrefixes[strings.ToLower(ext)]; ok {
		return p
	}
	return "#"
}

// Header is a parsed signature header.
type Header struct {
	// Prefix is the comment syntax the header was written with
	Prefix string

	// Timestamp is when the content was signed
	Timestamp time.Time

	// ContentSHA256 is the hex-encoded hash of the body
	ContentSHA256 string

	// Signature is the raw Ed25519 signature over "<timestamp>:<hash>"
	Signature []byte

	// Fingerprint identifies the signing key in the trust store
	Fingerprint string
}

// String renders the header as a single line, without trailing newline.
// Markdown-style prefixes get a matching close token.
func (h *Header) String() string {
	line := fmt.Sprintf("%s %s%s:%s:%s:%s",
		h.Prefix, Marker,
		h.Timestamp.UTC().Format(time.RFC3339),
		h.ContentSHA256,
		base64.StdEncoding.EncodeToString(h.Signature),
		h.Fingerprint)
	if h.Prefix == "<!--" {
		line += " -->"
	}
	return line
}

// IntegrityError reports a signature or hash mismatch on a signed artifact.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("integrity failure for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("integrity failure: %s", e.Reason)
}

// signPayload is the byte string the Ed25519 signature covers.
func signPayload(timestamp time.Time, contentHash string) []byte {
	return []byte(timestamp.UTC().Format(time.RFC3339) + ":" + contentHash)
}

// HashContent returns the hex-encoded SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Sign produces a signature header for content using the given key.
// The prefix selects the comment syntax (see PrefixForExtension).
func Sign(content []byte, prefix string, key *Key) *Header {
	hash := HashContent(content)
	now := time.Now()
	sig := ed25519.Sign(key.Private, signPayload(now, hash))
	return &Header{
		Prefix:        prefix,
		Timestamp:     now,
		ContentSHA256: hash,
		Signature:     sig,
		Fingerprint:   key.Fingerprint(),
	}
}

// SignHash signs a precomputed content hash. Used for detached
// signatures over byte ranges (transcript checkpoints) where the signer
// tracks the hash incrementally instead of holding the content.
func SignHash(hash string, key *Key) *Header {
	now := time.Now()
	sig := ed25519.Sign(key.Private, signPayload(now, hash))
	return &Header{
		Timestamp:     now,
		ContentSHA256: hash,
		Signature:     sig,
		Fingerprint:   key.Fingerprint(),
	}
}

// VerifyHash checks a detached signature header against a precomputed
// content hash.
func VerifyHash(header *Header, hash string, trust *TrustStore) error {
	if hash != header.ContentSHA256 {
		return &IntegrityError{Reason: fmt.Sprintf("content hash mismatch: header %s, actual %s",
			truncateHash(header.ContentSHA256), truncateHash(hash))}
	}
	pub, ok := trust.Lookup(header.Fingerprint)
	if !ok {
		return &IntegrityError{Reason: fmt.Sprintf("signing key %s not in trust store", header.Fingerprint)}
	}
	if !ed25519.Verify(pub, signPayload(header.Timestamp, hash), header.Signature) {
		return &IntegrityError{Reason: "ed25519 signature verification failed"}
	}
	return nil
}

// SignFileContent signs a whole file body, replacing any existing header.
// Returns the new file content (header line + body). Signing twice replaces
// the signature line; the body hash is unchanged.
func SignFileContent(raw []byte, prefix string, key *Key) []byte {
	body := StripHeader(raw)
	header := Sign(body, prefix, key)
	return append([]byte(header.String()+"\n"), body...)
}

// HasHeader reports whether raw begins with a signature header line.
func HasHeader(raw []byte) bool {
	line, _ := firstLine(raw)
	return strings.Contains(line, Marker)
}

// StripHeader returns the body of raw with any leading signature header
// line removed. Content without a header is returned unchanged.
func StripHeader(raw []byte) []byte {
	line, rest := firstLine(raw)
	if strings.Contains(line, Marker) {
		return rest
	}
	return raw
}

// ParseHeader parses a signature header line.
func ParseHeader(line string) (*Header, error) {
	idx := strings.Index(line, Marker)
	if idx < 0 {
		return nil, &IntegrityError{Reason: "no signature header present"}
	}
	prefix := strings.TrimSpace(line[:idx])
	rest := strings.TrimSuffix(strings.TrimSpace(line[idx+len(Marker):]), "-->")
	rest = strings.TrimSpace(rest)

	// Timestamp contains colons (RFC3339), so split from the right:
	// the last three fields are hash, signature, fingerprint.
	parts := strings.Split(rest, ":")
	if len(parts) < 4 {
		return nil, &IntegrityError{Reason: "malformed signature header"}
	}
	fingerprint := parts[len(parts)-1]
	sigB64 := parts[len(parts)-2]
	hash := parts[len(parts)-3]
	ts := strings.Join(parts[:len(parts)-3], ":")

	timestamp, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("bad timestamp in header: %v", err)}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("bad signature encoding: %v", err)}
	}
	if len(hash) != sha256.Size*2 {
		return nil, &IntegrityError{Reason: "bad content hash length"}
	}
	return &Header{
		Prefix:        prefix,
		Timestamp:     timestamp,
		ContentSHA256: hash,
		Signature:     sig,
		Fingerprint:   fingerprint,
	}, nil
}

// Verify checks a header against content using the trust store.
// Returns the verified content hash on success.
func Verify(header *Header, content []byte, trust *TrustStore) (string, error) {
	hash := HashContent(content)
	if hash != header.ContentSHA256 {
		return "", &IntegrityError{Reason: fmt.Sprintf("content hash mismatch: header %s, actual %s",
			truncateHash(header.ContentSHA256), truncateHash(hash))}
	}
	pub, ok := trust.Lookup(header.Fingerprint)
	if !ok {
		return "", &IntegrityError{Reason: fmt.Sprintf("signing key %s not in trust store", header.Fingerprint)}
	}
	if !ed25519.Verify(pub, signPayload(header.Timestamp, hash), header.Signature) {
		return "", &IntegrityError{Reason: "ed25519 signature verification failed"}
	}
	return hash, nil
}

// VerifyFileContent parses the header from raw file content and verifies
// the body against it. Returns the verified content hash.
func VerifyFileContent(raw []byte, trust *TrustStore) (string, error) {
	line, body := firstLine(raw)
	header, err := ParseHeader(line)
	if err != nil {
		return "", err
	}
	return Verify(header, body, trust)
}

func firstLine(raw []byte) (string, []byte) {
	idx := strings.IndexByte(string(raw), '\n')
	if idx < 0 {
		return string(raw), nil
	}
	return string(raw[:idx]), raw[idx+1:]
}

func truncateHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
