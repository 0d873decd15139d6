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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/teradata-labs/rye/pkg/signing"
)

// VerifyResult summarizes a transcript integrity check.
type VerifyResult struct {
	// Valid is true when every checkpoint verified and any trailing
	// unsigned bytes were permitted by the caller.
	Valid bool

	// LastCheckpointStep is the step of the newest verified checkpoint,
	// or -1 when the transcript has none.
	LastCheckpointStep int

	// LastCheckpointOffset is the byte offset just past the newest
	// verified checkpoint line.
	LastCheckpointOffset int64

	// TrailingUnsignedBytes counts bytes after the newest checkpoint
	// line (events written between the last checkpoint and a crash).
	TrailingUnsignedBytes int64
}

// VerifyFile checks every checkpoint in the transcript at path.
//
// Each checkpoint signs the cumulative byte range [0, end_offset); all of
// them are re-verified so a tampered prefix is caught even when later
// checkpoints are intact. When allowUnsignedTrailing is false, any bytes
// after the final checkpoint fail verification; tolerant callers accept
// them and replay the trailing events unsigned.
func VerifyFile(path string, trust *signing.TrustStore, allowUnsignedTrailing bool) (*VerifyResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return VerifyContent(raw, trust, allowUnsignedTrailing, path)
}

// VerifyContent is VerifyFile over in-memory content.
func VerifyContent(raw []byte, trust *signing.TrustStore, allowUnsignedTrailing bool, path string) (*VerifyResult, error) {
	result := &VerifyResult{LastCheckpointStep: -1}

	var offset int64
	lineNo := 0
	for offset < int64(len(raw)) {
		lineEnd := offset
		for lineEnd < int64(len(raw)) && raw[lineEnd] != '\n' {
			lineEnd++
		}
		line := raw[offset:lineEnd]
		nextOffset := lineEnd
		if nextOffset < int64(len(raw)) {
			nextOffset++ // consume the newline
		}
		lineNo++

		if isCheckpointLine(line) {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, &CorruptError{Path: path, Line: lineNo, Reason: fmt.Sprintf("bad checkpoint line: %v", err)}
			}
			header, step, endOffset, err := parseCheckpoint(ev)
			if err != nil {
				return nil, &CorruptError{Path: path, Line: lineNo, Reason: err.Error()}
			}
			if endOffset != offset {
				return nil, &signing.IntegrityError{Path: path,
					Reason: fmt.Sprintf("checkpoint at line %d claims offset %d, found at %d", lineNo, endOffset, offset)}
			}
			contentHash := signing.HashContent(raw[:endOffset])
			if err := signing.VerifyHash(header, contentHash, trust); err != nil {
				return nil, fmt.Errorf("checkpoint at step %d failed: %w", step, err)
			}
			result.LastCheckpointStep = step
			result.LastCheckpointOffset = nextOffset
		}
		offset = nextOffset
	}

	result.TrailingUnsignedBytes = int64(len(raw)) - result.LastCheckpointOffset
	if result.TrailingUnsignedBytes > 0 && !allowUnsignedTrailing {
		return result, &signing.IntegrityError{Path: path,
			Reason: fmt.Sprintf("%d unsigned trailing bytes after last checkpoint", result.TrailingUnsignedBytes)}
	}
	result.Valid = true
	return result, nil
}

func isCheckpointLine(line []byte) bool {
	// Cheap filter before decoding: checkpoint lines always carry the
	// event type verbatim.
	needle := `"event_type":"` + EventCheckpoint + `"`
	return bytes.Contains(line, []byte(needle))
}

func parseCheckpoint(ev Event) (*signing.Header, int, int64, error) {
	step, ok := payloadInt(ev, "step")
	if !ok {
		return nil, 0, 0, fmt.Errorf("checkpoint missing step")
	}
	endOffset, ok := payloadInt(ev, "end_offset")
	if !ok {
		return nil, 0, 0, fmt.Errorf("checkpoint missing end_offset")
	}
	contentHash := payloadString(ev, "content_sha256")
	sigB64 := payloadString(ev, "signature")
	fingerprint := payloadString(ev, "fingerprint")
	signedAt := payloadString(ev, "signed_at")
	if contentHash == "" || sigB64 == "" || fingerprint == "" {
		return nil, 0, 0, fmt.Errorf("checkpoint missing signature fields")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("bad checkpoint signature encoding: %v", err)
	}
	ts, err := time.Parse(time.RFC3339, signedAt)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("bad checkpoint timestamp: %v", err)
	}
	return &signing.Header{
		Timestamp:     ts,
		ContentSHA256: contentHash,
		Signature:     sig,
		Fingerprint:   fingerprint,
	}, step, int64(endOffset), nil
}

func payloadInt(ev Event, key string) (int, bool) {
	if ev.Payload == nil {
		return 0, false
	}
	switch v := ev.Payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
