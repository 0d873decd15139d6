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
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teradata-labs/rye/pkg/signing"
)

// Writer appends events to a thread's JSONL transcript. Every event is
// flushed to disk before Append returns, so a crash loses at most the
// line being written. Checkpoints sign the cumulative byte range from
// the start of the file; the running hash is maintained incrementally.
type Writer struct {
	mu     sync.Mutex
	path   string
	thread string
	file   *os.File
	offset int64
	sum    hash.Hash
	key    *signing.Key
	step   int
}

// OpenWriter opens (creating if needed) the transcript for a thread.
// An existing file is re-read to rebuild the running hash so checkpoints
// after a resume still cover the full byte range.
func OpenWriter(path, threadID string, key *signing.Key) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	w := &Writer{path: path, thread: threadID, file: f, sum: sha256.New(), key: key}

	existing, err := os.ReadFile(path)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read existing transcript: %w", err)
	}
	if len(existing) > 0 {
		w.sum.Write(existing)
		w.offset = int64(len(existing))
	}
	return w, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one event line and flushes it.
func (w *Writer) Append(eventType string, payload map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(Event{
		Timestamp: time.Now().UTC(),
		ThreadID:  w.thread,
		EventType: eventType,
		Payload:   payload,
	})
}

func (w *Writer) appendLocked(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode transcript event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to append transcript event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to flush transcript: %w", err)
	}
	w.sum.Write(line)
	w.offset += int64(len(line))
	return nil
}

// Checkpoint writes a detached signature line covering every byte
// written so far. The checkpoint line itself sits outside the range it
// signs; the next checkpoint's range includes it.
func (w *Writer) Checkpoint(step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key == nil {
		return fmt.Errorf("transcript writer has no signing key")
	}
	contentHash := fmt.Sprintf("%x", w.sum.Sum(nil))
	header := signing.SignHash(contentHash, w.key)
	w.step = step
	return w.appendLocked(Event{
		Timestamp: time.Now().UTC(),
		ThreadID:  w.thread,
		EventType: EventCheckpoint,
		Payload: map[string]interface{}{
			"step":           step,
			"end_offset":     w.offset,
			"content_sha256": contentHash,
			"signature":      base64.StdEncoding.EncodeToString(header.Signature),
			"fingerprint":    header.Fingerprint,
			"signed_at":      header.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// Close syncs and closes the transcript file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
