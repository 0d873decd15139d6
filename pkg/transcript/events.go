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

// Package transcript implements the append-only JSONL event log each
// thread owns, with periodic signed checkpoints, crash-tolerant
// reconstruction of provider-neutral message history, oversized
// tool-result guarding, and the human-readable knowledge markdown
// mirror.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	EventThreadStart         = "thread_start"
	EventCognitionIn         = "cognition_in"
	EventCognitionOut        = "cognition_out"
	EventCognitionReasoning  = "cognition_reasoning"
	EventToolCallStart       = "tool_call_start"
	EventToolCallResult      = "tool_call_result"
	EventStepStart           = "step_start"
	EventStepFinish          = "step_finish"
	EventContextLimitReached = "context_limit_reached"
	EventThreadHandoff       = "thread_handoff"
	EventThreadResumed       = "thread_resumed"
	EventThreadCompleted     = "thread_completed"
	EventThreadError         = "thread_error"
	EventStateSnapshot       = "state_snapshot"

	// EventCheckpoint is the detached signature marker terminating a
	// signed byte range.
	EventCheckpoint = "checkpoint"
)

// Event is one JSONL transcript line.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	ThreadID  string                 `json:"thread_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// CorruptError reports an unparseable transcript.
type CorruptError struct {
	Path   string
	Line   int
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("transcript %s corrupt at line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("transcript corrupt at line %d: %s", e.Line, e.Reason)
}

// ParseEvents decodes JSONL content into events. A broken trailing line
// (crash mid-append) is tolerated and skipped; any other unparseable
// line fails with *CorruptError. Blank lines are ignored.
func ParseEvents(content []byte) ([]Event, error) {
	var events []Event
	lines := splitLines(content)
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if i == len(lines)-1 {
				// Partially-written trailing line: readers tolerate it.
				continue
			}
			return nil, &CorruptError{Line: i + 1, Reason: err.Error()}
		}
		if ev.EventType == "" {
			if i == len(lines)-1 {
				continue
			}
			return nil, &CorruptError{Line: i + 1, Reason: "missing event_type"}
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(content []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range content {
		if b == '\n' {
			lines = append(lines, content[start:i])
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, content[start:])
	}
	return lines
}

// payloadString extracts a string field from an event payload.
func payloadString(ev Event, key string) string {
	if ev.Payload == nil {
		return ""
	}
	s, _ := ev.Payload[key].(string)
	return s
}
