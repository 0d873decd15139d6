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
	"fmt"
	"os"

	"github.com/teradata-labs/rye/pkg/types"
)

// ShapeError reports a structurally invalid reconstructed conversation,
// such as a tool result whose id matches no prior assistant tool call.
type ShapeError struct {
	ToolCallID string
	Reason     string
}

func (e *ShapeError) Error() string {
	if e.ToolCallID != "" {
		return fmt.Sprintf("conversation shape error (tool_call_id %s): %s", e.ToolCallID, e.Reason)
	}
	return fmt.Sprintf("conversation shape error: %s", e.Reason)
}

// ReconstructFile reads a transcript and folds its events back into the
// provider-neutral message history.
func ReconstructFile(path string) ([]types.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	events, err := ParseEvents(raw)
	if err != nil {
		if ce, ok := err.(*CorruptError); ok {
			ce.Path = path
		}
		return nil, err
	}
	return Reconstruct(events)
}

// Reconstruct folds events into messages:
//
//	cognition_in      -> user message
//	cognition_out     -> assistant message
//	tool_call_start   -> tool call attached to the preceding assistant message
//	tool_call_result  -> tool message referencing its call id
//
// Lifecycle, step, snapshot and checkpoint events carry no conversation
// content and are skipped. A tool result with no matching prior tool
// call fails with *ShapeError.
func Reconstruct(events []Event) ([]types.Message, error) {
	var messages []types.Message
	openCalls := make(map[string]bool)

	for _, ev := range events {
		switch ev.EventType {
		case EventCognitionIn:
			messages = append(messages, types.Message{
				Role:      "user",
				Content:   payloadString(ev, "content"),
				Timestamp: ev.Timestamp,
			})

		case EventCognitionOut:
			messages = append(messages, types.Message{
				Role:      "assistant",
				Content:   payloadString(ev, "content"),
				Timestamp: ev.Timestamp,
			})

		case EventToolCallStart:
			id := payloadString(ev, "tool_call_id")
			name := payloadString(ev, "name")
			input, _ := ev.Payload["input"].(map[string]interface{})
			last := lastAssistant(messages)
			if last == nil {
				return nil, &ShapeError{ToolCallID: id, Reason: "tool call with no preceding assistant message"}
			}
			last.ToolCalls = append(last.ToolCalls, types.ToolCall{ID: id, Name: name, Input: input})
			openCalls[id] = true

		case EventToolCallResult:
			id := payloadString(ev, "tool_call_id")
			if !openCalls[id] {
				return nil, &ShapeError{ToolCallID: id, Reason: "tool result with no matching tool call"}
			}
			delete(openCalls, id)
			isError, _ := ev.Payload["is_error"].(bool)
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    payloadString(ev, "content"),
				ToolCallID: id,
				IsError:    isError,
				Timestamp:  ev.Timestamp,
			})
		}
	}
	return messages, nil
}

func lastAssistant(messages []types.Message) *types.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return &messages[i]
		}
	}
	return nil
}

// TrimToBudget drops the oldest messages until the history fits within
// maxTokens, always keeping the newest message. Used when rebuilding a
// continuation thread's seed context.
func TrimToBudget(messages []types.Message, maxTokens int) []types.Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}
	start := 0
	for start < len(messages)-1 && EstimateMessages(messages[start:]) > maxTokens {
		start++
	}
	trimmed := messages[start:]
	// A history must open with a user message: orphaned tool results
	// and mid-exchange assistant text are dropped until the next user
	// turn.
	for len(trimmed) > 1 && trimmed[0].Role != "user" {
		trimmed = trimmed[1:]
	}
	return trimmed
}
