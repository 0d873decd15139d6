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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// RenderMarkdown produces the human-readable mirror of a transcript:
// a knowledge markdown document summarizing what the thread did. The
// JSONL file stays the source of truth; this rendering is for people.
func RenderMarkdown(threadID, directiveID string, events []Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Thread %s\n\n", threadID)
	if directiveID != "" {
		fmt.Fprintf(&b, "Directive: `%s`\n\n", directiveID)
	}

	for _, ev := range events {
		ts := ev.Timestamp.UTC().Format(time.RFC3339)
		switch ev.EventType {
		case EventThreadStart:
			fmt.Fprintf(&b, "_Started %s_\n\n", ts)
		case EventCognitionIn:
			fmt.Fprintf(&b, "## Input\n\n%s\n\n", payloadString(ev, "content"))
		case EventCognitionOut:
			if content := payloadString(ev, "content"); content != "" {
				fmt.Fprintf(&b, "## Assistant\n\n%s\n\n", content)
			}
		case EventToolCallStart:
			input := ""
			if raw, err := json.Marshal(ev.Payload["input"]); err == nil && string(raw) != "null" {
				input = string(raw)
			}
			fmt.Fprintf(&b, "- **%s** `%s`\n", payloadString(ev, "name"), input)
		case EventToolCallResult:
			content := payloadString(ev, "content")
			if len(content) > 400 {
				content = content[:400] + "…"
			}
			marker := ""
			if isError, _ := ev.Payload["is_error"].(bool); isError {
				marker = " (error)"
			}
			fmt.Fprintf(&b, "  - result%s: %s\n", marker, strings.ReplaceAll(content, "\n", " "))
		case EventThreadHandoff:
			fmt.Fprintf(&b, "\n_Context limit reached; handed off to `%s` at %s_\n\n",
				payloadString(ev, "continuation_thread_id"), ts)
		case EventThreadCompleted:
			fmt.Fprintf(&b, "\n## Result\n\n%s\n\n_Completed %s_\n", payloadString(ev, "result"), ts)
		case EventThreadError:
			fmt.Fprintf(&b, "\n## Error\n\n%s\n\n_Failed %s_\n", payloadString(ev, "error"), ts)
		}
	}
	return b.String()
}

// WriteKnowledge renders a transcript to markdown and writes it next to
// wherever the caller keeps thread knowledge.
func WriteKnowledge(path, threadID, directiveID string, events []Event) error {
	content := RenderMarkdown(threadID, directiveID, events)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write knowledge markdown: %w", err)
	}
	return nil
}
