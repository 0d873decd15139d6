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

package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/rye/pkg/types"
)

// StreamError reports a broken or unassemblable stream.
type StreamError struct {
	Provider string
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider %s stream failed: %s", e.Provider, e.Reason)
}

// Chunk is one raw streaming event: the SSE event name (empty for
// NDJSON) and the decoded data payload.
type Chunk struct {
	Event string
	Data  map[string]interface{}
}

// AssembleStream builds the canonical response from the buffered chunk
// list per the stream schema.
func (s *Schema) AssembleStream(chunks []Chunk, model string) (*types.Response, error) {
	switch s.Stream.Mode {
	case StreamEventTyped:
		return s.assembleEventTyped(chunks, model)
	case StreamDeltaMerge:
		return s.assembleDeltaMerge(chunks, model)
	case StreamCompleteChunks:
		return s.assembleCompleteChunks(chunks, model)
	}
	return nil, &StreamError{Provider: s.Name, Reason: fmt.Sprintf("unsupported stream mode %q", s.Stream.Mode)}
}

// assembleEventTyped folds named SSE events: usage from message_start
// and message_delta, content blocks opened by content_block_start and
// grown by content_block_delta, tool-call inputs accumulated as partial
// JSON and decoded at the end.
func (s *Schema) assembleEventTyped(chunks []Chunk, model string) (*types.Response, error) {
	ev := s.Stream.Event
	r := &types.Response{}

	type openBlock struct {
		kind     string // "text", "thinking", "tool"
		text     strings.Builder
		toolID   string
		toolName string
		toolJSON strings.Builder
	}
	var blocks []*openBlock
	var current *openBlock

	for _, c := range chunks {
		switch c.Event {
		case ev.MessageStart:
			r.Usage.InputTokens = GetInt(c.Data, ev.InputTokensPath)

		case ev.BlockStart:
			blockType := GetString(c.Data, ev.BlockTypePath)
			current = &openBlock{}
			switch blockType {
			case ev.ToolUseType:
				current.kind = "tool"
				current.toolID = GetString(c.Data, ev.BlockIDPath)
				current.toolName = GetString(c.Data, ev.BlockNamePath)
			case ev.ThinkingType:
				current.kind = "thinking"
			default:
				current.kind = "text"
			}
			blocks = append(blocks, current)

		case ev.BlockDelta:
			if current == nil {
				return nil, &StreamError{Provider: s.Name, Reason: "content delta before any block start"}
			}
			deltaType := GetString(c.Data, ev.DeltaTypePath)
			if current.kind == "tool" && (ev.JSONDeltaType == "" || deltaType == ev.JSONDeltaType) {
				current.toolJSON.WriteString(GetString(c.Data, ev.JSONDeltaPath))
			} else {
				current.text.WriteString(GetString(c.Data, ev.TextDeltaPath))
			}

		case ev.BlockStop:
			current = nil

		case ev.MessageDelta:
			if reason := GetString(c.Data, ev.StopReasonPath); reason != "" {
				r.FinishReason = reason
			}
			if out := GetInt(c.Data, ev.OutputTokensPath); out > 0 {
				r.Usage.OutputTokens = out
			}
		}
	}

	var text, thinking strings.Builder
	for _, b := range blocks {
		switch b.kind {
		case "text":
			text.WriteString(b.text.String())
		case "thinking":
			thinking.WriteString(b.text.String())
		case "tool":
			input := map[string]interface{}{}
			if raw := b.toolJSON.String(); strings.TrimSpace(raw) != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return nil, &StreamError{Provider: s.Name,
						Reason: fmt.Sprintf("tool call %s accumulated invalid JSON input: %v", b.toolID, err)}
				}
			}
			r.ToolCalls = append(r.ToolCalls, types.ToolCall{ID: b.toolID, Name: b.toolName, Input: input})
		}
	}
	r.Text = text.String()
	r.Thinking = thinking.String()
	r.Usage.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
	if info, ok := s.Model(model); ok {
		r.Usage.SpendUSD = info.Spend(r.Usage.InputTokens, r.Usage.OutputTokens)
	}
	return r, nil
}

// assembleDeltaMerge concatenates progressive choices[].delta fragments:
// text deltas append, tool-call fragments merge by index with argument
// strings concatenated.
func (s *Schema) assembleDeltaMerge(chunks []Chunk, model string) (*types.Response, error) {
	d := s.Stream.Delta
	r := &types.Response{}
	var text strings.Builder

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	for _, c := range chunks {
		if in := GetInt(c.Data, d.InputTokensPath); in > 0 {
			r.Usage.InputTokens = in
		}
		if out := GetInt(c.Data, d.OutputTokensPath); out > 0 {
			r.Usage.OutputTokens = out
		}
		choices, ok := GetPath(c.Data, d.ChoicesPath)
		if !ok {
			continue
		}
		list, ok := choices.([]interface{})
		if !ok || len(list) == 0 {
			continue
		}
		choice, ok := list[0].(map[string]interface{})
		if !ok {
			continue
		}
		if reason := GetString(choice, d.FinishReasonKey); reason != "" {
			r.FinishReason = reason
		}
		delta, ok := GetPath(choice, d.DeltaKey)
		if !ok {
			continue
		}
		deltaMap, ok := delta.(map[string]interface{})
		if !ok {
			continue
		}
		text.WriteString(GetString(deltaMap, d.ContentKey))

		rawCalls, ok := GetPath(deltaMap, d.ToolCallsKey)
		if !ok {
			continue
		}
		callList, ok := rawCalls.([]interface{})
		if !ok {
			continue
		}
		for _, rawCall := range callList {
			frag, ok := rawCall.(map[string]interface{})
			if !ok {
				continue
			}
			idx := GetInt(frag, d.ToolCallIndexKey)
			pc, ok := calls[idx]
			if !ok {
				pc = &partialCall{}
				calls[idx] = pc
				if idx > maxIndex {
					maxIndex = idx
				}
			}
			if id := GetString(frag, d.ToolCallIDKey); id != "" {
				pc.id = id
			}
			fn, _ := GetPath(frag, d.ToolCallFnKey)
			if fnMap, ok := fn.(map[string]interface{}); ok {
				if name := GetString(fnMap, d.ToolCallNameKey); name != "" {
					pc.name = name
				}
				pc.args.WriteString(GetString(fnMap, d.ToolCallArgsKey))
			}
		}
	}

	for idx := 0; idx <= maxIndex; idx++ {
		pc, ok := calls[idx]
		if !ok {
			continue
		}
		input := map[string]interface{}{}
		if raw := pc.args.String(); strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return nil, &StreamError{Provider: s.Name,
					Reason: fmt.Sprintf("tool call %s accumulated invalid JSON arguments: %v", pc.id, err)}
			}
		}
		r.ToolCalls = append(r.ToolCalls, types.ToolCall{ID: pc.id, Name: pc.name, Input: input})
	}
	r.Text = text.String()
	r.Usage.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
	if info, ok := s.Model(model); ok {
		r.Usage.SpendUSD = info.Spend(r.Usage.InputTokens, r.Usage.OutputTokens)
	}
	return r, nil
}

// assembleCompleteChunks treats each chunk as a complete response-shaped
// object: text is appended across chunks, tool calls collected, and
// usage taken as the max across chunks (cumulative usage pattern).
func (s *Schema) assembleCompleteChunks(chunks []Chunk, model string) (*types.Response, error) {
	r := &types.Response{}
	var text, thinking strings.Builder
	for _, c := range chunks {
		parsed, err := s.ParseResponse(c.Data, model)
		if err != nil {
			return nil, &StreamError{Provider: s.Name, Reason: err.Error()}
		}
		text.WriteString(parsed.Text)
		thinking.WriteString(parsed.Thinking)
		r.ToolCalls = append(r.ToolCalls, parsed.ToolCalls...)
		if parsed.FinishReason != "" {
			r.FinishReason = parsed.FinishReason
		}
		if parsed.Usage.InputTokens > r.Usage.InputTokens {
			r.Usage.InputTokens = parsed.Usage.InputTokens
		}
		if parsed.Usage.OutputTokens > r.Usage.OutputTokens {
			r.Usage.OutputTokens = parsed.Usage.OutputTokens
		}
	}
	r.Text = text.String()
	r.Thinking = thinking.String()
	r.Usage.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
	if info, ok := s.Model(model); ok {
		r.Usage.SpendUSD = info.Spend(r.Usage.InputTokens, r.Usage.OutputTokens)
	}
	return r, nil
}
