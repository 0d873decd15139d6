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

// Package provider implements the schema-driven LLM adapter. There is
// no per-provider code: a provider is a YAML document describing how to
// build the wire request from the canonical message list, how to parse
// the sync response, and how to assemble a response from a stream of
// raw chunks.
package provider

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Content wrap modes for the canonical message content.
const (
	WrapString      = "string"
	WrapBlocksArray = "blocks_array"
	WrapPartsArray  = "parts_array"
)

// System prompt placement strategies.
const (
	SystemBodyField   = "body_field"
	SystemBodyInject  = "body_inject"
	SystemMessageRole = "message_role"
)

// Streaming modes.
const (
	StreamEventTyped     = "event_typed"
	StreamDeltaMerge     = "delta_merge"
	StreamCompleteChunks = "complete_chunks"
)

// ModelInfo carries per-model pricing and the context window.
type ModelInfo struct {
	ContextWindow int     `yaml:"context_window"`
	PriceIn       float64 `yaml:"price_in"`  // USD per million input tokens
	PriceOut      float64 `yaml:"price_out"` // USD per million output tokens
	MaxTokens     int     `yaml:"max_tokens"`
}

// ToolResultSchema describes how a tool-role message becomes wire
// blocks.
type ToolResultSchema struct {
	// Grouped batches consecutive tool results into one wire message.
	Grouped    bool   `yaml:"grouped"`
	Role       string `yaml:"role"`
	TypeValue  string `yaml:"type_value"`
	IDKey      string `yaml:"id_key"`
	ContentKey string `yaml:"content_key"`
	ErrorKey   string `yaml:"error_key"`
}

// SystemMessageSchema describes system prompt placement.
type SystemMessageSchema struct {
	Strategy string                 `yaml:"strategy"`
	Field    string                 `yaml:"field"`
	Template map[string]interface{} `yaml:"template"`
	Role     string                 `yaml:"role"`
}

// MessageSchema describes canonical-to-wire message translation.
type MessageSchema struct {
	RoleMap     map[string]string `yaml:"role_map"`
	ContentKey  string            `yaml:"content_key"`
	ContentWrap string            `yaml:"content_wrap"`

	// TextBlockTemplate renders a text segment when content is wrapped
	// in blocks; {text} is substituted.
	TextBlockTemplate map[string]interface{} `yaml:"text_block_template"`

	// ToolCallBlockTemplate reconstructs an assistant tool call in wire
	// form; {id}, {name}, {input} are substituted.
	ToolCallBlockTemplate map[string]interface{} `yaml:"tool_call_block_template"`

	ToolResult    ToolResultSchema    `yaml:"tool_result"`
	SystemMessage SystemMessageSchema `yaml:"system_message"`
}

// ToolDefSchema describes how generic tool schemas become wire tool
// definitions; {name}, {description}, {schema} are substituted.
type ToolDefSchema struct {
	Template map[string]interface{} `yaml:"template"`

	// ListWrap, when set, groups the tool list under a single object
	// keyed by this field path (some providers require it).
	ListWrap string `yaml:"tool_list_wrap"`
}

// ToolCallExtract locates tool calls within a parsed response.
type ToolCallExtract struct {
	Path      string `yaml:"path"`       // dotted path to the blocks array
	TypeKey   string `yaml:"type_key"`   // block field holding the type
	TypeValue string `yaml:"type_value"` // value marking a tool call block
	IDKey     string `yaml:"id_key"`
	NameKey   string `yaml:"name_key"`
	InputKey  string `yaml:"input_key"`
}

// ResponseSchema describes sync response parsing with dotted paths.
type ResponseSchema struct {
	TextPath     string `yaml:"text_path"`
	TextJoin     bool   `yaml:"text_join"` // text path yields blocks to concatenate
	TextTypeKey  string `yaml:"text_type_key"`
	TextType     string `yaml:"text_type_value"`
	TextKey      string `yaml:"text_key"`
	ThinkingType string `yaml:"thinking_type_value"`

	ToolCalls ToolCallExtract `yaml:"tool_calls"`

	FinishPath       string `yaml:"finish_reason_path"`
	InputTokensPath  string `yaml:"input_tokens_path"`
	OutputTokensPath string `yaml:"output_tokens_path"`
	RequestIDPath    string `yaml:"request_id_path"`
	ErrorTypePath    string `yaml:"error_type_path"`
	ErrorMessagePath string `yaml:"error_message_path"`
}

// EventTypedSchema drives assembly of named-event SSE streams.
type EventTypedSchema struct {
	MessageStart string `yaml:"message_start"`
	BlockStart   string `yaml:"block_start"`
	BlockDelta   string `yaml:"block_delta"`
	BlockStop    string `yaml:"block_stop"`
	MessageDelta string `yaml:"message_delta"`

	InputTokensPath  string `yaml:"input_tokens_path"`  // in message_start
	OutputTokensPath string `yaml:"output_tokens_path"` // in message_delta
	StopReasonPath   string `yaml:"stop_reason_path"`   // in message_delta

	BlockTypePath string `yaml:"block_type_path"` // in block_start
	BlockIDPath   string `yaml:"block_id_path"`
	BlockNamePath string `yaml:"block_name_path"`
	ToolUseType   string `yaml:"tool_use_type_value"`
	TextType      string `yaml:"text_type_value"`
	ThinkingType  string `yaml:"thinking_type_value"`

	DeltaTypePath string `yaml:"delta_type_path"` // in block_delta
	TextDeltaPath string `yaml:"text_delta_path"`
	JSONDeltaPath string `yaml:"json_delta_path"`
	JSONDeltaType string `yaml:"json_delta_type_value"`
}

// DeltaMergeSchema drives assembly of choices[].delta streams.
type DeltaMergeSchema struct {
	ChoicesPath     string `yaml:"choices_path"`
	DeltaKey        string `yaml:"delta_key"`
	ContentKey      string `yaml:"content_key"`
	ToolCallsKey    string `yaml:"tool_calls_key"`
	FinishReasonKey string `yaml:"finish_reason_key"`

	ToolCallIndexKey string `yaml:"tool_call_index_key"`
	ToolCallIDKey    string `yaml:"tool_call_id_key"`
	ToolCallFnKey    string `yaml:"tool_call_function_key"`
	ToolCallNameKey  string `yaml:"tool_call_name_key"`
	ToolCallArgsKey  string `yaml:"tool_call_args_key"`

	InputTokensPath  string `yaml:"input_tokens_path"`
	OutputTokensPath string `yaml:"output_tokens_path"`
}

// StreamSchema selects and configures one of the three streaming modes.
type StreamSchema struct {
	Mode  string           `yaml:"mode"`
	Event EventTypedSchema `yaml:"event"`
	Delta DeltaMergeSchema `yaml:"delta"`
	// complete_chunks mode reuses the response schema per chunk.

	// DonePrefix marks the terminal sentinel line (e.g. "[DONE]").
	DoneSentinel string `yaml:"done_sentinel"`
}

// Schema is a full provider definition.
type Schema struct {
	Name      string               `yaml:"name"`
	BaseURL   string               `yaml:"base_url"`
	APIKeyEnv string               `yaml:"api_key_env"`
	Headers   map[string]string    `yaml:"headers"`
	Models    map[string]ModelInfo `yaml:"models"`

	// RequestDefaults are merged into every request body (e.g. a
	// max_tokens default, stream flags are added by the client).
	RequestDefaults map[string]interface{} `yaml:"request_defaults"`

	Message  MessageSchema  `yaml:"message_schema"`
	Tool     ToolDefSchema  `yaml:"tool_schema"`
	Response ResponseSchema `yaml:"response_schema"`
	Stream   StreamSchema   `yaml:"stream_schema"`
}

// ParseSchema decodes and validates a provider YAML document.
func ParseSchema(content []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to parse provider schema: %w", err)
	}
	if s.Name == "" || s.BaseURL == "" {
		return nil, fmt.Errorf("provider schema requires name and base_url")
	}
	if s.Message.ContentKey == "" {
		s.Message.ContentKey = "content"
	}
	if s.Message.ContentWrap == "" {
		s.Message.ContentWrap = WrapString
	}
	switch s.Message.ContentWrap {
	case WrapString, WrapBlocksArray, WrapPartsArray:
	default:
		return nil, fmt.Errorf("unknown content_wrap %q", s.Message.ContentWrap)
	}
	if s.Stream.Mode != "" {
		switch s.Stream.Mode {
		case StreamEventTyped, StreamDeltaMerge, StreamCompleteChunks:
		default:
			return nil, fmt.Errorf("unknown stream mode %q", s.Stream.Mode)
		}
	}
	return &s, nil
}

// Model returns the declared info for a model id, or zero info with
// ok=false.
func (s *Schema) Model(id string) (ModelInfo, bool) {
	info, ok := s.Models[id]
	return info, ok
}

// Spend computes the USD cost of a call under a model's pricing.
func (info ModelInfo) Spend(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*info.PriceIn + float64(outputTokens)*info.PriceOut) / 1_000_000
}
