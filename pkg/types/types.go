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

// Package types contains shared types used across the rye kernel.
// This package breaks import cycles by providing the provider-neutral
// message model that pkg/provider, pkg/runner and pkg/transcript all
// depend on.
package types

import (
	"context"
	"time"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string `json:"id"`

	// Name is the tool name
	Name string `json:"name"`

	// Input contains the tool parameters as decoded JSON
	Input map[string]interface{} `json:"input,omitempty"`
}

// Message represents a single message in the conversation.
// Roles are provider-neutral: "user", "assistant", "tool", "system".
type Message struct {
	// Role is the message sender (user, assistant, tool, system)
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// ToolCalls contains tool invocations (if role is assistant)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is the id of the tool call this result answers (if role is tool)
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool-role message that carries an error result
	IsError bool `json:"is_error,omitempty"`

	// Timestamp when the message was created
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Usage tracks model token usage and spend.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	SpendUSD     float64 `json:"spend_usd"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.SpendUSD += other.SpendUSD
}

// Response represents a parsed model response.
type Response struct {
	// Text is the assistant text content
	Text string `json:"text"`

	// Thinking contains extended reasoning content, if the model emitted any
	Thinking string `json:"thinking,omitempty"`

	// ToolCalls contains requested tool executions
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// FinishReason indicates why the model stopped
	FinishReason string `json:"finish_reason"`

	// Usage tracks token usage and spend for this call
	Usage Usage `json:"usage"`
}

// ToolSchema describes one tool in the generic, provider-neutral form the
// adapter translates into each provider's wire format.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// StreamSink receives raw streaming event chunks in arrival order.
// Sinks must be non-blocking or fail fast; a slow sink must not
// back-pressure the HTTP read.
type StreamSink func(chunk []byte)

// Provider is the synchronous completion surface of the provider adapter.
type Provider interface {
	// CreateCompletion sends a conversation to the model and returns the
	// parsed response.
	CreateCompletion(ctx context.Context, messages []Message, tools []ToolSchema, systemPrompt string) (*Response, error)

	// Name returns the provider name
	Name() string

	// Model returns the model identifier
	Model() string

	// ContextWindow returns the declared context window in tokens.
	ContextWindow() int
}

// StreamingProvider extends Provider with chunk streaming support.
type StreamingProvider interface {
	Provider

	// CreateStreamingCompletion opens a streaming completion, fans every
	// raw event chunk to each sink as it arrives, and returns the response
	// assembled from the full buffered chunk list after the final event.
	CreateStreamingCompletion(ctx context.Context, messages []Message, tools []ToolSchema, sinks []StreamSink, systemPrompt string) (*Response, error)
}

// SupportsStreaming checks if a provider supports chunk streaming.
func SupportsStreaming(p Provider) bool {
	_, ok := p.(StreamingProvider)
	return ok
}
