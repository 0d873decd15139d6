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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/types"
)

// CallError is a failed provider HTTP call. Status 0 means the request
// never completed (network error, context cancellation).
type CallError struct {
	Provider   string
	HTTPStatus int
	RequestID  string
	ErrorType  string
	Retryable  bool
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider %s call failed (status %d, type %s): %s",
		e.Provider, e.HTTPStatus, e.ErrorType, e.Message)
}

// retryableStatus classifies HTTP statuses worth retrying: transport
// failures, rate limits, and transient server errors.
func retryableStatus(status int) bool {
	switch status {
	case 0, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// Client is a schema-driven provider client bound to one model.
type Client struct {
	schema *Schema
	model  string
	apiKey string
	http   *http.Client
}

// NewClient binds a schema and model. apiKey comes from the credential
// cascade; an empty key is allowed for local providers.
func NewClient(schema *Schema, model, apiKey string) (*Client, error) {
	if _, ok := schema.Model(model); !ok {
		return nil, fmt.Errorf("provider %s does not declare model %q", schema.Name, model)
	}
	return &Client{
		schema: schema,
		model:  model,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.schema.Name }

// Model returns the bound model id.
func (c *Client) Model() string { return c.model }

// ContextWindow returns the bound model's declared window.
func (c *Client) ContextWindow() int {
	info, _ := c.schema.Model(c.model)
	return info.ContextWindow
}

// Schema exposes the underlying provider schema.
func (c *Client) Schema() *Schema { return c.schema }

// CreateCompletion performs a synchronous completion call.
func (c *Client) CreateCompletion(ctx context.Context, messages []types.Message, tools []types.ToolSchema, systemPrompt string) (*types.Response, error) {
	body := c.schema.BuildRequestBody(c.model, messages, tools, systemPrompt)
	respBody, err := c.post(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(respBody.reader()).Decode(&decoded); err != nil {
		return nil, &CallError{Provider: c.schema.Name, HTTPStatus: respBody.status,
			Retryable: false, Message: fmt.Sprintf("undecodable response body: %v", err)}
	}
	return c.schema.ParseResponse(decoded, c.model)
}

// CreateStreamingCompletion opens a streaming call, fans every raw
// event chunk to each sink in arrival order, and assembles the final
// response from the buffered chunk list once the stream ends. Sinks
// are invoked synchronously and must not block.
func (c *Client) CreateStreamingCompletion(ctx context.Context, messages []types.Message, tools []types.ToolSchema, sinks []types.StreamSink, systemPrompt string) (*types.Response, error) {
	if c.schema.Stream.Mode == "" {
		log.Debug("provider has no stream schema, falling back to sync",
			zap.String("provider", c.schema.Name))
		return c.CreateCompletion(ctx, messages, tools, systemPrompt)
	}

	body := c.schema.BuildRequestBody(c.model, messages, tools, systemPrompt)
	body["stream"] = true
	respBody, err := c.post(ctx, body, true)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	chunks, err := c.readStream(respBody.reader(), sinks)
	if err != nil {
		return nil, err
	}
	return c.schema.AssembleStream(chunks, c.model)
}

// readStream parses SSE ("event:"/"data:" lines) and NDJSON (one JSON
// object per line) streams into chunks, pushing each raw data payload
// to every sink as it arrives.
func (c *Client) readStream(r *bufio.Reader, sinks []types.StreamSink) ([]Chunk, error) {
	var chunks []Chunk
	var currentEvent string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			currentEvent = ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(line[len("event:"):])
			continue
		case strings.HasPrefix(line, "data:"):
			line = strings.TrimSpace(line[len("data:"):])
		case strings.HasPrefix(line, ":"):
			continue // SSE comment / keepalive
		}
		if line == "" || line == c.schema.Stream.DoneSentinel {
			continue
		}

		for _, sink := range sinks {
			sink([]byte(line))
		}

		var data map[string]interface{}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			return nil, &StreamError{Provider: c.schema.Name,
				Reason: fmt.Sprintf("undecodable stream chunk: %v", err)}
		}
		// NDJSON streams carry no SSE event name; event_typed schemas may
		// instead type the chunk in a "type" field.
		event := currentEvent
		if event == "" {
			event = GetString(data, "type")
		}
		chunks = append(chunks, Chunk{Event: event, Data: data})
	}
	if err := scanner.Err(); err != nil {
		return nil, &StreamError{Provider: c.schema.Name, Reason: fmt.Sprintf("stream read failed: %v", err)}
	}
	return chunks, nil
}

type responseBody struct {
	resp   *http.Response
	status int
	buf    *bufio.Reader
}

func (b *responseBody) reader() *bufio.Reader { return b.buf }
func (b *responseBody) Close() error          { return b.resp.Body.Close() }

func (c *Client) post(ctx context.Context, body map[string]interface{}, streaming bool) (*responseBody, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.schema.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.schema.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{api_key}", c.apiKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &CallError{Provider: c.schema.Name, HTTPStatus: 0, Retryable: true, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	return &responseBody{resp: resp, status: resp.StatusCode, buf: bufio.NewReader(resp.Body)}, nil
}

// decodeError builds a CallError from a structured error body, falling
// back to the raw text.
func (c *Client) decodeError(resp *http.Response) *CallError {
	callErr := &CallError{
		Provider:   c.schema.Name,
		HTTPStatus: resp.StatusCode,
		RequestID:  resp.Header.Get("Request-Id"),
		Retryable:  retryableStatus(resp.StatusCode),
	}
	var decoded map[string]interface{}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if err := json.Unmarshal(buf.Bytes(), &decoded); err == nil {
		if callErr.RequestID == "" {
			callErr.RequestID = GetString(decoded, c.schema.Response.RequestIDPath)
		}
		callErr.ErrorType = GetString(decoded, c.schema.Response.ErrorTypePath)
		callErr.Message = GetString(decoded, c.schema.Response.ErrorMessagePath)
	}
	if callErr.Message == "" {
		callErr.Message = strings.TrimSpace(buf.String())
	}
	if callErr.Message == "" {
		callErr.Message = resp.Status
	}
	return callErr
}
