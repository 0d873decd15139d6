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

package entry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// inputSchema is enforced before any side effect. Unknown keys are
// rejected outright: a typoed limit name must not silently become an
// unbounded thread.
const inputSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["directive_id"],
  "properties": {
    "directive_id":        {"type": "string", "minLength": 1},
    "async":               {"type": "boolean"},
    "inputs":              {"type": "object"},
    "model":               {"type": "string"},
    "limit_overrides":     {"type": "object", "additionalProperties": {"type": "number"}},
    "parent_thread_id":    {"type": "string"},
    "previous_thread_id":  {"type": "string"},
    "resume_message":      {"type": "string"},
    "depth":               {"type": "integer", "minimum": 0},
    "parent_capabilities": {"type": "array", "items": {"type": "string"}}
  }
}`

// Input is a validated thread-directive request. depth and
// parent_capabilities are injected by the dispatcher on child spawns,
// never supplied by callers directly.
type Input struct {
	DirectiveID        string
	Async              bool
	Inputs             map[string]interface{}
	Model              string
	LimitOverrides     map[string]float64
	ParentThreadID     string
	PreviousThreadID   string
	ResumeMessage      string
	Depth              int
	ParentCapabilities []string
}

// InputError reports a request rejected by schema validation.
type InputError struct {
	Violations []string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid thread directive input: %s", strings.Join(e.Violations, "; "))
}

// ValidateInput checks params against the input schema and decodes it.
func ValidateInput(params map[string]interface{}) (*Input, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(inputSchema),
		gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, fmt.Errorf("input schema validation failed: %w", err)
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, v := range result.Errors() {
			violations = append(violations, v.String())
		}
		return nil, &InputError{Violations: violations}
	}

	in := &Input{
		DirectiveID:      stringField(params, "directive_id"),
		ParentThreadID:   stringField(params, "parent_thread_id"),
		PreviousThreadID: stringField(params, "previous_thread_id"),
		ResumeMessage:    stringField(params, "resume_message"),
		Model:            stringField(params, "model"),
	}
	in.Async, _ = params["async"].(bool)
	in.Inputs, _ = params["inputs"].(map[string]interface{})

	switch raw := params["limit_overrides"].(type) {
	case map[string]interface{}:
		in.LimitOverrides = make(map[string]float64, len(raw))
		for k, v := range raw {
			if f, ok := numeric(v); ok {
				in.LimitOverrides[k] = f
			}
		}
	case map[string]float64:
		in.LimitOverrides = make(map[string]float64, len(raw))
		for k, v := range raw {
			in.LimitOverrides[k] = v
		}
	}
	if f, ok := numeric(params["depth"]); ok {
		in.Depth = int(f)
	}
	if raw, ok := params["parent_capabilities"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				in.ParentCapabilities = append(in.ParentCapabilities, s)
			}
		}
	}
	if caps, ok := params["parent_capabilities"].([]string); ok {
		in.ParentCapabilities = append([]string(nil), caps...)
	}
	return in, nil
}

func stringField(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
