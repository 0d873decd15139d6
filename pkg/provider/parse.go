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

// ParseResponse extracts the canonical response from a decoded wire
// body, entirely driven by the response schema. Spend is computed from
// the model's pricing.
func (s *Schema) ParseResponse(body map[string]interface{}, model string) (*types.Response, error) {
	r := &types.Response{
		FinishReason: GetString(body, s.Response.FinishPath),
	}
	r.Usage.InputTokens = GetInt(body, s.Response.InputTokensPath)
	r.Usage.OutputTokens = GetInt(body, s.Response.OutputTokensPath)
	r.Usage.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
	if info, ok := s.Model(model); ok {
		r.Usage.SpendUSD = info.Spend(r.Usage.InputTokens, r.Usage.OutputTokens)
	}

	if s.Response.TextJoin {
		blocks, _ := GetPath(body, s.Response.TextPath)
		list, ok := blocks.([]interface{})
		if !ok {
			return nil, fmt.Errorf("response text path %q is not a block list", s.Response.TextPath)
		}
		var text, thinking strings.Builder
		for _, b := range list {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			blockType := GetString(block, s.Response.TextTypeKey)
			switch blockType {
			case s.Response.TextType:
				text.WriteString(GetString(block, s.Response.TextKey))
			case s.Response.ThinkingType:
				if s.Response.ThinkingType != "" {
					thinking.WriteString(GetString(block, s.Response.TextKey))
				}
			}
		}
		r.Text = text.String()
		r.Thinking = thinking.String()
	} else {
		r.Text = GetString(body, s.Response.TextPath)
	}

	toolCalls, err := s.extractToolCalls(body)
	if err != nil {
		return nil, err
	}
	r.ToolCalls = toolCalls
	return r, nil
}

func (s *Schema) extractToolCalls(body map[string]interface{}) ([]types.ToolCall, error) {
	tc := s.Response.ToolCalls
	if tc.Path == "" {
		return nil, nil
	}
	raw, ok := GetPath(body, tc.Path)
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	var calls []types.ToolCall
	for _, item := range list {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if tc.TypeKey != "" && GetString(block, tc.TypeKey) != tc.TypeValue {
			continue
		}
		call := types.ToolCall{
			ID:   GetString(block, tc.IDKey),
			Name: GetString(block, tc.NameKey),
		}
		input, err := decodeToolInput(block, tc.InputKey)
		if err != nil {
			return nil, fmt.Errorf("tool call %s has undecodable input: %w", call.ID, err)
		}
		call.Input = input
		calls = append(calls, call)
	}
	return calls, nil
}

// decodeToolInput accepts either an already-decoded object or a JSON
// string (providers differ).
func decodeToolInput(block map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, ok := GetPath(block, key)
	if !ok || raw == nil {
		return map[string]interface{}{}, nil
	}
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]interface{}{}, nil
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("unsupported input type %T", raw)
}
