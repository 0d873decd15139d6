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
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/types"
)

// BuildRequestBody translates the canonical conversation into the
// provider's wire format per the message schema.
func (s *Schema) BuildRequestBody(model string, messages []types.Message, tools []types.ToolSchema, systemPrompt string) map[string]interface{} {
	body := make(map[string]interface{})
	for k, v := range s.RequestDefaults {
		body[k] = v
	}
	body["model"] = model

	wire := s.convertMessages(messages)

	if systemPrompt != "" {
		switch s.Message.SystemMessage.Strategy {
		case SystemBodyInject:
			injected := substituteTemplate(s.Message.SystemMessage.Template,
				map[string]interface{}{"system": systemPrompt})
			body = config.DeepMerge(body, injected)
		case SystemMessageRole:
			role := s.Message.SystemMessage.Role
			if role == "" {
				role = "system"
			}
			sysMsg := map[string]interface{}{
				"role":                role,
				s.Message.ContentKey: s.wrapContent(systemPrompt),
			}
			wire = append([]interface{}{sysMsg}, wire...)
		default: // body_field
			field := s.Message.SystemMessage.Field
			if field == "" {
				field = "system"
			}
			SetPath(body, field, systemPrompt)
		}
	}
	body["messages"] = wire

	if len(tools) > 0 && s.Tool.Template != nil {
		wireTools := make([]interface{}, len(tools))
		for i, t := range tools {
			wireTools[i] = substituteTemplate(s.Tool.Template, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"schema":      t.InputSchema,
			})
		}
		if s.Tool.ListWrap != "" {
			SetPath(body, s.Tool.ListWrap, wireTools)
		} else {
			body["tools"] = wireTools
		}
	}
	return body
}

func (s *Schema) convertMessages(messages []types.Message) []interface{} {
	var wire []interface{}
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role == "tool" {
			if s.Message.ToolResult.Grouped {
				// Batch consecutive tool results into one wire message.
				var blocks []interface{}
				for i < len(messages) && messages[i].Role == "tool" {
					blocks = append(blocks, s.toolResultBlock(messages[i]))
					i++
				}
				wire = append(wire, map[string]interface{}{
					"role":                s.mapRole("tool"),
					s.Message.ContentKey: blocks,
				})
			} else {
				wire = append(wire, s.toolResultMessage(m))
				i++
			}
			continue
		}
		wire = append(wire, s.convertMessage(m))
		i++
	}
	return wire
}

func (s *Schema) convertMessage(m types.Message) map[string]interface{} {
	msg := map[string]interface{}{"role": s.mapRole(m.Role)}

	if m.Role == "assistant" && len(m.ToolCalls) > 0 && s.Message.ToolCallBlockTemplate != nil {
		// Assistant tool calls are reconstructed as wire blocks alongside
		// any text content.
		var blocks []interface{}
		if m.Content != "" {
			blocks = append(blocks, s.textBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			input := tc.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, substituteTemplate(s.Message.ToolCallBlockTemplate, map[string]interface{}{
				"id":    tc.ID,
				"name":  tc.Name,
				"input": input,
			}))
		}
		msg[s.Message.ContentKey] = blocks
		return msg
	}

	msg[s.Message.ContentKey] = s.wrapContent(m.Content)
	return msg
}

func (s *Schema) wrapContent(text string) interface{} {
	switch s.Message.ContentWrap {
	case WrapBlocksArray, WrapPartsArray:
		return []interface{}{s.textBlock(text)}
	default:
		return text
	}
}

func (s *Schema) textBlock(text string) map[string]interface{} {
	if s.Message.TextBlockTemplate != nil {
		return substituteTemplate(s.Message.TextBlockTemplate, map[string]interface{}{"text": text})
	}
	return map[string]interface{}{"type": "text", "text": text}
}

func (s *Schema) toolResultBlock(m types.Message) map[string]interface{} {
	tr := s.Message.ToolResult
	block := map[string]interface{}{}
	if tr.TypeValue != "" {
		block["type"] = tr.TypeValue
	}
	idKey := tr.IDKey
	if idKey == "" {
		idKey = "tool_call_id"
	}
	block[idKey] = m.ToolCallID
	contentKey := tr.ContentKey
	if contentKey == "" {
		contentKey = "content"
	}
	block[contentKey] = m.Content
	if m.IsError && tr.ErrorKey != "" {
		block[tr.ErrorKey] = true
	}
	return block
}

func (s *Schema) toolResultMessage(m types.Message) map[string]interface{} {
	role := s.Message.ToolResult.Role
	if role == "" {
		role = s.mapRole("tool")
	}
	msg := s.toolResultBlock(m)
	msg["role"] = role
	return msg
}

func (s *Schema) mapRole(role string) string {
	if mapped, ok := s.Message.RoleMap[role]; ok {
		return mapped
	}
	return role
}
