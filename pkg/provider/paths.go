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
	"strconv"
	"strings"
)

// GetPath resolves a dotted path through nested maps and arrays.
// Numeric segments index into arrays.
func GetPath(data interface{}, path string) (interface{}, bool) {
	if path == "" {
		return data, true
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// GetString resolves a path to a string, empty when absent or not a
// string.
func GetString(data interface{}, path string) string {
	v, ok := GetPath(data, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetInt resolves a path to an int, tolerating float64 from JSON
// decoding. Returns 0 when absent.
func GetInt(data interface{}, path string) int {
	v, ok := GetPath(data, path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// SetPath writes a value at a dotted path, creating intermediate maps.
func SetPath(data map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// substituteTemplate renders a template map, replacing string values of
// the exact form "{key}" with the corresponding substitution (preserving
// its type) and interpolating {key} inside longer strings. Nested maps
// recurse.
func substituteTemplate(template map[string]interface{}, subs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		out[k] = substituteValue(v, subs)
	}
	return out
}

func substituteValue(v interface{}, subs map[string]interface{}) interface{} {
	switch x := v.(type) {
	case string:
		if strings.HasPrefix(x, "{") && strings.HasSuffix(x, "}") && strings.Count(x, "{") == 1 {
			key := x[1 : len(x)-1]
			if sub, ok := subs[key]; ok {
				return sub
			}
			return x
		}
		for key, sub := range subs {
			if s, ok := sub.(string); ok {
				x = strings.ReplaceAll(x, "{"+key+"}", s)
			}
		}
		return x
	case map[string]interface{}:
		return substituteTemplate(x, subs)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = substituteValue(item, subs)
		}
		return out
	default:
		return v
	}
}
