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

package hooks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition is the small declarative predicate language for hooks:
// a dotted path lookup with a comparison operator, or a boolean
// combinator over child conditions. A nil condition is always true.
type Condition struct {
	Path  string      `yaml:"path,omitempty"`
	Op    string      `yaml:"op,omitempty"`
	Value interface{} `yaml:"value,omitempty"`

	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty"`
}

// Evaluate tests a condition against the ambient context.
func Evaluate(c *Condition, ctx map[string]interface{}) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			ok, err := Evaluate(&c.All[i], ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for i := range c.Any {
			ok, err := Evaluate(&c.Any[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := Evaluate(c.Not, ctx)
		return !ok, err
	case c.Path != "":
		return evaluateComparison(c, ctx)
	}
	// Empty condition body.
	return true, nil
}

func evaluateComparison(c *Condition, ctx map[string]interface{}) (bool, error) {
	actual, found := LookupPath(ctx, c.Path)
	switch c.Op {
	case "eq":
		return found && valueString(actual) == valueString(c.Value), nil
	case "ne":
		return !found || valueString(actual) != valueString(c.Value), nil
	case "contains":
		return found && strings.Contains(valueString(actual), valueString(c.Value)), nil
	case "regex":
		if !found {
			return false, nil
		}
		re, err := regexp.Compile(valueString(c.Value))
		if err != nil {
			return false, fmt.Errorf("bad regex in condition on %s: %w", c.Path, err)
		}
		return re.MatchString(valueString(actual)), nil
	case "gt", "lt", "gte", "lte":
		if !found {
			return false, nil
		}
		a, aok := valueFloat(actual)
		b, bok := valueFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("non-numeric operands for %s on %s", c.Op, c.Path)
		}
		switch c.Op {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "gte":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case "":
		// Bare path: truthy when present and non-empty.
		return found && valueString(actual) != "" && valueString(actual) != "false", nil
	}
	return false, fmt.Errorf("unknown condition operator %q", c.Op)
}

// LookupPath resolves a dotted path through nested maps.
func LookupPath(ctx map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = ctx
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valueString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func valueFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
