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

import "strings"

// Interpolate replaces {dotted.path} placeholders with values looked up
// in the context. Unresolvable placeholders are left verbatim so the
// receiving tool can report them.
func Interpolate(template string, ctx map[string]interface{}) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close := strings.Index(rest[open:], "}")
		if close < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close += open
		b.WriteString(rest[:open])
		path := rest[open+1 : close]
		if v, ok := LookupPath(ctx, path); ok {
			b.WriteString(valueString(v))
		} else {
			b.WriteString(rest[open : close+1])
		}
		rest = rest[close+1:]
	}
}

// InterpolateAction interpolates every string param of an action,
// returning a copy. Non-string params pass through untouched.
func InterpolateAction(action Action, ctx map[string]interface{}) Action {
	if len(action.Params) == 0 {
		return action
	}
	out := action
	out.Params = make(map[string]interface{}, len(action.Params))
	for k, v := range action.Params {
		if s, ok := v.(string); ok {
			out.Params[k] = Interpolate(s, ctx)
		} else {
			out.Params[k] = v
		}
	}
	return out
}
