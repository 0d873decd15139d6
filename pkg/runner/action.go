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

package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/teradata-labs/rye/pkg/dispatch"
	"github.com/teradata-labs/rye/pkg/harness"
	"github.com/teradata-labs/rye/pkg/provider"
	"github.com/teradata-labs/rye/pkg/types"
)

// primaryToolNames maps the wrapper tool names offered to the model onto
// primary verbs. Authorization applies to the inner action, not the
// wrapper.
var primaryToolNames = map[string]string{
	"rye_execute": dispatch.PrimaryExecute,
	"rye_search":  dispatch.PrimarySearch,
	"rye_load":    dispatch.PrimaryLoad,
	"rye_sign":    dispatch.PrimarySign,
}

// parseAction converts a model tool call into the inner dispatch action.
// The wrapper input carries item_type and item_id; every other key is a
// tool parameter, with an optional "params" sub-object merged in.
func parseAction(tc types.ToolCall) (dispatch.Action, error) {
	if tc.Name == DirectiveReturnToolID {
		return dispatch.Action{
			Primary:  dispatch.PrimaryExecute,
			ItemType: "tool",
			ItemID:   DirectiveReturnToolID,
			Params:   tc.Input,
		}, nil
	}
	primary, ok := primaryToolNames[tc.Name]
	if !ok {
		return dispatch.Action{}, fmt.Errorf("unknown tool %q: expected one of rye_execute, rye_search, rye_load, rye_sign, directive_return", tc.Name)
	}

	itemType, _ := tc.Input["item_type"].(string)
	itemID, _ := tc.Input["item_id"].(string)
	if itemID == "" {
		return dispatch.Action{}, fmt.Errorf("tool %s call is missing item_id", tc.Name)
	}

	params := map[string]interface{}{}
	if sub, ok := tc.Input["params"].(map[string]interface{}); ok {
		for k, v := range sub {
			params[k] = v
		}
	}
	for k, v := range tc.Input {
		switch k {
		case "item_type", "item_id", "params":
			continue
		}
		params[k] = v
	}
	return dispatch.Action{Primary: primary, ItemType: itemType, ItemID: itemID, Params: params}, nil
}

// isThreadSpawn reports whether the action spawns a child thread and so
// counts against the spawn limit.
func isThreadSpawn(action dispatch.Action) bool {
	return action.Primary == dispatch.PrimaryExecute && action.ItemID == dispatch.ThreadDirectiveToolID
}

// retryableError reports whether a provider failure is worth retrying.
// Only classified transient call errors qualify; schema and stream
// assembly errors are permanent.
func retryableError(err error) bool {
	var callErr *provider.CallError
	if errors.As(err, &callErr) {
		return callErr.Retryable
	}
	return false
}

// encodeResult renders a tool result map as the string content fed back
// to the model.
func encodeResult(result map[string]interface{}) string {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(encoded)
}

// encodeUsage serializes the final usage snapshot for the registry.
func encodeUsage(u harness.Usage) string {
	encoded, err := json.Marshal(map[string]interface{}{
		"turns":  u.Turns,
		"tokens": u.Tokens,
		"spend":  u.Spend,
		"spawns": u.Spawns,
	})
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// compactStrings drops empty entries, preserving order.
func compactStrings(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func readFileQuiet(path string) []byte {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return raw
}
