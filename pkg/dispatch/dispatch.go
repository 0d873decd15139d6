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

// Package dispatch routes primary actions (execute, search, load, sign)
// to their registered tools, injecting parent thread context into child
// spawns and unwrapping the standard tool result envelope.
package dispatch

import (
	"context"
	"fmt"
)

// The four primary actions.
const (
	PrimaryExecute = "execute"
	PrimarySearch  = "search"
	PrimaryLoad    = "load"
	PrimarySign    = "sign"
)

// ThreadDirectiveToolID is the tool id whose execution spawns a child
// thread; dispatches targeting it get parent context injected.
const ThreadDirectiveToolID = "rye/agent/threads/thread_directive"

// Action is one dispatchable unit: a primary verb applied to a resolved
// artifact with parameters.
type Action struct {
	Primary  string                 `json:"primary"`
	ItemType string                 `json:"item_type"`
	ItemID   string                 `json:"item_id"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// ThreadContext carries the calling thread's identity and inherited
// constraints into tool execution.
type ThreadContext struct {
	ThreadID     string
	Depth        int
	Limits       map[string]float64
	Capabilities []string
	ProjectPath  string
}

// Tool executes actions for one primary. The four primaries are
// external collaborators behind this interface.
type Tool interface {
	Execute(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error)

func (f ToolFunc) Execute(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error) {
	return f(ctx, action, tc)
}

// PermissionChecker gates dispatches; satisfied by *harness.Harness.
type PermissionChecker interface {
	CheckPermission(primary, itemType, itemID string) error
}

// Error reports a dispatch that could not be routed or executed.
type Error struct {
	Primary string
	ItemID  string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch of %s on %q failed: %s", e.Primary, e.ItemID, e.Reason)
}

// Dispatcher routes actions to primary tools.
type Dispatcher struct {
	tools   map[string]Tool
	checker PermissionChecker
}

// New returns a dispatcher gated by checker.
func New(checker PermissionChecker) *Dispatcher {
	return &Dispatcher{tools: make(map[string]Tool), checker: checker}
}

// RegisterTool binds a primary verb to its tool.
func (d *Dispatcher) RegisterTool(primary string, tool Tool) {
	d.tools[primary] = tool
}

// Dispatch checks permission on the inner action, injects parent
// context for thread spawns, routes to the primary tool and unwraps the
// result envelope. Tool-level failures come back as a result map with
// status "error", not a Go error; Go errors mean the dispatch itself
// broke.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error) {
	if action.Primary == "" || action.ItemID == "" {
		return nil, &Error{Primary: action.Primary, ItemID: action.ItemID, Reason: "action requires primary and item_id"}
	}

	if isThreadSpawn(action) && tc != nil {
		action = injectParentContext(action, tc)
	}

	if d.checker != nil {
		if err := d.checker.CheckPermission(action.Primary, action.ItemType, action.ItemID); err != nil {
			return nil, err
		}
	}

	tool, ok := d.tools[action.Primary]
	if !ok {
		return nil, &Error{Primary: action.Primary, ItemID: action.ItemID, Reason: "no tool registered for primary"}
	}

	raw, err := tool.Execute(ctx, action, tc)
	if err != nil {
		return nil, &Error{Primary: action.Primary, ItemID: action.ItemID, Reason: err.Error()}
	}
	return UnwrapEnvelope(raw), nil
}

func isThreadSpawn(action Action) bool {
	return action.Primary == PrimaryExecute && action.ItemType == "tool" && action.ItemID == ThreadDirectiveToolID
}

// injectParentContext copies the caller's identity and constraints into
// a child spawn's params. Explicit caller params win; the injection only
// fills what the model left unset, except the parent id and depth which
// are always authoritative. The child runs one level deeper than the
// caller.
func injectParentContext(action Action, tc *ThreadContext) Action {
	out := action
	out.Params = make(map[string]interface{}, len(action.Params)+4)
	for k, v := range action.Params {
		out.Params[k] = v
	}
	out.Params["parent_thread_id"] = tc.ThreadID
	out.Params["depth"] = tc.Depth + 1
	if _, ok := out.Params["limit_overrides"]; !ok && len(tc.Limits) > 0 {
		limits := make(map[string]interface{}, len(tc.Limits))
		for k, v := range tc.Limits {
			limits[k] = v
		}
		out.Params["limit_overrides"] = limits
	}
	if _, ok := out.Params["parent_capabilities"]; !ok && len(tc.Capabilities) > 0 {
		caps := make([]interface{}, len(tc.Capabilities))
		for i, c := range tc.Capabilities {
			caps[i] = c
		}
		out.Params["parent_capabilities"] = caps
	}
	return out
}

// envelopeKeys are transport bookkeeping stripped before results reach
// the model context.
var envelopeKeys = map[string]bool{
	"chain":             true,
	"metadata":          true,
	"resolved_env_keys": true,
	"path":              true,
	"source":            true,
}

// UnwrapEnvelope strips transport keys, lifts data.* to the top level
// and synthesizes a flat error status when the outer status or inner
// success flag reports failure.
func UnwrapEnvelope(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if envelopeKeys[k] || k == "data" {
			continue
		}
		out[k] = v
	}
	if data, ok := raw["data"].(map[string]interface{}); ok {
		for k, v := range data {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}

	outerError := stringOf(raw["status"]) == "error"
	innerFailed := false
	if success, ok := out["success"].(bool); ok && !success {
		innerFailed = true
	}
	if outerError || innerFailed {
		out["status"] = "error"
		if stringOf(out["error"]) == "" {
			out["error"] = mostSpecificError(raw, out)
		}
	}
	return out
}

// mostSpecificError prefers the inner error message over the outer one.
func mostSpecificError(raw, unwrapped map[string]interface{}) string {
	for _, candidate := range []interface{}{
		unwrapped["error"], unwrapped["message"],
		raw["error"], raw["message"],
	} {
		if s := stringOf(candidate); s != "" {
			return s
		}
	}
	return "tool reported failure without a message"
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}
