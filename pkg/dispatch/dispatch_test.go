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

package dispatch

import (
	"context"
	"testing"

	"github.com/teradata-labs/rye/pkg/capability"
)

type allowAll struct{}

func (allowAll) CheckPermission(primary, itemType, itemID string) error { return nil }

type denyAll struct{}

func (denyAll) CheckPermission(primary, itemType, itemID string) error {
	return &capability.PermissionDeniedError{Missing: []string{capability.Required(primary, itemType, itemID)}}
}

func echoTool(result map[string]interface{}) Tool {
	return ToolFunc(func(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error) {
		return result, nil
	})
}

func TestDispatch_RoutesByPrimary(t *testing.T) {
	d := New(allowAll{})
	d.RegisterTool(PrimaryExecute, echoTool(map[string]interface{}{"status": "success", "out": "ran"}))

	res, err := d.Dispatch(context.Background(), Action{
		Primary: PrimaryExecute, ItemType: "tool", ItemID: "fs/read",
	}, &ThreadContext{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res["out"] != "ran" {
		t.Errorf("result = %v", res)
	}
}

func TestDispatch_UnregisteredPrimary(t *testing.T) {
	d := New(allowAll{})
	_, err := d.Dispatch(context.Background(), Action{Primary: PrimarySign, ItemType: "tool", ItemID: "x"}, nil)
	if _, ok := err.(*Error); !ok {
		t.Errorf("expected *Error, got %T", err)
	}
}

func TestDispatch_PermissionDenied(t *testing.T) {
	d := New(denyAll{})
	d.RegisterTool(PrimaryExecute, echoTool(nil))
	_, err := d.Dispatch(context.Background(), Action{Primary: PrimaryExecute, ItemType: "tool", ItemID: "fs/read"}, nil)
	if _, ok := err.(*capability.PermissionDeniedError); !ok {
		t.Errorf("expected *PermissionDeniedError, got %T", err)
	}
}

func TestDispatch_ThreadSpawnInjection(t *testing.T) {
	var captured Action
	d := New(allowAll{})
	d.RegisterTool(PrimaryExecute, ToolFunc(func(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error) {
		captured = action
		return map[string]interface{}{"status": "success"}, nil
	}))

	tc := &ThreadContext{
		ThreadID:     "parent-1",
		Depth:        2,
		Limits:       map[string]float64{"spend": 0.5},
		Capabilities: []string{"rye.execute.tool.fs.*"},
	}
	_, err := d.Dispatch(context.Background(), Action{
		Primary: PrimaryExecute, ItemType: "tool", ItemID: ThreadDirectiveToolID,
		Params: map[string]interface{}{"directive_id": "demo/task"},
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if captured.Params["parent_thread_id"] != "parent-1" {
		t.Errorf("parent_thread_id = %v", captured.Params["parent_thread_id"])
	}
	if captured.Params["depth"] != 3 {
		t.Errorf("depth = %v, want caller depth + 1", captured.Params["depth"])
	}
	if captured.Params["directive_id"] != "demo/task" {
		t.Error("caller params lost")
	}
	if _, ok := captured.Params["limit_overrides"]; !ok {
		t.Error("limits not injected")
	}
	if _, ok := captured.Params["parent_capabilities"]; !ok {
		t.Error("capabilities not injected")
	}
}

func TestDispatch_NoInjectionForOrdinaryTools(t *testing.T) {
	var captured Action
	d := New(allowAll{})
	d.RegisterTool(PrimaryExecute, ToolFunc(func(ctx context.Context, action Action, tc *ThreadContext) (map[string]interface{}, error) {
		captured = action
		return nil, nil
	}))
	_, err := d.Dispatch(context.Background(), Action{
		Primary: PrimaryExecute, ItemType: "tool", ItemID: "fs/read",
	}, &ThreadContext{ThreadID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := captured.Params["parent_thread_id"]; ok {
		t.Error("ordinary tool received spawn injection")
	}
}

func TestUnwrapEnvelope(t *testing.T) {
	raw := map[string]interface{}{
		"status":            "success",
		"chain":             []interface{}{"a", "b"},
		"metadata":          map[string]interface{}{"ms": 12},
		"resolved_env_keys": []interface{}{"API_KEY"},
		"path":              "/tmp/x",
		"source":            "project",
		"data": map[string]interface{}{
			"files": []interface{}{"a.txt"},
			"count": 1,
		},
	}
	out := UnwrapEnvelope(raw)
	for _, stripped := range []string{"chain", "metadata", "resolved_env_keys", "path", "source", "data"} {
		if _, ok := out[stripped]; ok {
			t.Errorf("envelope key %q survived", stripped)
		}
	}
	if out["count"] != 1 {
		t.Errorf("data.count not lifted: %v", out)
	}
	if out["status"] != "success" {
		t.Errorf("status = %v", out["status"])
	}
}

func TestUnwrapEnvelope_ErrorSynthesis(t *testing.T) {
	// Outer status error with inner message: most specific wins.
	out := UnwrapEnvelope(map[string]interface{}{
		"status": "error",
		"data":   map[string]interface{}{"error": "file not found: x.txt"},
	})
	if out["status"] != "error" || out["error"] != "file not found: x.txt" {
		t.Errorf("out = %v", out)
	}

	// Inner success=false flips the status even when outer succeeded.
	out = UnwrapEnvelope(map[string]interface{}{
		"status": "success",
		"data":   map[string]interface{}{"success": false, "message": "constraint violated"},
	})
	if out["status"] != "error" || out["error"] != "constraint violated" {
		t.Errorf("out = %v", out)
	}

	// No message anywhere: a placeholder is synthesized.
	out = UnwrapEnvelope(map[string]interface{}{"status": "error"})
	if out["error"] == "" {
		t.Error("expected synthesized error message")
	}
}
