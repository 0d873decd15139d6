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
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
)

// DispatchFunc executes an interpolated hook action and returns its
// textual result. The engine treats the dispatcher as opaque.
type DispatchFunc func(action Action) (string, error)

// FireResult is the outcome of a control-layer hook run.
type FireResult struct {
	HookID string
	Value  string
}

// ContextBlocks groups context-building hook outputs by position.
type ContextBlocks struct {
	Before []string
	After  []string
}

// Engine evaluates a suppressed, merged hook table against runner
// events.
type Engine struct {
	hooks    []Hook
	dispatch DispatchFunc
}

// NewEngine builds an engine over a hook table. Hooks are ordered by
// layer, declaration order preserved within a layer.
func NewEngine(table []Hook, dispatch DispatchFunc) *Engine {
	ordered := make([]Hook, len(table))
	copy(ordered, table)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Layer < ordered[j].Layer })
	return &Engine{hooks: ordered, dispatch: dispatch}
}

// Fire runs every hook matching event whose condition holds.
// Control layers (0-2) stop at the first non-empty result; the
// infra layer (3) always runs with results and errors logged only.
func (e *Engine) Fire(event string, ctx map[string]interface{}) (*FireResult, error) {
	var control *FireResult
	for i := range e.hooks {
		h := &e.hooks[i]
		if h.Event != event {
			continue
		}
		ok, err := Evaluate(h.Condition, ctx)
		if err != nil {
			return nil, fmt.Errorf("hook %s condition failed: %w", h.ID, err)
		}
		if !ok {
			continue
		}
		if h.Layer >= LayerInfra {
			if _, err := e.dispatch(InterpolateAction(h.Action, ctx)); err != nil {
				log.Warn("infra hook failed", zap.String("hook_id", h.ID), zap.String("event", event), zap.Error(err))
			}
			continue
		}
		if control != nil {
			continue // a control hook already won
		}
		result, err := e.dispatch(InterpolateAction(h.Action, ctx))
		if err != nil {
			return nil, fmt.Errorf("hook %s dispatch failed: %w", h.ID, err)
		}
		if strings.TrimSpace(result) == "" {
			// A control hook that matched an error event must decide;
			// blank output would hide the failure.
			if event == EventError && errorCarried(ctx) {
				return nil, &OverrideError{HookID: h.ID}
			}
			continue
		}
		control = &FireResult{HookID: h.ID, Value: result}
	}
	return control, nil
}

// errorCarried reports whether the event context holds a non-empty
// error, either as a bare message or as the runner's error map.
func errorCarried(ctx map[string]interface{}) bool {
	switch e := ctx["error"].(type) {
	case string:
		return strings.TrimSpace(e) != ""
	case map[string]interface{}:
		msg, _ := e["message"].(string)
		return strings.TrimSpace(msg) != ""
	}
	return false
}

// Collect runs every matching hook for a context-building event
// (build_system_prompt, thread_started) and concatenates the outputs
// by position. Unlike Fire, every matching hook contributes.
func (e *Engine) Collect(event string, ctx map[string]interface{}) (*ContextBlocks, error) {
	blocks := &ContextBlocks{}
	for i := range e.hooks {
		h := &e.hooks[i]
		if h.Event != event {
			continue
		}
		ok, err := Evaluate(h.Condition, ctx)
		if err != nil {
			return nil, fmt.Errorf("hook %s condition failed: %w", h.ID, err)
		}
		if !ok {
			continue
		}
		result, err := e.dispatch(InterpolateAction(h.Action, ctx))
		if err != nil {
			if h.Layer >= LayerInfra {
				log.Warn("infra hook failed", zap.String("hook_id", h.ID), zap.String("event", event), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("hook %s dispatch failed: %w", h.ID, err)
		}
		if strings.TrimSpace(result) == "" {
			continue
		}
		if h.Position == PositionAfter {
			blocks.After = append(blocks.After, result)
		} else {
			blocks.Before = append(blocks.Before, result)
		}
	}
	return blocks, nil
}
