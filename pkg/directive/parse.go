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

package directive

import (
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/rye/pkg/capability"
	"github.com/teradata-labs/rye/pkg/hooks"
)

// Directive file shape: an optional signature header (already stripped
// by the artifact store), a <directive>…</directive> XML metadata
// block, then the Markdown body.

type xmlDirective struct {
	XMLName     xml.Name   `xml:"directive"`
	ID          string     `xml:"id"`
	Version     string     `xml:"version"`
	Extends     string     `xml:"extends"`
	Description string     `xml:"description"`
	Model       xmlModel   `xml:"model"`
	Limits      []xmlLimit `xml:"limits>limit"`
	Permissions []string   `xml:"permissions>capability"`
	Risks       []xmlRisk  `xml:"acknowledged_risks>risk"`
	Hooks       []xmlHook  `xml:"hooks>hook"`
	Context     xmlContext `xml:"context"`
	Outputs     []xmlOut   `xml:"outputs>output"`
	Continue    string     `xml:"continuation_prompt"`
}

type xmlModel struct {
	ID       string `xml:",chardata"`
	Tier     string `xml:"tier,attr"`
	Provider string `xml:"provider,attr"`
}

type xmlLimit struct {
	Name  string  `xml:"name,attr"`
	Value float64 `xml:"value,attr"`
}

type xmlRisk struct {
	Name   string `xml:"name,attr"`
	Reason string `xml:"reason,attr"`
}

type xmlHook struct {
	ID        string     `xml:"id,attr"`
	Event     string     `xml:"event,attr"`
	Layer     int        `xml:"layer,attr"`
	Position  string     `xml:"position,attr"`
	Condition string    `xml:"condition"` // YAML, same shape as hooks.yaml conditions
	Action    xmlAction `xml:"action"`
}

type xmlAction struct {
	Primary  string     `xml:"primary,attr"`
	ItemType string     `xml:"item_type,attr"`
	ItemID   string     `xml:"item_id,attr"`
	Params   []xmlParam `xml:"param"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlContext struct {
	System   []string `xml:"system"`
	Before   []string `xml:"before"`
	After    []string `xml:"after"`
	Suppress []string `xml:"suppress"`
}

type xmlOut struct {
	Name        string `xml:"name,attr"`
	Type        string `xml:"type,attr"`
	Required    bool   `xml:"required,attr"`
	Description string `xml:",chardata"`
}

// Parse decodes a directive body (metadata block + markdown). The id
// argument is the store id the file resolved under; a mismatching id
// declared in the metadata fails validation.
func Parse(content []byte, id string) (*Directive, error) {
	text := string(content)
	start := strings.Index(text, "<directive")
	if start < 0 {
		return nil, &ValidationError{ID: id, Reason: "missing <directive> metadata block"}
	}
	end := strings.Index(text, "</directive>")
	if end < 0 {
		return nil, &ValidationError{ID: id, Reason: "unterminated <directive> metadata block"}
	}
	end += len("</directive>")

	var meta xmlDirective
	if err := xml.Unmarshal([]byte(text[start:end]), &meta); err != nil {
		return nil, &ValidationError{ID: id, Reason: fmt.Sprintf("bad metadata XML: %v", err)}
	}
	if meta.ID != "" && id != "" && meta.ID != id {
		return nil, &ValidationError{ID: id, Reason: fmt.Sprintf("metadata declares id %q", meta.ID)}
	}

	d := &Directive{
		ID:                 id,
		Version:            meta.Version,
		Extends:            meta.Extends,
		Description:        strings.TrimSpace(meta.Description),
		Body:               strings.TrimSpace(text[end:]),
		Model:              Model{ID: strings.TrimSpace(meta.Model.ID), Tier: meta.Model.Tier, Provider: meta.Model.Provider},
		Limits:             make(map[string]float64),
		ContinuationPrompt: strings.TrimSpace(meta.Continue),
		Context: Context{
			System:   trimAll(meta.Context.System),
			Before:   trimAll(meta.Context.Before),
			After:    trimAll(meta.Context.After),
			Suppress: trimAll(meta.Context.Suppress),
		},
	}
	if d.ID == "" {
		d.ID = meta.ID
	}

	for _, l := range meta.Limits {
		if !knownLimit(l.Name) {
			return nil, &ValidationError{ID: d.ID, Reason: fmt.Sprintf("unknown limit %q", l.Name)}
		}
		d.Limits[l.Name] = l.Value
	}

	for _, p := range meta.Permissions {
		normalized, err := capability.Normalize(p)
		if err != nil {
			return nil, &ValidationError{ID: d.ID, Reason: err.Error()}
		}
		d.Permissions = append(d.Permissions, normalized)
	}

	for _, r := range meta.Risks {
		if r.Name == "" || r.Reason == "" {
			return nil, &ValidationError{ID: d.ID, Reason: "acknowledged risk requires name and reason"}
		}
		d.AcknowledgedRisks = append(d.AcknowledgedRisks, Risk{Name: r.Name, Reason: r.Reason})
	}

	for _, h := range meta.Hooks {
		hook, err := h.toHook()
		if err != nil {
			return nil, &ValidationError{ID: d.ID, Reason: err.Error()}
		}
		d.Hooks = append(d.Hooks, hook)
	}

	for _, o := range meta.Outputs {
		if o.Name == "" {
			return nil, &ValidationError{ID: d.ID, Reason: "output declaration requires a name"}
		}
		d.Outputs = append(d.Outputs, Output{
			Name: o.Name, Type: o.Type, Required: o.Required,
			Description: strings.TrimSpace(o.Description),
		})
	}

	return d, nil
}

func (h xmlHook) toHook() (hooks.Hook, error) {
	hook := hooks.Hook{
		ID:       h.ID,
		Event:    h.Event,
		Layer:    h.Layer,
		Position: h.Position,
		Action: hooks.Action{
			Primary:  h.Action.Primary,
			ItemType: h.Action.ItemType,
			ItemID:   h.Action.ItemID,
		},
	}
	if hook.ID == "" || hook.Event == "" {
		return hook, fmt.Errorf("hook requires id and event attributes")
	}
	if cond := strings.TrimSpace(h.Condition); cond != "" {
		var c hooks.Condition
		if err := yaml.Unmarshal([]byte(cond), &c); err != nil {
			return hook, fmt.Errorf("hook %s has a bad condition: %w", h.ID, err)
		}
		hook.Condition = &c
	}
	for _, p := range h.Action.Params {
		if hook.Action.Params == nil {
			hook.Action.Params = make(map[string]interface{})
		}
		hook.Action.Params[p.Name] = strings.TrimSpace(p.Value)
	}
	return hook, nil
}

func knownLimit(name string) bool {
	for _, k := range KnownLimits {
		if k == name {
			return true
		}
	}
	return false
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
