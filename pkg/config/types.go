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

package config

// Well-known cascaded configuration names.
const (
	NameHooks      = "hooks"
	NameRisks      = "risks"
	NameResilience = "resilience"
	NameEvents     = "events"
)

// RiskRule maps a capability pattern to a risk level and policy.
// Most-specific-wins: rules with more dotted segments take precedence.
type RiskRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Level   string `yaml:"level"`  // low, medium, high, critical
	Policy  string `yaml:"policy"` // allow, acknowledge_required, block
}

// RisksConfig is the cascaded risk classification table.
type RisksConfig struct {
	Rules []RiskRule `yaml:"rules"`
}

// RetryPolicy configures computed backoff for retryable provider errors.
type RetryPolicy struct {
	BaseSeconds float64 `yaml:"base_seconds"`
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

// ResilienceConfig carries runtime limits that are policy, not directive,
// concerns: context handoff thresholds, resume budgets, transcript
// integrity strictness and retry policy.
type ResilienceConfig struct {
	// ContextThreshold is the context-window usage ratio that triggers
	// handoff. Default 0.9.
	ContextThreshold float64 `yaml:"context_threshold"`

	// ResumeCeilingTokens bounds the trailing message suffix replayed
	// into a continuation thread. Default 16000.
	ResumeCeilingTokens int `yaml:"resume_ceiling_tokens"`

	// IntegrityMode is "strict" (reject unsigned trailing transcript
	// regions on resume) or "tolerant". Default strict.
	IntegrityMode string `yaml:"integrity_mode"`

	// ToolResultByteBudget is the size above which tool results are
	// replaced with artifact references. Default 65536.
	ToolResultByteBudget int `yaml:"tool_result_byte_budget"`

	// ContinuationPrompt is the system default appended after a handoff
	// reconstruction; directives may override it.
	ContinuationPrompt string `yaml:"continuation_prompt"`

	// NudgeMaxAttempts bounds empty-response nudges per thread.
	NudgeMaxAttempts int `yaml:"nudge_max_attempts"`

	Retry RetryPolicy `yaml:"retry"`
}

// Defaults fills zero fields with kernel defaults.
func (r *ResilienceConfig) Defaults() {
	if r.ContextThreshold == 0 {
		r.ContextThreshold = 0.9
	}
	if r.ResumeCeilingTokens == 0 {
		r.ResumeCeilingTokens = 16000
	}
	if r.IntegrityMode == "" {
		r.IntegrityMode = "strict"
	}
	if r.ToolResultByteBudget == 0 {
		r.ToolResultByteBudget = 64 * 1024
	}
	if r.ContinuationPrompt == "" {
		r.ContinuationPrompt = "You are continuing a previous thread that ran out of context. " +
			"Review the conversation above and continue the work where it left off."
	}
	if r.NudgeMaxAttempts == 0 {
		r.NudgeMaxAttempts = 2
	}
	if r.Retry.BaseSeconds == 0 {
		r.Retry.BaseSeconds = 1.0
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = 3
	}
}

// EventsConfig maps transcript event types to criticality levels used by
// sinks to decide what must be flushed synchronously.
type EventsConfig struct {
	Criticality map[string]string `yaml:"criticality"`
}
