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

// Package harness is the per-thread safety envelope: it derives the
// effective capability set by attenuation, classifies declared
// capabilities against the risk table, checks permissions before every
// dispatch, enforces cost limits at turn boundaries, and carries the
// cooperative cancellation flag.
package harness

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/artifact"
	"github.com/teradata-labs/rye/pkg/capability"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/directive"
	"github.com/teradata-labs/rye/pkg/hooks"
)

// LimitExceededError reports the first breached limit at a turn
// boundary.
type LimitExceededError struct {
	Code      string
	Limit     float64
	Observed  float64
	ThreadID  string
	Directive string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit %s exceeded on thread %s: %.4g >= %.4g", e.Code, e.ThreadID, e.Observed, e.Limit)
}

// Usage is the accumulated cost of a running thread.
type Usage struct {
	Turns    int
	Tokens   int
	Spend    float64
	Spawns   int
	StartsAt time.Time
}

// Config assembles a harness for one thread.
type Config struct {
	ThreadID      string
	DirectiveName string
	ProjectPath   string
	Limits        map[string]float64
	Permissions   []string
	ParentToken   *capability.Token
	Acknowledged  []directive.Risk
	Risks         *config.RisksConfig
	Hooks         []hooks.Hook
	Suppress      []string
	Dispatch      hooks.DispatchFunc
	TokenTTL      time.Duration
}

// Harness enforces the safety envelope for one thread.
type Harness struct {
	ThreadID      string
	DirectiveName string
	ProjectPath   string
	Limits        map[string]float64
	Token         *capability.Token
	Engine        *hooks.Engine

	mu        sync.Mutex
	usage     Usage
	cancelled chan struct{}
	cancel    sync.Once
}

// New derives the effective capabilities, applies risk policy, builds
// the hook engine and returns a ready harness. Declared capabilities a
// risk rule blocks fail here unless explicitly acknowledged.
func New(cfg Config) (*Harness, error) {
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	var token *capability.Token
	if cfg.ParentToken != nil {
		token = capability.Attenuate(cfg.ParentToken, cfg.Permissions, cfg.DirectiveName, cfg.ThreadID)
	} else {
		token = capability.Mint(cfg.Permissions, "thread", cfg.DirectiveName, cfg.ThreadID, ttl)
	}

	if cfg.Risks != nil {
		if err := classifyRisks(token.Caps, cfg.Risks.Rules, cfg.Acknowledged, cfg.ThreadID); err != nil {
			return nil, err
		}
	}

	table := hooks.Suppress(cfg.Hooks, cfg.Suppress)
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(hooks.Action) (string, error) { return "", nil }
	}

	return &Harness{
		ThreadID:      cfg.ThreadID,
		DirectiveName: cfg.DirectiveName,
		ProjectPath:   cfg.ProjectPath,
		Limits:        cfg.Limits,
		Token:         token,
		Engine:        hooks.NewEngine(table, dispatch),
		usage:         Usage{StartsAt: time.Now()},
		cancelled:     make(chan struct{}),
	}, nil
}

// CheckPermission tests a dispatch of primary on (itemType, itemID)
// against the effective capability set. Internal sub-tools bypass the
// check; an empty capability set denies everything.
func (h *Harness) CheckPermission(primary, itemType, itemID string) error {
	if itemType == "tool" && artifact.IsInternalToolPath(itemID) {
		return nil
	}
	required := capability.Required(primary, itemType, itemID)
	ok, missing := capability.CheckAll(h.Token.Caps, []string{required})
	if !ok {
		log.Debug("permission denied",
			zap.String("thread_id", h.ThreadID),
			zap.String("required", required))
		return &capability.PermissionDeniedError{Missing: missing}
	}
	return nil
}

// CheckLimits compares accumulated usage against the thresholds and
// returns the first breached limit, or nil.
func (h *Harness) CheckLimits() *LimitExceededError {
	h.mu.Lock()
	usage := h.usage
	h.mu.Unlock()

	checks := []struct {
		code     string
		observed float64
	}{
		{directive.LimitTurns, float64(usage.Turns)},
		{directive.LimitTokens, float64(usage.Tokens)},
		{directive.LimitSpend, usage.Spend},
		{directive.LimitSpawns, float64(usage.Spawns)},
		{directive.LimitDuration, time.Since(usage.StartsAt).Seconds()},
	}
	for _, c := range checks {
		limit, ok := h.Limits[c.code]
		if !ok || limit <= 0 {
			continue
		}
		if c.observed >= limit {
			return &LimitExceededError{
				Code: c.code, Limit: limit, Observed: c.observed,
				ThreadID: h.ThreadID, Directive: h.DirectiveName,
			}
		}
	}
	return nil
}

// Usage returns a snapshot of accumulated cost.
func (h *Harness) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// AddTurn increments the turn counter. Provider retries driven by error
// hooks must not call this.
func (h *Harness) AddTurn() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage.Turns++
	return h.usage.Turns
}

// AddUsage accumulates token and spend cost from one provider call.
func (h *Harness) AddUsage(tokens int, spend float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage.Tokens += tokens
	h.usage.Spend += spend
}

// AddSpawn counts one child-thread spawn.
func (h *Harness) AddSpawn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage.Spawns++
}

// Cancel requests cooperative cancellation; the runner observes it at
// turn boundaries. Idempotent.
func (h *Harness) Cancel() {
	h.cancel.Do(func() { close(h.cancelled) })
}

// Cancelled reports whether cancellation has been requested.
func (h *Harness) Cancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (h *Harness) Done() <-chan struct{} {
	return h.cancelled
}

// RetryDelay computes the backoff before retry attempt n (0-based)
// under the policy: base * 2^n, jittered deterministically within
// ±jitter by the thread id so concurrent threads do not thunder.
func RetryDelay(policy config.RetryPolicy, attempt int, threadID string) time.Duration {
	base := policy.BaseSeconds
	if base <= 0 {
		base = 1.0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if policy.Jitter > 0 {
		// Spread in [-jitter, +jitter] keyed by thread id.
		var sum int
		for _, b := range []byte(threadID) {
			sum += int(b)
		}
		frac := float64(sum%100)/50.0 - 1.0
		delay *= 1 + policy.Jitter*frac
	}
	return time.Duration(delay * float64(time.Second))
}
