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

package harness

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/capability"
	"github.com/teradata-labs/rye/pkg/config"
	"github.com/teradata-labs/rye/pkg/directive"
)

// Risk policies.
const (
	PolicyAllow       = "allow"
	PolicyAcknowledge = "acknowledge_required"
	PolicyBlock       = "block"
)

// RiskBlockedError reports a declared capability the risk table blocks
// without an explicit acknowledgment.
type RiskBlockedError struct {
	Capability string
	Risk       string
	Level      string
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("capability %s blocked by risk %s (%s); add an acknowledged_risks entry to proceed",
		e.Capability, e.Risk, e.Level)
}

// classifyRisks applies the risk table to every declared capability.
// The most specific matching rule wins, decided by dot count of the
// pattern. System-namespace capabilities are blocked by a built-in rule
// unless acknowledged, regardless of the table.
func classifyRisks(caps []string, rules []config.RiskRule, acknowledged []directive.Risk, threadID string) error {
	acked := make(map[string]string, len(acknowledged))
	for _, a := range acknowledged {
		acked[a.Name] = a.Reason
	}

	for _, c := range caps {
		rule := mostSpecificRule(c, rules)

		if capability.IsSystem(c) && (rule == nil || rule.Policy != PolicyAllow) {
			if _, ok := acked["system_namespace"]; !ok {
				return &RiskBlockedError{Capability: c, Risk: "system_namespace", Level: "critical"}
			}
			continue
		}
		if rule == nil {
			continue
		}

		switch rule.Policy {
		case PolicyBlock:
			if _, ok := acked[rule.ID]; !ok {
				return &RiskBlockedError{Capability: c, Risk: rule.ID, Level: rule.Level}
			}
			log.Info("blocked capability acknowledged",
				zap.String("thread_id", threadID),
				zap.String("capability", c),
				zap.String("risk", rule.ID),
				zap.String("reason", acked[rule.ID]))
		case PolicyAcknowledge:
			log.Warn("capability requires attention",
				zap.String("thread_id", threadID),
				zap.String("capability", c),
				zap.String("risk", rule.ID),
				zap.String("level", rule.Level))
		}
	}
	return nil
}

// mostSpecificRule returns the matching rule with the highest dot
// count, or nil. Ties resolve to the earliest declared rule.
func mostSpecificRule(cap string, rules []config.RiskRule) *config.RiskRule {
	var best *config.RiskRule
	bestDots := -1
	for i := range rules {
		r := &rules[i]
		if !capability.Match(r.Pattern, cap) {
			continue
		}
		dots := strings.Count(r.Pattern, ".")
		if dots > bestDots {
			best = r
			bestDots = dots
		}
	}
	return best
}
