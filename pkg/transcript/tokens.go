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

package transcript

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/rye/pkg/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens in text with the cl100k_base encoding,
// falling back to the chars/4 heuristic when the encoding is
// unavailable (offline BPE data fetch).
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// EstimateMessages estimates the token footprint of a message history,
// including a small per-message framing overhead.
func EstimateMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + 8
			for _, v := range tc.Input {
				if s, ok := v.(string); ok {
					total += EstimateTokens(s)
				}
			}
		}
	}
	return total
}
