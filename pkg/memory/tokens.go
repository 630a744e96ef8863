// Copyright 2026 The Grov Authors
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

package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for injection budgets.
// Uses tiktoken with cl100k_base encoding (Claude-compatible approximation).
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalTokenCounter *TokenCounter
	counterInitOnce    sync.Once
)

// GetTokenCounter returns a singleton token counter instance.
func GetTokenCounter() *TokenCounter {
	counterInitOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Fall back to approximate counting if tiktoken cannot load.
			globalTokenCounter = &TokenCounter{encoder: nil}
			return
		}
		globalTokenCounter = &TokenCounter{encoder: tkm}
	})
	return globalTokenCounter
}

// CountTokens returns the token count for a given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoder == nil {
		// Char-based estimation when the encoder is not available.
		return len(text) / 4
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}
