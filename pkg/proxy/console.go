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

package proxy

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const (
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiReset  = "\x1b[0m"
)

// consoleLogger writes the one-line-per-request console feed:
//
//	[reqId] <cache%> | in:X out:Y | create:C read:R | <ms>
//
// It is independent of the zap sinks and always on. Only the cache
// percentage is colored, and only on a terminal, so piped output stays
// grep-friendly.
type consoleLogger struct {
	mu  sync.Mutex
	w   io.Writer
	tty bool
}

func newConsoleLogger(w io.Writer) *consoleLogger {
	if w == nil {
		w = os.Stdout
	}
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &consoleLogger{w: w, tty: tty}
}

// Line prints one request's token accounting and latency.
func (c *consoleLogger) Line(reqID string, usage types.TokenUsage, elapsed time.Duration) {
	pct := usage.CachePercent()
	cache := fmt.Sprintf("%d%%", pct)
	if c.tty {
		cache = cacheColor(pct) + cache + ansiReset
	}
	line := fmt.Sprintf("[%s] %s | in:%d out:%d | create:%d read:%d | %dms\n",
		reqID, cache,
		usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationInputTokens, usage.CacheReadInputTokens,
		elapsed.Milliseconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, line)
}

// cacheColor bands the cache hit rate: a warm cache is the whole point of
// byte-preserving injection, so a cold one shows red.
func cacheColor(pct int) string {
	switch {
	case pct >= 80:
		return ansiGreen
	case pct >= 40:
		return ansiYellow
	default:
		return ansiRed
	}
}
