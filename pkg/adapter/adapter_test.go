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

package adapter

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter claims a single path and nothing else.
type stubAdapter struct {
	Adapter
	name string
	path string
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) CanHandle(p string) bool { return p == s.path }

func TestRegistry_ForPath(t *testing.T) {
	first := &stubAdapter{name: "first", path: "/v1/messages"}
	other := &stubAdapter{name: "other", path: "/v1/other"}
	reg := NewRegistry(first, other)

	got, ok := reg.ForPath("/v1/other")
	require.True(t, ok)
	assert.Equal(t, "other", got.Name())

	_, ok = reg.ForPath("/v1/unknown")
	assert.False(t, ok)

	// A later registration for the same path takes priority.
	override := &stubAdapter{name: "override", path: "/v1/messages"}
	reg.Register(override)
	got, ok = reg.ForPath("/v1/messages")
	require.True(t, ok)
	assert.Equal(t, "override", got.Name())
}

func TestGatewayStatus(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, GatewayStatus(ErrUpstreamTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, GatewayStatus(errors.Join(errors.New("wrap"), ErrUpstreamTimeout)))
	assert.Equal(t, http.StatusBadGateway, GatewayStatus(ErrUpstreamUnreachable))
	assert.Equal(t, http.StatusBadGateway, GatewayStatus(errors.New("anything else")))
}

func TestFilterResponseHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Request-Id", "req_1")
	in.Set("Anthropic-Ratelimit-Tokens-Remaining", "5000")
	in.Set("X-Ratelimit-Limit", "60")
	in.Set("Retry-After", "2")
	in.Set("Set-Cookie", "secret=1")
	in.Set("Server", "envoy")

	out := FilterResponseHeaders(in)
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "req_1", out.Get("Request-Id"))
	assert.Equal(t, "5000", out.Get("Anthropic-Ratelimit-Tokens-Remaining"))
	assert.Equal(t, "60", out.Get("X-Ratelimit-Limit"))
	assert.Equal(t, "2", out.Get("Retry-After"))
	assert.Empty(t, out.Get("Set-Cookie"))
	assert.Empty(t, out.Get("Server"))
}
