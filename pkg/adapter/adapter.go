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

// Package adapter isolates vendor quirks behind a single interface so the
// proxy stays vendor-neutral. An adapter knows how to parse a vendor's
// request shape, forward it upstream, normalize the response, and perform
// the byte-preserving injections the cache contract requires.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// Forward errors, mapped to gateway statuses by the proxy.
var (
	// ErrUpstreamTimeout marks a forward that exceeded its deadline.
	ErrUpstreamTimeout = errors.New("adapter: upstream timeout")

	// ErrUpstreamUnreachable marks connection-level failures.
	ErrUpstreamUnreachable = errors.New("adapter: upstream unreachable")
)

// GatewayStatus maps a forward error to the HTTP status the client gets.
func GatewayStatus(err error) int {
	if errors.Is(err, ErrUpstreamTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// ForwardResult is the outcome of one upstream round trip.
type ForwardResult struct {
	Status int

	// Header holds only the allowlisted upstream headers safe to pass
	// through (rate limits, request id, retry hints).
	Header http.Header

	// Message is the normalized response, assembled from the JSON body or
	// the fully-consumed event stream. Nil when the body is not a
	// well-formed message (the proxy still replays RawBody).
	Message *types.ResponseMessage

	// RawBody is the exact bytes to replay to the client: the decoded JSON
	// body, or the verbatim event stream.
	RawBody []byte

	WasEventStream bool
}

// Adapter is the per-vendor capability used by the proxy.
type Adapter interface {
	// Name identifies the vendor in logs and events.
	Name() string

	// CanHandle reports whether this adapter serves the request path.
	CanHandle(path string) bool

	// Forward sends the (possibly injected) body upstream and consumes the
	// response in full, event streams included.
	Forward(ctx context.Context, body []byte, header http.Header) (*ForwardResult, error)

	// ParseRequest decodes the logical view of a request body. The raw
	// bytes stay authoritative for anything cache-sensitive.
	ParseRequest(raw []byte) (*types.Request, error)

	// ExtractProjectPath derives the workspace path the client is working
	// in, or "default" when the request does not reveal one.
	ExtractProjectPath(req *types.Request) string

	// ExtractGoal returns the user's task statement from the conversation.
	ExtractGoal(messages []types.Message) string

	// ExtractConversationHistory flattens messages to role/text pairs.
	ExtractConversationHistory(messages []types.Message) []types.HistoryEntry

	// IsValidResponse reports whether the normalized response is a
	// well-formed message worth post-processing.
	IsValidResponse(msg *types.ResponseMessage) bool

	// IsEndTurn reports whether the turn concluded with no outstanding
	// tool call.
	IsEndTurn(msg *types.ResponseMessage) bool

	// ParseActions normalizes the response's tool calls.
	ParseActions(msg *types.ResponseMessage) []types.Action

	// ExtractTextContent concatenates the response's text blocks.
	ExtractTextContent(msg *types.ResponseMessage) string

	// ExtractTokenUsage returns the turn's token accounting.
	ExtractTokenUsage(msg *types.ResponseMessage) types.TokenUsage

	// Raw-byte injection. These never re-serialize the body.
	InjectIntoSystem(raw []byte, text string) ([]byte, error)
	InjectIntoLastUserMessage(raw []byte, text string) ([]byte, error)
	InjectToolIntoRaw(raw []byte, tool json.RawMessage) ([]byte, error)

	// Logical-body mutation for paths where the cache is already forfeit
	// (CLEAR, bypass). These re-marshal.
	InjectMemory(req *types.Request, text string) error
	InjectDelta(req *types.Request, text string) error
	BuildContinueBody(req *types.Request, assistantContent json.RawMessage, toolResult, toolUseID string) ([]byte, error)
}

// Registry resolves the adapter for a request path.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry returns a registry pre-loaded with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Register adds an adapter. Later registrations win ties.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append([]Adapter{a}, r.adapters...)
}

// ForPath returns the first adapter claiming the path.
func (r *Registry) ForPath(path string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.CanHandle(path) {
			return a, true
		}
	}
	return nil, false
}

// passHeaders is the allowlist of upstream response headers the proxy
// forwards: rate-limit accounting, request correlation, retry hints, and
// the content type itself.
var passHeaders = map[string]bool{
	"content-type":              true,
	"request-id":                true,
	"x-request-id":              true,
	"retry-after":               true,
	"anthropic-organization-id": true,
}

// FilterResponseHeaders copies only the allowlisted headers. Rate-limit
// headers match by prefix so new quota dimensions pass automatically.
func FilterResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		lower := strings.ToLower(key)
		if !passHeaders[lower] && !strings.HasPrefix(lower, "anthropic-ratelimit-") &&
			!strings.HasPrefix(lower, "x-ratelimit-") {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}
