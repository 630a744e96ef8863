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

package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

func newTestAdapter(upstream string) *Adapter {
	return New(Config{
		BaseURL: upstream,
		Timeout: 5 * time.Second,
		Logger:  zap.NewNop(),
	})
}

const sampleResponse = `{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4",` +
	`"content":[{"type":"text","text":"done"}],"stop_reason":"end_turn",` +
	`"usage":{"input_tokens":12,"output_tokens":7,"cache_creation_input_tokens":100,"cache_read_input_tokens":900}}`

// TestForward_JSON verifies the plain JSON round trip: request headers pass
// through minus hop-by-hop ones, the response is decoded and normalized.
func TestForward_JSON(t *testing.T) {
	var gotPath, gotAPIKey, gotConnection, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotConnection = r.Header.Get("Proxy-Authorization")
		gotAccept = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req_123")
		w.Header().Set("Anthropic-Ratelimit-Requests-Remaining", "99")
		w.Header().Set("X-Internal-Secret", "nope")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Api-Key", "sk-test")
	header.Set("Proxy-Authorization", "Basic abc")
	header.Set("Accept-Encoding", "br")

	a := newTestAdapter(srv.URL)
	res, err := a.Forward(context.Background(), []byte(`{"model":"m","messages":[]}`), header)
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-test", gotAPIKey)
	assert.Empty(t, gotConnection, "hop-by-hop header must not be forwarded")
	assert.Equal(t, "gzip, zstd", gotAccept, "client encoding preference is replaced")

	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.WasEventStream)
	assert.JSONEq(t, sampleResponse, string(res.RawBody))
	require.NotNil(t, res.Message)
	assert.Equal(t, "msg_01", res.Message.ID)
	assert.Equal(t, "end_turn", res.Message.StopReason)
	assert.Equal(t, 1012, res.Message.Usage.ContextSize())

	assert.Equal(t, "req_123", res.Header.Get("Request-Id"))
	assert.Equal(t, "99", res.Header.Get("Anthropic-Ratelimit-Requests-Remaining"))
	assert.Empty(t, res.Header.Get("X-Internal-Secret"), "unlisted headers are dropped")
}

// TestForward_CompressedBodies verifies gzip and zstd response decoding.
func TestForward_CompressedBodies(t *testing.T) {
	t.Run("gzip", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write([]byte(sampleResponse))
			_ = gz.Close()
		}))
		defer srv.Close()

		res, err := newTestAdapter(srv.URL).Forward(context.Background(), []byte(`{}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, sampleResponse, string(res.RawBody))
		require.NotNil(t, res.Message)
		assert.Equal(t, "msg_01", res.Message.ID)
	})

	t.Run("zstd", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", "zstd")
			zw, err := zstd.NewWriter(w)
			require.NoError(t, err)
			_, _ = zw.Write([]byte(sampleResponse))
			_ = zw.Close()
		}))
		defer srv.Close()

		res, err := newTestAdapter(srv.URL).Forward(context.Background(), []byte(`{}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, sampleResponse, string(res.RawBody))
	})
}

// TestForward_ErrorStatusPassthrough verifies that upstream errors are not
// forward errors: a 429 comes back as a result for the proxy to replay.
func TestForward_ErrorStatusPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	res, err := newTestAdapter(srv.URL).Forward(context.Background(), []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	assert.Nil(t, res.Message, "error bodies are not normalized")
	assert.Equal(t, "30", res.Header.Get("Retry-After"))
	assert.Contains(t, string(res.RawBody), "rate_limit_error")
}

// TestForward_Timeout verifies deadline classification and its gateway
// status.
func TestForward_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: zap.NewNop()})
	_, err := a.Forward(context.Background(), []byte(`{}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrUpstreamTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, adapter.GatewayStatus(err))
}

// TestForward_Unreachable verifies connection failures map to 502.
func TestForward_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening any more

	_, err := newTestAdapter(srv.URL).Forward(context.Background(), []byte(`{}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrUpstreamUnreachable)
	assert.Equal(t, http.StatusBadGateway, adapter.GatewayStatus(err))
}

const sampleStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_02","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":50,"cache_creation_input_tokens":10,"cache_read_input_tokens":40,"output_tokens":1}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check "}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"that file."}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"Read","input":{}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"/src/main.go\"}"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"tool_use"},"usage":{"output_tokens":33}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

// TestForward_EventStream verifies stream capture: the raw bytes replay
// verbatim while the assembled message carries the full content.
func TestForward_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = w.Write([]byte(sampleStream))
	}))
	defer srv.Close()

	res, err := newTestAdapter(srv.URL).Forward(context.Background(), []byte(`{"stream":true}`), nil)
	require.NoError(t, err)
	assert.True(t, res.WasEventStream)
	assert.Equal(t, sampleStream, string(res.RawBody), "stream bytes must replay unmodified")

	msg := res.Message
	require.NotNil(t, msg)
	assert.Equal(t, "msg_02", msg.ID)
	assert.Equal(t, "tool_use", msg.StopReason)
	assert.Equal(t, 50, msg.Usage.InputTokens)
	assert.Equal(t, 33, msg.Usage.OutputTokens)

	require.Len(t, msg.Content, 2)
	assert.Equal(t, "Let me check that file.", msg.Content[0].Text)
	assert.Equal(t, "tool_use", msg.Content[1].Type)
	assert.Equal(t, "Read", msg.Content[1].Name)
	assert.JSONEq(t, `{"file_path":"/src/main.go"}`, string(msg.Content[1].Input))
}

// TestAssembleStream_Truncated verifies a stream cut off before
// message_stop still yields everything received, with no stop reason.
func TestAssembleStream_Truncated(t *testing.T) {
	truncated := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_03","type":"message","role":"assistant","usage":{"input_tokens":5}}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial answ"}}`
	// No trailing blank line and no message_delta/message_stop.

	msg := assembleStream([]byte(truncated))
	require.NotNil(t, msg)
	assert.Equal(t, "msg_03", msg.ID)
	assert.Empty(t, msg.StopReason)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "partial answ", msg.Content[0].Text)
}

// TestAssembleStream_NoMessageStart verifies garbage in, nil out.
func TestAssembleStream_NoMessageStart(t *testing.T) {
	assert.Nil(t, assembleStream([]byte("event: ping\ndata: {\"type\":\"ping\"}\n\n")))
	assert.Nil(t, assembleStream([]byte("not an event stream at all")))
	assert.Nil(t, assembleStream(nil))
}

// TestParseEvents covers CRLF line endings and comment lines.
func TestParseEvents(t *testing.T) {
	raw := "event: ping\r\ndata: {\"a\":1}\r\n\r\n: keep-alive comment\r\n\r\nevent: tail\r\ndata: {\"b\":2}"
	events := parseEvents([]byte(raw))
	require.Len(t, events, 2)
	assert.Equal(t, "ping", events[0].name)
	assert.Equal(t, `{"a":1}`, string(events[0].data))
	assert.Equal(t, "tail", events[1].name, "unterminated trailing event is flushed")
	assert.Equal(t, `{"b":2}`, string(events[1].data))
}

// TestExtractProjectPath covers workspace discovery across request shapes.
func TestExtractProjectPath(t *testing.T) {
	a := newTestAdapter("http://unused")

	tests := []struct {
		name string
		req  *types.Request
		want string
	}{
		{
			name: "system string",
			req: &types.Request{
				System: json.RawMessage(`"You are a coding assistant.\nWorking directory: /home/dev/api\n"`),
			},
			want: "/home/dev/api",
		},
		{
			name: "system blocks",
			req: &types.Request{
				System: json.RawMessage(`[{"type":"text","text":"env info"},{"type":"text","text":"Working directory: /srv/app/"}]`),
			},
			want: "/srv/app",
		},
		{
			name: "case insensitive no colon",
			req: &types.Request{
				System: json.RawMessage(`"working directory /opt/tool"`),
			},
			want: "/opt/tool",
		},
		{
			name: "message fallback",
			req: &types.Request{
				Messages: []types.Message{
					{Role: "user", Content: json.RawMessage(`"My working directory: /tmp/scratch please help"`)},
				},
			},
			want: "/tmp/scratch",
		},
		{
			name: "nothing reveals a workspace",
			req: &types.Request{
				System:   json.RawMessage(`"You are helpful."`),
				Messages: []types.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
			},
			want: "default",
		},
		{name: "nil request", req: nil, want: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.ExtractProjectPath(tt.req))
		})
	}
}

// TestExtractGoal verifies first-user-text selection and the length cap.
func TestExtractGoal(t *testing.T) {
	a := newTestAdapter("http://unused")

	messages := []types.Message{
		{Role: "assistant", Content: json.RawMessage(`"earlier turn"`)},
		{Role: "user", Content: json.RawMessage(`"  fix the login timeout bug  "`)},
		{Role: "user", Content: json.RawMessage(`"second message"`)},
	}
	assert.Equal(t, "fix the login timeout bug", a.ExtractGoal(messages))

	long := strings.Repeat("x", 600)
	capped := a.ExtractGoal([]types.Message{{Role: "user", Content: json.RawMessage(`"` + long + `"`)}})
	assert.Len(t, capped, 500)

	assert.Empty(t, a.ExtractGoal(nil))
	assert.Empty(t, a.ExtractGoal([]types.Message{{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]`)}}))
}

// TestExtractConversationHistory verifies tool-plumbing turns are dropped.
func TestExtractConversationHistory(t *testing.T) {
	a := newTestAdapter("http://unused")

	history := a.ExtractConversationHistory([]types.Message{
		{Role: "user", Content: json.RawMessage(`"do the thing"`)},
		{Role: "assistant", Content: json.RawMessage(`[{"type":"text","text":"on it"},{"type":"tool_use","id":"t1","name":"Read","input":{}}]`)},
		{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"file body"}]`)},
		{Role: "assistant", Content: json.RawMessage(`"done"`)},
	})

	require.Len(t, history, 3)
	assert.Equal(t, types.HistoryEntry{Role: "user", Text: "do the thing"}, history[0])
	assert.Equal(t, types.HistoryEntry{Role: "assistant", Text: "on it"}, history[1])
	assert.Equal(t, types.HistoryEntry{Role: "assistant", Text: "done"}, history[2])
}

// TestResponsePredicates covers validity and turn-end classification.
func TestResponsePredicates(t *testing.T) {
	a := newTestAdapter("http://unused")

	assert.False(t, a.IsValidResponse(nil))
	assert.False(t, a.IsValidResponse(&types.ResponseMessage{Type: "error"}))
	assert.True(t, a.IsValidResponse(&types.ResponseMessage{Type: "message"}))

	assert.False(t, a.IsEndTurn(nil))
	assert.False(t, a.IsEndTurn(&types.ResponseMessage{StopReason: ""}), "truncated stream keeps the turn open")
	assert.False(t, a.IsEndTurn(&types.ResponseMessage{StopReason: "tool_use"}))
	assert.True(t, a.IsEndTurn(&types.ResponseMessage{StopReason: "end_turn"}))
	assert.True(t, a.IsEndTurn(&types.ResponseMessage{StopReason: "max_tokens"}))
}

// TestParseActions covers tool classification and argument extraction.
func TestParseActions(t *testing.T) {
	a := newTestAdapter("http://unused")

	msg := &types.ResponseMessage{
		Type: "message",
		Content: []types.ContentBlock{
			{Type: "text", Text: "working on it"},
			{Type: "tool_use", ID: "t1", Name: "Read", Input: json.RawMessage(`{"file_path":"/src/a.go"}`)},
			{Type: "tool_use", ID: "t2", Name: "MultiEdit", Input: json.RawMessage(`{"file_path":"/src/b.go","edits":[]}`)},
			{Type: "tool_use", ID: "t3", Name: "NotebookEdit", Input: json.RawMessage(`{"notebook_path":"/nb/c.ipynb"}`)},
			{Type: "tool_use", ID: "t4", Name: "Bash", Input: json.RawMessage(`{"command":"go test ./..."}`)},
			{Type: "tool_use", ID: "t5", Name: "Glob", Input: json.RawMessage(`{"pattern":"**/*.go","path":"/src"}`)},
			{Type: "tool_use", ID: "t6", Name: "deploy_rocket", Input: json.RawMessage(`{"target":"moon"}`)},
		},
	}

	actions := a.ParseActions(msg)
	require.Len(t, actions, 6)

	assert.Equal(t, types.ActionRead, actions[0].Kind)
	assert.Equal(t, []string{"/src/a.go"}, actions[0].Files)

	assert.Equal(t, types.ActionEdit, actions[1].Kind)
	assert.Equal(t, []string{"/src/b.go"}, actions[1].Files)

	assert.Equal(t, types.ActionEdit, actions[2].Kind)
	assert.Equal(t, []string{"/nb/c.ipynb"}, actions[2].Files)

	assert.Equal(t, types.ActionRunCommand, actions[3].Kind)
	assert.Equal(t, "go test ./...", actions[3].Command)

	assert.Equal(t, types.ActionSearch, actions[4].Kind)
	assert.Equal(t, []string{"/src"}, actions[4].Folders)

	assert.Equal(t, types.ActionOther, actions[5].Kind)
	assert.Equal(t, "deploy_rocket", actions[5].ToolName)
	assert.JSONEq(t, `{"target":"moon"}`, string(actions[5].Raw))

	assert.Nil(t, a.ParseActions(nil))
	assert.Empty(t, a.ParseActions(&types.ResponseMessage{Content: []types.ContentBlock{{Type: "text", Text: "no tools"}}}))
}

// TestExtractTextContent verifies text blocks join with newlines.
func TestExtractTextContent(t *testing.T) {
	a := newTestAdapter("http://unused")

	msg := &types.ResponseMessage{Content: []types.ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "tool_use", Name: "Read"},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", a.ExtractTextContent(msg))
	assert.Empty(t, a.ExtractTextContent(nil))
}

// TestInjectMemory verifies the logical system injection keeps unknown
// keys, cache_control among them, on pre-existing blocks.
func TestInjectMemory(t *testing.T) {
	a := newTestAdapter("http://unused")

	t.Run("string system", func(t *testing.T) {
		req := &types.Request{System: json.RawMessage(`"base prompt"`)}
		require.NoError(t, a.InjectMemory(req, "[GROV CONTEXT]\npast work"))

		var s string
		require.NoError(t, json.Unmarshal(req.System, &s))
		assert.Equal(t, "base prompt\n\n[GROV CONTEXT]\npast work", s)
	})

	t.Run("block system keeps cache_control", func(t *testing.T) {
		req := &types.Request{
			System: json.RawMessage(`[{"type":"text","text":"base","cache_control":{"type":"ephemeral"}}]`),
		}
		require.NoError(t, a.InjectMemory(req, "memory"))

		var blocks []map[string]any
		require.NoError(t, json.Unmarshal(req.System, &blocks))
		require.Len(t, blocks, 2)
		assert.Contains(t, blocks[0], "cache_control")
		assert.Equal(t, "memory", blocks[1]["text"])
	})

	t.Run("missing system is created", func(t *testing.T) {
		req := &types.Request{}
		require.NoError(t, a.InjectMemory(req, "memory"))
		assert.Equal(t, `"memory"`, string(req.System))
	})

	t.Run("empty text is a no-op", func(t *testing.T) {
		req := &types.Request{System: json.RawMessage(`"base"`)}
		require.NoError(t, a.InjectMemory(req, ""))
		assert.Equal(t, `"base"`, string(req.System))
	})
}

// TestInjectDelta verifies the delta lands on the last user message.
func TestInjectDelta(t *testing.T) {
	a := newTestAdapter("http://unused")

	t.Run("string content", func(t *testing.T) {
		req := &types.Request{Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`"first"`)},
			{Role: "assistant", Content: json.RawMessage(`"reply"`)},
			{Role: "user", Content: json.RawMessage(`"second"`)},
		}}
		require.NoError(t, a.InjectDelta(req, "[EDITED: a.go]"))

		var s string
		require.NoError(t, json.Unmarshal(req.Messages[2].Content, &s))
		assert.Equal(t, "second\n\n[EDITED: a.go]", s)
		assert.Equal(t, `"first"`, string(req.Messages[0].Content), "earlier messages untouched")
	})

	t.Run("block content", func(t *testing.T) {
		req := &types.Request{Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"ok","cache_control":{"type":"ephemeral"}}]`)},
		}}
		require.NoError(t, a.InjectDelta(req, "delta"))

		var blocks []map[string]any
		require.NoError(t, json.Unmarshal(req.Messages[0].Content, &blocks))
		require.Len(t, blocks, 2)
		assert.Contains(t, blocks[0], "cache_control")
		assert.Equal(t, "delta", blocks[1]["text"])
	})

	t.Run("no user message", func(t *testing.T) {
		req := &types.Request{Messages: []types.Message{
			{Role: "assistant", Content: json.RawMessage(`"reply"`)},
		}}
		err := a.InjectDelta(req, "delta")
		assert.Error(t, err)
	})
}

// TestBuildContinueBody verifies the follow-up body extends the
// conversation without mutating the source request.
func TestBuildContinueBody(t *testing.T) {
	a := newTestAdapter("http://unused")

	req := &types.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 4096,
		System:    json.RawMessage(`"base"`),
		Tools:     json.RawMessage(`[{"name":"grov_clear_context"}]`),
		Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`"clear my context"`)},
		},
	}
	assistant := json.RawMessage(`[{"type":"tool_use","id":"toolu_9","name":"grov_clear_context","input":{}}]`)

	body, err := a.BuildContinueBody(req, assistant, "Context cleared. Summary saved.", "toolu_9")
	require.NoError(t, err)

	var next types.Request
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, "claude-sonnet-4", next.Model)
	assert.Equal(t, 4096, next.MaxTokens)
	assert.JSONEq(t, `"base"`, string(next.System))

	require.Len(t, next.Messages, 3)
	assert.Equal(t, "assistant", next.Messages[1].Role)
	assert.Equal(t, "user", next.Messages[2].Role)

	blocks := next.Messages[2].Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "toolu_9", blocks[0].ToolUseID)

	assert.Len(t, req.Messages, 1, "source request must not grow")
}
