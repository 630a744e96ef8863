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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/memory"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// requestKind is what one request means for the session timeline.
type requestKind int

const (
	// kindFirst opens a turn: the user said something new.
	kindFirst requestKind = iota
	// kindRetry re-sends a previous attempt after a network failure.
	kindRetry
	// kindContinuation carries tool results back mid-turn.
	kindContinuation
)

func (k requestKind) String() string {
	switch k {
	case kindRetry:
		return "retry"
	case kindContinuation:
		return "continuation"
	default:
		return "first"
	}
}

// handleProxy serves the interception path for whichever adapter claims
// the URL.
func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	ad, ok := p.adapters.ForPath(r.URL.Path)
	if !ok {
		p.writeError(w, http.StatusNotFound, "not_found_error", "unknown path: "+r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		p.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	start := time.Now()
	reqID := uuid.NewString()[:8]

	r.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			p.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		p.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	req, err := ad.ParseRequest(raw)
	if err != nil {
		// Not a shape we understand. Stay transparent: forward the
		// bytes untouched and learn nothing from the exchange.
		p.logger.Warn("unparseable request body, forwarding as-is",
			zap.String("request_id", reqID), zap.Error(err))
		p.forwardOnly(w, r, ad, reqID, raw, start, "passthrough")
		return
	}

	p.logger.Debug("REQUEST",
		zap.String("request_id", reqID),
		zap.Namespace("request"),
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)),
		zap.Bool("stream", req.Stream))

	if p.bypassModel(req.Model) {
		out := raw
		if req.Stream {
			// Sub-agent calls are answered from the buffered body, so
			// ask upstream for a plain response.
			req.Stream = false
			if body, merr := json.Marshal(req); merr == nil {
				out = body
			} else {
				p.logger.Warn("failed to rewrite bypass body",
					zap.String("request_id", reqID), zap.Error(merr))
			}
		}
		p.forwardOnly(w, r, ad, reqID, out, start, "bypass")
		return
	}

	ctx := r.Context()
	projectPath := ad.ExtractProjectPath(req)
	sess, err := p.orch.Resolve(ctx, projectPath)
	if err != nil {
		p.logger.Warn("session resolution failed",
			zap.String("request_id", reqID), zap.String("project", projectPath), zap.Error(err))
		sess = nil
	}

	kind := p.classify(sess, req)

	out := raw
	cleared := false
	staticLen := 0
	var delta *memory.Delta

	if kind != kindRetry && p.shouldClear(sess) {
		out, cleared = p.performClear(ctx, ad, reqID, req, sess, raw)
	}
	if !cleared {
		out, staticLen = p.injectStatic(ctx, ad, reqID, out, sess, projectPath, req)
		if kind == kindFirst && sess != nil {
			out, delta = p.injectDelta(ctx, ad, reqID, out, sess)
		}
		p.maybeScheduleSummary(ad, sess, req)
	}

	deltaLen := 0
	if delta != nil {
		deltaLen = len(delta.Text)
	}
	p.logger.Debug("INJECTION",
		zap.String("request_id", reqID),
		zap.Namespace("injection"),
		zap.String("kind", kind.String()),
		zap.Int("static_bytes", staticLen),
		zap.Int("delta_bytes", deltaLen),
		zap.Bool("clear", cleared))

	res, err := ad.Forward(ctx, out, r.Header)
	if err != nil {
		status := adapter.GatewayStatus(err)
		p.logger.Error("upstream forward failed",
			zap.String("request_id", reqID), zap.Int("status", status), zap.Error(err))
		p.writeError(w, status, "api_error", "upstream request failed")
		p.console.Line(reqID, types.TokenUsage{}, time.Since(start))
		return
	}

	// The attempt reached the provider, so the delta is spent. Committing
	// before the reply keeps a fast follow-up request from seeing it
	// uncommitted and injecting it twice.
	if delta != nil {
		if cerr := p.memory.CommitDelta(ctx, sess, delta); cerr != nil {
			p.logger.Warn("delta commit failed", zap.String("session_id", sess.ID), zap.Error(cerr))
		}
	}

	p.reply(w, res)

	var usage types.TokenUsage
	if res.Message != nil {
		usage = ad.ExtractTokenUsage(res.Message)
	}
	elapsed := time.Since(start)
	p.console.Line(reqID, usage, elapsed)
	p.logger.Debug("RESPONSE",
		zap.String("request_id", reqID),
		zap.Namespace("response"),
		zap.Int("status", res.Status),
		zap.Bool("stream", res.WasEventStream),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Int("cache_creation", usage.CacheCreationInputTokens),
		zap.Int("cache_read", usage.CacheReadInputTokens),
		zap.Duration("elapsed", elapsed))
	p.publishRequestHandled(reqID, sess, kind.String(), res.Status, usage, elapsed)

	// A retry already had its effects recorded on the first attempt, and
	// an invalid or error response teaches nothing.
	if kind == kindRetry {
		return
	}
	if res.Status < 200 || res.Status >= 300 || res.Message == nil || !ad.IsValidResponse(res.Message) {
		return
	}
	msg := res.Message
	if !p.workers.Submit("post-process", func(jobCtx context.Context) {
		p.postProcess(jobCtx, ad, projectPath, sess, req, msg)
	}) {
		p.logger.Warn("post-processing dropped, queue full", zap.String("request_id", reqID))
	}
}

// forwardOnly is the short path with no session work: passthrough for
// unparseable bodies and bypass for sub-agent models.
func (p *Proxy) forwardOnly(w http.ResponseWriter, r *http.Request, ad adapter.Adapter, reqID string, body []byte, start time.Time, mode string) {
	res, err := ad.Forward(r.Context(), body, r.Header)
	if err != nil {
		status := adapter.GatewayStatus(err)
		p.logger.Error("upstream forward failed",
			zap.String("request_id", reqID), zap.String("mode", mode),
			zap.Int("status", status), zap.Error(err))
		p.writeError(w, status, "api_error", "upstream request failed")
		p.console.Line(reqID, types.TokenUsage{}, time.Since(start))
		return
	}
	p.reply(w, res)

	var usage types.TokenUsage
	if res.Message != nil {
		usage = ad.ExtractTokenUsage(res.Message)
	}
	elapsed := time.Since(start)
	p.console.Line(reqID, usage, elapsed)
	p.publishRequestHandled(reqID, nil, mode, res.Status, usage, elapsed)
}

// reply replays the upstream response to the client: verbatim event-stream
// bytes for streams, the decoded body otherwise. Headers arrive already
// filtered to the forwarding allowlist.
func (p *Proxy) reply(w http.ResponseWriter, res *adapter.ForwardResult) {
	h := w.Header()
	for key, values := range res.Header {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	if res.WasEventStream {
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Del("Content-Length")
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.RawBody)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	h.Set("Content-Length", strconv.Itoa(len(res.RawBody)))
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.RawBody)
}

// classify compares the request's message count against the session's last
// observed one. An equal count is the client re-sending a failed attempt,
// growth ending in a tool result is the same turn still running, and
// anything else opens a turn.
func (p *Proxy) classify(sess *types.Session, req *types.Request) requestKind {
	if sess == nil {
		return kindFirst
	}
	count := len(req.Messages)
	last, seen := p.msgCounts.Get(sess.ID)
	p.msgCounts.Set(sess.ID, count)
	if !seen {
		return kindFirst
	}
	switch {
	case count == last:
		return kindRetry
	case count > last && count > 0 && req.Messages[count-1].HasToolResult():
		return kindContinuation
	default:
		return kindFirst
	}
}

// bypassModel reports whether the model is one the client uses for its own
// auxiliary calls.
func (p *Proxy) bypassModel(model string) bool {
	model = strings.ToLower(model)
	for _, frag := range p.bypass {
		if frag != "" && strings.Contains(model, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

// shouldClear reports whether the conversation outgrew the threshold with
// a handoff summary ready to take its place.
func (p *Proxy) shouldClear(sess *types.Session) bool {
	return sess != nil && p.clearAt > 0 && sess.TokenCount > p.clearAt && sess.ClearSummary != ""
}

// performClear rebuilds the outgoing body as the conversation reset: no
// messages, the prepared summary in the system region. The summary is
// consumed on the spot; the reset fires once. On a mutation failure the
// original bytes go out unchanged and the summary stays for the next turn.
func (p *Proxy) performClear(ctx context.Context, ad adapter.Adapter, reqID string, req *types.Request, sess *types.Session, raw []byte) ([]byte, bool) {
	next := *req
	next.Messages = []types.Message{}
	if err := ad.InjectMemory(&next, sess.ClearSummary); err != nil {
		p.logger.Error("clear mutation failed, sending request unchanged",
			zap.String("request_id", reqID), zap.String("session_id", sess.ID), zap.Error(err))
		return raw, false
	}
	body, err := json.Marshal(&next)
	if err != nil {
		p.logger.Error("clear mutation failed, sending request unchanged",
			zap.String("request_id", reqID), zap.String("session_id", sess.ID), zap.Error(err))
		return raw, false
	}

	// The conversation the memoized blocks and counters described is gone.
	p.memory.Forget(sess.ID)
	empty := ""
	if err := p.store.UpdateSession(ctx, sess.ID, store.SessionPatch{ClearSummary: &empty}); err != nil {
		p.logger.Warn("failed to consume clear summary",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	p.events.Publish(EventClearPerformed, map[string]any{
		"session_id":   sess.ID,
		"project_path": sess.ProjectPath,
		"token_count":  sess.TokenCount,
	})
	p.logger.Info("conversation cleared",
		zap.String("request_id", reqID),
		zap.String("session_id", sess.ID),
		zap.Int("token_count", sess.TokenCount))
	return body, true
}

// injectStatic splices the memoized static block into the system region.
// The very first request of a project runs before any session exists; a
// placeholder session view keys the build to the project.
func (p *Proxy) injectStatic(ctx context.Context, ad adapter.Adapter, reqID string, out []byte, sess *types.Session, projectPath string, req *types.Request) ([]byte, int) {
	view := sess
	if view == nil {
		view = &types.Session{ProjectPath: projectPath}
	}
	static, err := p.memory.StaticBlock(ctx, view, userText(req))
	if err != nil {
		p.logger.Warn("static block unavailable", zap.String("request_id", reqID), zap.Error(err))
		return out, 0
	}
	if static == "" {
		return out, 0
	}
	injected, err := ad.InjectIntoSystem(out, static)
	if err != nil {
		p.logger.Warn("system injection skipped", zap.String("request_id", reqID), zap.Error(err))
		return out, 0
	}
	return injected, len(static)
}

// injectDelta appends the session's uninjected delta to the last user
// message. Only turn-opening requests carry it; the commit happens after
// the forward succeeds.
func (p *Proxy) injectDelta(ctx context.Context, ad adapter.Adapter, reqID string, out []byte, sess *types.Session) ([]byte, *memory.Delta) {
	d, err := p.memory.BuildDelta(ctx, sess)
	if err != nil {
		p.logger.Warn("delta build failed", zap.String("request_id", reqID), zap.Error(err))
		return out, nil
	}
	if d.Empty() {
		return out, nil
	}
	injected, err := ad.InjectIntoLastUserMessage(out, d.Text)
	if err != nil {
		p.logger.Warn("delta injection skipped", zap.String("request_id", reqID), zap.Error(err))
		return out, nil
	}
	return injected, d
}

// maybeScheduleSummary starts the handoff summary once the context crosses
// the pre-compute share of the clear threshold, so the reset never stalls
// a request on a helper call. One job per session at a time; the stored
// summary suppresses rescheduling.
func (p *Proxy) maybeScheduleSummary(ad adapter.Adapter, sess *types.Session, req *types.Request) {
	if sess == nil || p.clearAt <= 0 || sess.ClearSummary != "" || !p.helper.Available() {
		return
	}
	if sess.TokenCount < int(float64(p.clearAt)*p.preRatio) {
		return
	}
	if _, busy := p.summarizing.Get(sess.ID); busy {
		return
	}
	p.summarizing.Set(sess.ID, true)

	snapshot := *sess
	history := ad.ExtractConversationHistory(req.Messages)
	ok := p.workers.Submit("summarize", func(ctx context.Context) {
		defer p.summarizing.Delete(snapshot.ID)
		steps, err := p.store.GetValidatedSteps(ctx, snapshot.ID)
		if err != nil {
			p.logger.Warn("summary skipped, steps unavailable",
				zap.String("session_id", snapshot.ID), zap.Error(err))
			return
		}
		summary := p.helper.Summarize(ctx, assist.SummaryInput{
			Session: &snapshot,
			Steps:   steps,
			History: history,
		})
		if summary == "" {
			return
		}
		if err := p.store.UpdateSession(ctx, snapshot.ID, store.SessionPatch{ClearSummary: &summary}); err != nil {
			p.logger.Warn("failed to store clear summary",
				zap.String("session_id", snapshot.ID), zap.Error(err))
			return
		}
		p.logger.Info("clear summary precomputed",
			zap.String("session_id", snapshot.ID),
			zap.Int("token_count", snapshot.TokenCount))
	})
	if !ok {
		p.summarizing.Delete(sess.ID)
	}
}

func (p *Proxy) publishRequestHandled(reqID string, sess *types.Session, kind string, status int, usage types.TokenUsage, elapsed time.Duration) {
	fields := map[string]any{
		"request_id":    reqID,
		"kind":          kind,
		"status":        status,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"cache_percent": usage.CachePercent(),
		"duration_ms":   elapsed.Milliseconds(),
	}
	if sess != nil {
		fields["session_id"] = sess.ID
	}
	p.events.Publish(EventRequestHandled, fields)
}

// userText joins the text of every user message. File mentions anywhere in
// the conversation count when matching team memory.
func userText(req *types.Request) string {
	var sb strings.Builder
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if t := m.Text(); t != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(t)
		}
	}
	return sb.String()
}

// lastUserText returns the newest user message carrying actual text,
// skipping tool-result-only entries.
func lastUserText(req *types.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		if t := req.Messages[i].Text(); t != "" {
			return t
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
