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
	"strings"

	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/drift"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// recentStepsForDrift is how much step history feeds one drift check.
const recentStepsForDrift = 10

// maxReasoningRunes caps the prose attached to each recorded step.
const maxReasoningRunes = 500

// decisionMarkers flag a modifying step's prose as an explicit choice
// worth carrying into the delta and, later, team memory.
var decisionMarkers = []string{"decided", "decision", "instead of", "rather than", "opted"}

// postProcess is the fire-and-forget tail of one forwarded exchange:
// record the turn's actions, pin the token count, and on end of turn run
// recovery, the drift check, and orchestration. It runs on the worker
// pool under the pool's own context, so a client that disconnected still
// leaves consistent state behind.
func (p *Proxy) postProcess(ctx context.Context, ad adapter.Adapter, projectPath string, sess *types.Session, req *types.Request, msg *types.ResponseMessage) {
	endTurn := ad.IsEndTurn(msg)
	actions := ad.ParseActions(msg)
	userMsg := lastUserText(req)
	assistantText := ad.ExtractTextContent(msg)

	if sess == nil {
		// No session existed when the request went out. The turn's own
		// end decides whether one starts now; mid-turn responses before
		// that carry too little to act on.
		if !endTurn {
			return
		}
		next, err := p.orch.HandleTurn(ctx, projectPath, nil, userMsg, assistantText)
		if err != nil {
			p.logger.Error("orchestration failed", zap.String("project", projectPath), zap.Error(err))
			return
		}
		if next == nil {
			return
		}
		p.msgCounts.Set(next.ID, len(req.Messages))
		// The creation turn counts toward the drift cadence but is never
		// scored itself.
		p.drift.Due(next.ID)
		p.persistSteps(ctx, next.ID, actions, assistantText, nil)
		p.setTokenCount(ctx, next.ID, msg.Usage)
		p.events.Publish(EventSessionCreated, sessionFields(next))
		return
	}

	// Re-read: an earlier job on the pool may have moved the session on
	// since the request path captured it.
	cur, err := p.store.GetSession(ctx, sess.ID)
	if err != nil {
		p.logger.Warn("session gone before post-processing",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	// Recovery verdict first: an aligned action releases the session
	// before anything else is read against the drifted state.
	if cur.AwaitingRecovery {
		if step, ok := recoveryStep(cur.ID, actions, assistantText); ok {
			released, rerr := p.drift.HandleRecovery(ctx, cur, step)
			switch {
			case rerr != nil:
				p.logger.Warn("recovery check failed",
					zap.String("session_id", cur.ID), zap.Error(rerr))
			case released:
				p.events.Publish(EventDriftRecovered, map[string]any{
					"session_id":   cur.ID,
					"project_path": cur.ProjectPath,
				})
				if fresh, gerr := p.store.GetSession(ctx, cur.ID); gerr == nil {
					cur = fresh
				}
			}
		}
	}

	// The drift verdict routes this turn's actions, so it runs before
	// they are persisted.
	var outcome *drift.Outcome
	if endTurn && p.drift.Due(cur.ID) {
		recent, herr := p.store.GetRecentSteps(ctx, cur.ID, recentStepsForDrift)
		if herr != nil {
			p.logger.Warn("drift check skipped, steps unavailable",
				zap.String("session_id", cur.ID), zap.Error(herr))
		} else {
			out, derr := p.drift.Check(ctx, cur, recent, userMsg)
			switch {
			case derr != nil:
				p.logger.Warn("drift check failed",
					zap.String("session_id", cur.ID), zap.Error(derr))
			default:
				outcome = out
				if out.Mode != types.ModeNormal {
					p.events.Publish(EventDriftDetected, map[string]any{
						"session_id":   cur.ID,
						"project_path": cur.ProjectPath,
						"score":        out.Result.Score,
						"mode":         string(out.Mode),
					})
				}
			}
		}
	}

	p.persistSteps(ctx, cur.ID, actions, assistantText, outcome)
	p.setTokenCount(ctx, cur.ID, msg.Usage)

	if !endTurn {
		return
	}

	next, err := p.orch.HandleTurn(ctx, projectPath, cur, userMsg, assistantText)
	if err != nil {
		p.logger.Error("orchestration failed", zap.String("session_id", cur.ID), zap.Error(err))
		return
	}
	p.publishTransition(cur, next)
	if next == nil || next.ID != cur.ID {
		p.msgCounts.Delete(cur.ID)
		p.drift.Forget(cur.ID)
	}
	if next != nil && next.ID != cur.ID {
		// The next request of this conversation belongs to the new
		// session; seed its count so a resend classifies as a retry.
		p.msgCounts.Set(next.ID, len(req.Messages))
	}
}

// persistSteps records the turn's actions. Under strong drift the
// modifying ones are diverted to the audit log and kept only as
// unvalidated steps.
func (p *Proxy) persistSteps(ctx context.Context, sessionID string, actions []types.Action, prose string, outcome *drift.Outcome) {
	if len(actions) == 0 {
		return
	}
	reasoning := truncateRunes(prose, maxReasoningRunes)

	score := 0
	if outcome != nil {
		score = outcome.Result.Score
	} else if last, ok := p.drift.Last(sessionID); ok {
		score = last.Score
	}
	divert := outcome != nil && outcome.SkipSteps

	for _, a := range actions {
		diverted := divert && a.Kind.Modifying()
		if diverted {
			ev := &types.DriftEvent{
				SessionID:  sessionID,
				ActionKind: a.Kind,
				Files:      a.Files,
				Score:      score,
				Diagnostic: outcome.Result.Diagnostic,
				Recovery:   outcome.Result.Recovery,
			}
			if err := p.store.LogDriftEvent(ctx, ev); err != nil {
				p.logger.Warn("failed to log drift event",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		step := &types.Step{
			SessionID:   sessionID,
			Kind:        a.Kind,
			Files:       a.Files,
			Folders:     a.Folders,
			Command:     a.Command,
			Reasoning:   reasoning,
			DriftScore:  score,
			Validated:   !diverted,
			KeyDecision: !diverted && a.Kind.Modifying() && isKeyDecision(reasoning),
		}
		if err := p.store.AppendStep(ctx, step); err != nil {
			p.logger.Warn("failed to record step",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// recoveryStep picks the turn's first modifying action as the one judged
// against the recovery plan.
func recoveryStep(sessionID string, actions []types.Action, prose string) (types.Step, bool) {
	for _, a := range actions {
		if !a.Kind.Modifying() {
			continue
		}
		return types.Step{
			SessionID: sessionID,
			Kind:      a.Kind,
			Files:     a.Files,
			Folders:   a.Folders,
			Command:   a.Command,
			Reasoning: truncateRunes(prose, maxReasoningRunes),
		}, true
	}
	return types.Step{}, false
}

// setTokenCount pins the session's token count to the turn's actual
// context size. Set, never added: the provider reports the whole context
// every turn.
func (p *Proxy) setTokenCount(ctx context.Context, sessionID string, usage types.TokenUsage) {
	n := usage.ContextSize()
	if err := p.store.UpdateSession(ctx, sessionID, store.SessionPatch{TokenCount: &n}); err != nil {
		p.logger.Warn("failed to update token count",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// publishTransition emits lifecycle events by comparing the session
// before and after orchestration. Parking a parent while its child runs
// is not completion, so that pair only reports the child's creation.
func (p *Proxy) publishTransition(prev, next *types.Session) {
	switch {
	case next == nil:
	case next.ID == prev.ID:
		if prev.Status == types.StatusActive && next.Status == types.StatusCompleted {
			p.events.Publish(EventSessionCompleted, sessionFields(next))
		}
	case next.ID == prev.ParentID:
		// Child finished and the parent resumed.
		p.events.Publish(EventSessionCompleted, sessionFields(prev))
	default:
		if next.ParentID != prev.ID {
			p.events.Publish(EventSessionCompleted, sessionFields(prev))
		}
		p.events.Publish(EventSessionCreated, sessionFields(next))
	}
}

func sessionFields(s *types.Session) map[string]any {
	return map[string]any{
		"session_id":   s.ID,
		"project_path": s.ProjectPath,
		"goal":         s.Goal,
		"kind":         string(s.Kind),
		"status":       string(s.Status),
	}
}

// isKeyDecision reports whether the prose records an explicit choice.
func isKeyDecision(reasoning string) bool {
	if reasoning == "" {
		return false
	}
	lower := strings.ToLower(reasoning)
	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
