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

// Package drift watches whether a session's actions still serve its goal.
// Scoring is delegated to the auxiliary model; this package interprets the
// score into mode transitions, correction texts and escalation, and keeps
// the latest result per session for the next turn's recovery check.
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/csync"
	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// Score bands. 10 is perfectly aligned.
const (
	realignThreshold = 8 // at or above: return to normal
	driftedThreshold = 5 // below: drifted mode, recovery demanded
	forcedEscalation = 3 // drifted turns before a forced rewrite
)

// Config configures the checker.
type Config struct {
	Helper *assist.Helper
	Store  *store.Store

	// Interval is the end-turn cadence of drift checks; every Nth
	// end-turn per session is scored. Zero means 3.
	Interval int

	Logger *zap.Logger
}

// Checker interprets drift scores for sessions.
type Checker struct {
	helper   *assist.Helper
	store    *store.Store
	interval int
	logger   *zap.Logger

	// results holds the latest score per session id, consulted by the
	// recovery check on the following turn.
	results *csync.Map[string, types.DriftResult]

	// turns counts end-turns per session id for the check cadence.
	turns *csync.Map[string, int]
}

// New creates a checker.
func New(cfg Config) *Checker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		helper:   cfg.Helper,
		store:    cfg.Store,
		interval: interval,
		logger:   logger,
		results:  csync.NewMap[string, types.DriftResult](),
		turns:    csync.NewMap[string, int](),
	}
}

// Due advances the session's turn counter and reports whether this end-turn
// should be scored. Without an auxiliary model nothing is ever due.
func (c *Checker) Due(sessionID string) bool {
	if !c.helper.Available() {
		return false
	}
	n, _ := c.turns.Get(sessionID)
	n++
	c.turns.Set(sessionID, n)
	return n%c.interval == 0
}

// Outcome is one interpreted drift check.
type Outcome struct {
	Result types.DriftResult

	// Mode the session was moved to.
	Mode types.SessionMode

	// SkipSteps is set under strong drift: the turn's actions go to the
	// drift audit log only, never into the validated step record.
	SkipSteps bool

	// Correction is the pending correction saved for the next injection,
	// empty when the session is aligned.
	Correction string

	// Forced is set when repeated drift demanded a full recovery rewrite.
	Forced bool
}

// Check scores the session and applies the band interpretation to stored
// session state. The caller uses SkipSteps to route this turn's actions.
func (c *Checker) Check(ctx context.Context, sess *types.Session, steps []types.Step, userMessage string) (*Outcome, error) {
	if sess == nil {
		return nil, fmt.Errorf("drift check without a session")
	}

	result := c.helper.ScoreDrift(ctx, assist.DriftInput{
		Session:     sess,
		RecentSteps: steps,
		UserMessage: userMessage,
	})
	c.results.Set(sess.ID, result)

	out := &Outcome{Result: result, Mode: sess.Mode}
	now := time.Now()
	patch := store.SessionPatch{LastCheckedAt: &now}

	switch {
	case result.Score >= realignThreshold:
		out.Mode = types.ModeNormal
		if sess.Mode != types.ModeNormal || sess.Escalation != 0 || sess.AwaitingRecovery {
			mode := types.ModeNormal
			zero := 0
			off := false
			empty := ""
			patch.Mode = &mode
			patch.Escalation = &zero
			patch.AwaitingRecovery = &off
			patch.PendingCorrection = &empty
			patch.PendingRecovery = &empty
		}

	case result.Score >= driftedThreshold:
		// Worth a nudge, not a mode change.
		correction := buildCorrection(result)
		out.Correction = correction
		patch.PendingCorrection = &correction

	default:
		out.SkipSteps = true
		escalation := sess.Escalation + 1
		mode := types.ModeDrifted
		on := true
		correction := buildCorrection(result)
		out.Correction = correction
		if escalation >= forcedEscalation {
			mode = types.ModeForced
			out.Forced = true
			recovery := buildForcedRecovery(sess, result)
			patch.PendingRecovery = &recovery
		}
		out.Mode = mode
		patch.Mode = &mode
		patch.Escalation = &escalation
		patch.AwaitingRecovery = &on
		patch.PendingCorrection = &correction
	}

	if err := c.store.UpdateSession(ctx, sess.ID, patch); err != nil {
		return nil, fmt.Errorf("failed to apply drift outcome: %w", err)
	}

	c.logger.Debug("drift check",
		zap.String("session_id", sess.ID),
		zap.Int("score", result.Score),
		zap.String("mode", string(out.Mode)),
		zap.Bool("skip_steps", out.SkipSteps))
	return out, nil
}

// HandleRecovery judges a drifted session's fresh action against the
// recovery plan from the previous check. Aligned actions release the
// session back to normal; anything else raises the escalation.
func (c *Checker) HandleRecovery(ctx context.Context, sess *types.Session, step types.Step) (bool, error) {
	if sess == nil || !sess.AwaitingRecovery {
		return true, nil
	}
	last, ok := c.results.Get(sess.ID)
	if !ok {
		// Result lost (restart). Release rather than strand the session.
		return true, c.release(ctx, sess.ID)
	}

	check := c.helper.CheckRecovery(ctx, assist.RecoveryInput{Step: step, Recovery: last.Recovery})
	if check.Aligned {
		c.logger.Info("drift recovered",
			zap.String("session_id", sess.ID),
			zap.String("reason", check.Reason))
		return true, c.release(ctx, sess.ID)
	}

	escalation := sess.Escalation + 1
	if err := c.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Escalation: &escalation}); err != nil {
		return false, fmt.Errorf("failed to escalate drift: %w", err)
	}
	c.logger.Warn("recovery not followed",
		zap.String("session_id", sess.ID),
		zap.Int("escalation", escalation),
		zap.String("reason", check.Reason))
	return false, nil
}

// release resets drift state and forgets the cached result.
func (c *Checker) release(ctx context.Context, sessionID string) error {
	mode := types.ModeNormal
	zero := 0
	off := false
	empty := ""
	err := c.store.UpdateSession(ctx, sessionID, store.SessionPatch{
		Mode:              &mode,
		Escalation:        &zero,
		AwaitingRecovery:  &off,
		PendingCorrection: &empty,
		PendingRecovery:   &empty,
	})
	if err != nil {
		return fmt.Errorf("failed to reset drift state: %w", err)
	}
	c.results.Delete(sessionID)
	return nil
}

// Last returns the cached result of the session's most recent check.
func (c *Checker) Last(sessionID string) (types.DriftResult, bool) {
	return c.results.Get(sessionID)
}

// Forget drops per-session checker state; called when a session ends.
func (c *Checker) Forget(sessionID string) {
	c.results.Delete(sessionID)
	c.turns.Delete(sessionID)
}

// buildCorrection renders the correction text injected on the next turn.
func buildCorrection(result types.DriftResult) string {
	var sb strings.Builder
	sb.WriteString(result.Diagnostic)
	if len(result.Recovery) > 0 {
		sb.WriteString("\nTo get back on track:")
		for i, step := range result.Recovery {
			sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, step))
		}
	}
	return strings.TrimSpace(sb.String())
}

// buildForcedRecovery renders the full rewrite demanded after repeated
// drift, restating the goal and the mandatory plan.
func buildForcedRecovery(sess *types.Session, result types.DriftResult) string {
	var sb strings.Builder
	sb.WriteString("COURSE CORRECTION REQUIRED. Recent work has repeatedly diverged from the task.\n")
	sb.WriteString("Original goal: " + sess.Goal + "\n")
	if len(sess.Constraints) > 0 {
		sb.WriteString("Constraints: " + strings.Join(sess.Constraints, "; ") + "\n")
	}
	if result.Diagnostic != "" {
		sb.WriteString("Problem: " + result.Diagnostic + "\n")
	}
	if len(result.Recovery) > 0 {
		sb.WriteString("Mandatory next steps:")
		for i, step := range result.Recovery {
			sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, step))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Do not start any other work until these are done.")
	return sb.String()
}
