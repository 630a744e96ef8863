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

// Package orchestrator owns the task-lifecycle state machine. It resolves
// which session steers a request, classifies end-of-turns through the
// auxiliary model, and applies the resulting transition: create, continue,
// reactivate, spawn children, or promote finished work into team memory.
//
// End-of-turn handling for one project is serialized through a per-key
// mutex so state transitions stay monotonic under concurrent turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/csync"
	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/memory"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const (
	// defaultRetention is how long a completed session stays resolvable so
	// a follow-up turn can reactivate it instead of starting over.
	defaultRetention = 24 * time.Hour

	// analysisSteps is how many recent steps feed task analysis.
	analysisSteps = 10

	// maxGoalLen caps goals derived from raw user messages.
	maxGoalLen = 500

	// minGoalRefreshLen and goalRefreshMaxSimilarity gate goal refresh on
	// continue: the suggestion must be substantial and materially different
	// from the current goal.
	minGoalRefreshLen        = 30
	goalRefreshMaxSimilarity = 0.8

	// maxAncestorHops bounds parent-chain walks.
	maxAncestorHops = 10
)

// Config wires an Orchestrator.
type Config struct {
	Store  *store.Store
	Helper *assist.Helper
	Memory *memory.Builder

	// Retention is the completed-session lookup window. Zero means 24h.
	Retention time.Duration

	Logger *zap.Logger
}

// Orchestrator maps requests to sessions and drives lifecycle transitions.
// Safe for concurrent use.
type Orchestrator struct {
	store     *store.Store
	helper    *assist.Helper
	memory    *memory.Builder
	retention time.Duration
	logger    *zap.Logger

	locks *csync.Map[string, *sync.Mutex]
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     cfg.Store,
		helper:    cfg.Helper,
		memory:    cfg.Memory,
		retention: retention,
		logger:    logger,
		locks:     csync.NewMap[string, *sync.Mutex](),
	}
}

// IsNoop reports whether a user message carries no task signal: the coding
// client's warmup pings and empty prompts. Such turns skip orchestration.
func IsNoop(userMessage string) bool {
	t := strings.ToLower(strings.TrimSpace(userMessage))
	return t == "" || t == "warmup"
}

// Resolve returns the session steering a project's requests: the active one
// if present, otherwise the most recently completed one within the retention
// window so task analysis can choose between continuing and starting fresh.
// Returns nil when the project has neither.
func (o *Orchestrator) Resolve(ctx context.Context, projectPath string) (*types.Session, error) {
	sess, err := o.store.GetActiveSessionForProject(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return o.store.GetCompletedSessionForProject(ctx, projectPath, o.retention)
}

// HandleTurn classifies an end-of-turn and applies the lifecycle transition.
// sess is the session that steered the request and may be nil. The returned
// session is the one that should steer the next request; nil means the
// project currently has no live task.
func (o *Orchestrator) HandleTurn(ctx context.Context, projectPath string, sess *types.Session, userMessage, assistantText string) (*types.Session, error) {
	if IsNoop(userMessage) {
		return sess, nil
	}

	mu := o.locks.GetOrSet(lockKey(projectPath, sess), func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent turn may have transitioned the
	// session since the request was classified.
	if sess != nil {
		fresh, err := o.store.GetSession(ctx, sess.ID)
		switch {
		case err == nil:
			sess = fresh
		case errors.Is(err, store.ErrNotFound):
			sess = nil
		default:
			return nil, err
		}
	}

	var steps []types.Step
	if sess != nil {
		var err error
		steps, err = o.store.GetRecentSteps(ctx, sess.ID, analysisSteps)
		if err != nil {
			return nil, fmt.Errorf("failed to load steps for analysis: %w", err)
		}
	}

	analysis := o.helper.AnalyzeTask(ctx, assist.TaskInput{
		Session:       sess,
		UserMessage:   userMessage,
		RecentSteps:   steps,
		AssistantText: assistantText,
	})

	// Backfill the model's explanation onto last turn's steps before any
	// promotion reads them.
	if sess != nil && analysis.StepReasoning != "" {
		if err := o.store.BackfillReasoning(ctx, sess.ID, analysis.StepReasoning); err != nil {
			o.logger.Warn("failed to backfill step reasoning",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	next, err := o.apply(ctx, projectPath, sess, userMessage, analysis)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("turn handled",
		zap.String("project", projectPath),
		zap.String("action", string(analysis.Action)),
		zap.String("task_type", string(analysis.TaskType)),
		zap.String("next_session", sessionID(next)))
	return next, nil
}

func (o *Orchestrator) apply(ctx context.Context, projectPath string, sess *types.Session, userMessage string, a types.TaskAnalysis) (*types.Session, error) {
	switch a.Action {
	case types.ActionNewTask:
		return o.startTask(ctx, projectPath, sess, userMessage, a)

	case types.ActionContinue:
		if sess == nil {
			// Nothing to continue; a new main task absorbs the turn.
			return o.startTask(ctx, projectPath, sess, userMessage, a)
		}
		if sess.Status == types.StatusCompleted {
			return o.reactivate(ctx, sess, a)
		}
		return o.refreshGoal(ctx, sess, a)

	case types.ActionSubtask:
		if sess == nil {
			return o.startTask(ctx, projectPath, sess, userMessage, a)
		}
		return o.startChild(ctx, sess, types.TaskSubtask, sess.ID, userMessage, a)

	case types.ActionParallelTask:
		if sess == nil {
			return o.startTask(ctx, projectPath, sess, userMessage, a)
		}
		parentID := sess.ParentID
		if parentID == "" {
			// The current task is a root; a parallel thread hangs off it.
			parentID = sess.ID
		}
		return o.startChild(ctx, sess, types.TaskParallel, parentID, userMessage, a)

	case types.ActionSubtaskComplete:
		if sess == nil {
			return nil, nil
		}
		if err := o.promote(ctx, sess); err != nil {
			return nil, err
		}
		return o.resumeParent(ctx, sess)

	case types.ActionTaskComplete:
		if sess == nil {
			return nil, nil
		}
		if err := o.promote(ctx, sess); err != nil {
			return nil, err
		}
		return o.store.GetSession(ctx, sess.ID)

	default:
		return sess, nil
	}
}

// startTask retires whatever task context lingers for the project and
// creates a fresh main session, extracting intent from the first message.
func (o *Orchestrator) startTask(ctx context.Context, projectPath string, prev *types.Session, userMessage string, a types.TaskAnalysis) (*types.Session, error) {
	completed, err := o.store.GetCompletedSessionForProject(ctx, projectPath, o.retention)
	if err != nil {
		return nil, err
	}
	if completed != nil && !o.isAncestor(ctx, completed.ID, prev) {
		// A parked ancestor of a running child is not retired; anything
		// else that lingers completed is.
		if err := o.store.DeleteSessionCascade(ctx, completed.ID); err != nil {
			return nil, fmt.Errorf("failed to delete retired session: %w", err)
		}
		o.forget(completed.ID)
		if prev != nil && prev.ID == completed.ID {
			prev = nil
		}
	}
	if prev != nil && prev.Status == types.StatusActive {
		if err := o.store.MarkCompleted(ctx, prev.ID); err != nil {
			return nil, fmt.Errorf("failed to retire active session: %w", err)
		}
		o.forget(prev.ID)
	}

	intent := o.helper.ExtractIntent(ctx, userMessage)
	goal := a.CurrentGoal
	if goal == "" {
		goal = intent.Goal
	}
	if goal == "" {
		goal = truncateRunes(userMessage, maxGoalLen)
	}

	sess := &types.Session{
		ProjectPath:   projectPath,
		OriginalQuery: userMessage,
		Goal:          goal,
		ExpectedScope: intent.ExpectedScope,
		Constraints:   intent.Constraints,
		Keywords:      intent.Keywords,
		Kind:          types.TaskMain,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.logger.Info("task started",
		zap.String("session_id", sess.ID),
		zap.String("project", projectPath),
		zap.String("goal", goal))
	return sess, nil
}

// startChild parks the current session and creates a child that becomes the
// project's active task. Children inherit the scope, constraints, and
// keywords that drift checking and memory lookups key on.
func (o *Orchestrator) startChild(ctx context.Context, sess *types.Session, kind types.TaskKind, parentID, userMessage string, a types.TaskAnalysis) (*types.Session, error) {
	if sess.Status == types.StatusActive {
		if err := o.store.MarkCompleted(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("failed to park session: %w", err)
		}
	}

	goal := a.CurrentGoal
	if goal == "" {
		goal = truncateRunes(userMessage, maxGoalLen)
	}
	child := &types.Session{
		ProjectPath:   sess.ProjectPath,
		OriginalQuery: userMessage,
		Goal:          goal,
		ExpectedScope: sess.ExpectedScope,
		Constraints:   sess.Constraints,
		Keywords:      sess.Keywords,
		Kind:          kind,
		ParentID:      parentID,
	}
	if err := o.store.CreateSession(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create child session: %w", err)
	}
	o.logger.Info("child task started",
		zap.String("session_id", child.ID),
		zap.String("parent_id", parentID),
		zap.String("kind", string(kind)),
		zap.String("goal", goal))
	return child, nil
}

// reactivate flips a recently completed session back to active, optionally
// taking the goal the analyzer suggested.
func (o *Orchestrator) reactivate(ctx context.Context, sess *types.Session, a types.TaskAnalysis) (*types.Session, error) {
	status := types.StatusActive
	patch := store.SessionPatch{Status: &status}
	if a.CurrentGoal != "" {
		patch.Goal = &a.CurrentGoal
	}
	if err := o.store.UpdateSession(ctx, sess.ID, patch); err != nil {
		return nil, fmt.Errorf("failed to reactivate session: %w", err)
	}
	o.logger.Info("task reactivated", zap.String("session_id", sess.ID))
	return o.store.GetSession(ctx, sess.ID)
}

// refreshGoal updates the goal on continue when the analyzer reports a
// substantial sub-instruction that materially differs from the current goal.
func (o *Orchestrator) refreshGoal(ctx context.Context, sess *types.Session, a types.TaskAnalysis) (*types.Session, error) {
	if !shouldRefreshGoal(sess.Goal, a.CurrentGoal) {
		return sess, nil
	}
	if err := o.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Goal: &a.CurrentGoal}); err != nil {
		return nil, fmt.Errorf("failed to refresh goal: %w", err)
	}
	o.logger.Info("goal refreshed",
		zap.String("session_id", sess.ID),
		zap.String("goal", a.CurrentGoal))
	updated := *sess
	updated.Goal = a.CurrentGoal
	return &updated, nil
}

// promote extracts conclusions from the session's validated steps and writes
// the team-memory entry; the store completes the session in the same
// transaction.
func (o *Orchestrator) promote(ctx context.Context, sess *types.Session) error {
	steps, err := o.store.GetValidatedSteps(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load validated steps: %w", err)
	}
	ext := o.helper.ExtractConclusions(ctx, assist.ExtractionInput{Session: sess, Steps: steps})
	if _, err := o.store.PromoteToTeamMemory(ctx, sess, ext); err != nil {
		return fmt.Errorf("failed to promote session: %w", err)
	}
	o.forget(sess.ID)
	o.logger.Info("task promoted to team memory",
		zap.String("session_id", sess.ID),
		zap.String("goal", sess.Goal),
		zap.Int("conclusions", len(ext.Reasoning)),
		zap.Int("decisions", len(ext.Decisions)))
	return nil
}

// resumeParent reactivates the parent of a finished child. A missing parent
// leaves the project with no live task.
func (o *Orchestrator) resumeParent(ctx context.Context, child *types.Session) (*types.Session, error) {
	if child.ParentID == "" {
		return nil, nil
	}
	parent, err := o.store.GetSession(ctx, child.ParentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if parent.Status != types.StatusActive {
		if err := o.store.Reactivate(ctx, parent.ID); err != nil {
			return nil, fmt.Errorf("failed to resume parent: %w", err)
		}
	}
	o.logger.Info("parent task resumed",
		zap.String("session_id", parent.ID),
		zap.String("child_id", child.ID))
	return o.store.GetSession(ctx, parent.ID)
}

// isAncestor reports whether id appears in the parent chain of sess.
func (o *Orchestrator) isAncestor(ctx context.Context, id string, sess *types.Session) bool {
	cur := sess
	for hops := 0; cur != nil && cur.ParentID != "" && hops < maxAncestorHops; hops++ {
		if cur.ParentID == id {
			return true
		}
		parent, err := o.store.GetSession(ctx, cur.ParentID)
		if err != nil {
			return false
		}
		cur = parent
	}
	return false
}

func (o *Orchestrator) forget(sessionID string) {
	if o.memory != nil {
		o.memory.Forget(sessionID)
	}
}

func shouldRefreshGoal(current, suggested string) bool {
	if utf8.RuneCountInString(suggested) <= minGoalRefreshLen {
		return false
	}
	if current == "" {
		return true
	}
	return similarity(current, suggested) < goalRefreshMaxSimilarity
}

// similarity is a character-level ratio in [0,1]: 1 minus the Levenshtein
// distance over the longer input's length.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	lev := dmp.DiffLevenshtein(diffs)
	longest := utf8.RuneCountInString(a)
	if lb := utf8.RuneCountInString(b); lb > longest {
		longest = lb
	}
	return 1.0 - float64(lev)/float64(longest)
}

func lockKey(projectPath string, sess *types.Session) string {
	if sess != nil {
		return sess.ID
	}
	return "project\x00" + projectPath
}

func sessionID(sess *types.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
