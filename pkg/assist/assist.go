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

// Package assist is a façade over a small auxiliary model used for the
// judgement calls the proxy cannot make itself: intent extraction, task
// classification, drift scoring, recovery alignment, conclusion harvesting,
// and session summaries. Every helper degrades to a heuristic when the
// model is unconfigured or misbehaves; a user request never fails because
// the auxiliary model did.
package assist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// Completer is the single completion seam to the auxiliary model.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// CompleteRequest is one auxiliary completion call.
type CompleteRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// CompleteFunc adapts a function to the Completer interface.
type CompleteFunc func(ctx context.Context, req CompleteRequest) (string, error)

// Complete implements Completer.
func (f CompleteFunc) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	return f(ctx, req)
}

// Config configures the helper façade.
type Config struct {
	// Completer reaches the auxiliary model. Nil means unavailable; every
	// helper then answers from heuristics.
	Completer Completer

	// Timeout bounds each completion call. Zero means 30 seconds.
	Timeout time.Duration

	Logger *zap.Logger
}

// Helper exposes the auxiliary-model operations.
type Helper struct {
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates the helper façade.
func New(cfg Config) *Helper {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Helper{
		completer: cfg.Completer,
		timeout:   timeout,
		logger:    logger,
	}
}

// Available reports whether the auxiliary model is configured. Callers that
// only make sense with a real judge (the drift checker) skip their work
// entirely when this is false.
func (h *Helper) Available() bool {
	return h != nil && h.completer != nil
}

// complete runs one bounded completion call.
func (h *Helper) complete(ctx context.Context, req CompleteRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	out, err := h.completer.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("auxiliary completion: %w", err)
	}
	return out, nil
}

// TaskInput is everything end-of-turn task analysis sees.
type TaskInput struct {
	Session       *types.Session
	UserMessage   string
	RecentSteps   []types.Step
	AssistantText string
}

// DriftInput is the evidence for one drift scoring call.
type DriftInput struct {
	Session     *types.Session
	RecentSteps []types.Step
	UserMessage string
}

// RecoveryInput pairs a fresh step with the recovery plan it should follow.
type RecoveryInput struct {
	Step     types.Step
	Recovery []string
}

// ExtractionInput is the step log harvested at task close.
type ExtractionInput struct {
	Session *types.Session
	Steps   []types.Step
}

// SummaryInput is the material for a pre-emptive session summary.
type SummaryInput struct {
	Session *types.Session
	Steps   []types.Step
	History []types.HistoryEntry
}

// ExtractIntent derives goal, scope, constraints and keywords from the
// first prompt of a task.
func (h *Helper) ExtractIntent(ctx context.Context, query string) types.Intent {
	if !h.Available() {
		return fallbackIntent(query)
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    intentSystem,
		Prompt:    intentPrompt(query),
		MaxTokens: 1024,
	})
	if err != nil {
		h.logger.Warn("intent extraction fell back to heuristics", zap.Error(err))
		return fallbackIntent(query)
	}
	var intent types.Intent
	if err := decodeValidated(intentSchema, out, &intent); err != nil {
		h.logger.Warn("intent extraction returned invalid JSON", zap.Error(err))
		return fallbackIntent(query)
	}
	if intent.Goal == "" {
		intent.Goal = truncate(query, 200)
	}
	return intent
}

// AnalyzeTask classifies an end-of-turn exchange into the lifecycle action
// the orchestrator should take.
func (h *Helper) AnalyzeTask(ctx context.Context, in TaskInput) types.TaskAnalysis {
	if !h.Available() {
		return fallbackAnalysis(in)
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    taskSystem,
		Prompt:    taskPrompt(in),
		MaxTokens: 1024,
	})
	if err != nil {
		h.logger.Warn("task analysis fell back to heuristics", zap.Error(err))
		return fallbackAnalysis(in)
	}
	var analysis types.TaskAnalysis
	if err := decodeValidated(taskSchema, out, &analysis); err != nil {
		h.logger.Warn("task analysis returned invalid JSON", zap.Error(err))
		return fallbackAnalysis(in)
	}
	return analysis
}

// ScoreDrift scores how aligned the recent steps are with the session goal,
// 0-10 with 10 perfectly aligned.
func (h *Helper) ScoreDrift(ctx context.Context, in DriftInput) types.DriftResult {
	if !h.Available() {
		return types.DriftResult{Score: 10}
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    driftSystem,
		Prompt:    driftPrompt(in),
		MaxTokens: 1024,
	})
	if err != nil {
		h.logger.Warn("drift scoring fell back to aligned", zap.Error(err))
		return types.DriftResult{Score: 10}
	}
	var result types.DriftResult
	if err := decodeValidated(driftSchema, out, &result); err != nil {
		h.logger.Warn("drift scoring returned invalid JSON", zap.Error(err))
		return types.DriftResult{Score: 10}
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 10 {
		result.Score = 10
	}
	return result
}

// CheckRecovery judges whether a step taken under drifted mode follows the
// recovery plan proposed on the previous turn.
func (h *Helper) CheckRecovery(ctx context.Context, in RecoveryInput) types.RecoveryCheck {
	if !h.Available() {
		// Without a judge the session must not stay stuck in drifted mode.
		return types.RecoveryCheck{Aligned: true}
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    recoverySystem,
		Prompt:    recoveryPrompt(in),
		MaxTokens: 512,
	})
	if err != nil {
		h.logger.Warn("recovery check fell back to aligned", zap.Error(err))
		return types.RecoveryCheck{Aligned: true}
	}
	var check types.RecoveryCheck
	if err := decodeValidated(recoverySchema, out, &check); err != nil {
		h.logger.Warn("recovery check returned invalid JSON", zap.Error(err))
		return types.RecoveryCheck{Aligned: true}
	}
	return check
}

// ExtractConclusions harvests prefixed reasoning entries and explicit
// decisions from a closing session's step log. At most ten reasoning
// entries and five decisions survive.
func (h *Helper) ExtractConclusions(ctx context.Context, in ExtractionInput) types.Extraction {
	if !h.Available() {
		return fallbackExtraction(in)
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    extractionSystem,
		Prompt:    extractionPrompt(in),
		MaxTokens: 2048,
	})
	if err != nil {
		h.logger.Warn("conclusion extraction fell back to heuristics", zap.Error(err))
		return fallbackExtraction(in)
	}
	var ext types.Extraction
	if err := decodeValidated(extractionSchema, out, &ext); err != nil {
		h.logger.Warn("conclusion extraction returned invalid JSON", zap.Error(err))
		return fallbackExtraction(in)
	}
	if len(ext.Reasoning) > 10 {
		ext.Reasoning = ext.Reasoning[:10]
	}
	if len(ext.Decisions) > 5 {
		ext.Decisions = ext.Decisions[:5]
	}
	return ext
}

// Summarize produces the plain-text summary injected after a context
// reset: goal, progress, decisions, files, state, next steps.
func (h *Helper) Summarize(ctx context.Context, in SummaryInput) string {
	if !h.Available() {
		return fallbackSummary(in)
	}
	out, err := h.complete(ctx, CompleteRequest{
		System:    summarySystem,
		Prompt:    summaryPrompt(in),
		MaxTokens: 2048,
	})
	if err != nil {
		h.logger.Warn("summary fell back to heuristics", zap.Error(err))
		return fallbackSummary(in)
	}
	summary := stripFences(out)
	if summary == "" {
		return fallbackSummary(in)
	}
	return summary
}
