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

package assist

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// scripted returns a helper whose completer always answers with out.
func scripted(out string) *Helper {
	return New(Config{Completer: CompleteFunc(func(ctx context.Context, req CompleteRequest) (string, error) {
		return out, nil
	})})
}

// failing returns a helper whose completer always errors.
func failing() *Helper {
	return New(Config{Completer: CompleteFunc(func(ctx context.Context, req CompleteRequest) (string, error) {
		return "", errors.New("model offline")
	})})
}

func TestAvailable(t *testing.T) {
	assert.False(t, New(Config{}).Available())
	assert.True(t, scripted("{}").Available())
	var nilHelper *Helper
	assert.False(t, nilHelper.Available())
}

// TestExtractIntent covers the model path, fenced output, and both
// fallback triggers.
func TestExtractIntent(t *testing.T) {
	ctx := context.Background()

	t.Run("model output", func(t *testing.T) {
		h := scripted("```json\n" + `{
			"goal": "fix the login timeout",
			"expected_scope": ["pkg/auth/login.go"],
			"constraints": ["do not change the public API", "must keep backwards compatibility"],
			"keywords": ["login", "timeout", "auth"]
		}` + "\n```")
		intent := h.ExtractIntent(ctx, "fix the login timeout in pkg/auth/login.go")
		assert.Equal(t, "fix the login timeout", intent.Goal)
		assert.Equal(t, []string{"pkg/auth/login.go"}, intent.ExpectedScope)
		assert.Len(t, intent.Constraints, 2)
		assert.Equal(t, []string{"login", "timeout", "auth"}, intent.Keywords)
	})

	t.Run("completion error falls back", func(t *testing.T) {
		intent := failing().ExtractIntent(ctx, "refactor pkg/store/schema.go to split tables")
		assert.Contains(t, intent.Goal, "refactor")
		assert.Contains(t, intent.ExpectedScope, "pkg/store/schema.go")
		assert.Contains(t, intent.Keywords, "refactor")
		assert.NotContains(t, intent.Keywords, "to", "stop words are filtered")
	})

	t.Run("schema violation falls back", func(t *testing.T) {
		h := scripted(`{"goal": 42, "keywords": []}`)
		intent := h.ExtractIntent(ctx, "do something")
		assert.Equal(t, "do something", intent.Goal)
	})

	t.Run("unavailable falls back", func(t *testing.T) {
		intent := New(Config{}).ExtractIntent(ctx, "check main.go")
		assert.Contains(t, intent.ExpectedScope, "main.go")
	})
}

// TestAnalyzeTask covers classification decode and the heuristic paths.
func TestAnalyzeTask(t *testing.T) {
	ctx := context.Background()
	sess := &types.Session{ID: "s1", Goal: "build the parser", Status: types.StatusActive}

	t.Run("model output", func(t *testing.T) {
		h := scripted(`{"task_type":"implementation","action":"task_complete","task_id":"s1","reasoning":"tests pass","step_reasoning":"added parser tests"}`)
		analysis := h.AnalyzeTask(ctx, TaskInput{Session: sess, UserMessage: "looks done", AssistantText: "All tests pass."})
		assert.Equal(t, types.TaskImplementation, analysis.TaskType)
		assert.Equal(t, types.ActionTaskComplete, analysis.Action)
		assert.Equal(t, "s1", analysis.TaskID)
		assert.Equal(t, "added parser tests", analysis.StepReasoning)
	})

	t.Run("unknown action falls back", func(t *testing.T) {
		h := scripted(`{"task_type":"implementation","action":"self_destruct"}`)
		analysis := h.AnalyzeTask(ctx, TaskInput{Session: sess, UserMessage: "keep going"})
		assert.Equal(t, types.ActionContinue, analysis.Action)
		assert.Equal(t, "s1", analysis.TaskID)
	})

	t.Run("no session falls back to new task", func(t *testing.T) {
		analysis := failing().AnalyzeTask(ctx, TaskInput{UserMessage: "add a cache layer"})
		assert.Equal(t, types.ActionNewTask, analysis.Action)
		assert.Equal(t, "add a cache layer", analysis.CurrentGoal)
	})

	t.Run("question with no modifications is informational", func(t *testing.T) {
		analysis := failing().AnalyzeTask(ctx, TaskInput{
			Session:     sess,
			UserMessage: "how does the scheduler work?",
			RecentSteps: []types.Step{{Kind: types.ActionRead}},
		})
		assert.Equal(t, types.TaskInformation, analysis.TaskType)
		assert.Equal(t, types.ActionContinue, analysis.Action)
	})
}

// TestScoreDrift covers clamping and the aligned default.
func TestScoreDrift(t *testing.T) {
	ctx := context.Background()
	in := DriftInput{Session: &types.Session{Goal: "fix auth"}, UserMessage: "continue"}

	t.Run("model output", func(t *testing.T) {
		h := scripted(`{"score":3,"drift_type":"scope_creep","diagnostic":"editing billing code","recovery":["return to pkg/auth","revert billing changes"]}`)
		result := h.ScoreDrift(ctx, in)
		assert.Equal(t, 3, result.Score)
		assert.Equal(t, "scope_creep", result.Type)
		assert.Len(t, result.Recovery, 2)
	})

	t.Run("score clamped", func(t *testing.T) {
		assert.Equal(t, 10, scripted(`{"score":14}`).ScoreDrift(ctx, in).Score)
		assert.Equal(t, 0, scripted(`{"score":-2}`).ScoreDrift(ctx, in).Score)
	})

	t.Run("failure means aligned", func(t *testing.T) {
		assert.Equal(t, 10, failing().ScoreDrift(ctx, in).Score)
		assert.Equal(t, 10, New(Config{}).ScoreDrift(ctx, in).Score)
		assert.Equal(t, 10, scripted("not json at all").ScoreDrift(ctx, in).Score)
	})
}

// TestCheckRecovery covers the verdict decode and the stuck-session guard.
func TestCheckRecovery(t *testing.T) {
	ctx := context.Background()
	in := RecoveryInput{
		Step:     types.Step{Kind: types.ActionEdit, Files: []string{"pkg/auth/login.go"}},
		Recovery: []string{"revert billing changes", "fix pkg/auth/login.go"},
	}

	t.Run("model verdict", func(t *testing.T) {
		check := scripted(`{"aligned":false,"reason":"still editing billing"}`).CheckRecovery(ctx, in)
		assert.False(t, check.Aligned)
		assert.Equal(t, "still editing billing", check.Reason)
	})

	t.Run("failure releases the session", func(t *testing.T) {
		assert.True(t, failing().CheckRecovery(ctx, in).Aligned)
		assert.True(t, New(Config{}).CheckRecovery(ctx, in).Aligned)
	})
}

// TestExtractConclusions covers caps and the step-log fallback.
func TestExtractConclusions(t *testing.T) {
	ctx := context.Background()

	t.Run("model output capped", func(t *testing.T) {
		out := `{"reasoning":[`
		for i := 0; i < 12; i++ {
			if i > 0 {
				out += ","
			}
			out += `"CONCLUSION: fact"`
		}
		out += `],"decisions":[`
		for i := 0; i < 7; i++ {
			if i > 0 {
				out += ","
			}
			out += `{"choice":"c","reason":"r"}`
		}
		out += `],"tags":["auth"]}`

		ext := scripted(out).ExtractConclusions(ctx, ExtractionInput{})
		assert.Len(t, ext.Reasoning, 10)
		assert.Len(t, ext.Decisions, 5)
		assert.Equal(t, []string{"auth"}, ext.Tags)
	})

	t.Run("fallback harvests validated steps", func(t *testing.T) {
		in := ExtractionInput{
			Session: &types.Session{Keywords: []string{"auth", "timeout"}},
			Steps: []types.Step{
				{Kind: types.ActionEdit, Files: []string{"a.go"}, Reasoning: "raised the timeout", Validated: true, KeyDecision: true},
				{Kind: types.ActionRead, Files: []string{"b.go"}, Reasoning: "checked config", Validated: true},
				{Kind: types.ActionEdit, Files: []string{"c.go"}, Reasoning: "off-goal edit", Validated: false},
			},
		}
		ext := failing().ExtractConclusions(ctx, in)
		require.Len(t, ext.Reasoning, 2)
		assert.Equal(t, "CONCLUSION: raised the timeout", ext.Reasoning[0])
		require.Len(t, ext.Decisions, 1)
		assert.Equal(t, "edit a.go", ext.Decisions[0].Choice)
		assert.Equal(t, []string{"auth", "timeout"}, ext.Tags)
	})
}

// TestSummarize covers the model path and the assembled fallback.
func TestSummarize(t *testing.T) {
	ctx := context.Background()
	in := SummaryInput{
		Session: &types.Session{Goal: "migrate the store"},
		Steps: []types.Step{
			{Kind: types.ActionEdit, Files: []string{"pkg/store/schema.go"}, Reasoning: "split the tables", KeyDecision: true},
			{Kind: types.ActionRunCommand, Command: "make migrate"},
		},
	}

	t.Run("model text", func(t *testing.T) {
		summary := scripted("```\nOriginal goal: migrate the store\nNext steps: run the migration\n```").Summarize(ctx, in)
		assert.Contains(t, summary, "Original goal: migrate the store")
		assert.NotContains(t, summary, "```", "fences are stripped")
	})

	t.Run("fallback summary", func(t *testing.T) {
		summary := failing().Summarize(ctx, in)
		assert.Contains(t, summary, "migrate the store")
		assert.Contains(t, summary, "pkg/store/schema.go")
		assert.Contains(t, summary, "split the tables")
		assert.Contains(t, summary, "2 recorded steps")
	})
}
