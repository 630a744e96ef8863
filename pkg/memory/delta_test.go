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

package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

func deltaSession(t *testing.T, s *store.Store) *types.Session {
	t.Helper()
	sess := &types.Session{ProjectPath: "/proj", Goal: "fix the auth timeout"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func appendStep(t *testing.T, s *store.Store, sessionID string, kind types.ActionKind, file, reasoning string, keyDecision bool) {
	t.Helper()
	step := &types.Step{
		SessionID:   sessionID,
		Kind:        kind,
		Reasoning:   reasoning,
		KeyDecision: keyDecision,
		Validated:   true,
	}
	if file != "" {
		step.Files = []string{file}
	}
	require.NoError(t, s.AppendStep(context.Background(), step))
}

// TestBuildDelta_CarriesOnlyNewMaterial checks the core delta contract:
// committed content never repeats, later turns only carry what is new.
func TestBuildDelta_CarriesOnlyNewMaterial(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	appendStep(t, s, sess.ID, types.ActionEdit, "pkg/auth/a.go", "raised the timeout", true)
	appendStep(t, s, sess.ID, types.ActionWrite, "pkg/auth/b.go", "", false)

	d1, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	require.False(t, d1.Empty())
	assert.Contains(t, d1.Text, "[EDITED: pkg/auth/a.go, pkg/auth/b.go]")
	assert.Contains(t, d1.Text, "[DECISION: raised the timeout]")
	require.NoError(t, b.CommitDelta(ctx, sess, d1))

	// Nothing new: the next delta is empty.
	d2, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.True(t, d2.Empty())

	// New work after the commit shows up alone.
	appendStep(t, s, sess.ID, types.ActionEdit, "pkg/auth/c.go", "switched to jittered backoff", true)
	d3, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Contains(t, d3.Text, "[EDITED: pkg/auth/c.go]")
	assert.NotContains(t, d3.Text, "a.go")
	assert.Contains(t, d3.Text, "[DECISION: switched to jittered backoff]")
	assert.NotContains(t, d3.Text, "raised the timeout")
}

// TestBuildDelta_DecisionCap limits decisions to three per turn, spilling
// the rest into later deltas.
func TestBuildDelta_DecisionCap(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	for _, r := range []string{"one", "two", "three", "four", "five"} {
		appendStep(t, s, sess.ID, types.ActionEdit, "", "decision "+r, true)
	}

	d1, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(d1.Text, "[DECISION:"))
	require.NoError(t, b.CommitDelta(ctx, sess, d1))

	d2, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(d2.Text, "[DECISION:"))
	require.NoError(t, b.CommitDelta(ctx, sess, d2))

	d3, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.True(t, d3.Empty())
}

// TestBuildDelta_DedupesByReasoningHash suppresses repeated reasoning text
// both within one turn and across turns.
func TestBuildDelta_DedupesByReasoningHash(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	appendStep(t, s, sess.ID, types.ActionEdit, "", "always batch writes", true)
	appendStep(t, s, sess.ID, types.ActionEdit, "", "always batch writes", true)

	d1, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(d1.Text, "[DECISION:"))
	require.NoError(t, b.CommitDelta(ctx, sess, d1))

	// Same reasoning on a brand new step is still a repeat.
	appendStep(t, s, sess.ID, types.ActionEdit, "", "always batch writes", true)
	d2, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.True(t, d2.Empty())
}

// TestBuildDelta_PendingTexts carries drift correction and forced recovery,
// and clears them only on commit.
func TestBuildDelta_PendingTexts(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	correction := "You appear to be working on billing instead of auth.\nTo get back on track:\n1. return to pkg/auth"
	recovery := "COURSE CORRECTION REQUIRED. Recent work has repeatedly diverged from the task."
	require.NoError(t, s.UpdateSession(ctx, sess.ID, store.SessionPatch{
		PendingCorrection: &correction,
		PendingRecovery:   &recovery,
	}))
	sess, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	d1, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Contains(t, d1.Text, "[DRIFT: You appear to be working on billing")
	assert.Contains(t, d1.Text, "COURSE CORRECTION REQUIRED.")

	// Not committed yet: the pending texts survive a rebuild.
	d2, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Contains(t, d2.Text, "[DRIFT:")

	require.NoError(t, b.CommitDelta(ctx, sess, d1))
	sess, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.PendingCorrection)
	assert.Empty(t, sess.PendingRecovery)

	d3, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.True(t, d3.Empty())
}

// TestCommitDelta_EmptyIsNoOp tolerates nil and empty deltas.
func TestCommitDelta_EmptyIsNoOp(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	require.NoError(t, b.CommitDelta(ctx, sess, nil))
	require.NoError(t, b.CommitDelta(ctx, sess, &Delta{}))
	require.NoError(t, b.CommitDelta(ctx, nil, &Delta{Text: "x"}))
}

// TestForget drops tracking so a fresh session id starts from scratch.
func TestForget(t *testing.T) {
	b, s := newTestBuilder(t)
	ctx := context.Background()
	sess := deltaSession(t, s)

	appendStep(t, s, sess.ID, types.ActionEdit, "pkg/auth/a.go", "", false)
	d1, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, b.CommitDelta(ctx, sess, d1))

	b.Forget(sess.ID)

	// With tracking gone the same file counts as new again.
	d2, err := b.BuildDelta(ctx, sess)
	require.NoError(t, err)
	assert.Contains(t, d2.Text, "[EDITED: pkg/auth/a.go]")
}

// TestBuildDelta_NilSession checks the guard.
func TestBuildDelta_NilSession(t *testing.T) {
	b, _ := newTestBuilder(t)
	_, err := b.BuildDelta(context.Background(), nil)
	assert.Error(t, err)
}
