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

package drift

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// scriptedChecker wires a checker to an in-memory store and an assist
// helper that replays the given completions in order.
func scriptedChecker(t *testing.T, completions ...string) (*Checker, *store.Store) {
	t.Helper()
	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	i := 0
	helper := assist.New(assist.Config{Completer: assist.CompleteFunc(
		func(ctx context.Context, req assist.CompleteRequest) (string, error) {
			require.Less(t, i, len(completions), "unexpected extra completion call")
			out := completions[i]
			i++
			return out, nil
		})})

	return New(Config{Helper: helper, Store: s, Interval: 3}), s
}

func driftSession(t *testing.T, s *store.Store, mutate func(*types.Session)) *types.Session {
	t.Helper()
	sess := &types.Session{
		ProjectPath: "/proj",
		Goal:        "fix the auth timeout",
		Constraints: []string{"do not touch billing"},
	}
	if mutate != nil {
		mutate(sess)
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func driftJSON(t *testing.T, score int, recovery ...string) string {
	t.Helper()
	out, err := json.Marshal(map[string]any{
		"score":      score,
		"drift_type": "scope_creep",
		"diagnostic": "working on billing instead of auth",
		"recovery":   recovery,
	})
	require.NoError(t, err)
	return string(out)
}

// TestDue verifies the every-Nth-turn cadence per session.
func TestDue(t *testing.T) {
	c, _ := scriptedChecker(t)

	assert.False(t, c.Due("s1"))
	assert.False(t, c.Due("s1"))
	assert.True(t, c.Due("s1"), "third end-turn is due")
	assert.False(t, c.Due("s1"))

	assert.False(t, c.Due("s2"), "counters are per session")
}

// TestDue_NoHelper verifies nothing is due without an auxiliary model.
func TestDue_NoHelper(t *testing.T) {
	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c := New(Config{Helper: assist.New(assist.Config{}), Store: s})

	for i := 0; i < 6; i++ {
		assert.False(t, c.Due("s1"))
	}
}

// TestCheck_Aligned verifies a high score clears any lingering drift state.
func TestCheck_Aligned(t *testing.T) {
	ctx := context.Background()
	c, s := scriptedChecker(t, driftJSON(t, 9))
	sess := driftSession(t, s, func(ss *types.Session) {
		ss.Mode = types.ModeDrifted
		ss.Escalation = 2
		ss.AwaitingRecovery = true
		ss.PendingCorrection = "old correction"
	})

	out, err := c.Check(ctx, sess, nil, "continue please")
	require.NoError(t, err)
	assert.Equal(t, types.ModeNormal, out.Mode)
	assert.False(t, out.SkipSteps)
	assert.Empty(t, out.Correction)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeNormal, got.Mode)
	assert.Zero(t, got.Escalation)
	assert.False(t, got.AwaitingRecovery)
	assert.Empty(t, got.PendingCorrection)
	assert.False(t, got.LastCheckedAt.IsZero())
}

// TestCheck_MildDrift verifies 5-7 saves a correction without a mode change.
func TestCheck_MildDrift(t *testing.T) {
	ctx := context.Background()
	c, s := scriptedChecker(t, driftJSON(t, 6, "go back to pkg/auth"))
	sess := driftSession(t, s, nil)

	out, err := c.Check(ctx, sess, nil, "continue")
	require.NoError(t, err)
	assert.Equal(t, types.ModeNormal, out.Mode)
	assert.False(t, out.SkipSteps)
	assert.Contains(t, out.Correction, "billing instead of auth")
	assert.Contains(t, out.Correction, "1. go back to pkg/auth")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeNormal, got.Mode)
	assert.Zero(t, got.Escalation)
	assert.Equal(t, out.Correction, got.PendingCorrection)
}

// TestCheck_StrongDrift verifies the drifted transition and step skipping.
func TestCheck_StrongDrift(t *testing.T) {
	ctx := context.Background()
	c, s := scriptedChecker(t, driftJSON(t, 2, "stop editing billing", "reread the goal"))
	sess := driftSession(t, s, nil)

	out, err := c.Check(ctx, sess, nil, "continue")
	require.NoError(t, err)
	assert.Equal(t, types.ModeDrifted, out.Mode)
	assert.True(t, out.SkipSteps)
	assert.False(t, out.Forced)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeDrifted, got.Mode)
	assert.Equal(t, 1, got.Escalation)
	assert.True(t, got.AwaitingRecovery)
	assert.NotEmpty(t, got.PendingCorrection)
	assert.Empty(t, got.PendingRecovery, "no forced rewrite yet")

	last, ok := c.Last(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 2, last.Score)
	assert.Len(t, last.Recovery, 2)
}

// TestCheck_ForcedAfterEscalation verifies the third drifted check demands
// a full rewrite.
func TestCheck_ForcedAfterEscalation(t *testing.T) {
	ctx := context.Background()
	c, s := scriptedChecker(t, driftJSON(t, 1, "revert billing"))
	sess := driftSession(t, s, func(ss *types.Session) {
		ss.Mode = types.ModeDrifted
		ss.Escalation = 2
		ss.AwaitingRecovery = true
	})

	out, err := c.Check(ctx, sess, nil, "continue")
	require.NoError(t, err)
	assert.Equal(t, types.ModeForced, out.Mode)
	assert.True(t, out.Forced)
	assert.True(t, out.SkipSteps)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeForced, got.Mode)
	assert.Equal(t, 3, got.Escalation)
	assert.Contains(t, got.PendingRecovery, "COURSE CORRECTION REQUIRED")
	assert.Contains(t, got.PendingRecovery, "fix the auth timeout")
	assert.Contains(t, got.PendingRecovery, "do not touch billing")
}

// TestHandleRecovery covers release on aligned and escalation otherwise.
func TestHandleRecovery(t *testing.T) {
	ctx := context.Background()
	step := types.Step{Kind: types.ActionEdit, Files: []string{"pkg/auth/login.go"}}

	t.Run("aligned releases", func(t *testing.T) {
		c, s := scriptedChecker(t,
			driftJSON(t, 2, "fix pkg/auth/login.go"),
			`{"aligned":true,"reason":"followed step 1"}`,
		)
		sess := driftSession(t, s, nil)
		_, err := c.Check(ctx, sess, nil, "continue")
		require.NoError(t, err)
		sess, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)

		aligned, err := c.HandleRecovery(ctx, sess, step)
		require.NoError(t, err)
		assert.True(t, aligned)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ModeNormal, got.Mode)
		assert.Zero(t, got.Escalation)
		assert.False(t, got.AwaitingRecovery)
		_, ok := c.Last(sess.ID)
		assert.False(t, ok, "cached result is forgotten")
	})

	t.Run("ignored plan escalates", func(t *testing.T) {
		c, s := scriptedChecker(t,
			driftJSON(t, 2, "fix pkg/auth/login.go"),
			`{"aligned":false,"reason":"edited billing again"}`,
		)
		sess := driftSession(t, s, nil)
		_, err := c.Check(ctx, sess, nil, "continue")
		require.NoError(t, err)
		sess, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)

		aligned, err := c.HandleRecovery(ctx, sess, step)
		require.NoError(t, err)
		assert.False(t, aligned)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Escalation)
		assert.Equal(t, types.ModeDrifted, got.Mode, "mode unchanged until recovery or realign")
	})

	t.Run("not awaiting recovery is a no-op", func(t *testing.T) {
		c, s := scriptedChecker(t)
		sess := driftSession(t, s, nil)
		aligned, err := c.HandleRecovery(ctx, sess, step)
		require.NoError(t, err)
		assert.True(t, aligned)
	})

	t.Run("lost result releases", func(t *testing.T) {
		c, s := scriptedChecker(t)
		sess := driftSession(t, s, func(ss *types.Session) {
			ss.Mode = types.ModeDrifted
			ss.AwaitingRecovery = true
			ss.Escalation = 1
		})

		aligned, err := c.HandleRecovery(ctx, sess, step)
		require.NoError(t, err)
		assert.True(t, aligned)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ModeNormal, got.Mode)
	})
}

// TestForget drops cached state so deleted sessions do not leak counters.
func TestForget(t *testing.T) {
	c, s := scriptedChecker(t, driftJSON(t, 2, "step"))
	sess := driftSession(t, s, nil)
	_, err := c.Check(context.Background(), sess, nil, "go")
	require.NoError(t, err)

	_, ok := c.Last(sess.ID)
	require.True(t, ok)

	c.Forget(sess.ID)
	_, ok = c.Last(sess.ID)
	assert.False(t, ok)
}
