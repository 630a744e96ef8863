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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_FileBacked(t *testing.T) {
	path := t.TempDir() + "/grov.db"
	s, err := New(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.db)
	assert.FileExists(t, path)
}

func TestNew_EncryptionWithoutSupport(t *testing.T) {
	// The pure-Go build must refuse an encryption key rather than write
	// plaintext. Under a SQLCipher build the open succeeds instead.
	s, err := New(Config{Path: t.TempDir() + "/enc.db", EncryptionKey: "secret"})
	if err != nil {
		assert.Contains(t, err.Error(), "SQLCipher")
		return
	}
	s.Close()
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{
		ProjectPath:   "/home/dev/api",
		OriginalQuery: "add rate limiting to the login endpoint",
		Goal:          "Add rate limiting to login",
		ExpectedScope: []string{"internal/auth/", "internal/middleware/"},
		Constraints:   []string{"do not change the public API"},
		Keywords:      []string{"rate", "limit", "login"},
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID, "missing ID should be generated")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ProjectPath, got.ProjectPath)
	assert.Equal(t, sess.OriginalQuery, got.OriginalQuery)
	assert.Equal(t, sess.Goal, got.Goal)
	assert.Equal(t, sess.ExpectedScope, got.ExpectedScope)
	assert.Equal(t, sess.Constraints, got.Constraints)
	assert.Equal(t, sess.Keywords, got.Keywords)
	assert.Equal(t, types.TaskMain, got.Kind)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, types.ModeNormal, got.Mode)
	assert.True(t, got.Active())
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// A second active session for the same project must be rejected by the
// database itself, not just by orchestrator discipline.
func TestCreateSession_OneActivePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.Session{ProjectPath: "/p", Goal: "first"}
	require.NoError(t, s.CreateSession(ctx, first))

	second := &types.Session{ProjectPath: "/p", Goal: "second"}
	err := s.CreateSession(ctx, second)
	require.Error(t, err, "two active sessions for one project must not coexist")

	// A different project is unaffected.
	other := &types.Session{ProjectPath: "/q", Goal: "other"}
	require.NoError(t, s.CreateSession(ctx, other))

	// Completing the first frees the slot.
	require.NoError(t, s.MarkCompleted(ctx, first.ID))
	second.ID = ""
	require.NoError(t, s.CreateSession(ctx, second))
}

func TestGetActiveSessionForProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetActiveSessionForProject(ctx, "/p")
	require.NoError(t, err)
	assert.Nil(t, got, "no session is not an error")

	sess := &types.Session{ProjectPath: "/p", Goal: "g"}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err = s.GetActiveSessionForProject(ctx, "/p")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)

	require.NoError(t, s.MarkCompleted(ctx, sess.ID))
	got, err = s.GetActiveSessionForProject(ctx, "/p")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetCompletedSessionForProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{ProjectPath: "/p", Goal: "g"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.MarkCompleted(ctx, sess.ID))

	got, err := s.GetCompletedSessionForProject(ctx, "/p", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	// Push the completion outside the window.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.UpdateSession(ctx, sess.ID, SessionPatch{CompletedAt: &old}))

	got, err = s.GetCompletedSessionForProject(ctx, "/p", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got, "stale completions are not resumable")
}

func TestUpdateSession_Patch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{ProjectPath: "/p", Goal: "original goal"}
	require.NoError(t, s.CreateSession(ctx, sess))

	mode := types.ModeDrifted
	esc := 2
	awaiting := true
	correction := "stay on the login endpoint"
	tokens := 52000
	checked := time.Now()
	require.NoError(t, s.UpdateSession(ctx, sess.ID, SessionPatch{
		Mode:              &mode,
		Escalation:        &esc,
		AwaitingRecovery:  &awaiting,
		PendingCorrection: &correction,
		TokenCount:        &tokens,
		LastCheckedAt:     &checked,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModeDrifted, got.Mode)
	assert.Equal(t, 2, got.Escalation)
	assert.True(t, got.AwaitingRecovery)
	assert.Equal(t, correction, got.PendingCorrection)
	assert.Equal(t, tokens, got.TokenCount)
	assert.Equal(t, "original goal", got.Goal, "unpatched fields stay put")
	assert.WithinDuration(t, checked, got.LastCheckedAt, 2*time.Second)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	goal := "g"
	err := s.UpdateSession(context.Background(), "missing", SessionPatch{Goal: &goal})
	assert.ErrorIs(t, err, ErrNotFound)
}

// Subtask lifecycle: spawning a child hands the active slot to it, and
// finishing the child hands the slot back to the parent.
func TestReactivate_ParentAfterSubtask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := &types.Session{ProjectPath: "/p", Goal: "main goal"}
	require.NoError(t, s.CreateSession(ctx, parent))

	// Parent steps aside, child takes the slot.
	require.NoError(t, s.MarkCompleted(ctx, parent.ID))
	child := &types.Session{
		ProjectPath: "/p",
		Goal:        "fix the failing test first",
		Kind:        types.TaskSubtask,
		ParentID:    parent.ID,
	}
	require.NoError(t, s.CreateSession(ctx, child))

	// Child finishes, parent resumes.
	require.NoError(t, s.MarkCompleted(ctx, child.ID))
	require.NoError(t, s.Reactivate(ctx, parent.ID))

	got, err := s.GetActiveSessionForProject(ctx, "/p")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, parent.ID, got.ID)
}

func TestDeleteSessionCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{ProjectPath: "/p", Goal: "g"}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.AppendStep(ctx, &types.Step{
		SessionID: sess.ID,
		Kind:      types.ActionEdit,
		Files:     []string{"main.go"},
		Validated: true,
	}))
	require.NoError(t, s.LogDriftEvent(ctx, &types.DriftEvent{
		SessionID:  sess.ID,
		ActionKind: types.ActionEdit,
		Score:      3,
	}))

	// Child session rides the cascade too.
	require.NoError(t, s.MarkCompleted(ctx, sess.ID))
	child := &types.Session{ProjectPath: "/p", Kind: types.TaskSubtask, ParentID: sess.ID}
	require.NoError(t, s.CreateSession(ctx, child))

	require.NoError(t, s.DeleteSessionCascade(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, child.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	steps, err := s.GetRecentSteps(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, steps)

	events, err := s.GetDriftEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &types.Session{ProjectPath: "/a", Goal: "g"}
	require.NoError(t, s.CreateSession(ctx, a))
	b := &types.Session{ProjectPath: "/b", Goal: "g"}
	require.NoError(t, s.CreateSession(ctx, b))
	require.NoError(t, s.MarkCompleted(ctx, b.ID))

	require.NoError(t, s.AppendStep(ctx, &types.Step{SessionID: a.ID, Kind: types.ActionRead}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 1, st.CompletedSessions)
	assert.Equal(t, 1, st.Steps)
	assert.Equal(t, 0, st.DriftEvents)
	assert.Equal(t, 0, st.TeamMemoryEntries)
}

func TestJanitor_StartStop(t *testing.T) {
	s := newTestStore(t)

	require.Error(t, s.StartJanitor(0), "zero retention is rejected")
	require.NoError(t, s.StartJanitor(24*time.Hour))
	require.Error(t, s.StartJanitor(time.Hour), "double start is rejected")
	s.StopJanitor()
	s.StopJanitor() // idempotent
}
