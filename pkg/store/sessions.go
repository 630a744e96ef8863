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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("store: not found")

const sessionColumns = `id, project_path, original_query, goal, expected_scope, constraints,
	keywords, kind, parent_id, status, mode, escalation, awaiting_recovery,
	last_checked_at, token_count, pending_correction, pending_recovery,
	clear_summary, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                            types.Session
		scope, constraints, keywords    string
		parentID                        sql.NullString
		awaitingRecovery                int
		lastChecked, createdAt, updated int64
		completedAt                     sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.ProjectPath,
		&sess.OriginalQuery,
		&sess.Goal,
		&scope,
		&constraints,
		&keywords,
		&sess.Kind,
		&parentID,
		&sess.Status,
		&sess.Mode,
		&sess.Escalation,
		&awaitingRecovery,
		&lastChecked,
		&sess.TokenCount,
		&sess.PendingCorrection,
		&sess.PendingRecovery,
		&sess.ClearSummary,
		&createdAt,
		&updated,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.ExpectedScope = unmarshalStrings(scope)
	sess.Constraints = unmarshalStrings(constraints)
	sess.Keywords = unmarshalStrings(keywords)
	if parentID.Valid {
		sess.ParentID = parentID.String
	}
	sess.AwaitingRecovery = awaitingRecovery != 0
	sess.LastCheckedAt = timeOrZero(lastChecked)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	if completedAt.Valid {
		sess.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	return &sess, nil
}

// CreateSession inserts a new session. A missing ID is generated; zero kind,
// status, and mode get their defaults. The partial unique index rejects a
// second active session for the same project path.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Kind == "" {
		sess.Kind = types.TaskMain
	}
	if sess.Status == "" {
		sess.Status = types.StatusActive
	}
	if sess.Mode == "" {
		sess.Mode = types.ModeNormal
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	var parentID any
	if sess.ParentID != "" {
		parentID = sess.ParentID
	}

	awaiting := 0
	if sess.AwaitingRecovery {
		awaiting = 1
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.ProjectPath,
		sess.OriginalQuery,
		sess.Goal,
		marshalStrings(sess.ExpectedScope),
		marshalStrings(sess.Constraints),
		marshalStrings(sess.Keywords),
		string(sess.Kind),
		parentID,
		string(sess.Status),
		string(sess.Mode),
		sess.Escalation,
		awaiting,
		unixOrZero(sess.LastCheckedAt),
		sess.TokenCount,
		sess.PendingCorrection,
		sess.PendingRecovery,
		sess.ClearSummary,
		sess.CreatedAt.Unix(),
		sess.UpdatedAt.Unix(),
		nullableUnix(sess.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID. Returns ErrNotFound if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// GetActiveSessionForProject returns the single active session for a project
// path, or nil when the project has none. No session is not an error.
func (s *Store) GetActiveSessionForProject(ctx context.Context, projectPath string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_path = ? AND status = 'active'`,
		projectPath)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}
	return sess, nil
}

// GetCompletedSessionForProject returns the most recently completed session
// for a project path, completed no longer than within ago. Nil when none
// qualifies.
func (s *Store) GetCompletedSessionForProject(ctx context.Context, projectPath string, within time.Duration) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-within).Unix()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_path = ? AND status = 'completed' AND completed_at >= ?
		 ORDER BY completed_at DESC LIMIT 1`,
		projectPath, cutoff)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load completed session: %w", err)
	}
	return sess, nil
}

// SessionPatch is a partial session update. Nil fields are left untouched.
type SessionPatch struct {
	OriginalQuery     *string
	Goal              *string
	ExpectedScope     *[]string
	Constraints       *[]string
	Keywords          *[]string
	Status            *types.SessionStatus
	Mode              *types.SessionMode
	Escalation        *int
	AwaitingRecovery  *bool
	LastCheckedAt     *time.Time
	TokenCount        *int
	PendingCorrection *string
	PendingRecovery   *string
	ClearSummary      *string
	CompletedAt       *time.Time
}

// UpdateSession applies a patch to one session. updated_at is always bumped.
// Returns ErrNotFound if the session does not exist.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.OriginalQuery != nil {
		add("original_query", *patch.OriginalQuery)
	}
	if patch.Goal != nil {
		add("goal", *patch.Goal)
	}
	if patch.ExpectedScope != nil {
		add("expected_scope", marshalStrings(*patch.ExpectedScope))
	}
	if patch.Constraints != nil {
		add("constraints", marshalStrings(*patch.Constraints))
	}
	if patch.Keywords != nil {
		add("keywords", marshalStrings(*patch.Keywords))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Mode != nil {
		add("mode", string(*patch.Mode))
	}
	if patch.Escalation != nil {
		add("escalation", *patch.Escalation)
	}
	if patch.AwaitingRecovery != nil {
		v := 0
		if *patch.AwaitingRecovery {
			v = 1
		}
		add("awaiting_recovery", v)
	}
	if patch.LastCheckedAt != nil {
		add("last_checked_at", unixOrZero(*patch.LastCheckedAt))
	}
	if patch.TokenCount != nil {
		add("token_count", *patch.TokenCount)
	}
	if patch.PendingCorrection != nil {
		add("pending_correction", *patch.PendingCorrection)
	}
	if patch.PendingRecovery != nil {
		add("pending_recovery", *patch.PendingRecovery)
	}
	if patch.ClearSummary != nil {
		add("clear_summary", *patch.ClearSummary)
	}
	if patch.CompletedAt != nil {
		add("completed_at", nullableUnix(*patch.CompletedAt))
	}

	args = append(args, id)
	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkCompleted flips a session to completed and stamps completed_at.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	status := types.StatusCompleted
	now := time.Now()
	return s.UpdateSession(ctx, id, SessionPatch{Status: &status, CompletedAt: &now})
}

// Reactivate flips a completed session back to active, used when a child
// task completes and its parent resumes. The caller must have completed the
// previously active session first or the unique index rejects the flip.
func (s *Store) Reactivate(ctx context.Context, id string) error {
	status := types.StatusActive
	return s.UpdateSession(ctx, id, SessionPatch{Status: &status})
}

// DeleteSessionCascade removes a session together with its steps, drift
// events, and child sessions. Team memory survives: promoted entries have no
// foreign key back to sessions.
func (s *Store) DeleteSessionCascade(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// nullableUnix maps the zero time to SQL NULL instead of epoch zero.
func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
