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
	"fmt"
	"time"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const stepColumns = `id, session_id, kind, files, folders, command, reasoning,
	drift_score, validated, key_decision, created_at`

func scanStep(row rowScanner) (types.Step, error) {
	var (
		step           types.Step
		files, folders string
		validated, key int
		createdAt      int64
	)
	err := row.Scan(
		&step.ID,
		&step.SessionID,
		&step.Kind,
		&files,
		&folders,
		&step.Command,
		&step.Reasoning,
		&step.DriftScore,
		&validated,
		&key,
		&createdAt,
	)
	if err != nil {
		return types.Step{}, err
	}
	step.Files = unmarshalStrings(files)
	step.Folders = unmarshalStrings(folders)
	step.Validated = validated != 0
	step.KeyDecision = key != 0
	step.CreatedAt = time.Unix(createdAt, 0)
	return step, nil
}

// AppendStep records one action for a session. The generated row ID is
// written back into step.ID.
func (s *Store) AppendStep(ctx context.Context, step *types.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	validated := 0
	if step.Validated {
		validated = 1
	}
	key := 0
	if step.KeyDecision {
		key = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (session_id, kind, files, folders, command, reasoning,
			drift_score, validated, key_decision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.SessionID,
		string(step.Kind),
		marshalStrings(step.Files),
		marshalStrings(step.Folders),
		step.Command,
		step.Reasoning,
		step.DriftScore,
		validated,
		key,
		step.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		step.ID = id
	}
	return nil
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) ([]types.Step, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []types.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// GetRecentSteps returns the newest n steps for a session in chronological
// order, oldest first.
func (s *Store) GetRecentSteps(ctx context.Context, sessionID string, n int) ([]types.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 10
	}
	steps, err := s.querySteps(ctx, `
		SELECT `+stepColumns+` FROM (
			SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, n)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// GetValidatedSteps returns all validated steps for a session, oldest first.
// These are the steps that feed promotion into team memory.
func (s *Store) GetValidatedSteps(ctx context.Context, sessionID string) ([]types.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE session_id = ? AND validated = 1 ORDER BY id ASC`,
		sessionID)
}

// GetKeyDecisions returns the newest n key-decision steps, oldest first.
func (s *Store) GetKeyDecisions(ctx context.Context, sessionID string, n int) ([]types.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 3
	}
	return s.querySteps(ctx, `
		SELECT `+stepColumns+` FROM (
			SELECT `+stepColumns+` FROM steps
			WHERE session_id = ? AND key_decision = 1 ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, n)
}

// CountSteps returns the number of steps recorded for a session.
func (s *Store) CountSteps(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM steps WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return n, nil
}

// GetEditedFiles returns the distinct files touched by modifying steps, in
// first-touched order.
func (s *Store) GetEditedFiles(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT files FROM steps
		 WHERE session_id = ? AND kind IN ('edit', 'write') ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edited files: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var files []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan files: %w", err)
		}
		for _, f := range unmarshalStrings(raw) {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edited files: %w", err)
	}
	return files, nil
}

// BackfillReasoning writes reasoning onto the session's steps that were
// recorded without one. Steps that already carry reasoning keep it.
func (s *Store) BackfillReasoning(ctx context.Context, sessionID, reasoning string) error {
	if reasoning == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE steps SET reasoning = ? WHERE session_id = ? AND reasoning = ''",
		reasoning, sessionID)
	if err != nil {
		return fmt.Errorf("failed to backfill reasoning: %w", err)
	}
	return nil
}

// LogDriftEvent records an action that was observed while the session was
// drifted. These replace step records so off-goal work never pollutes the
// promoted trace.
func (s *Store) LogDriftEvent(ctx context.Context, ev *types.DriftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO drift_events (session_id, action_kind, files, score, diagnostic, recovery, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID,
		string(ev.ActionKind),
		marshalStrings(ev.Files),
		ev.Score,
		ev.Diagnostic,
		marshalStrings(ev.Recovery),
		ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to log drift event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// GetDriftEvents returns all drift events for a session, oldest first.
func (s *Store) GetDriftEvents(ctx context.Context, sessionID string) ([]types.DriftEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, action_kind, files, score, diagnostic, recovery, created_at
		FROM drift_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift events: %w", err)
	}
	defer rows.Close()

	var events []types.DriftEvent
	for rows.Next() {
		var (
			ev              types.DriftEvent
			files, recovery string
			createdAt       int64
		)
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ActionKind, &files,
			&ev.Score, &ev.Diagnostic, &recovery, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %w", err)
		}
		ev.Files = unmarshalStrings(files)
		ev.Recovery = unmarshalStrings(recovery)
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift events: %w", err)
	}
	return events, nil
}
