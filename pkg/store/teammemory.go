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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const memoryColumns = `id, session_id, project_path, original_query, goal,
	reasoning, decisions, files, tags, status, created_at`

func scanMemory(row rowScanner) (types.TeamMemoryEntry, error) {
	var (
		entry                            types.TeamMemoryEntry
		reasoning, decisions, files, tag string
		createdAt                        int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.ProjectPath,
		&entry.OriginalQuery,
		&entry.Goal,
		&reasoning,
		&decisions,
		&files,
		&tag,
		&entry.Status,
		&createdAt,
	)
	if err != nil {
		return types.TeamMemoryEntry{}, err
	}
	entry.ReasoningTrace = unmarshalStrings(reasoning)
	entry.Files = unmarshalStrings(files)
	entry.Tags = unmarshalStrings(tag)
	if decisions != "" && decisions != "[]" {
		_ = json.Unmarshal([]byte(decisions), &entry.Decisions)
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	return entry, nil
}

// PromoteToTeamMemory turns a finished session into a durable team memory
// entry in one transaction: the entry itself, per-file reasoning rows drawn
// from the session's validated steps, and the session's completed flip.
// Re-promoting the same session replaces its entry.
func (s *Store) PromoteToTeamMemory(ctx context.Context, sess *types.Session, ext types.Extraction) (*types.TeamMemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer tx.Rollback()

	// Collect validated steps inside the transaction so the promoted
	// files and reasoning match exactly what gets deleted by retention.
	rows, err := tx.QueryContext(ctx,
		`SELECT files, reasoning, kind FROM steps
		 WHERE session_id = ? AND validated = 1 ORDER BY id ASC`,
		sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load validated steps: %w", err)
	}

	type fileNote struct {
		path      string
		reasoning string
	}
	seen := make(map[string]bool)
	var files []string
	var notes []fileNote
	for rows.Next() {
		var filesJSON, reasoning, kind string
		if err := rows.Scan(&filesJSON, &reasoning, &kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		stepFiles := unmarshalStrings(filesJSON)
		for _, f := range stepFiles {
			if types.ActionKind(kind).Modifying() && !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
			if reasoning != "" {
				notes = append(notes, fileNote{path: f, reasoning: reasoning})
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	rows.Close()

	now := time.Now()
	entry := &types.TeamMemoryEntry{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		ProjectPath:    sess.ProjectPath,
		OriginalQuery:  sess.OriginalQuery,
		Goal:           sess.Goal,
		ReasoningTrace: ext.Reasoning,
		Decisions:      ext.Decisions,
		Files:          files,
		Tags:           ext.Tags,
		Status:         "completed",
		CreatedAt:      now,
	}

	decisionsJSON := "[]"
	if len(entry.Decisions) > 0 {
		if b, err := json.Marshal(entry.Decisions); err == nil {
			decisionsJSON = string(b)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO team_memory (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			original_query = excluded.original_query,
			goal = excluded.goal,
			reasoning = excluded.reasoning,
			decisions = excluded.decisions,
			files = excluded.files,
			tags = excluded.tags,
			status = excluded.status`,
		entry.ID,
		entry.SessionID,
		entry.ProjectPath,
		entry.OriginalQuery,
		entry.Goal,
		marshalStrings(entry.ReasoningTrace),
		decisionsJSON,
		marshalStrings(entry.Files),
		marshalStrings(entry.Tags),
		entry.Status,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write team memory: %w", err)
	}

	for _, note := range notes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_reasoning (project_path, file_path, reasoning, session_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_path, file_path, session_id) DO UPDATE SET
				reasoning = excluded.reasoning`,
			sess.ProjectPath, note.path, note.reasoning, sess.ID, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to write file reasoning: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status != 'completed'`,
		now.Unix(), now.Unix(), sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}
	return entry, nil
}

// MemoryFilter narrows a team memory search. Zero-valued fields are ignored.
type MemoryFilter struct {
	// Status matches the entry status exactly.
	Status string

	// Files matches entries whose file list mentions any of these paths.
	Files []string

	// Keywords run a full-text match over goal, original query, and tags.
	Keywords []string

	Limit int
}

// SearchTeamMemory returns matching entries for a project, newest first.
func (s *Store) SearchTeamMemory(ctx context.Context, projectPath string, filter MemoryFilter) ([]types.TeamMemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds := []string{"project_path = ?"}
	args := []any{projectPath}

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if q := ftsQuery(filter.Keywords); q != "" {
		conds = append(conds,
			"rowid IN (SELECT rowid FROM team_memory_fts WHERE team_memory_fts MATCH ?)")
		args = append(args, q)
	}
	if len(filter.Files) > 0 {
		ors := make([]string, 0, len(filter.Files))
		for _, f := range filter.Files {
			ors = append(ors, "files LIKE ?")
			args = append(args, "%"+f+"%")
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)

	query := `SELECT ` + memoryColumns + ` FROM team_memory WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search team memory: %w", err)
	}
	defer rows.Close()

	var entries []types.TeamMemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team memory: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating team memory: %w", err)
	}
	return entries, nil
}

// GetTeamMemoryForSession returns the promoted entry for a session, or
// ErrNotFound when the session was never promoted.
func (s *Store) GetTeamMemoryForSession(ctx context.Context, sessionID string) (*types.TeamMemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM team_memory WHERE session_id = ?`, sessionID)
	entry, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team memory for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load team memory: %w", err)
	}
	return &entry, nil
}

// GetFileReasoningByPathPattern looks up stored per-file reasoning for a
// project. A pattern containing '*' is treated as a glob; a bare path
// matches any stored path with that prefix.
func (s *Store) GetFileReasoningByPathPattern(ctx context.Context, projectPath, pattern string) ([]types.FileReasoning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := pattern
	if strings.Contains(like, "*") {
		like = strings.ReplaceAll(like, "*", "%")
	} else {
		like += "%"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_path, file_path, reasoning, session_id, created_at
		FROM file_reasoning
		WHERE project_path = ? AND file_path LIKE ?
		ORDER BY created_at DESC`,
		projectPath, like)
	if err != nil {
		return nil, fmt.Errorf("failed to query file reasoning: %w", err)
	}
	defer rows.Close()

	var results []types.FileReasoning
	for rows.Next() {
		var (
			fr        types.FileReasoning
			createdAt int64
		)
		err := rows.Scan(&fr.ID, &fr.ProjectPath, &fr.FilePath, &fr.Reasoning,
			&fr.SessionID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file reasoning: %w", err)
		}
		fr.CreatedAt = time.Unix(createdAt, 0)
		results = append(results, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file reasoning: %w", err)
	}
	return results, nil
}

// CleanupOldCompleted deletes completed sessions whose completion is older
// than maxAge, cascading their steps and drift events. Team memory and file
// reasoning are untouched. Returns the number of sessions removed.
func (s *Store) CleanupOldCompleted(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return n, nil
}

// ftsQuery builds an FTS5 MATCH expression from raw keywords. Each term is
// quoted so user text cannot inject FTS syntax; terms are ORed to favor
// recall over precision. Terms the tokenizer would reduce to nothing are
// dropped.
func ftsQuery(keywords []string) string {
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if !strings.ContainsFunc(kw, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) {
			continue
		}
		quoted = append(quoted, `"`+strings.ReplaceAll(kw, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
