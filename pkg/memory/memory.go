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

// Package memory builds the context blocks injected into upstream requests:
// a per-session static block assembled from team memory of earlier sessions,
// and a per-turn dynamic delta carrying only what has not been injected yet.
//
// The static block is computed once per session and memoized so the system
// prefix stays byte-identical across turns (prompt-cache friendly). The
// dynamic delta rides on the last user message instead.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/csync"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const (
	// maxStaticTokens bounds the static block so injected context never
	// crowds out the conversation itself.
	maxStaticTokens = 1800

	// maxMentionedFiles caps how many file paths from the user's message are
	// looked up against file reasoning.
	maxMentionedFiles = 8

	// maxFileNotes caps the file-note lines in the static block.
	maxFileNotes = 5

	// maxTaskEntries caps the past-task entries in the static block.
	maxTaskEntries = 5

	// maxCandidates is the per-query limit when collecting past tasks to rank.
	maxCandidates = 20

	// maxNoteLen truncates a single file-reasoning line.
	maxNoteLen = 300
)

// Config wires a Builder.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
}

// Builder produces the static and dynamic injection blocks for a session.
// Safe for concurrent use.
type Builder struct {
	store   *store.Store
	logger  *zap.Logger
	counter *TokenCounter

	static *csync.Map[string, string]
	track  *csync.Map[string, *tracking]
}

// New creates a Builder backed by the given store.
func New(cfg Config) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:   cfg.Store,
		logger:  logger,
		counter: GetTokenCounter(),
		static:  csync.NewMap[string, string](),
		track:   csync.NewMap[string, *tracking](),
	}
}

// StaticBlock returns the team-memory block for a session, building and
// memoizing it on first call so the block stays byte-identical for the
// session's lifetime. Entries come only from earlier sessions; the current
// session's own output never feeds back into its static block. A session not
// yet persisted (empty ID, the very first request of a project) gets a
// fresh, unmemoized build.
func (b *Builder) StaticBlock(ctx context.Context, sess *types.Session, userText string) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("nil session")
	}
	if sess.ID != "" {
		if cached, ok := b.static.Get(sess.ID); ok {
			return cached, nil
		}
	}

	mentions := mentionedPaths(userText)

	notes, err := b.collectFileNotes(ctx, sess, mentions)
	if err != nil {
		return "", err
	}
	tasks, err := b.collectPastTasks(ctx, sess, mentions)
	if err != nil {
		return "", err
	}

	block := renderStatic(b.counter, maxStaticTokens, notes, tasks)
	if sess.ID != "" {
		b.static.Set(sess.ID, block)
	}
	b.logger.Debug("static context built",
		zap.String("session_id", sess.ID),
		zap.Int("file_notes", len(notes)),
		zap.Int("past_tasks", len(tasks)),
		zap.Int("tokens", b.counter.CountTokens(block)))
	return block, nil
}

// InvalidateStatic drops the memoized static block so the next first-type
// request rebuilds it. Used after CLEAR, where the conversation restarts and
// a fresh prompt-cache prefix is being formed anyway.
func (b *Builder) InvalidateStatic(sessionID string) {
	b.static.Delete(sessionID)
}

// Forget drops all per-session state for a finished or deleted session.
func (b *Builder) Forget(sessionID string) {
	b.static.Delete(sessionID)
	b.track.Delete(sessionID)
}

// collectFileNotes looks up file reasoning for paths the user mentioned,
// newest entry per path, excluding the current session's own notes.
func (b *Builder) collectFileNotes(ctx context.Context, sess *types.Session, mentions []string) ([]types.FileReasoning, error) {
	var notes []types.FileReasoning
	seen := make(map[string]bool)
	for _, path := range mentions {
		if len(notes) >= maxFileNotes {
			break
		}
		found, err := b.store.GetFileReasoningByPathPattern(ctx, sess.ProjectPath, path)
		if err != nil {
			return nil, fmt.Errorf("failed to look up file reasoning: %w", err)
		}
		for _, fr := range found {
			if fr.SessionID == sess.ID || seen[fr.FilePath] {
				continue
			}
			seen[fr.FilePath] = true
			notes = append(notes, fr)
			if len(notes) >= maxFileNotes {
				break
			}
		}
	}
	return notes, nil
}

// collectPastTasks gathers candidate team-memory entries by file overlap and
// by keyword search, then ranks them. Falls back to the most recent entries
// when the session has no usable search signal.
func (b *Builder) collectPastTasks(ctx context.Context, sess *types.Session, mentions []string) ([]types.TeamMemoryEntry, error) {
	var candidates []types.TeamMemoryEntry
	seen := make(map[string]bool)

	add := func(entries []types.TeamMemoryEntry) {
		for _, e := range entries {
			if e.SessionID == sess.ID || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			candidates = append(candidates, e)
		}
	}

	if len(mentions) > 0 {
		entries, err := b.store.SearchTeamMemory(ctx, sess.ProjectPath, store.MemoryFilter{
			Files: mentions,
			Limit: maxCandidates,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search team memory by files: %w", err)
		}
		add(entries)
	}
	if len(sess.Keywords) > 0 {
		entries, err := b.store.SearchTeamMemory(ctx, sess.ProjectPath, store.MemoryFilter{
			Keywords: sess.Keywords,
			Limit:    maxCandidates,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search team memory by keywords: %w", err)
		}
		add(entries)
	}
	if len(candidates) == 0 {
		// No signal to search with. Recency is the only ranking left.
		entries, err := b.store.SearchTeamMemory(ctx, sess.ProjectPath, store.MemoryFilter{
			Limit: maxTaskEntries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load recent team memory: %w", err)
		}
		add(entries)
	}

	ranked := rankEntries(candidates, mentions, sess.Keywords)
	if len(ranked) > maxTaskEntries {
		ranked = ranked[:maxTaskEntries]
	}
	return ranked, nil
}

// rankEntries orders candidates by file overlap with the user's mentioned
// paths, then by fuzzy keyword relevance over goal, query, and tags.
func rankEntries(entries []types.TeamMemoryEntry, mentions, keywords []string) []types.TeamMemoryEntry {
	type ranked struct {
		entry   types.TeamMemoryEntry
		overlap int
		score   int
	}

	docs := make([]string, len(entries))
	rs := make([]ranked, len(entries))
	for i, e := range entries {
		docs[i] = strings.ToLower(e.Goal + " " + e.OriginalQuery + " " + strings.Join(e.Tags, " "))
		rs[i] = ranked{entry: e, overlap: fileOverlap(e.Files, mentions)}
	}
	for _, kw := range keywords {
		for _, m := range fuzzy.Find(strings.ToLower(kw), docs) {
			rs[m.Index].score += m.Score
		}
	}

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].overlap != rs[j].overlap {
			return rs[i].overlap > rs[j].overlap
		}
		return rs[i].score > rs[j].score
	})

	out := make([]types.TeamMemoryEntry, len(rs))
	for i, r := range rs {
		out[i] = r.entry
	}
	return out
}

// fileOverlap counts mentioned paths that appear in an entry's file list.
func fileOverlap(files, mentions []string) int {
	n := 0
	for _, m := range mentions {
		for _, f := range files {
			if pathMatch(f, m) {
				n++
				break
			}
		}
	}
	return n
}

// pathMatch treats paths as equal when one is a trailing component chain of
// the other, so a mention of "auth/login.go" matches "pkg/auth/login.go".
func pathMatch(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a)
}

// renderStatic assembles the framed block, dropping past-task entries from
// the tail once the token budget is reached. The framing always survives,
// even for a project with no memory yet, so clients see a stable marker on
// every request.
func renderStatic(counter *TokenCounter, budget int, notes []types.FileReasoning, tasks []types.TeamMemoryEntry) string {
	var sb strings.Builder
	sb.WriteString("[GROV CONTEXT]\n")
	if len(notes) == 0 && len(tasks) == 0 {
		sb.WriteString("No prior team memory recorded for this project.\n")
		sb.WriteString("[END GROV CONTEXT]")
		return sb.String()
	}
	sb.WriteString("Team memory from earlier sessions on this project:\n")

	if len(notes) > 0 {
		sb.WriteString("\nFile notes:\n")
		for _, n := range notes {
			sb.WriteString("- ")
			sb.WriteString(n.FilePath)
			sb.WriteString(": ")
			sb.WriteString(truncate(n.Reasoning, maxNoteLen))
			sb.WriteString("\n")
		}
	}

	const footer = "[END GROV CONTEXT]"
	for _, task := range tasks {
		entry := renderTask(task)
		if counter.CountTokens(sb.String()+entry+footer) > budget {
			break
		}
		sb.WriteString(entry)
	}
	sb.WriteString(footer)
	return sb.String()
}

func renderTask(e types.TeamMemoryEntry) string {
	var sb strings.Builder
	title := e.Goal
	if title == "" {
		title = e.OriginalQuery
	}
	sb.WriteString("\nPast task: ")
	sb.WriteString(truncate(title, maxNoteLen))
	sb.WriteString("\n")
	if len(e.Files) > 0 {
		sb.WriteString("  Files: ")
		sb.WriteString(strings.Join(e.Files, ", "))
		sb.WriteString("\n")
	}
	for i, line := range e.ReasoningTrace {
		if i >= 3 {
			break
		}
		sb.WriteString("  ")
		sb.WriteString(truncate(line, maxNoteLen))
		sb.WriteString("\n")
	}
	for i, d := range e.Decisions {
		if i >= 2 {
			break
		}
		sb.WriteString("  Decided: ")
		sb.WriteString(d.Choice)
		if d.Reason != "" {
			sb.WriteString(" (")
			sb.WriteString(truncate(d.Reason, maxNoteLen))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// pathTokenRe matches file-path-looking tokens: anything with a short
// extension, or anything rooted at "/" or "./".
var pathTokenRe = regexp.MustCompile(`[\w./\\-]*[\w-]+\.[A-Za-z]{1,8}\b|(?:\./|/)[\w./\\-]+`)

// mentionedPaths extracts deduplicated file-path candidates from user text.
func mentionedPaths(text string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, tok := range pathTokenRe.FindAllString(text, -1) {
		tok = strings.Trim(tok, ".,;:")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		paths = append(paths, tok)
		if len(paths) >= maxMentionedFiles {
			break
		}
	}
	return paths
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
