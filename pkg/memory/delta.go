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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const (
	// maxDecisionsPerTurn caps how many new key decisions ride on one request.
	maxDecisionsPerTurn = 3

	// decisionCandidates is how many recent key decisions to consider before
	// the already-injected ones are filtered out.
	decisionCandidates = 10

	// maxDecisionLen truncates a single decision line.
	maxDecisionLen = 200
)

// tracking records what has already been injected for one session, so each
// delta carries only new material.
type tracking struct {
	mu     sync.Mutex
	files  map[string]struct{}
	steps  map[int64]struct{}
	hashes map[string]struct{}
}

func newTracking() *tracking {
	return &tracking{
		files:  make(map[string]struct{}),
		steps:  make(map[int64]struct{}),
		hashes: make(map[string]struct{}),
	}
}

// Delta is one turn's worth of not-yet-injected session context. Text is
// what goes on the wire; the rest is bookkeeping consumed by CommitDelta
// once the injected request has actually been sent.
type Delta struct {
	Text string

	files   []string
	stepIDs []int64
	hashes  []string

	clearCorrection bool
	clearRecovery   bool
}

// Empty reports whether there is nothing to inject this turn.
func (d *Delta) Empty() bool {
	return d == nil || d.Text == ""
}

// BuildDelta assembles the dynamic block for the next request: newly edited
// files, up to three new key decisions, and any pending drift correction or
// forced-recovery text. Nothing is marked injected here; call CommitDelta
// after the mutated request has gone upstream, so a failed send retries the
// same delta next turn.
func (b *Builder) BuildDelta(ctx context.Context, sess *types.Session) (*Delta, error) {
	if sess == nil {
		return nil, fmt.Errorf("nil session")
	}
	t := b.track.GetOrSet(sess.ID, newTracking)

	edited, err := b.store.GetEditedFiles(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edited files: %w", err)
	}
	decisions, err := b.store.GetKeyDecisions(ctx, sess.ID, decisionCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load key decisions: %w", err)
	}

	d := &Delta{}
	t.mu.Lock()
	for _, f := range edited {
		if _, ok := t.files[f]; !ok {
			d.files = append(d.files, f)
		}
	}
	batch := make(map[string]bool)
	for _, step := range decisions {
		if len(d.stepIDs) >= maxDecisionsPerTurn {
			break
		}
		if step.Reasoning == "" {
			continue
		}
		h := reasoningHash(step.Reasoning)
		if _, ok := t.steps[step.ID]; ok {
			continue
		}
		if _, ok := t.hashes[h]; ok {
			continue
		}
		if batch[h] {
			continue
		}
		batch[h] = true
		d.stepIDs = append(d.stepIDs, step.ID)
		d.hashes = append(d.hashes, h)
	}
	t.mu.Unlock()

	var sections []string
	if len(d.files) > 0 {
		sections = append(sections, "[EDITED: "+strings.Join(d.files, ", ")+"]")
	}
	picked := make(map[int64]bool, len(d.stepIDs))
	for _, id := range d.stepIDs {
		picked[id] = true
	}
	for _, step := range decisions {
		if picked[step.ID] {
			sections = append(sections, "[DECISION: "+truncate(step.Reasoning, maxDecisionLen)+"]")
		}
	}
	if sess.PendingCorrection != "" {
		sections = append(sections, "[DRIFT: "+sess.PendingCorrection+"]")
		d.clearCorrection = true
	}
	if sess.PendingRecovery != "" {
		// Forced-recovery text is self-framing; no marker around it.
		sections = append(sections, sess.PendingRecovery)
		d.clearRecovery = true
	}

	d.Text = strings.Join(sections, "\n")
	return d, nil
}

// CommitDelta marks a delta as injected: the tracking record absorbs its
// files, step ids, and reasoning hashes, and consumed pending texts are
// cleared from the session row.
func (b *Builder) CommitDelta(ctx context.Context, sess *types.Session, d *Delta) error {
	if sess == nil || d.Empty() {
		return nil
	}
	t := b.track.GetOrSet(sess.ID, newTracking)
	t.mu.Lock()
	for _, f := range d.files {
		t.files[f] = struct{}{}
	}
	for _, id := range d.stepIDs {
		t.steps[id] = struct{}{}
	}
	for _, h := range d.hashes {
		t.hashes[h] = struct{}{}
	}
	t.mu.Unlock()

	if !d.clearCorrection && !d.clearRecovery {
		return nil
	}
	empty := ""
	patch := store.SessionPatch{}
	if d.clearCorrection {
		patch.PendingCorrection = &empty
	}
	if d.clearRecovery {
		patch.PendingRecovery = &empty
	}
	if err := b.store.UpdateSession(ctx, sess.ID, patch); err != nil {
		return fmt.Errorf("failed to clear pending injection state: %w", err)
	}
	return nil
}

func reasoningHash(reasoning string) string {
	sum := sha256.Sum256([]byte(reasoning))
	return hex.EncodeToString(sum[:])
}
