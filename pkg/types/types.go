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

// Package types contains shared types used across grov.
// This package breaks import cycles by providing common types that
// pkg/store, pkg/assist, pkg/orchestrator, and pkg/proxy depend on.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Wire types (Anthropic Messages API, logical view)
// ============================================================================

// Request is the logical view of an intercepted request body.
// The raw bytes are kept alongside by the proxy; this struct is only used
// for classification and for non-cache-critical mutations (bypass, CLEAR).
type Request struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Message is one conversation entry. Content is either a JSON string or an
// array of content blocks; it is kept raw to avoid lossy round-trips.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the plain-text view of the message content: the string itself
// for string content, or the concatenated text blocks for array content.
func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var sb strings.Builder
	for _, b := range m.Blocks() {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Blocks returns the content as a block list. String content yields a single
// text block; malformed content yields nil.
func (m Message) Blocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// HasToolResult reports whether the message carries at least one tool_result
// block. Used by request classification: a grown conversation whose last
// message is a tool result is a continuation, not a new turn.
func (m Message) HasToolResult() bool {
	for _, b := range m.Blocks() {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

// ContentBlock is a single block inside a message or response content array.
type ContentBlock struct {
	Type string `json:"type"`

	// Text content (type "text")
	Text string `json:"text,omitempty"`

	// Tool use (type "tool_use")
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result (type "tool_result"). Content may be a string or nested
	// blocks, kept raw.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResponseMessage is the normalized upstream response, assembled from either
// a JSON body or a fully-consumed event stream.
type ResponseMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        TokenUsage     `json:"usage"`
}

// TokenUsage mirrors the provider usage object, including prompt-cache
// accounting. Missing cache fields decode to zero.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContextSize is the actual upstream context of the turn: fresh input plus
// everything served from or written to the prompt cache.
func (u TokenUsage) ContextSize() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// CachePercent is the share of the context served from the prompt cache,
// 0-100. Zero context yields zero.
func (u TokenUsage) CachePercent() int {
	total := u.ContextSize()
	if total == 0 {
		return 0
	}
	return u.CacheReadInputTokens * 100 / total
}

// HistoryEntry is one role/text pair of the flattened conversation history.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ============================================================================
// Session model
// ============================================================================

// TaskKind classifies how a session relates to its parent work.
type TaskKind string

const (
	TaskMain     TaskKind = "main"
	TaskSubtask  TaskKind = "subtask"
	TaskParallel TaskKind = "parallel"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// SessionMode tracks the drift state of a session.
type SessionMode string

const (
	ModeNormal  SessionMode = "normal"
	ModeDrifted SessionMode = "drifted"
	ModeForced  SessionMode = "forced"
)

// Session represents one user goal in one project. At most one session per
// project path is active at any time. Mutated only by the orchestrator.
type Session struct {
	ID            string
	ProjectPath   string
	OriginalQuery string
	Goal          string
	ExpectedScope []string
	Constraints   []string
	Keywords      []string
	Kind          TaskKind
	ParentID      string
	Status        SessionStatus
	Mode          SessionMode

	// Drift bookkeeping.
	Escalation       int
	AwaitingRecovery bool
	LastCheckedAt    time.Time

	// TokenCount is re-set to the latest actual upstream context size per
	// turn, never incremented.
	TokenCount int

	// Pending texts consumed by the next dynamic injection / CLEAR.
	PendingCorrection string
	PendingRecovery   string
	ClearSummary      string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Active reports whether the session is still the live task for its project.
func (s *Session) Active() bool {
	return s != nil && s.Status == StatusActive
}

// ActionKind classifies a normalized model action.
type ActionKind string

const (
	ActionRead       ActionKind = "read"
	ActionEdit       ActionKind = "edit"
	ActionWrite      ActionKind = "write"
	ActionRunCommand ActionKind = "run_command"
	ActionSearch     ActionKind = "search"
	ActionOther      ActionKind = "other"
)

// Modifying reports whether the action changes the workspace. Only modifying
// actions carry drift accounting weight; reads and searches are recorded for
// scope tracking but never flagged as key decisions.
func (k ActionKind) Modifying() bool {
	return k == ActionEdit || k == ActionWrite || k == ActionRunCommand
}

// Action is a vendor-normalized model action parsed from a response.
// Raw retains the adapter-private payload for audit only.
type Action struct {
	Kind     ActionKind
	ToolName string
	Files    []string
	Folders  []string
	Command  string
	Raw      json.RawMessage
}

// Step is one recorded action within a session.
type Step struct {
	ID          int64
	SessionID   string
	Kind        ActionKind
	Files       []string
	Folders     []string
	Command     string
	Reasoning   string
	DriftScore  int
	Validated   bool
	KeyDecision bool
	CreatedAt   time.Time
}

// DriftEvent is the audit record for an action observed under high drift.
type DriftEvent struct {
	ID         int64
	SessionID  string
	ActionKind ActionKind
	Files      []string
	Score      int
	Diagnostic string
	Recovery   []string
	CreatedAt  time.Time
}

// Decision is an explicit choice plus the reason it was taken.
type Decision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

// TeamMemoryEntry is a durable record promoted from a completed session.
type TeamMemoryEntry struct {
	ID             string
	SessionID      string
	ProjectPath    string
	OriginalQuery  string
	Goal           string
	ReasoningTrace []string
	Decisions      []Decision
	Files          []string
	Tags           []string
	Status         string
	CreatedAt      time.Time
}

// FileReasoning is a per-file explanation captured at promotion time, looked
// up by path pattern when a future prompt mentions the file.
type FileReasoning struct {
	ID          int64
	ProjectPath string
	FilePath    string
	Reasoning   string
	SessionID   string
	CreatedAt   time.Time
}

// ============================================================================
// Helper records (auxiliary LLM outputs, safe-by-construction)
// ============================================================================

// Intent is the first-prompt extraction result.
type Intent struct {
	Goal            string   `json:"goal"`
	ExpectedScope   []string `json:"expected_scope"`
	Constraints     []string `json:"constraints"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Keywords        []string `json:"keywords"`
}

// TaskType classifies the nature of a turn.
type TaskType string

const (
	TaskInformation    TaskType = "information"
	TaskPlanning       TaskType = "planning"
	TaskImplementation TaskType = "implementation"
)

// TaskAction is the state-machine input chosen by task analysis.
type TaskAction string

const (
	ActionContinue        TaskAction = "continue"
	ActionNewTask         TaskAction = "new_task"
	ActionSubtask         TaskAction = "subtask"
	ActionParallelTask    TaskAction = "parallel_task"
	ActionTaskComplete    TaskAction = "task_complete"
	ActionSubtaskComplete TaskAction = "subtask_complete"
)

// TaskAnalysis is the end-of-turn classification result.
type TaskAnalysis struct {
	TaskType      TaskType   `json:"task_type"`
	Action        TaskAction `json:"action"`
	TaskID        string     `json:"task_id,omitempty"`
	CurrentGoal   string     `json:"current_goal,omitempty"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	Reasoning     string     `json:"reasoning,omitempty"`
	StepReasoning string     `json:"step_reasoning,omitempty"`
}

// DriftResult is one drift scoring outcome. Score runs 0-10 with 10 meaning
// perfectly aligned.
type DriftResult struct {
	Score      int      `json:"score"`
	Type       string   `json:"drift_type,omitempty"`
	Diagnostic string   `json:"diagnostic,omitempty"`
	Recovery   []string `json:"recovery,omitempty"`
}

// RecoveryCheck is the aligned/not-aligned verdict for a step taken while the
// session waits on a recovery plan.
type RecoveryCheck struct {
	Aligned bool   `json:"aligned"`
	Reason  string `json:"reason,omitempty"`
}

// Extraction is the task-close harvest of prefixed reasoning entries
// ("CONCLUSION: …" / "INSIGHT: …") and explicit decisions.
type Extraction struct {
	Reasoning []string   `json:"reasoning"`
	Decisions []Decision `json:"decisions"`
	Tags      []string   `json:"tags,omitempty"`
}
