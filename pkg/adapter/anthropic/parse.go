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

package anthropic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const maxGoalLen = 500

// ParseRequest implements adapter.Adapter. The logical view is used for
// classification only; raw bytes stay authoritative for injection.
func (a *Adapter) ParseRequest(raw []byte) (*types.Request, error) {
	var req types.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	return &req, nil
}

// Coding clients announce their workspace in the system prompt, e.g.
// "Working directory: /home/dev/api".
var workdirRe = regexp.MustCompile(`(?i)working directory:?\s+(/[^\s"'<>]+)`)

// ExtractProjectPath implements adapter.Adapter. Sessions key on this; a
// request that reveals no workspace shares the "default" project.
func (a *Adapter) ExtractProjectPath(req *types.Request) string {
	if req == nil {
		return "default"
	}
	if m := workdirRe.FindStringSubmatch(systemText(req.System)); m != nil {
		return strings.TrimRight(m[1], "/")
	}
	for _, msg := range req.Messages {
		if m := workdirRe.FindStringSubmatch(msg.Text()); m != nil {
			return strings.TrimRight(m[1], "/")
		}
	}
	return "default"
}

// ExtractGoal implements adapter.Adapter: the first user message with real
// text, which is the task statement before any helper refines it.
func (a *Adapter) ExtractGoal(messages []types.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		if runes := []rune(text); len(runes) > maxGoalLen {
			text = string(runes[:maxGoalLen])
		}
		return text
	}
	return ""
}

// ExtractConversationHistory implements adapter.Adapter. Messages whose
// content is purely tool plumbing flatten to nothing and are dropped.
func (a *Adapter) ExtractConversationHistory(messages []types.Message) []types.HistoryEntry {
	history := make([]types.HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		history = append(history, types.HistoryEntry{Role: msg.Role, Text: text})
	}
	return history
}

// IsValidResponse implements adapter.Adapter.
func (a *Adapter) IsValidResponse(msg *types.ResponseMessage) bool {
	return msg != nil && msg.Type == "message"
}

// IsEndTurn implements adapter.Adapter. A "tool_use" stop means the model
// is waiting on a tool result; a missing stop reason means the stream was
// cut off, and the turn is treated as still open.
func (a *Adapter) IsEndTurn(msg *types.ResponseMessage) bool {
	if msg == nil {
		return false
	}
	return msg.StopReason != "" && msg.StopReason != "tool_use"
}

// toolInput covers the argument fields of the tools coding clients call.
type toolInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Path         string `json:"path"`
	Command      string `json:"command"`
}

// ParseActions implements adapter.Adapter: every tool_use block becomes a
// normalized action. Unknown tools map to "other" with the raw input kept
// for audit.
func (a *Adapter) ParseActions(msg *types.ResponseMessage) []types.Action {
	if msg == nil {
		return nil
	}
	var actions []types.Action
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		action := types.Action{
			Kind:     classifyTool(block.Name),
			ToolName: block.Name,
			Raw:      block.Input,
		}
		var in toolInput
		if len(block.Input) > 0 {
			_ = json.Unmarshal(block.Input, &in)
		}
		switch {
		case in.FilePath != "":
			action.Files = []string{in.FilePath}
		case in.NotebookPath != "":
			action.Files = []string{in.NotebookPath}
		}
		if in.Path != "" {
			action.Folders = []string{in.Path}
		}
		action.Command = in.Command
		actions = append(actions, action)
	}
	return actions
}

func classifyTool(name string) types.ActionKind {
	switch strings.ToLower(name) {
	case "read", "view", "readfile", "notebookread":
		return types.ActionRead
	case "edit", "multiedit", "notebookedit", "str_replace_editor":
		return types.ActionEdit
	case "write", "create":
		return types.ActionWrite
	case "bash", "shell", "run_command":
		return types.ActionRunCommand
	case "grep", "glob", "search", "ls", "websearch", "webfetch":
		return types.ActionSearch
	default:
		return types.ActionOther
	}
}

// ExtractTextContent implements adapter.Adapter.
func (a *Adapter) ExtractTextContent(msg *types.ResponseMessage) string {
	if msg == nil {
		return ""
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ExtractTokenUsage implements adapter.Adapter.
func (a *Adapter) ExtractTokenUsage(msg *types.ResponseMessage) types.TokenUsage {
	if msg == nil {
		return types.TokenUsage{}
	}
	return msg.Usage
}

// systemText flattens the system field, string or block array, to text.
func systemText(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(system, &s); err == nil {
		return s
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(system, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
