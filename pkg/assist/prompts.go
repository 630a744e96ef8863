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

package assist

import (
	"fmt"
	"strings"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const intentSystem = `You analyze the first prompt of a coding task and extract its intent. Return ONLY a JSON object, no explanation.`

func intentPrompt(query string) string {
	var sb strings.Builder
	sb.WriteString("User prompt:\n")
	sb.WriteString(truncate(query, 2000))
	sb.WriteString("\n\nExtract the task intent as JSON:\n")
	sb.WriteString(`{
  "goal": "what the user wants, 1-2 sentences",
  "expected_scope": ["files, directories or areas likely touched"],
  "constraints": ["explicit constraints, BOTH negative (do not X) AND positive (must use Y)"],
  "success_criteria": ["how completion can be verified, if stated"],
  "keywords": ["5-10 search keywords for this task"]
}` + "\n\nRules:\n")
	sb.WriteString("- Keep the goal literal; do not invent requirements\n")
	sb.WriteString("- Include file paths mentioned by the user in expected_scope\n")
	sb.WriteString("- Empty arrays are fine when the prompt gives nothing\n")
	return sb.String()
}

const taskSystem = `You classify the state of a coding task after one exchange. Return ONLY a JSON object, no explanation.`

func taskPrompt(in TaskInput) string {
	var sb strings.Builder
	if in.Session != nil {
		sb.WriteString(fmt.Sprintf("Current task %s (kind %s, status %s):\n", in.Session.ID, in.Session.Kind, in.Session.Status))
		sb.WriteString(fmt.Sprintf("Original goal: %s\n", truncate(in.Session.Goal, 500)))
		if in.Session.ParentID != "" {
			sb.WriteString(fmt.Sprintf("Parent task: %s\n", in.Session.ParentID))
		}
	} else {
		sb.WriteString("No current task.\n")
	}
	sb.WriteString("\nLatest user message:\n")
	sb.WriteString(truncate(in.UserMessage, 1500))
	sb.WriteString("\n\nRecent steps:\n")
	sb.WriteString(formatSteps(in.RecentSteps, 10))
	sb.WriteString("\nAssistant's final text:\n")
	sb.WriteString(truncate(in.AssistantText, 1500))
	sb.WriteString("\n\nClassify as JSON:\n")
	sb.WriteString(`{
  "task_type": "information|planning|implementation",
  "action": "continue|new_task|subtask|parallel_task|task_complete|subtask_complete",
  "task_id": "id of the task this turn belongs to",
  "current_goal": "goal if it changed or a sub-instruction was given, else empty",
  "parent_task_id": "only for subtask/parallel_task",
  "reasoning": "one sentence",
  "step_reasoning": "one sentence on what this turn's steps accomplished"
}` + "\n\nRules:\n")
	sb.WriteString("- information tasks are self-contained: close them (task_complete) once a substantive answer exists\n")
	sb.WriteString("- planning tasks close only on explicit user confirmation\n")
	sb.WriteString("- implementation tasks close only when modifications stopped AND success was signaled\n")
	sb.WriteString("- compare the user message to the original goal; a topic change means new_task\n")
	sb.WriteString("- a delegated piece of the current goal means subtask; unrelated concurrent work means parallel_task\n")
	return sb.String()
}

const driftSystem = `You judge whether a coding assistant's recent actions serve the task goal. Return ONLY a JSON object, no explanation.`

func driftPrompt(in DriftInput) string {
	var sb strings.Builder
	if in.Session != nil {
		sb.WriteString(fmt.Sprintf("Task goal: %s\n", truncate(in.Session.Goal, 500)))
		if len(in.Session.ExpectedScope) > 0 {
			sb.WriteString(fmt.Sprintf("Expected scope: %s\n", strings.Join(in.Session.ExpectedScope, ", ")))
		}
		if len(in.Session.Constraints) > 0 {
			sb.WriteString(fmt.Sprintf("Constraints: %s\n", strings.Join(in.Session.Constraints, "; ")))
		}
	}
	sb.WriteString("\nLatest user message:\n")
	sb.WriteString(truncate(in.UserMessage, 1000))
	sb.WriteString("\n\nRecent actions:\n")
	sb.WriteString(formatSteps(in.RecentSteps, 10))
	sb.WriteString("\nScore alignment as JSON:\n")
	sb.WriteString(`{
  "score": 0-10,
  "drift_type": "scope_creep|wrong_file|constraint_violation|goal_confusion|",
  "diagnostic": "one sentence on what is off, empty when aligned",
  "recovery": ["ordered concrete steps back to the goal, only when score < 8"]
}` + "\n\nRules:\n")
	sb.WriteString("- 10 means every action directly serves the goal\n")
	sb.WriteString("- 8-9: minor detours that still serve the goal\n")
	sb.WriteString("- 5-7: partially off-goal work worth a course correction\n")
	sb.WriteString("- 0-4: actions contradict the goal, scope or constraints\n")
	sb.WriteString("- files inside the expected scope are never drift by themselves\n")
	return sb.String()
}

const recoverySystem = `You judge whether one action follows a recovery plan. Return ONLY a JSON object, no explanation.`

func recoveryPrompt(in RecoveryInput) string {
	var sb strings.Builder
	sb.WriteString("Recovery plan:\n")
	for i, step := range in.Recovery {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
	}
	sb.WriteString("\nAction taken:\n")
	sb.WriteString(formatSteps([]types.Step{in.Step}, 1))
	sb.WriteString("\nJudge as JSON:\n")
	sb.WriteString(`{"aligned": true|false, "reason": "one sentence"}` + "\n")
	sb.WriteString("\nThe action is aligned when it executes or clearly works toward any plan step.\n")
	return sb.String()
}

const extractionSystem = `You distill a finished coding task into reusable team knowledge. Return ONLY a JSON object, no explanation.`

func extractionPrompt(in ExtractionInput) string {
	var sb strings.Builder
	if in.Session != nil {
		sb.WriteString(fmt.Sprintf("Task goal: %s\n", truncate(in.Session.Goal, 500)))
		sb.WriteString(fmt.Sprintf("Original request: %s\n", truncate(in.Session.OriginalQuery, 500)))
	}
	sb.WriteString("\nStep log:\n")
	sb.WriteString(formatSteps(in.Steps, 40))
	sb.WriteString("\nExtract as JSON:\n")
	sb.WriteString(`{
  "reasoning": ["CONCLUSION: verified fact with file paths or values", "INSIGHT: inference that future work should know"],
  "decisions": [{"choice": "what was decided", "reason": "why"}],
  "tags": ["3-8 topical tags"]
}` + "\n\nRules:\n")
	sb.WriteString("- At most 10 reasoning entries; every entry starts with CONCLUSION: or INSIGHT:\n")
	sb.WriteString("- CONCLUSION entries carry concrete evidence (paths, values); INSIGHT entries are inferences\n")
	sb.WriteString("- At most 5 decisions, each with an explicit reason\n")
	sb.WriteString("- Skip speculation and restated goals\n")
	return sb.String()
}

const summarySystem = `You write a handoff summary of an in-flight coding task. Return ONLY the summary text, no preamble.`

func summaryPrompt(in SummaryInput) string {
	var sb strings.Builder
	if in.Session != nil {
		sb.WriteString(fmt.Sprintf("Original goal: %s\n", truncate(in.Session.Goal, 500)))
	}
	sb.WriteString("\nStep log:\n")
	sb.WriteString(formatSteps(in.Steps, 40))
	if len(in.History) > 0 {
		sb.WriteString("\nConversation tail:\n")
		start := len(in.History) - 6
		if start < 0 {
			start = 0
		}
		for _, entry := range in.History[start:] {
			sb.WriteString(fmt.Sprintf("[%s] %s\n", entry.Role, truncate(entry.Text, 300)))
		}
	}
	sb.WriteString("\nWrite a structured plain-text summary with these sections:\n")
	sb.WriteString("Original goal / Progress so far / Key decisions / Files modified / Current state / Next steps\n")
	sb.WriteString("Keep it under 400 words. Preserve exact file paths.\n")
	return sb.String()
}

// formatSteps renders a step log for a prompt, newest last, capped at n.
func formatSteps(steps []types.Step, n int) string {
	if len(steps) == 0 {
		return "(none)\n"
	}
	if len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	var sb strings.Builder
	for i, step := range steps {
		sb.WriteString(fmt.Sprintf("%d. [%s]", i+1, step.Kind))
		if len(step.Files) > 0 {
			sb.WriteString(" " + strings.Join(step.Files, ", "))
		}
		if step.Command != "" {
			sb.WriteString(" $ " + truncate(step.Command, 120))
		}
		if step.Reasoning != "" {
			sb.WriteString(" - " + truncate(step.Reasoning, 200))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncate caps s at n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
