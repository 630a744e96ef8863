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
	"regexp"
	"strings"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// fileTokenRe matches path-like tokens: "pkg/store/schema.go",
// "config.yaml", "./cmd/grov".
var fileTokenRe = regexp.MustCompile(`[\w./\\-]*[\w-]+\.[A-Za-z]{1,8}\b|(?:\./|/)[\w./\\-]+`)

// stopWords are dropped from keyword extraction.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"from": true, "has": true, "have": true, "i": true, "in": true, "is": true,
	"it": true, "me": true, "my": true, "not": true, "of": true, "on": true,
	"or": true, "please": true, "so": true, "that": true, "the": true,
	"then": true, "this": true, "to": true, "use": true, "want": true,
	"we": true, "what": true, "when": true, "with": true, "you": true,
}

// fallbackIntent derives a rough intent without the model: path-like tokens
// become the expected scope, remaining words the keywords.
func fallbackIntent(query string) types.Intent {
	intent := types.Intent{Goal: truncate(strings.TrimSpace(query), 200)}

	seen := make(map[string]bool)
	for _, token := range fileTokenRe.FindAllString(query, -1) {
		token = strings.Trim(token, ".,;:")
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		intent.ExpectedScope = append(intent.ExpectedScope, token)
	}

	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		intent.Keywords = append(intent.Keywords, word)
		if len(intent.Keywords) == 10 {
			break
		}
	}
	return intent
}

// fallbackAnalysis avoids lifecycle churn without a judge: an existing
// session continues, no session starts a new implementation task.
func fallbackAnalysis(in TaskInput) types.TaskAnalysis {
	analysis := types.TaskAnalysis{
		TaskType:  types.TaskImplementation,
		Reasoning: "heuristic classification, auxiliary model unavailable",
	}
	if modifiesNothing(in.RecentSteps) && looksLikeQuestion(in.UserMessage) {
		analysis.TaskType = types.TaskInformation
	}
	if in.Session == nil {
		analysis.Action = types.ActionNewTask
		analysis.CurrentGoal = truncate(strings.TrimSpace(in.UserMessage), 500)
		return analysis
	}
	analysis.Action = types.ActionContinue
	analysis.TaskID = in.Session.ID
	return analysis
}

func modifiesNothing(steps []types.Step) bool {
	for _, step := range steps {
		if step.Kind.Modifying() {
			return false
		}
	}
	return true
}

func looksLikeQuestion(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if strings.HasSuffix(m, "?") {
		return true
	}
	for _, prefix := range []string{"what ", "how ", "why ", "where ", "when ", "which ", "who ", "explain ", "describe "} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// fallbackExtraction harvests directly from the step log: validated
// reasonings become conclusions, key decisions become decisions.
func fallbackExtraction(in ExtractionInput) types.Extraction {
	var ext types.Extraction
	seen := make(map[string]bool)
	for _, step := range in.Steps {
		if !step.Validated || step.Reasoning == "" || seen[step.Reasoning] {
			continue
		}
		seen[step.Reasoning] = true
		if len(ext.Reasoning) < 10 {
			ext.Reasoning = append(ext.Reasoning, "CONCLUSION: "+step.Reasoning)
		}
		if step.KeyDecision && len(ext.Decisions) < 5 {
			ext.Decisions = append(ext.Decisions, types.Decision{
				Choice: summarizeStep(step),
				Reason: step.Reasoning,
			})
		}
	}
	if in.Session != nil {
		ext.Tags = in.Session.Keywords
	}
	return ext
}

func summarizeStep(step types.Step) string {
	switch {
	case len(step.Files) > 0:
		return fmt.Sprintf("%s %s", step.Kind, strings.Join(step.Files, ", "))
	case step.Command != "":
		return fmt.Sprintf("run %s", truncate(step.Command, 80))
	default:
		return string(step.Kind)
	}
}

// fallbackSummary assembles the handoff summary from recorded state alone.
func fallbackSummary(in SummaryInput) string {
	var sb strings.Builder
	sb.WriteString("Original goal: ")
	if in.Session != nil && in.Session.Goal != "" {
		sb.WriteString(in.Session.Goal)
	} else {
		sb.WriteString("(not recorded)")
	}
	sb.WriteString("\n\nProgress so far: ")
	sb.WriteString(fmt.Sprintf("%d recorded steps.", len(in.Steps)))

	var files []string
	seen := make(map[string]bool)
	var decisions []string
	for _, step := range in.Steps {
		if step.Kind.Modifying() {
			for _, f := range step.Files {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
		}
		if step.KeyDecision && step.Reasoning != "" {
			decisions = append(decisions, step.Reasoning)
		}
	}

	sb.WriteString("\n\nKey decisions:\n")
	if len(decisions) == 0 {
		sb.WriteString("(none recorded)\n")
	}
	for _, d := range decisions {
		sb.WriteString("- " + truncate(d, 200) + "\n")
	}

	sb.WriteString("\nFiles modified:\n")
	if len(files) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, f := range files {
		sb.WriteString("- " + f + "\n")
	}

	sb.WriteString("\nCurrent state: in progress.\n")
	sb.WriteString("Next steps: resume from the step log above.\n")
	return sb.String()
}
