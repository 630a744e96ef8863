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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Model outputs pass three gates before they are trusted: locate the JSON
// object in the completion text, strip prototype-pollution keys, validate
// against the operation's schema. Anything that fails a gate sends the
// caller to its heuristic fallback.

var errNoJSON = errors.New("no JSON object in completion")

const intentSchema = `{
	"type": "object",
	"required": ["goal", "keywords"],
	"properties": {
		"goal": {"type": "string"},
		"expected_scope": {"type": "array", "items": {"type": "string"}},
		"constraints": {"type": "array", "items": {"type": "string"}},
		"success_criteria": {"type": "array", "items": {"type": "string"}},
		"keywords": {"type": "array", "items": {"type": "string"}}
	}
}`

const taskSchema = `{
	"type": "object",
	"required": ["task_type", "action"],
	"properties": {
		"task_type": {"type": "string", "enum": ["information", "planning", "implementation"]},
		"action": {"type": "string", "enum": ["continue", "new_task", "subtask", "parallel_task", "task_complete", "subtask_complete"]},
		"task_id": {"type": "string"},
		"current_goal": {"type": "string"},
		"parent_task_id": {"type": "string"},
		"reasoning": {"type": "string"},
		"step_reasoning": {"type": "string"}
	}
}`

const driftSchema = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "integer"},
		"drift_type": {"type": "string"},
		"diagnostic": {"type": "string"},
		"recovery": {"type": "array", "items": {"type": "string"}}
	}
}`

const recoverySchema = `{
	"type": "object",
	"required": ["aligned"],
	"properties": {
		"aligned": {"type": "boolean"},
		"reason": {"type": "string"}
	}
}`

const extractionSchema = `{
	"type": "object",
	"required": ["reasoning"],
	"properties": {
		"reasoning": {"type": "array", "items": {"type": "string"}},
		"decisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["choice", "reason"],
				"properties": {
					"choice": {"type": "string"},
					"reason": {"type": "string"}
				}
			}
		},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

// decodeValidated runs the full gate sequence and unmarshals into out.
func decodeValidated(schema, completion string, out any) error {
	doc, err := extractJSON(completion)
	if err != nil {
		return err
	}
	clean, err := stripUnsafeKeys(doc)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(clean),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return fmt.Errorf("completion violates schema: %s", strings.Join(details, "; "))
	}

	if err := json.Unmarshal(clean, out); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

// extractJSON locates the JSON object in a completion, tolerating markdown
// fences and prose around it.
func extractJSON(completion string) ([]byte, error) {
	s := stripFences(completion)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	return []byte(s[start : end+1]), nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// unsafeKeys are dropped from every object level. Helper output flows into
// stored JSON that downstream tooling may merge into config objects, so
// prototype-pollution vectors are removed at the trust boundary.
var unsafeKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// stripUnsafeKeys re-encodes doc with unsafe keys removed recursively.
func stripUnsafeKeys(doc []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("parse completion JSON: %w", err)
	}
	return json.Marshal(scrub(v))
}

func scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for key, val := range t {
			if unsafeKeys[key] {
				delete(t, key)
				continue
			}
			t[key] = scrub(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = scrub(val)
		}
		return t
	default:
		return v
	}
}
