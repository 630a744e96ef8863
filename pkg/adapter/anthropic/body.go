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

	"github.com/TonyStef/Grov-sub001/pkg/inject"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

// InjectIntoSystem implements adapter.Adapter by byte-splicing; every
// existing byte, cache markers included, survives untouched.
func (a *Adapter) InjectIntoSystem(raw []byte, text string) ([]byte, error) {
	return inject.IntoSystem(raw, text)
}

// InjectIntoLastUserMessage implements adapter.Adapter by byte-splicing.
func (a *Adapter) InjectIntoLastUserMessage(raw []byte, text string) ([]byte, error) {
	return inject.IntoLastUserMessage(raw, text)
}

// InjectToolIntoRaw implements adapter.Adapter by byte-splicing.
func (a *Adapter) InjectToolIntoRaw(raw []byte, tool json.RawMessage) ([]byte, error) {
	return inject.Tool(raw, tool)
}

// InjectMemory implements adapter.Adapter for paths that rebuild the body
// anyway. Array-form system prompts are decoded into generic maps so
// unknown keys on existing blocks, cache_control among them, round-trip.
func (a *Adapter) InjectMemory(req *types.Request, text string) error {
	if text == "" {
		return nil
	}
	if len(req.System) == 0 {
		sys, err := json.Marshal(text)
		if err != nil {
			return fmt.Errorf("marshal system string: %w", err)
		}
		req.System = sys
		return nil
	}

	var s string
	if err := json.Unmarshal(req.System, &s); err == nil {
		sys, err := json.Marshal(s + "\n\n" + text)
		if err != nil {
			return fmt.Errorf("marshal system string: %w", err)
		}
		req.System = sys
		return nil
	}

	var blocks []map[string]any
	if err := json.Unmarshal(req.System, &blocks); err != nil {
		return fmt.Errorf("decode system blocks: %w", err)
	}
	blocks = append(blocks, map[string]any{"type": "text", "text": text})
	sys, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal system blocks: %w", err)
	}
	req.System = sys
	return nil
}

// InjectDelta implements adapter.Adapter: the text lands at the end of the
// last user message, the same position the byte-splicing path uses.
func (a *Adapter) InjectDelta(req *types.Request, text string) error {
	if text == "" {
		return nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		content, err := appendText(req.Messages[i].Content, text)
		if err != nil {
			return err
		}
		req.Messages[i].Content = content
		return nil
	}
	return inject.ErrNoUserContent
}

// appendText grows message content by text: in place for string content, as
// a trailing text block for array content.
func appendText(content json.RawMessage, text string) (json.RawMessage, error) {
	if len(content) == 0 {
		return json.Marshal(text)
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return json.Marshal(s + "\n\n" + text)
	}
	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	blocks = append(blocks, map[string]any{"type": "text", "text": text})
	return json.Marshal(blocks)
}

// BuildContinueBody implements adapter.Adapter: it extends the conversation
// with the assistant's tool call and a synthetic tool result, producing the
// body for the follow-up round trip. The source request is not modified.
func (a *Adapter) BuildContinueBody(req *types.Request, assistantContent json.RawMessage, toolResult, toolUseID string) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("build continue body: nil request")
	}
	result := types.ContentBlock{
		Type:      "tool_result",
		ToolUseID: toolUseID,
	}
	resultContent, err := json.Marshal(toolResult)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	result.Content = resultContent
	userContent, err := json.Marshal([]types.ContentBlock{result})
	if err != nil {
		return nil, fmt.Errorf("marshal tool result message: %w", err)
	}

	next := *req
	next.Messages = make([]types.Message, 0, len(req.Messages)+2)
	next.Messages = append(next.Messages, req.Messages...)
	next.Messages = append(next.Messages,
		types.Message{Role: "assistant", Content: assistantContent},
		types.Message{Role: "user", Content: userContent},
	)
	body, err := json.Marshal(&next)
	if err != nil {
		return nil, fmt.Errorf("marshal continue body: %w", err)
	}
	return body, nil
}
