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
	"bytes"
	"encoding/json"
	"strings"

	"github.com/TonyStef/Grov-sub001/pkg/types"
)

type sseEvent struct {
	name string
	data []byte
}

// parseEvents splits a captured event stream into its events. A trailing
// event without a terminating blank line is still emitted, so a stream cut
// off before message_stop yields everything received.
func parseEvents(raw []byte) []sseEvent {
	var events []sseEvent
	var current sseEvent
	var data [][]byte

	flush := func() {
		if current.name != "" || len(data) > 0 {
			current.data = bytes.Join(data, []byte("\n"))
			events = append(events, current)
		}
		current = sseEvent{}
		data = nil
	}

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0:
			flush()
		case bytes.HasPrefix(line, []byte("event:")):
			current.name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
		// Comment lines (":") and unknown fields are ignored.
	}
	flush()
	return events
}

// streamDelta is the delta payload of content_block_delta / message_delta.
type streamDelta struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// streamEnvelope is the union shape of every stream event payload.
type streamEnvelope struct {
	Type         string                 `json:"type"`
	Message      *types.ResponseMessage `json:"message,omitempty"`
	Index        int                    `json:"index"`
	ContentBlock *types.ContentBlock    `json:"content_block,omitempty"`
	Delta        *streamDelta           `json:"delta,omitempty"`
	Usage        *types.TokenUsage      `json:"usage,omitempty"`
}

// assembleStream reconstructs the full message from a captured event
// stream: message_start seeds identity and input usage, content blocks
// accumulate text and tool-input fragments by index, message_delta carries
// the stop reason and output usage. Returns nil when no message_start was
// seen; the caller then skips post-processing but still replays the bytes.
func assembleStream(raw []byte) *types.ResponseMessage {
	var msg *types.ResponseMessage
	var blocks []*types.ContentBlock
	partials := make(map[int]*strings.Builder)

	ensure := func(index int) *types.ContentBlock {
		for len(blocks) <= index {
			blocks = append(blocks, &types.ContentBlock{})
		}
		return blocks[index]
	}

	for _, ev := range parseEvents(raw) {
		var env streamEnvelope
		if err := json.Unmarshal(ev.data, &env); err != nil {
			continue
		}
		kind := env.Type
		if kind == "" {
			kind = ev.name
		}

		switch kind {
		case "message_start":
			if env.Message != nil {
				m := *env.Message
				msg = &m
			}
		case "content_block_start":
			if env.ContentBlock != nil {
				*ensure(env.Index) = *env.ContentBlock
			}
		case "content_block_delta":
			if env.Delta == nil {
				continue
			}
			block := ensure(env.Index)
			switch env.Delta.Type {
			case "text_delta":
				block.Text += env.Delta.Text
			case "input_json_delta":
				sb, ok := partials[env.Index]
				if !ok {
					sb = &strings.Builder{}
					partials[env.Index] = sb
				}
				sb.WriteString(env.Delta.PartialJSON)
			}
		case "message_delta":
			if msg == nil {
				continue
			}
			if env.Delta != nil {
				if env.Delta.StopReason != "" {
					msg.StopReason = env.Delta.StopReason
				}
				if env.Delta.StopSequence != "" {
					msg.StopSequence = env.Delta.StopSequence
				}
			}
			if env.Usage != nil && env.Usage.OutputTokens > 0 {
				msg.Usage.OutputTokens = env.Usage.OutputTokens
			}
		}
	}

	if msg == nil {
		return nil
	}

	for index, sb := range partials {
		if index < len(blocks) && sb.Len() > 0 {
			blocks[index].Input = json.RawMessage(sb.String())
		}
	}
	content := make([]types.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		content = append(content, *b)
	}
	msg.Content = content
	return msg
}
