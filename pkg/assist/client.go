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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// DefaultModel is the haiku-class model used when none is configured.
const DefaultModel = "claude-haiku-4-5"

// ErrNoAPIKey is returned when a completion is attempted with no key
// available from the key source.
var ErrNoAPIKey = errors.New("assist: no API key available")

// ClientConfig configures the SDK-backed completer.
type ClientConfig struct {
	// Keys supplies the API key per call, so file rotation takes effect
	// without rebuilding the client.
	Keys *KeySource

	// Model overrides DefaultModel.
	Model string

	// BaseURL overrides the SDK endpoint, used by tests.
	BaseURL string

	Logger *zap.Logger
}

// SDKCompleter implements Completer over the official SDK.
type SDKCompleter struct {
	client anthropic.Client
	keys   *KeySource
	model  string
	logger *zap.Logger
}

var _ Completer = (*SDKCompleter)(nil)

// NewSDKCompleter creates the completer.
func NewSDKCompleter(cfg ClientConfig) *SDKCompleter {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &SDKCompleter{
		client: anthropic.NewClient(opts...),
		keys:   cfg.Keys,
		model:  model,
		logger: logger,
	}
}

// Complete implements Completer.
func (c *SDKCompleter) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	key := c.keys.Key()
	if key == "" {
		return "", ErrNoAPIKey
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return "", fmt.Errorf("auxiliary model call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
