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

// Package anthropic adapts the Anthropic Messages API: request parsing,
// upstream forwarding with full event-stream capture, response
// normalization, and action extraction for the tool names coding clients
// send.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/types"
)

const messagesPath = "/v1/messages"

// Config configures the adapter.
type Config struct {
	// BaseURL is the upstream API root, e.g. https://api.anthropic.com.
	BaseURL string

	// Timeout bounds one full forward including stream consumption.
	// Zero means 10 minutes; long tool-heavy turns stream slowly.
	Timeout time.Duration

	// Client overrides the HTTP client, used by tests.
	Client *http.Client

	Logger *zap.Logger
}

// Adapter implements adapter.Adapter for the Anthropic Messages API.
type Adapter struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the adapter.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		client:  client,
		logger:  logger,
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "anthropic" }

// CanHandle implements adapter.Adapter.
func (a *Adapter) CanHandle(path string) bool {
	return path == messagesPath
}

// hopHeaders are never forwarded upstream. Accept-Encoding is replaced so
// the decode path below stays in control of compression.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
	"accept-encoding":     true,
}

// Forward implements adapter.Adapter. The upstream response is consumed in
// full before returning: a JSON body is decoded (gzip/zstd included), an
// event stream is captured verbatim and assembled into a normalized
// message. Non-2xx statuses are not errors; the caller passes them through.
func (a *Adapter) Forward(ctx context.Context, body []byte, header http.Header) (*adapter.ForwardResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, values := range header {
		if hopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", adapter.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", adapter.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := decodeBody(resp)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", adapter.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	result := &adapter.ForwardResult{
		Status:  resp.StatusCode,
		Header:  adapter.FilterResponseHeaders(resp.Header),
		RawBody: raw,
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		result.WasEventStream = true
		result.Message = assembleStream(raw)
	} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var msg types.ResponseMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			result.Message = &msg
		}
	}

	a.logger.Debug("forwarded upstream",
		zap.Int("status", resp.StatusCode),
		zap.Bool("stream", result.WasEventStream),
		zap.Int("bytes", len(raw)),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

// decodeBody reads the full response, reversing gzip or zstd encoding.
// The transport's automatic gzip handling is off because Accept-Encoding
// is set explicitly above.
func decodeBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(resp.Body)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
