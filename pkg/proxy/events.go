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

package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// eventStreamID is the single SSE stream dashboards subscribe to.
const eventStreamID = "grov"

// Event names carried on the feed.
const (
	EventSessionCreated   = "session_created"
	EventSessionCompleted = "session_completed"
	EventDriftDetected    = "drift_detected"
	EventDriftRecovered   = "drift_recovered"
	EventClearPerformed   = "clear_performed"
	EventRequestHandled   = "request_handled"
)

// Events is the live observation feed. Publishing never blocks: a slow
// subscriber misses events rather than holding up the request path.
type Events struct {
	server *sse.Server
	logger *zap.Logger
}

// NewEvents creates the feed. Replay is off; the feed shows live traffic,
// not history.
func NewEvents(logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := sse.New()
	srv.AutoReplay = false
	srv.CreateStream(eventStreamID)
	return &Events{server: srv, logger: logger}
}

// ServeHTTP subscribes the caller. The stream parameter is defaulted so a
// plain GET /events works without knowing the stream name.
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		q := r.URL.Query()
		q.Set("stream", eventStreamID)
		r.URL.RawQuery = q.Encode()
	}
	e.server.ServeHTTP(w, r)
}

// Publish emits one event with a shared envelope of name and UTC time.
func (e *Events) Publish(name string, fields map[string]any) {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["event"] = name
	body["time"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(body)
	if err != nil {
		e.logger.Warn("failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	e.server.TryPublish(eventStreamID, &sse.Event{Event: []byte(name), Data: data})
}

// Close disconnects every subscriber.
func (e *Events) Close() {
	e.server.Close()
}
