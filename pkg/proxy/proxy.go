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

// Package proxy is the HTTP front end of grov. It accepts provider-shaped
// requests from coding assistants, injects team memory and per-session
// context without disturbing the byte prefix the provider's prompt cache
// matches on, forwards upstream, replays the response verbatim, and hands
// everything learned from the exchange to a background pool so the client
// never waits on it.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/csync"
	"github.com/TonyStef/Grov-sub001/internal/version"
	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/drift"
	"github.com/TonyStef/Grov-sub001/pkg/memory"
	"github.com/TonyStef/Grov-sub001/pkg/orchestrator"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/worker"
)

const (
	defaultMaxBodyBytes    = 10 << 20
	defaultPrecomputeRatio = 0.85
)

// defaultBypassModels are model-name fragments served without
// interception. Coding assistants call these small models for their own
// internal chores; injecting context there only burns tokens.
var defaultBypassModels = []string{"haiku", "mini"}

// Config wires a Proxy.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int

	Adapters     *adapter.Registry
	Store        *store.Store
	Memory       *memory.Builder
	Drift        *drift.Checker
	Orchestrator *orchestrator.Orchestrator
	Helper       *assist.Helper
	Workers      *worker.Pool

	// Events is the observation feed. Nil means a fresh one.
	Events *Events

	// MaxBodyBytes caps accepted request bodies. Zero means 10 MiB.
	MaxBodyBytes int64

	// ClearThreshold is the context size in tokens past which the next
	// turn-opening request resets the conversation. Zero disables the
	// reset entirely.
	ClearThreshold int

	// PrecomputeRatio is the share of ClearThreshold at which the
	// handoff summary is prepared in the background. Zero means 0.85.
	PrecomputeRatio float64

	// BypassModels overrides the model-name fragments that skip
	// interception. Nil keeps the haiku and mini defaults.
	BypassModels []string

	// Console receives the per-request line. Nil means stdout.
	Console io.Writer

	Logger *zap.Logger
}

// Proxy is the interception server. All mutable per-session state lives
// here: observed message counts, in-flight summaries, and the memoized
// blocks and drift results owned by the injected collaborators.
type Proxy struct {
	addr     string
	adapters *adapter.Registry
	store    *store.Store
	memory   *memory.Builder
	drift    *drift.Checker
	orch     *orchestrator.Orchestrator
	helper   *assist.Helper
	workers  *worker.Pool
	events   *Events
	console  *consoleLogger
	logger   *zap.Logger

	maxBody  int64
	clearAt  int
	preRatio float64
	bypass   []string

	started time.Time
	server  *http.Server

	// msgCounts holds the last observed message count per session, the
	// basis of the first/retry/continuation classification.
	msgCounts *csync.Map[string, int]

	// summarizing marks sessions with a summary job in flight so one
	// threshold crossing schedules exactly one job.
	summarizing *csync.Map[string, bool]
}

// New creates a Proxy. It does not listen until Start.
func New(cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = NewEvents(logger)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	ratio := cfg.PrecomputeRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultPrecomputeRatio
	}
	bypass := cfg.BypassModels
	if bypass == nil {
		bypass = defaultBypassModels
	}
	return &Proxy{
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		adapters:    cfg.Adapters,
		store:       cfg.Store,
		memory:      cfg.Memory,
		drift:       cfg.Drift,
		orch:        cfg.Orchestrator,
		helper:      cfg.Helper,
		workers:     cfg.Workers,
		events:      events,
		console:     newConsoleLogger(cfg.Console),
		logger:      logger,
		maxBody:     maxBody,
		clearAt:     cfg.ClearThreshold,
		preRatio:    ratio,
		bypass:      bypass,
		started:     time.Now(),
		msgCounts:   csync.NewMap[string, int](),
		summarizing: csync.NewMap[string, bool](),
	}
}

// Events returns the observation feed so other components can publish.
func (p *Proxy) Events() *Events { return p.events }

// Handler returns the routed handler: health probe, event feed, and the
// adapter-matched interception path for everything else.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/events", p.handleEvents)
	mux.HandleFunc("/", p.handleProxy)
	return p.recoverPanics(mux)
}

// Start listens and serves until Stop. WriteTimeout stays zero because
// both the upstream replay and the event feed hold the connection open.
func (p *Proxy) Start() error {
	p.server = &http.Server{
		Addr:         p.addr,
		Handler:      p.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Stop closes the event feed first, releasing its long-lived subscriber
// connections, then drains in-flight requests.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	p.events.Close()
	return p.server.Shutdown(ctx)
}

// recoverPanics contains a handler panic to its own request.
func (p *Proxy) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				p.writeError(w, http.StatusInternalServerError, "api_error", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		p.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	stats, err := p.store.Stats(r.Context())
	if err != nil {
		p.logger.Error("health stats failed", zap.Error(err))
		p.writeError(w, http.StatusInternalServerError, "api_error", "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthReport{
		Status:            "ok",
		Version:           version.Get(),
		UptimeSeconds:     int64(time.Since(p.started).Seconds()),
		SessionsActive:    stats.ActiveSessions,
		TeamMemoryEntries: stats.TeamMemoryEntries,
	})
}

type healthReport struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_s"`
	SessionsActive    int    `json:"sessions_active"`
	TeamMemoryEntries int    `json:"team_memory_entries"`
}

func (p *Proxy) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		p.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	p.events.ServeHTTP(w, r)
}

// writeError answers with the provider-shaped error envelope, so clients
// parse proxy-originated failures with the same code path they already
// have for upstream ones.
func (p *Proxy) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: kind, Message: message},
	})
}

type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
