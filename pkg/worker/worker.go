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

// Package worker is the bounded fire-and-forget pool for post-response work:
// step persistence, task analysis, drift checks, summary pre-computation.
// Jobs run on a detached context so client disconnects never abandon state
// half-written, and a panicking job takes down nothing but itself.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	defaultWorkers = 4
	defaultQueue   = 64
)

// Config wires a Pool.
type Config struct {
	// Workers is the number of goroutines draining the queue. Zero means 4.
	Workers int

	// Queue is the job buffer size. Zero means 64. When the buffer is full
	// further submissions are dropped, not blocked: the response path must
	// never wait on background work.
	Queue int

	Logger *zap.Logger
}

type job struct {
	name string
	fn   func(context.Context)
}

// Pool runs background jobs with bounded concurrency. Safe for concurrent
// use.
type Pool struct {
	jobs    chan job
	quit    chan struct{}
	logger  *zap.Logger
	workers int

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Int64
	ran     atomic.Int64
}

// New creates a Pool. Call Start before submitting.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queue := cfg.Queue
	if queue <= 0 {
		queue = defaultQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobs:    make(chan job, queue),
		quit:    make(chan struct{}),
		logger:  logger,
		workers: workers,
	}
}

// Start spawns the worker goroutines. Safe to call more than once;
// subsequent calls are no-ops.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Debug("worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
}

// Submit queues a job for background execution. Returns false when the pool
// is stopped or the queue is full; the job is dropped in both cases.
func (p *Pool) Submit(name string, fn func(context.Context)) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("background queue full, job dropped", zap.String("job", name))
		return false
	}
}

// Stop rejects further submissions, lets workers drain the queue, and waits
// for them up to the context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Debug("worker pool stopped", zap.Int64("ran", p.ran.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of jobs waiting in the buffer.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Dropped returns how many submissions were rejected on a full queue.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Ran returns how many jobs completed, panicked ones included.
func (p *Pool) Ran() int64 {
	return p.ran.Load()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		case <-p.quit:
			// Finish what is already queued before exiting.
			for {
				select {
				case j := <-p.jobs:
					p.run(j)
				default:
					return
				}
			}
		}
	}
}

// run executes one job on a detached context. Jobs dispatched for a turn
// must finish even when the originating request is long gone.
func (p *Pool) run(j job) {
	defer p.ran.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	j.fn(context.Background())
}
