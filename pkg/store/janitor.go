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

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartJanitor begins the hourly retention sweep: completed sessions older
// than retention are deleted together with their steps and drift events.
// Promoted team memory is permanent and never swept.
func (s *Store) StartJanitor(retention time.Duration) error {
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", retention)
	}
	if s.cron != nil {
		return fmt.Errorf("janitor already running")
	}

	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := s.CleanupOldCompleted(ctx, retention)
		if err != nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("retention sweep removed sessions",
				zap.Int64("count", n),
				zap.Duration("retention", retention))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	c.Start()
	s.cron = c
	s.logger.Debug("janitor started", zap.Duration("retention", retention))
	return nil
}

// StopJanitor stops the retention sweep and waits for an in-flight run to
// finish. Safe to call when the janitor never started.
func (s *Store) StopJanitor() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
