// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs retention cleanup daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// Scheduler runs Logger.Cleanup on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *Logger
}

// NewScheduler registers cleanup on schedule (standard five-field cron
// syntax). An empty schedule uses DefaultSchedule.
func NewScheduler(logger *Logger, schedule string, loc *time.Location) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule cleanup %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.logger.Cleanup(ctx); err != nil {
		slog.Error("scheduled retention cleanup failed", "error", err)
	}
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running cleanup to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
