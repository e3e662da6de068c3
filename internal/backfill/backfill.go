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

// Package backfill replays archived raw messages (.eml files) through the
// ingestion pipeline. It is used to seed new deployments and to recover
// deliveries the relay dropped during an outage. Replays are idempotent:
// messages already stored come back as duplicates.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/pipeline"
)

// Processor runs one delivery through ingestion.
type Processor interface {
	Process(ctx context.Context, p *normalize.Payload) (*pipeline.Result, error)
}

// Request defines the scope of a replay run.
type Request struct {
	Dirs  []string      // directories holding .eml files
	Since time.Duration // only files modified within this window; zero means all
}

// Result summarises a completed replay run.
type Result struct {
	DirResults     []DirResult
	TotalStored    int
	TotalDuplicate int
	TotalArchived  int
	TotalErrors    int
	Elapsed        time.Duration
}

// DirResult tracks per-directory progress.
type DirResult struct {
	Dir       string
	Stored    int
	Duplicate int
	Archived  int
	Malformed int
	Errors    int
}

// Runner performs replays.
type Runner struct {
	processor Processor
	delay     time.Duration // pause between messages to spare the store
	now       func() time.Time
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Processor Processor
	Delay     time.Duration
	Now       func() time.Time
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		processor: cfg.Processor,
		delay:     cfg.Delay,
		now:       cfg.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run replays every directory in req. A directory that cannot be read is
// logged and counted as one error; the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var cutoff time.Time
	if req.Since > 0 {
		cutoff = r.now().Add(-req.Since)
	}

	slog.Info("starting replay",
		"dirs", len(req.Dirs),
		"since", req.Since,
	)

	result := &Result{}
	for _, dir := range req.Dirs {
		dr, err := r.replayDir(ctx, dir, cutoff)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
		if err != nil {
			slog.Error("replay failed for directory", "dir", dir, "error", err)
			// Continue with other directories
			dr = DirResult{Dir: dir, Errors: 1}
		}

		result.DirResults = append(result.DirResults, dr)
		result.TotalStored += dr.Stored
		result.TotalDuplicate += dr.Duplicate
		result.TotalArchived += dr.Archived
		result.TotalErrors += dr.Errors + dr.Malformed
	}

	result.Elapsed = time.Since(start)

	slog.Info("replay complete",
		"total_stored", result.TotalStored,
		"total_duplicate", result.TotalDuplicate,
		"total_archived", result.TotalArchived,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// replayDir processes the .eml files of one directory in name order.
func (r *Runner) replayDir(ctx context.Context, dir string, cutoff time.Time) (DirResult, error) {
	dr := DirResult{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return dr, fmt.Errorf("read dir %s: %w", dir, err)
	}

	processed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".eml") {
			continue
		}
		if !cutoff.IsZero() {
			info, err := entry.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				continue
			}
		}

		if processed > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return dr, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return dr, err
		}
		processed++

		path := filepath.Join(dir, entry.Name())
		res, err := r.replayFile(ctx, path)
		switch {
		case errors.Is(err, normalize.ErrMalformedPayload):
			slog.Warn("replay: malformed message", "file", path, "error", err)
			dr.Malformed++
			continue
		case err != nil:
			slog.Warn("replay: processing failed", "file", path, "error", err)
			dr.Errors++
			continue
		}

		switch res.Outcome {
		case pipeline.OutcomeStored:
			dr.Stored++
		case pipeline.OutcomeDuplicate:
			dr.Duplicate++
		case pipeline.OutcomeArchived:
			dr.Archived++
		}
	}

	slog.Info("directory replay complete",
		"dir", dir,
		"stored", dr.Stored,
		"duplicate", dr.Duplicate,
		"archived", dr.Archived,
		"malformed", dr.Malformed,
		"errors", dr.Errors,
	)

	return dr, nil
}

func (r *Runner) replayFile(ctx context.Context, path string) (*pipeline.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	payload, err := normalize.PayloadFromRaw(raw)
	if err != nil {
		return nil, err
	}
	return r.processor.Process(ctx, payload)
}
