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

package fetchmail

import (
	"context"
	"log/slog"
	"time"
)

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	Servers []Server
	Since   time.Duration // lookback window (e.g. 168h = 1 week)
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	Servers        []RunResult
	TotalProcessed int
	TotalSkipped   int
	Elapsed        time.Duration
}

// Backfill processes every message received within the lookback window,
// read or not. Flags are left untouched; messages already in the store
// are skipped by the gateway.
func (f *Fetcher) Backfill(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := time.Now()
	since := start.UTC().Add(-req.Since)

	slog.Info("starting historical backfill",
		"servers", len(req.Servers),
		"since", since.Format(time.RFC3339),
	)

	result := &BackfillResult{}
	for _, srv := range req.Servers {
		rr, err := f.run(ctx, srv, since, false)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			slog.Error("backfill failed for mailbox", "server", srv.Name, "error", err)
			// Continue with other mailboxes
			rr.Errors++
		}
		result.Servers = append(result.Servers, rr)
		result.TotalProcessed += rr.Processed
		result.TotalSkipped += rr.Skipped
	}

	result.Elapsed = time.Since(start)
	slog.Info("historical backfill complete",
		"total_processed", result.TotalProcessed,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
	return result, nil
}
