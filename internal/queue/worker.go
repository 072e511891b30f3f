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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, task *Task) error

// WorkerConfig holds the configuration for a queue worker.
type WorkerConfig struct {
	Client      List
	Queue       string
	MaxRetries  int
	PollTimeout time.Duration
}

// Worker pops tasks from a queue and runs the handler registered for their type.
// Tasks that fail MaxRetries times are moved to "<queue>:dead".
type Worker struct {
	cfg      WorkerConfig
	pub      *Publisher
	handlers map[string]Handler
}

// NewWorker creates a worker. Register handlers with Handle before Run.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Worker{
		cfg:      cfg,
		pub:      NewPublisher(cfg.Client, cfg.Queue),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a task type.
func (w *Worker) Handle(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// DeadQueue returns the name of the dead-letter list.
func (w *Worker) DeadQueue() string {
	return w.cfg.Queue + ":dead"
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker started", "queue", w.cfg.Queue)
	for {
		if ctx.Err() != nil {
			slog.Info("queue worker stopped", "queue", w.cfg.Queue)
			return nil
		}
		res, err := w.cfg.Client.BRPop(ctx, w.cfg.PollTimeout, w.cfg.Queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("queue pop failed", "queue", w.cfg.Queue, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		w.Process(ctx, res[1])
	}
}

// Process runs one raw task. Failures are retried or dead-lettered; the
// error is logged rather than returned.
func (w *Worker) Process(ctx context.Context, raw string) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		slog.Error("discarding malformed task", "queue", w.cfg.Queue, "error", err)
		return
	}
	h, ok := w.handlers[task.Type]
	if !ok {
		slog.Warn("no handler for task type", "type", task.Type, "task_id", task.ID)
		w.deadLetter(ctx, &task)
		return
	}

	err := h(ctx, &task)
	if err == nil {
		return
	}

	task.Retries++
	if task.Retries >= w.cfg.MaxRetries {
		slog.Error("task failed permanently",
			"task_id", task.ID,
			"type", task.Type,
			"retries", task.Retries,
			"error", err,
		)
		w.deadLetter(ctx, &task)
		return
	}
	slog.Warn("task failed, requeueing",
		"task_id", task.ID,
		"type", task.Type,
		"retries", task.Retries,
		"error", err,
	)
	if err := w.pub.push(ctx, w.cfg.Queue, &task); err != nil {
		slog.Error("requeue failed", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, task *Task) {
	if err := w.pub.push(ctx, w.DeadQueue(), task); err != nil {
		slog.Error("dead-letter push failed", "task_id", task.ID, "error", fmt.Errorf("queue %s: %w", w.DeadQueue(), err))
	}
}
