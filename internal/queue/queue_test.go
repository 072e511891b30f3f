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
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeList is an in-memory Redis list keyed by queue name.
type fakeList struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newFakeList() *fakeList { return &fakeList{lists: make(map[string][]string)} }

func (f *fakeList) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeList) BRPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		if l := f.lists[k]; len(l) > 0 {
			v := l[len(l)-1]
			f.lists[k] = l[:len(l)-1]
			return redis.NewStringSliceResult([]string{k, v}, nil)
		}
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeList) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeList) pop(key string) (string, bool) {
	res, err := f.BRPop(context.Background(), 0, key).Result()
	if err != nil {
		return "", false
	}
	return res[1], true
}

// TestPublisher_Publish verifies the task envelope written to the list.
func TestPublisher_Publish(t *testing.T) {
	list := newFakeList()
	p := NewPublisher(list, MailQueue)

	id, err := p.Publish(context.Background(), TaskSendMail, map[string]int64{"mail_id": 7})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	raw, ok := list.pop(MailQueue)
	if !ok {
		t.Fatal("nothing queued")
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.ID != id || task.Type != TaskSendMail {
		t.Errorf("task = %+v", task)
	}
	var payload struct {
		MailID int64 `json:"mail_id"`
	}
	if err := task.Decode(&payload); err != nil || payload.MailID != 7 {
		t.Errorf("payload = %+v, err = %v", payload, err)
	}
}

// TestWorker_RetryThenDeadLetter verifies failing tasks are requeued and
// finally moved to the dead-letter list.
func TestWorker_RetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	list := newFakeList()
	w := NewWorker(WorkerConfig{Client: list, Queue: PushQueue, MaxRetries: 2})
	calls := 0
	w.Handle(TaskPush, func(context.Context, *Task) error {
		calls++
		return errors.New("endpoint down")
	})

	if _, err := NewPublisher(list, PushQueue).Publish(ctx, TaskPush, "x"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		raw, ok := list.pop(PushQueue)
		if !ok {
			t.Fatalf("attempt %d: queue empty", i)
		}
		w.Process(ctx, raw)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if _, ok := list.pop(PushQueue); ok {
		t.Error("task should not be requeued after max retries")
	}
	raw, ok := list.pop(w.DeadQueue())
	if !ok {
		t.Fatal("task not dead-lettered")
	}
	var task Task
	_ = json.Unmarshal([]byte(raw), &task)
	if task.Retries != 2 {
		t.Errorf("Retries = %d, want 2", task.Retries)
	}
}

// TestWorker_RunDispatches verifies Run pops and handles queued tasks until cancelled.
func TestWorker_RunDispatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	list := newFakeList()
	w := NewWorker(WorkerConfig{Client: list, Queue: MailQueue, PollTimeout: time.Millisecond})
	done := make(chan string, 1)
	w.Handle(TaskSendMail, func(_ context.Context, task *Task) error {
		var s string
		_ = task.Decode(&s)
		done <- s
		return nil
	})
	if _, err := NewPublisher(list, MailQueue).Publish(ctx, TaskSendMail, "hello"); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	select {
	case got := <-done:
		if got != "hello" {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task not handled")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
}

// TestWorker_UnknownType verifies tasks without a handler are dead-lettered.
func TestWorker_UnknownType(t *testing.T) {
	list := newFakeList()
	w := NewWorker(WorkerConfig{Client: list, Queue: MailQueue})
	w.Process(context.Background(), `{"id":"1","type":"nope","payload":null}`)
	if _, ok := list.pop(w.DeadQueue()); !ok {
		t.Error("unknown task type should be dead-lettered")
	}
}
